// internal/model/usage.go
package model

// Usage is the set of counters one record (or many) contributes to a day.
type Usage struct {
	CO2           float64 `json:"CO2"` // grams
	KWH           float64 `json:"KWH"`
	Size          float64 `json:"size"` // bytes
	NumberOfCalls float64 `json:"numberOfCalls"`
}

// Add returns the element-wise sum.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		CO2:           u.CO2 + o.CO2,
		KWH:           u.KWH + o.KWH,
		Size:          u.Size + o.Size,
		NumberOfCalls: u.NumberOfCalls + o.NumberOfCalls,
	}
}

// PerCapita divides every metric by n.
// n <= 0 yields an explicit zero Usage instead of Inf/NaN.
func (u Usage) PerCapita(n int) Usage {
	if n <= 0 {
		return Usage{}
	}
	d := float64(n)
	return Usage{
		CO2:           u.CO2 / d,
		KWH:           u.KWH / d,
		Size:          u.Size / d,
		NumberOfCalls: u.NumberOfCalls / d,
	}
}

// UsageBucket
// ------------------------------------------------------------
// Raw totals across all users for one calendar day.
// Date is the start of the day in epoch milliseconds (server reference timezone).
// Buckets are unique by Date and only ever accumulate.
type UsageBucket struct {
	Date int64 `json:"date"`
	Usage
}

// UsageSummary is the per-capita view of a bucket. Computed on read, never stored.
type UsageSummary = Usage

// UsageDetails
// ------------------------------------------------------------
// Totals for a single user: today, the last seven days (today included)
// and all time. Sizes in bytes, CO2 in grams.
type UsageDetails struct {
	Today      int64   `json:"today"`
	Last7Days  int64   `json:"last7Days"`
	TotalUsage int64   `json:"totalUsage"`
	TodayCO2   float64 `json:"todayCO2"`
	Last7CO2   float64 `json:"last7DaysCO2"`
	TotalCO2   float64 `json:"totalUsageCO2"`
}
