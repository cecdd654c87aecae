// Package carbon turns transferred bytes into energy and emissions.
package carbon

import "carbon-ingest/internal/model"

const (
	// DefaultKWHPerGB is the energy intensity of data transfer (kWh per gigabyte).
	DefaultKWHPerGB = 0.81
	// DefaultGramsPerKWH is the grid carbon intensity (grams CO2e per kWh).
	DefaultGramsPerKWH = 442.0

	bytesPerGB = 1_000_000_000
)

// Model holds the two intensities the estimate depends on.
type Model struct {
	KWHPerGB    float64
	GramsPerKWH float64
}

// Default returns the model with the built-in intensities.
func Default() Model {
	return Model{KWHPerGB: DefaultKWHPerGB, GramsPerKWH: DefaultGramsPerKWH}
}

// Usage returns the counters one call of size bytes contributes to its day.
func (m Model) Usage(size int64) model.Usage {
	if size < 0 {
		size = 0
	}
	kwh := float64(size) / bytesPerGB * m.KWHPerGB
	return model.Usage{
		CO2:           kwh * m.GramsPerKWH,
		KWH:           kwh,
		Size:          float64(size),
		NumberOfCalls: 1,
	}
}
