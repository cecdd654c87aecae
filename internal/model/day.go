// internal/model/day.go
package model

import "time"

// DayMillis is the length of one bucket day.
const DayMillis = int64(24 * time.Hour / time.Millisecond)

// StartOfDay returns local midnight (in loc) of t as epoch milliseconds.
// Two timestamps share a bucket iff their StartOfDay values are equal.
func StartOfDay(t time.Time, loc *time.Location) int64 {
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).UnixMilli()
}

// DayOf buckets an epoch-millisecond timestamp.
func DayOf(ms int64, loc *time.Location) int64 {
	return StartOfDay(time.UnixMilli(ms), loc)
}

// DaysBefore returns the bucket lower bound "days" calendar days before the
// start of today: startOfDay(now) - days*24h.
func DaysBefore(now time.Time, days int, loc *time.Location) int64 {
	return StartOfDay(now, loc) - int64(days)*DayMillis
}
