package archive

import (
	"fmt"
	"time"
)

// BuildKey
// ------------------------------------------------------------
// Standard object key layout, partitioned for Athena/Glue scans:
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// dt/hr are taken from t in loc (nil means UTC).
func BuildKey(prefix, filename string, t time.Time, loc *time.Location) string {
	dt, hr := Partition(t, loc)
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, dt, hr, filename)
}

// Partition returns the "YYYY-MM-DD" and "HH" partition values of t.
func Partition(t time.Time, loc *time.Location) (dt, hr string) {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return lt.Format("2006-01-02"), lt.Format("15")
}
