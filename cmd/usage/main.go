// Command usage prints the per-capita daily usage of the last N days as a
// terminal chart.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"carbon-ingest/internal/report"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	_ = godotenv.Load()

	var (
		baseURL = pflag.StringP("url", "u", envOr("INGEST_URL", "http://localhost:8080"), "ingestion server base URL")
		token   = pflag.StringP("token", "t", os.Getenv("CARBON_TOKEN"), "bearer token (env CARBON_TOKEN)")
		days    = pflag.IntP("days", "d", 7, "number of days to include")
		metric  = pflag.StringP("metric", "m", "co2", "co2 | kwh | size | calls")
		height  = pflag.Int("height", 12, "chart height in rows")
		tz      = pflag.String("tz", "Local", "timezone used to print dates")
		timeout = pflag.Duration("timeout", 10*time.Second, "request timeout")
	)
	pflag.Parse()

	if err := run(*baseURL, *token, *days, *metric, *height, *tz, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "usage:", err)
		os.Exit(1)
	}
}

func run(baseURL, token string, days int, metricName string, height int, tz string, timeout time.Duration) error {
	if token == "" {
		return fmt.Errorf("a bearer token is required (--token or CARBON_TOKEN)")
	}
	metric, err := report.ParseMetric(metricName)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", tz, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	total, err := report.Fetch(ctx, http.DefaultClient, baseURL, token, days)
	if err != nil {
		return err
	}
	return report.Render(os.Stdout, total, metric, height, loc)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
