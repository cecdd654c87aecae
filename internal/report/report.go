// Package report fetches per-capita daily usage from the API and renders it
// as a terminal chart.
package report

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"carbon-ingest/internal/model"

	json "github.com/goccy/go-json"
	"github.com/guptarohit/asciigraph"
)

// Metric selects which counter is plotted.
type Metric string

const (
	MetricCO2   Metric = "co2"
	MetricKWH   Metric = "kwh"
	MetricSize  Metric = "size"
	MetricCalls Metric = "calls"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(s)); m {
	case MetricCO2, MetricKWH, MetricSize, MetricCalls:
		return m, nil
	}
	return "", fmt.Errorf("unknown metric %q (co2, kwh, size, calls)", s)
}

func (m Metric) value(u model.UsageSummary) float64 {
	switch m {
	case MetricKWH:
		return u.KWH
	case MetricSize:
		return u.Size
	case MetricCalls:
		return u.NumberOfCalls
	default:
		return u.CO2
	}
}

func (m Metric) unit() string {
	switch m {
	case MetricKWH:
		return "kWh"
	case MetricSize:
		return "bytes"
	case MetricCalls:
		return "calls"
	default:
		return "g CO2"
	}
}

// Total is the GET /network-call/total-usage/{days} answer.
type Total struct {
	Usage         map[int64]model.UsageSummary `json:"usage"`
	NumberOfUsers int                          `json:"numberOfUsers"`
}

// Day is one point of the series.
type Day struct {
	Date  int64
	Usage model.UsageSummary
}

// Days returns the usage ordered by date.
func (t Total) Days() []Day {
	out := make([]Day, 0, len(t.Usage))
	for d, u := range t.Usage {
		out = append(out, Day{Date: d, Usage: u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Fetch calls the total usage endpoint.
func Fetch(ctx context.Context, client *http.Client, baseURL, token string, days int) (Total, error) {
	url := fmt.Sprintf("%s/network-call/total-usage/%d", strings.TrimRight(baseURL, "/"), days)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Total{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return Total{}, fmt.Errorf("get total usage: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Total{}, fmt.Errorf("read total usage: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Total{}, fmt.Errorf("get total usage: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var t Total
	if err := json.Unmarshal(body, &t); err != nil {
		return Total{}, fmt.Errorf("decode total usage: %w", err)
	}
	return t, nil
}

// Render writes a chart of metric followed by one line per day.
// Dates are printed in loc.
func Render(w io.Writer, t Total, metric Metric, height int, loc *time.Location) error {
	days := t.Days()
	if len(days) == 0 {
		_, err := fmt.Fprintf(w, "no usage recorded (%d users)\n", t.NumberOfUsers)
		return err
	}
	if loc == nil {
		loc = time.Local
	}

	series := make([]float64, len(days))
	for i, d := range days {
		series[i] = metric.value(d.Usage)
	}
	// asciigraph needs two points to draw a line
	if len(series) == 1 {
		series = append(series, series[0])
	}

	caption := fmt.Sprintf("%s per user per day, %d users", metric.unit(), t.NumberOfUsers)
	graph := asciigraph.Plot(series,
		asciigraph.Height(height),
		asciigraph.Caption(caption),
	)
	if _, err := fmt.Fprintln(w, graph); err != nil {
		return err
	}
	fmt.Fprintln(w)

	for _, d := range days {
		date := time.UnixMilli(d.Date).In(loc).Format("2006-01-02")
		if _, err := fmt.Fprintf(w, "%s  %14.4f %s\n", date, metric.value(d.Usage), metric.unit()); err != nil {
			return err
		}
	}
	return nil
}
