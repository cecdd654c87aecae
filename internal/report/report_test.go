package report

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"carbon-ingest/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("KWH")
	require.NoError(t, err)
	assert.Equal(t, MetricKWH, m)

	_, err = ParseMetric("watts")
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/network-call/total-usage/3", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"usage":{"86400000":{"CO2":5,"KWH":1,"size":10,"numberOfCalls":2},"0":{"CO2":1,"KWH":0,"size":0,"numberOfCalls":0}},"numberOfUsers":2}`))
	}))
	defer ts.Close()

	total, err := Fetch(context.Background(), ts.Client(), ts.URL+"/", "tok", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, total.NumberOfUsers)

	days := total.Days()
	require.Len(t, days, 2)
	assert.EqualValues(t, 0, days[0].Date)
	assert.EqualValues(t, 86400000, days[1].Date)
	assert.InDelta(t, 5, days[1].Usage.CO2, 1e-9)
}

func TestFetchError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"not authorized"}]}`))
	}))
	defer ts.Close()

	_, err := Fetch(context.Background(), ts.Client(), ts.URL, "bad", 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestRender(t *testing.T) {
	total := Total{
		NumberOfUsers: 4,
		Usage: map[int64]model.UsageSummary{
			0:                   {CO2: 1},
			model.DayMillis:     {CO2: 3},
			2 * model.DayMillis: {CO2: 2},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, total, MetricCO2, 5, time.UTC))
	out := buf.String()
	assert.Contains(t, out, "g CO2 per user per day, 4 users")
	assert.Contains(t, out, "1970-01-01")
	assert.Contains(t, out, "1970-01-03")

	buf.Reset()
	require.NoError(t, Render(&buf, Total{Usage: map[int64]model.UsageSummary{0: {KWH: 2}}}, MetricKWH, 5, time.UTC))
	assert.Contains(t, buf.String(), "kWh")

	buf.Reset()
	require.NoError(t, Render(&buf, Total{NumberOfUsers: 1}, MetricCO2, 5, time.UTC))
	assert.Equal(t, "no usage recorded (1 users)\n", buf.String())
}
