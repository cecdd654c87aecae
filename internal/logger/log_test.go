package logger

import (
	"bytes"
	"strings"
	"testing"

	"carbon-ingest/internal/config"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddsCommonFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Log{ServiceName: "carbon-ingest", InstanceID: "i-1", Level: "debug"}, &buf)

	l.Info().Str("uid", "abc").Msg("stored")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "carbon-ingest", rec["service"])
	assert.Equal(t, "i-1", rec["instance"])
	assert.Equal(t, "stored", rec["message"])
	assert.Equal(t, "info", rec["level"])
}

func TestNewLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Log{Level: "warn"}, &buf)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	l.Info().Msg("dropped")
	l.Warn().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestNewSamplingKeepsWarnings(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Log{Level: "info", SampleN: 100}, &buf)

	for i := 0; i < 10; i++ {
		l.Warn().Msg("warn")
	}
	assert.Equal(t, 10, strings.Count(buf.String(), `"warn"`)/2)
}
