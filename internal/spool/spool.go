// internal/spool/spool.go
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"carbon-ingest/internal/metrics"

	"github.com/coder/quartz"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	dataSuffix = ".jsonl.gz"
	metaSuffix = ".meta.json"
)

// ErrFull is returned by Save when evicting every older file still leaves no room.
var ErrFull = errors.New("spool full")

// Options configures a Spool.
type Options struct {
	Dir          string
	InstanceID   string
	MaxAge       time.Duration // 0 disables TTL
	MaxSizeBytes int64         // 0 disables the capacity cap
	Clock        quartz.Clock
	Metrics      *metrics.Metrics
}

// Spool
// ------------------------------------------------------------
// Local directory of gzip JSONL batches waiting to be sent again.
//
// File layout:
//
//	<unix>_<instance>_<counter>.jsonl.gz      data
//	<unix>_<instance>_<counter>.jsonl.gz.meta.json  {"num_events":N}
//
// Sorting names sorts by creation time, so Oldest() is a plain string sort.
// TTL is judged from the unix prefix in the name, not from mtime.
type Spool struct {
	opts    Options
	clock   quartz.Clock
	metrics *metrics.Metrics

	sizeBytes atomic.Int64
	counter   atomic.Uint64
}

// Open creates the directory if needed and rebuilds size/file gauges from
// what is already on disk. Orphan meta files (no data file) are removed.
func Open(opts Options) (*Spool, error) {
	if opts.Dir == "" {
		return nil, errors.New("spool dir is empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "local"
	}

	s := &Spool{opts: opts, clock: opts.Clock, metrics: opts.Metrics}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan spool dir: %w", err)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(opts.Dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(opts.Dir, name))
			}
			continue
		}
		if !isDataFile(name) {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	s.sizeBytes.Store(total)
	s.metrics.DLQSizeBytes.Add(float64(total))
	s.metrics.DLQFilesCurrent.Add(float64(count))
	return s, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.opts.Dir }

// SizeBytes is the total size of the data files.
func (s *Spool) SizeBytes() int64 { return s.sizeBytes.Load() }

// Path returns the full path of a data file name.
func (s *Spool) Path(name string) string { return filepath.Join(s.opts.Dir, name) }

// Save writes one gzip JSONL batch holding numEvents items and returns its name.
// Oldest files are evicted first when the cap would be exceeded.
func (s *Spool) Save(data []byte, numEvents int) (string, error) {
	if len(data) == 0 || numEvents <= 0 {
		return "", nil
	}

	size := int64(len(data))
	if !s.ensureCapacity(size) {
		log.Error().Int64("bytes", size).Int("events", numEvents).Str("dir", s.opts.Dir).Msg("spool full, batch dropped")
		s.metrics.DLQEventsDroppedTotal.Add(float64(numEvents))
		return "", ErrFull
	}

	name := s.NewFilename()
	dataPath := s.Path(name)

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write spool file: %w", err)
	}
	meta := []byte(fmt.Sprintf(`{"num_events":%d}`, numEvents))
	_ = os.WriteFile(dataPath+metaSuffix, meta, 0o600)

	s.sizeBytes.Add(size)
	s.metrics.DLQSizeBytes.Add(float64(size))
	s.metrics.DLQFilesCurrent.Inc()
	s.metrics.DLQEventsEnqueuedTotal.Add(float64(numEvents))
	return name, nil
}

// Files lists data file names, oldest first.
func (s *Spool) Files() []string {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isDataFile(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	// ReadDir order is not guaranteed to be meaningful; name order is time order.
	sort.Strings(files)
	return files
}

// Oldest returns the oldest data file name, or "" when the spool is empty.
func (s *Spool) Oldest() string {
	files := s.Files()
	if len(files) == 0 {
		return ""
	}
	return files[0]
}

// Expired reports whether name is older than MaxAge.
// Names without a parsable unix prefix never expire.
func (s *Spool) Expired(name string) bool {
	if s.opts.MaxAge <= 0 {
		return false
	}
	sec, ok := ExtractUnix(name)
	if !ok {
		return false
	}
	age := time.Duration(s.clock.Now().Unix()-sec) * time.Second
	return age > s.opts.MaxAge
}

// NumEvents reads the meta file of name. Missing or broken meta counts as 1.
func (s *Spool) NumEvents(name string) int64 {
	meta, err := os.ReadFile(s.Path(name) + metaSuffix)
	if err != nil {
		return 1
	}
	var v struct {
		NumEvents int64 `json:"num_events"`
	}
	if json.Unmarshal(meta, &v) != nil || v.NumEvents <= 0 {
		return 1
	}
	return v.NumEvents
}

// Remove deletes name and its meta file and updates the gauges.
func (s *Spool) Remove(name string) {
	dataPath := s.Path(name)
	info, err := os.Stat(dataPath)
	if err == nil {
		s.sizeBytes.Add(-info.Size())
		s.metrics.DLQSizeBytes.Sub(float64(info.Size()))
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	s.metrics.DLQFilesCurrent.Dec()
}

// Expire removes name as a TTL/capacity casualty.
func (s *Spool) Expire(name string) {
	s.Remove(name)
	s.metrics.DLQFilesExpiredTotal.Inc()
}

// ensureCapacity evicts oldest files until incoming fits under MaxSizeBytes.
// Returns false when there is nothing left to evict.
func (s *Spool) ensureCapacity(incoming int64) bool {
	max := s.opts.MaxSizeBytes
	if max <= 0 {
		return true
	}
	for {
		if s.sizeBytes.Load()+incoming <= max {
			return true
		}
		oldest := s.Oldest()
		if oldest == "" {
			return false
		}
		s.Expire(oldest)
		log.Warn().Str("removed", oldest).Msg("spool capacity reached, evicted oldest file")
	}
}

// NewFilename
// ------------------------------------------------------------
// "<unix>_<instance>_<counter>.jsonl.gz". The counter wraps at 1e6; together
// with the timestamp and instance id collisions are practically impossible.
func (s *Spool) NewFilename() string {
	c := s.counter.Add(1) % 1_000_000
	return fmt.Sprintf("%d_%s_%06d%s", s.clock.Now().Unix(), s.opts.InstanceID, c, dataSuffix)
}

// ExtractUnix parses the unix seconds prefix of a spool file name.
func ExtractUnix(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}

func isDataFile(name string) bool {
	return name != "" && name[0] != '.' && strings.HasSuffix(name, dataSuffix)
}
