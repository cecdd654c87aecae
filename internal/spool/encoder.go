package spool

import (
	"bufio"
	"bytes"
	"io"

	"carbon-ingest/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// EncodeJSONLGZ
// ------------------------------------------------------------
// Encodes items as JSON lines and gzips the result.
// Buffer and gzip writer come from the pools; the returned slice is a fresh
// copy owned by the caller (returning the pooled buffer would corrupt data
// once it is reused).
func EncodeJSONLGZ[T any](items []T) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer pool.GzipPool.Put(gz)

	enc := json.NewEncoder(gz)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}

	// Close writes the gzip footer.
	if err := gz.Close(); err != nil {
		return nil, err
	}

	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}

// DecodeJSONLGZ reads back what EncodeJSONLGZ wrote.
// Blank lines are skipped; the first undecodable line aborts.
func DecodeJSONLGZ[T any](r io.Reader) ([]T, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var out []T
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

// ValidJSONLGZ checks that r is gzip and its first line is a JSON object.
// r is rewound before and after the check.
func ValidJSONLGZ(r io.ReadSeeker) bool {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false
	}
	defer r.Seek(0, io.SeekStart)

	gz, err := gzip.NewReader(r)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}
