package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Reusable buffers for the hot paths: request bodies on both HTTP
// intakes and gzip output of the spool/archive encoder.
//
// Records themselves are not pooled; they are immutable values.
// ---------------------------------------------------------------

var (
	// BodyPool: request bodies, 4KB initial capacity.
	// Oversized buffers are dropped by PutBody instead of being kept.
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool: gzip JSONL output, 256KB initial capacity.
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool: gzip writers are expensive to allocate. BestSpeed.
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// MaxBufferCap is the largest gzip buffer returned to BufferPool.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody returns buf to BodyPool unless it grew past maxCap.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer returns buf to BufferPool unless it grew past MaxBufferCap.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
