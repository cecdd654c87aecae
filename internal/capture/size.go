package capture

import (
	"bytes"
	"encoding/base64"

	"carbon-ingest/internal/model"

	json "github.com/goccy/go-json"
)

// Sizer is anything that knows its own byte size (a blob handle).
type Sizer interface {
	Size() int64
}

// sizeStrategies holds one estimator per content kind.
// A kind without an entry has no estimate.
var sizeStrategies = map[model.ContentKind]func(any) int64{
	model.KindArrayBuffer: arrayBufferSize,
	model.KindBlob:        blobSize,
	model.KindJSON:        jsonSize,
	model.KindText:        textSize,
}

// Estimate
// ------------------------------------------------------------
// Byte size of payload interpreted as kind.
//
//   - ok=false: unsupported kind ("no estimate"); callers count it as 0.
//   - malformed payloads give (0, true). Estimation is best effort and
//     never fails or panics: losing a size is better than losing the event.
func Estimate(payload any, kind model.ContentKind) (size int64, ok bool) {
	fn, ok := sizeStrategies[kind]
	if !ok {
		return 0, false
	}
	defer func() {
		if recover() != nil {
			size = 0
		}
	}()
	n := fn(payload)
	if n < 0 {
		n = 0
	}
	return n, true
}

// EstimateOrZero is Estimate with "no estimate" folded into 0.
func EstimateOrZero(payload any, kind model.ContentKind) int64 {
	n, _ := Estimate(payload, kind)
	return n
}

// arrayBufferSize: byte length of the buffer.
// Over JSON a buffer arrives as a byte array, a base64 string, or {"byteLength": n}.
func arrayBufferSize(v any) int64 {
	switch b := v.(type) {
	case []byte:
		return int64(len(b))
	case json.RawMessage:
		raw := bytes.TrimSpace(b)
		if len(raw) == 0 {
			return 0
		}
		switch raw[0] {
		case '[':
			var arr []json.RawMessage
			if json.Unmarshal(raw, &arr) != nil {
				return 0
			}
			return int64(len(arr))
		case '"':
			var s string
			if json.Unmarshal(raw, &s) != nil {
				return 0
			}
			if dec, err := base64.StdEncoding.DecodeString(s); err == nil {
				return int64(len(dec))
			}
			return int64(len(s))
		case '{':
			var o struct {
				ByteLength int64 `json:"byteLength"`
			}
			if json.Unmarshal(raw, &o) != nil {
				return 0
			}
			return o.ByteLength
		}
	}
	return 0
}

// blobSize: the size the blob reports.
func blobSize(v any) int64 {
	switch b := v.(type) {
	case Sizer:
		return b.Size()
	case json.RawMessage:
		var o struct {
			Size int64 `json:"size"`
		}
		if json.Unmarshal(b, &o) != nil {
			return 0
		}
		return o.Size
	case map[string]any:
		if f, ok := b["size"].(float64); ok {
			return int64(f)
		}
	}
	return 0
}

// jsonSize: UTF-8 length of the value re-serialized compactly without HTML
// escaping, which is what JSON.stringify produces. Raw JSON is decoded first
// so escapes ("\u00e9", "\/") and number spellings ("1.0") count as the
// value they stand for, not as written.
func jsonSize(v any) int64 {
	switch b := v.(type) {
	case nil:
		return 0
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return 0
		}
		v = decoded
	}
	out, err := json.MarshalNoEscape(v)
	if err != nil {
		return 0
	}
	return int64(len(out))
}

// textSize: byte length of the value wrapped in a binary blob,
// i.e. its UTF-8 encoding.
func textSize(v any) int64 {
	switch s := v.(type) {
	case string:
		return int64(len(s))
	case []byte:
		return int64(len(s))
	case json.RawMessage:
		raw := bytes.TrimSpace(s)
		if len(raw) > 0 && raw[0] == '"' {
			var str string
			if json.Unmarshal(raw, &str) != nil {
				return 0
			}
			return int64(len(str))
		}
		return int64(len(raw))
	}
	return 0
}
