package spool

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// SaveItems encodes items as one gzip JSONL file.
func SaveItems[T any](s *Spool, items []T) error {
	if len(items) == 0 {
		return nil
	}
	data, err := EncodeJSONLGZ(items)
	if err != nil {
		return fmt.Errorf("encode spool batch: %w", err)
	}
	_, err = s.Save(data, len(items))
	return err
}

// Drain reads every file back, oldest first, and removes what it read.
// Expired files are deleted unread. A file that cannot be decoded is kept
// on disk for inspection and skipped.
func Drain[T any](s *Spool) ([]T, error) {
	var out []T
	for _, name := range s.Files() {
		if s.Expired(name) {
			s.Expire(name)
			log.Info().Str("file", name).Msg("spool file expired")
			continue
		}

		f, err := os.Open(s.Path(name))
		if err != nil {
			return out, fmt.Errorf("open spool file %s: %w", name, err)
		}
		items, err := DecodeJSONLGZ[T](f)
		_ = f.Close()
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("spool file unreadable, left in place")
			continue
		}

		out = append(out, items...)
		s.Remove(name)
	}
	return out, nil
}
