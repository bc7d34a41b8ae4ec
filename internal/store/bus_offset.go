package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// BusOffset returns the stored byte offset for a named bus reader, or 0 if
// the reader has never consumed the journal before.
func (s *Store) BusOffset(reader string) (int64, error) {
	var offset int64
	err := s.db.QueryRow(`SELECT offset FROM bus_offsets WHERE reader = ?`, reader).Scan(&offset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read bus offset: %w", err)
	}
	return offset, nil
}

// SetBusOffset upserts the stored offset for a named bus reader.
func (s *Store) SetBusOffset(reader string, offset int64) error {
	_, err := s.db.Exec(`
		INSERT INTO bus_offsets (reader, offset) VALUES (?, ?)
		ON CONFLICT(reader) DO UPDATE SET offset = excluded.offset
	`, reader, offset)
	if err != nil {
		return fmt.Errorf("write bus offset: %w", err)
	}
	return nil
}
