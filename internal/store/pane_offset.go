package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// PaneOffset returns the stored byte offset for (host, paneID), or 0 if no
// row exists yet.
func (s *Store) PaneOffset(host, paneID string) (int, error) {
	var offset int
	err := s.db.QueryRow(
		`SELECT offset FROM pane_offsets WHERE host = ? AND pane_id = ?`,
		host, paneID,
	).Scan(&offset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pane offset: %w", err)
	}
	return offset, nil
}

// SetPaneOffset upserts the stored offset for (host, paneID). Offsets are
// monotonically non-decreasing except when the caller has already detected
// a buffer shrink and intentionally resets to 0.
func (s *Store) SetPaneOffset(host, paneID string, offset int) error {
	_, err := s.db.Exec(`
		INSERT INTO pane_offsets (host, pane_id, offset) VALUES (?, ?, ?)
		ON CONFLICT(host, pane_id) DO UPDATE SET offset = excluded.offset
	`, host, paneID, offset)
	if err != nil {
		return fmt.Errorf("write pane offset: %w", err)
	}
	return nil
}
