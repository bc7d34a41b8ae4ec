package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ApprovalToken is a live (host, pane, stage) -> token mapping.
type ApprovalToken struct {
	Host      string
	PaneID    string
	Stage     string
	Token     string
	ExpiresAt int64 // unix seconds
}

// GetApprovalToken returns the live token for the key, if any.
func (s *Store) GetApprovalToken(host, paneID, stage string) (*ApprovalToken, error) {
	var tok ApprovalToken
	tok.Host, tok.PaneID, tok.Stage = host, paneID, stage
	err := s.db.QueryRow(`
		SELECT token, expires_at FROM approval_tokens
		WHERE host = ? AND pane_id = ? AND stage = ?
	`, host, paneID, stage).Scan(&tok.Token, &tok.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read approval token: %w", err)
	}
	return &tok, nil
}

// UpsertApprovalToken persists a minted token, replacing any prior one for
// the same key: at most one live token per key.
func (s *Store) UpsertApprovalToken(tok ApprovalToken) error {
	_, err := s.db.Exec(`
		INSERT INTO approval_tokens (host, pane_id, stage, token, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host, pane_id, stage) DO UPDATE SET
			token = excluded.token, expires_at = excluded.expires_at
	`, tok.Host, tok.PaneID, tok.Stage, tok.Token, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("write approval token: %w", err)
	}
	return nil
}

// DeleteApprovalToken removes any token for the key. A no-op if absent.
func (s *Store) DeleteApprovalToken(host, paneID, stage string) error {
	_, err := s.db.Exec(`DELETE FROM approval_tokens WHERE host = ? AND pane_id = ? AND stage = ?`, host, paneID, stage)
	if err != nil {
		return fmt.Errorf("delete approval token: %w", err)
	}
	return nil
}

// DeleteApprovalTokenByValue removes the row matching an exact token
// value, consuming it on successful resolution so it cannot be replayed.
func (s *Store) DeleteApprovalTokenByValue(token string) error {
	_, err := s.db.Exec(`DELETE FROM approval_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete approval token by value: %w", err)
	}
	return nil
}

// PurgeExpiredApprovalTokens deletes every token whose expiry has passed.
// Called once per supervisor tick, before evaluating any host.
func (s *Store) PurgeExpiredApprovalTokens(nowUnix int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM approval_tokens WHERE expires_at < ?`, nowUnix)
	if err != nil {
		return 0, fmt.Errorf("purge expired approval tokens: %w", err)
	}
	return res.RowsAffected()
}
