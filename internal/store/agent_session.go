package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// AgentSession is the branch -> session record tracked for each managed
// worktree. Known fields are typed; everything else the advisor CLI's
// reply carries (summaries, phase, blockers, heartbeat, pending
// confirmations) lives in Metadata as an open map, validated on read
// rather than on write so the schema can evolve forward without
// migrations.
type AgentSession struct {
	Branch       string         `json:"branch"`
	WorktreePath string         `json:"worktree_path"`
	SessionName  string         `json:"session_name"`
	Model        string         `json:"model"`
	Template     string         `json:"template"`
	Description  string         `json:"description"`
	Status       string         `json:"status"`
	LogPath      string         `json:"log_path"`
	LastOutput   string         `json:"last_output"`
	LastOutputAt string         `json:"last_output_at"`
	Metadata     map[string]any `json:"metadata"`
}

// GetAgentSession loads a session record. Returns (nil, nil) if absent.
func (s *Store) GetAgentSession(branch string) (*AgentSession, error) {
	var dataJSON string
	err := s.db.QueryRow(`SELECT data FROM agent_sessions WHERE branch = ?`, branch).Scan(&dataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agent session: %w", err)
	}
	var sess AgentSession
	if err := json.Unmarshal([]byte(dataJSON), &sess); err != nil {
		return nil, fmt.Errorf("decode agent session %s: %w", branch, err)
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	return &sess, nil
}

// PutAgentSession upserts a session record.
func (s *Store) PutAgentSession(sess AgentSession) error {
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	dataJSON, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal agent session: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agent_sessions (branch, data) VALUES (?, ?)
		ON CONFLICT(branch) DO UPDATE SET data = excluded.data
	`, sess.Branch, string(dataJSON))
	if err != nil {
		return fmt.Errorf("write agent session: %w", err)
	}
	return nil
}

// DeleteAgentSession removes a session record on explicit kill.
func (s *Store) DeleteAgentSession(branch string) error {
	_, err := s.db.Exec(`DELETE FROM agent_sessions WHERE branch = ?`, branch)
	if err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return nil
}

// ListAgentSessions returns every registered session, for the orchestrator
// sweep.
func (s *Store) ListAgentSessions() ([]AgentSession, error) {
	rows, err := s.db.Query(`SELECT data FROM agent_sessions`)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		var dataJSON string
		if err := rows.Scan(&dataJSON); err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		var sess AgentSession
		if err := json.Unmarshal([]byte(dataJSON), &sess); err != nil {
			continue // parse anomaly: skip, don't fail the whole sweep
		}
		if sess.Metadata == nil {
			sess.Metadata = map[string]any{}
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
