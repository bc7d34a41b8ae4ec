package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of one pipeline stage.
type Status string

const (
	StatusIdle             Status = "IDLE"
	StatusWaitingTrigger   Status = "WAITING_TRIGGER"
	StatusWaitingApproval  Status = "WAITING_APPROVAL"
	StatusRunning          Status = "RUNNING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
)

// IsTerminal reports whether a status cannot be re-entered.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsNonTerminal reports whether a stage in this status blocks later stages
// in the same pipeline from advancing this tick.
func (s Status) IsNonTerminal() bool {
	switch s {
	case StatusIdle, StatusWaitingTrigger, StatusWaitingApproval, StatusRunning:
		return true
	default:
		return false
	}
}

// StageState is one row of the (host, pane, pipeline, stage) -> state map.
type StageState struct {
	Host       string
	PaneID     string
	Pipeline   string
	Stage      string
	Status     Status
	Retries    int
	Data       map[string]any
	UpdatedAt  time.Time
}

// StageKey identifies a StageState row.
type StageKey struct {
	Host     string
	PaneID   string
	Pipeline string
	Stage    string
}

// GetStageState loads a stage's state, returning a fresh IDLE state with no
// error if the row does not exist yet.
func (s *Store) GetStageState(key StageKey) (StageState, error) {
	var (
		status    string
		retries   int
		dataJSON  string
		updatedAt string
	)
	err := s.db.QueryRow(`
		SELECT status, retries, data, updated_at FROM stage_states
		WHERE host = ? AND pane_id = ? AND pipeline = ? AND stage = ?
	`, key.Host, key.PaneID, key.Pipeline, key.Stage).Scan(&status, &retries, &dataJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StageState{
				Host: key.Host, PaneID: key.PaneID, Pipeline: key.Pipeline, Stage: key.Stage,
				Status: StatusIdle, Data: map[string]any{},
			}, nil
		}
		return StageState{}, fmt.Errorf("read stage state: %w", err)
	}

	data := map[string]any{}
	if dataJSON != "" {
		_ = json.Unmarshal([]byte(dataJSON), &data)
	}
	t, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return StageState{
		Host: key.Host, PaneID: key.PaneID, Pipeline: key.Pipeline, Stage: key.Stage,
		Status: Status(status), Retries: retries, Data: data, UpdatedAt: t,
	}, nil
}

// PutStageState upserts a stage state row atomically.
func (s *Store) PutStageState(st StageState) error {
	dataJSON, err := json.Marshal(st.Data)
	if err != nil {
		return fmt.Errorf("marshal stage data: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO stage_states (host, pane_id, pipeline, stage, status, retries, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, pane_id, pipeline, stage) DO UPDATE SET
			status = excluded.status,
			retries = excluded.retries,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, st.Host, st.PaneID, st.Pipeline, st.Stage, string(st.Status), st.Retries, string(dataJSON), nowRFC3339())
	if err != nil {
		return fmt.Errorf("write stage state: %w", err)
	}
	return nil
}

// DeletePipelineStages wipes every stage row for (host, pane, pipeline),
// the external reset mechanism for recovering a FAILED pipeline.
func (s *Store) DeletePipelineStages(host, paneID, pipeline string) error {
	_, err := s.db.Exec(`DELETE FROM stage_states WHERE host = ? AND pane_id = ? AND pipeline = ?`, host, paneID, pipeline)
	if err != nil {
		return fmt.Errorf("delete pipeline stages: %w", err)
	}
	return nil
}
