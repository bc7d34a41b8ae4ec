package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPaneOffset_DefaultsToZero(t *testing.T) {
	s := newTestStore(t)
	off, err := s.PaneOffset("host1", "%1")
	require.NoError(t, err)
	assert.Equal(t, 0, off)
}

func TestPaneOffset_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetPaneOffset("host1", "%1", 120))
	off, err := s.PaneOffset("host1", "%1")
	require.NoError(t, err)
	assert.Equal(t, 120, off)

	require.NoError(t, s.SetPaneOffset("host1", "%1", 340))
	off, err = s.PaneOffset("host1", "%1")
	require.NoError(t, err)
	assert.Equal(t, 340, off)
}

func TestStageState_DefaultsToIdle(t *testing.T) {
	s := newTestStore(t)
	st, err := s.GetStageState(StageKey{Host: "h", PaneID: "%1", Pipeline: "p", Stage: "lint"})
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, 0, st.Retries)
}

func TestStageState_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := StageKey{Host: "h", PaneID: "%1", Pipeline: "p", Stage: "lint"}
	err := s.PutStageState(StageState{
		Host: key.Host, PaneID: key.PaneID, Pipeline: key.Pipeline, Stage: key.Stage,
		Status: StatusRunning, Retries: 2, Data: map[string]any{"action_sent": true},
	})
	require.NoError(t, err)

	st, err := s.GetStageState(key)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, 2, st.Retries)
	assert.Equal(t, true, st.Data["action_sent"])
}

func TestApprovalToken_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	tok := ApprovalToken{Host: "h", PaneID: "%1", Stage: "build", Token: "abc.def", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	require.NoError(t, s.UpsertApprovalToken(tok))

	got, err := s.GetApprovalToken("h", "%1", "build")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc.def", got.Token)

	require.NoError(t, s.DeleteApprovalTokenByValue("abc.def"))
	got, err = s.GetApprovalToken("h", "%1", "build")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApprovalToken_PurgeExpired(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	require.NoError(t, s.UpsertApprovalToken(ApprovalToken{Host: "h", PaneID: "%1", Stage: "a", Token: "t1", ExpiresAt: now - 10}))
	require.NoError(t, s.UpsertApprovalToken(ApprovalToken{Host: "h", PaneID: "%1", Stage: "b", Token: "t2", ExpiresAt: now + 1000}))

	n, err := s.PurgeExpiredApprovalTokens(now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetApprovalToken("h", "%1", "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.GetApprovalToken("h", "%1", "b")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestAgentSession_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess := AgentSession{Branch: "feature/x", Status: "running", Metadata: map[string]any{"phase": "executing"}}
	require.NoError(t, s.PutAgentSession(sess))

	got, err := s.GetAgentSession("feature/x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, "executing", got.Metadata["phase"])

	list, err := s.ListAgentSessions()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteAgentSession("feature/x"))
	got, err = s.GetAgentSession("feature/x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBusOffset_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	off, err := s.BusOffset("advisor")
	require.NoError(t, err)
	assert.EqualValues(t, 0, off)

	require.NoError(t, s.SetBusOffset("advisor", 512))
	off, err = s.BusOffset("advisor")
	require.NoError(t, err)
	assert.EqualValues(t, 512, off)
}
