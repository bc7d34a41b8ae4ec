package observer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loppo-llc/sentryd/internal/config"
	"github.com/loppo-llc/sentryd/internal/store"
	"github.com/loppo-llc/sentryd/internal/tmuxadapter"
)

type fakeAdapter struct {
	panes   []tmuxadapter.PaneSnapshot
	buffers map[string]string
	calls   []string
}

func (f *fakeAdapter) ListPanes(ctx context.Context) ([]tmuxadapter.PaneSnapshot, error) {
	return f.panes, nil
}

func (f *fakeAdapter) CapturePane(ctx context.Context, paneID string, captureLines int) (string, error) {
	f.calls = append(f.calls, paneID)
	return f.buffers[paneID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestObserver(t *testing.T, adapter *fakeAdapter, tmux *config.TmuxHostConfig) (*Observer, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	obs, err := New("host-a", adapter, st, tmux, testLogger())
	require.NoError(t, err)
	return obs, st
}

func TestPoll_FiltersBySession(t *testing.T) {
	adapter := &fakeAdapter{
		panes: []tmuxadapter.PaneSnapshot{
			{PaneID: "%1", SessionName: "build", WindowName: "w", PaneTitle: "t"},
			{PaneID: "%2", SessionName: "scratch", WindowName: "w", PaneTitle: "t"},
		},
		buffers: map[string]string{"%1": "hello\n", "%2": "hello\n"},
	}
	obs, _ := newTestObserver(t, adapter, &config.TmuxHostConfig{SessionFilters: []string{"^build$"}})

	outcomes, err := obs.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "%1", outcomes[0].Pane.PaneID)
}

func TestPoll_FiltersByPaneNameOrWindowName(t *testing.T) {
	adapter := &fakeAdapter{
		panes: []tmuxadapter.PaneSnapshot{
			{PaneID: "%1", SessionName: "s", WindowName: "agent", PaneTitle: "irrelevant"},
			{PaneID: "%2", SessionName: "s", WindowName: "other", PaneTitle: "also irrelevant"},
		},
		buffers: map[string]string{"%1": "x\n", "%2": "x\n"},
	}
	obs, _ := newTestObserver(t, adapter, &config.TmuxHostConfig{PaneNamePatterns: []string{"agent"}})

	outcomes, err := obs.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "%1", outcomes[0].Pane.PaneID)
}

func TestPoll_EmptyFiltersPassEverything(t *testing.T) {
	adapter := &fakeAdapter{
		panes: []tmuxadapter.PaneSnapshot{
			{PaneID: "%1", SessionName: "any", WindowName: "any", PaneTitle: "any"},
		},
		buffers: map[string]string{"%1": "x\n"},
	}
	obs, _ := newTestObserver(t, adapter, nil)

	outcomes, err := obs.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
}

func TestPoll_OnlyYieldsNewSliceSinceLastOffset(t *testing.T) {
	adapter := &fakeAdapter{
		panes:   []tmuxadapter.PaneSnapshot{{PaneID: "%1", SessionName: "s"}},
		buffers: map[string]string{"%1": "line one\n"},
	}
	obs, st := newTestObserver(t, adapter, nil)

	first, err := obs.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, []string{"line one"}, first[0].NewLines)

	offset, err := st.PaneOffset("host-a", "%1")
	require.NoError(t, err)
	assert.Equal(t, len("line one\n"), offset)

	adapter.buffers["%1"] = "line one\nline two\n"
	second, err := obs.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, []string{"line two"}, second[0].NewLines)
}

func TestPoll_BufferShrinkResetsOffsetToZero(t *testing.T) {
	adapter := &fakeAdapter{
		panes:   []tmuxadapter.PaneSnapshot{{PaneID: "%1", SessionName: "s"}},
		buffers: map[string]string{"%1": "a long buffer of text\n"},
	}
	obs, st := newTestObserver(t, adapter, nil)

	_, err := obs.Poll(context.Background())
	require.NoError(t, err)

	adapter.buffers["%1"] = "short\n"
	outcomes, err := obs.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, []string{"short"}, outcomes[0].NewLines)

	offset, err := st.PaneOffset("host-a", "%1")
	require.NoError(t, err)
	assert.Equal(t, len("short\n"), offset)
}

func TestPoll_TokenizesMessagesFromNewLines(t *testing.T) {
	adapter := &fakeAdapter{
		panes:   []tmuxadapter.PaneSnapshot{{PaneID: "%1", SessionName: "s"}},
		buffers: map[string]string{"%1": "build failed with exit 1\n"},
	}
	obs, _ := newTestObserver(t, adapter, nil)

	outcomes, err := obs.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Len(t, outcomes[0].Messages, 1)
	assert.Equal(t, "ERROR", outcomes[0].Messages[0].Kind)
}
