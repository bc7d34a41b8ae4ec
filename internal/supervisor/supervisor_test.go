package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loppo-llc/sentryd/internal/approval"
	"github.com/loppo-llc/sentryd/internal/bus"
	"github.com/loppo-llc/sentryd/internal/config"
	"github.com/loppo-llc/sentryd/internal/dispatch"
	"github.com/loppo-llc/sentryd/internal/notify"
	"github.com/loppo-llc/sentryd/internal/observer"
	"github.com/loppo-llc/sentryd/internal/policy"
	"github.com/loppo-llc/sentryd/internal/store"
	"github.com/loppo-llc/sentryd/internal/tmuxadapter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePaneLister struct {
	panes   []tmuxadapter.PaneSnapshot
	buffers map[string]string
	listErr error
}

func (f *fakePaneLister) ListPanes(ctx context.Context) ([]tmuxadapter.PaneSnapshot, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.panes, nil
}

func (f *fakePaneLister) CapturePane(ctx context.Context, paneID string, captureLines int) (string, error) {
	return f.buffers[paneID], nil
}

type recordingAdapter struct {
	calls []string
}

func (r *recordingAdapter) SendKeys(ctx context.Context, paneID, text string, enter bool) error {
	r.calls = append(r.calls, text)
	return nil
}

func singleStagePolicy() *config.Policy {
	return &config.Policy{
		Pipelines: []config.PipelineSpec{{
			Name: "deploy",
			Stages: []config.StageSpec{{
				Name: "build",
				Triggers: config.TriggerBlock{
					"any_of": []config.TriggerSpec{{LogRegex: "ready"}},
				},
				ActionsOnStart: []config.ActionSpec{{SendKeys: "echo hi"}},
			}},
		}},
	}
}

func newTestSupervisor(t *testing.T, lister *fakePaneLister, adapter *recordingAdapter) (*Supervisor, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	approvals, err := approval.New(st, approval.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	engine, err := policy.NewEngine(singleStagePolicy(), st, approvals)
	require.NoError(t, err)

	obs, err := observer.New("host-a", lister, st, nil, testLogger())
	require.NoError(t, err)
	disp := dispatch.New("host-a", adapter, nil, false, testLogger())

	notifier := notify.New(testLogger())

	cfg := &config.Agent{PollIntervalMS: 1000, Hosts: []config.Host{{Name: "host-a"}}}

	sup := &Supervisor{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		notifier: notifier,
		logger:   testLogger(),
		hosts:    []hostRuntime{{name: "host-a", observer: obs, dispatcher: disp}},
	}
	return sup, st
}

func TestTick_DispatchesActionWhenTriggerMatches(t *testing.T) {
	lister := &fakePaneLister{
		panes: []tmuxadapter.PaneSnapshot{{PaneID: "%1", SessionName: "sess", WindowName: "win", PaneTitle: "title"}},
		buffers: map[string]string{
			"%1": "build is ready\n",
		},
	}
	adapter := &recordingAdapter{}
	sup, st := newTestSupervisor(t, lister, adapter)

	require.NoError(t, sup.Tick(context.Background()))

	require.Len(t, adapter.calls, 1)
	assert.Equal(t, "echo hi", adapter.calls[0])

	state, err := st.GetStageState(store.StageKey{Host: "host-a", PaneID: "%1", Pipeline: "deploy", Stage: "build"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, state.Status)
}

func TestTick_NoMatchingLineDoesNothing(t *testing.T) {
	lister := &fakePaneLister{
		panes: []tmuxadapter.PaneSnapshot{{PaneID: "%1", SessionName: "sess", WindowName: "win", PaneTitle: "title"}},
		buffers: map[string]string{
			"%1": "nothing to see here\n",
		},
	}
	adapter := &recordingAdapter{}
	sup, _ := newTestSupervisor(t, lister, adapter)

	require.NoError(t, sup.Tick(context.Background()))
	assert.Empty(t, adapter.calls)
}

func TestTick_HostPollErrorDoesNotAbortOtherHosts(t *testing.T) {
	failing := &fakePaneLister{listErr: assert.AnError}
	working := &fakePaneLister{
		panes: []tmuxadapter.PaneSnapshot{{PaneID: "%1", SessionName: "sess", WindowName: "win", PaneTitle: "title"}},
		buffers: map[string]string{
			"%1": "build is ready\n",
		},
	}
	adapterA := &recordingAdapter{}
	adapterB := &recordingAdapter{}

	sup, st := newTestSupervisor(t, failing, adapterA)

	obsB, err := observer.New("host-b", working, st, nil, testLogger())
	require.NoError(t, err)
	dispB := dispatch.New("host-b", adapterB, nil, false, testLogger())
	sup.hosts = append(sup.hosts, hostRuntime{name: "host-b", observer: obsB, dispatcher: dispB})

	require.NoError(t, sup.Tick(context.Background()))

	assert.Empty(t, adapterA.calls, "host-a poll failed, no actions expected")
	require.Len(t, adapterB.calls, 1, "host-b should still be processed")
}

func TestTick_PurgesExpiredApprovalTokens(t *testing.T) {
	lister := &fakePaneLister{}
	adapter := &recordingAdapter{}
	sup, st := newTestSupervisor(t, lister, adapter)

	require.NoError(t, st.UpsertApprovalToken(store.ApprovalToken{
		Host: "host-a", PaneID: "%1", Stage: "build", Token: "tok", ExpiresAt: 1,
	}))

	require.NoError(t, sup.Tick(context.Background()))

	tok, err := st.GetApprovalToken("host-a", "%1", "build")
	require.NoError(t, err)
	assert.Nil(t, tok, "expired token should have been purged")
}

func TestTick_DrainsBusCommandToTargetSessionPane(t *testing.T) {
	lister := &fakePaneLister{
		panes: []tmuxadapter.PaneSnapshot{
			{PaneID: "%1", SessionName: "agent-storyapp", WindowName: "win", PaneTitle: "title", IsActive: true},
		},
	}
	adapter := &recordingAdapter{}
	sup, st := newTestSupervisor(t, lister, adapter)

	b, err := bus.Open(t.TempDir())
	require.NoError(t, err)
	sup.bus = b

	require.NoError(t, b.AppendCommand(bus.Command{
		ID: "c-1", Session: "agent-storyapp", Text: "continue", Enter: true,
	}))

	require.NoError(t, sup.Tick(context.Background()))

	require.Len(t, adapter.calls, 1)
	assert.Equal(t, "continue", adapter.calls[0])

	offset, err := st.BusOffset(busReader)
	require.NoError(t, err)
	assert.Positive(t, offset)

	require.NoError(t, sup.Tick(context.Background()))
	assert.Len(t, adapter.calls, 1, "command already consumed should not be redelivered")
}

func TestTick_BusCommandForUnknownSessionIsDropped(t *testing.T) {
	lister := &fakePaneLister{
		panes: []tmuxadapter.PaneSnapshot{
			{PaneID: "%1", SessionName: "agent-storyapp", WindowName: "win", PaneTitle: "title"},
		},
	}
	adapter := &recordingAdapter{}
	sup, _ := newTestSupervisor(t, lister, adapter)

	b, err := bus.Open(t.TempDir())
	require.NoError(t, err)
	sup.bus = b

	require.NoError(t, b.AppendCommand(bus.Command{ID: "c-1", Session: "no-such-session", Text: "continue"}))

	require.NoError(t, sup.Tick(context.Background()))
	assert.Empty(t, adapter.calls)
}
