package advisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loppo-llc/sentryd/internal/bus"
	"github.com/loppo-llc/sentryd/internal/config"
	"github.com/loppo-llc/sentryd/internal/notify"
	"github.com/loppo-llc/sentryd/internal/store"
)

type fakeRunner struct {
	decisions []Decision
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeRunner) Run(ctx context.Context, prompt string) (Decision, error) {
	f.prompts = append(f.prompts, prompt)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return Decision{}, f.errs[i]
	}
	if i < len(f.decisions) {
		return f.decisions[i], nil
	}
	return Decision{}, nil
}

func (f *fakeRunner) RunSummary(ctx context.Context, prompt string) (string, error) {
	return "", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, runner decisionRunner, cfg *config.Orchestrator) (*Service, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b, err := bus.Open(t.TempDir())
	require.NoError(t, err)

	notifier := notify.New(testLogger(), notify.NewBusSink(b))
	svc := NewService(st, b, notifier, runner, cfg, testLogger())
	return svc, st, b
}

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func baseOrchestratorConfig(templatePath string) *config.Orchestrator {
	return &config.Orchestrator{
		CooldownSeconds:     60,
		MaxCommandsPerCycle: 2,
		HistoryLines:        50,
		CommandTemplatePath: templatePath,
		NotifyOnlyOnConfirm: true,
	}
}

func TestRunOnce_EmitsBusCommandFromDecision(t *testing.T) {
	dir := t.TempDir()
	tmplPath := writeTemplate(t, dir, "command.md", "branch={{.Branch}}")
	runner := &fakeRunner{decisions: []Decision{{
		Summary:  "ready",
		Commands: []CommandSuggestion{{Text: "go test ./...", Enter: true}},
	}}}
	svc, st, b := newTestService(t, runner, baseOrchestratorConfig(tmplPath))

	require.NoError(t, st.PutAgentSession(store.AgentSession{Branch: "feature-x", SessionName: "sess-x"}))
	require.NoError(t, svc.RunOnce(context.Background()))

	cmds, _, err := b.ReadCommandsFrom(0)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "go test ./...", cmds[0].Text)
	assert.Equal(t, "sess-x", cmds[0].Session)

	sess, err := st.GetAgentSession("feature-x")
	require.NoError(t, err)
	assert.Equal(t, "orchestrated", sess.Status)
	assert.Equal(t, "ready", sess.Metadata["orchestrator_summary"])
}

func TestRunOnce_CapsCommandsPerCycle(t *testing.T) {
	dir := t.TempDir()
	tmplPath := writeTemplate(t, dir, "command.md", "branch={{.Branch}}")
	runner := &fakeRunner{decisions: []Decision{{
		Summary: "many",
		Commands: []CommandSuggestion{
			{Text: "one", Enter: true},
			{Text: "two", Enter: true},
			{Text: "three", Enter: true},
		},
	}}}
	cfg := baseOrchestratorConfig(tmplPath)
	cfg.MaxCommandsPerCycle = 2
	svc, st, b := newTestService(t, runner, cfg)

	require.NoError(t, st.PutAgentSession(store.AgentSession{Branch: "b", SessionName: "s"}))
	require.NoError(t, svc.RunOnce(context.Background()))

	cmds, _, err := b.ReadCommandsFrom(0)
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}

func TestRunOnce_CooldownSkipsSecondCycle(t *testing.T) {
	dir := t.TempDir()
	tmplPath := writeTemplate(t, dir, "command.md", "branch={{.Branch}}")
	runner := &fakeRunner{decisions: []Decision{
		{Summary: "first", Commands: []CommandSuggestion{{Text: "cmd1", Enter: true}}},
		{Summary: "second", Commands: []CommandSuggestion{{Text: "cmd2", Enter: true}}},
	}}
	cfg := baseOrchestratorConfig(tmplPath)
	cfg.CooldownSeconds = 3600
	svc, st, b := newTestService(t, runner, cfg)

	require.NoError(t, st.PutAgentSession(store.AgentSession{Branch: "b", SessionName: "s"}))
	require.NoError(t, svc.RunOnce(context.Background()))
	require.NoError(t, svc.RunOnce(context.Background()))

	cmds, _, err := b.ReadCommandsFrom(0)
	require.NoError(t, err)
	require.Len(t, cmds, 1, "second cycle should be skipped by cooldown")
	assert.Equal(t, "cmd1", cmds[0].Text)
}

func TestRunOnce_DecisionErrorRecordsMetadataAndContinues(t *testing.T) {
	dir := t.TempDir()
	tmplPath := writeTemplate(t, dir, "command.md", "branch={{.Branch}}")
	runner := &fakeRunner{errs: []error{assertError("boom")}}
	svc, st, _ := newTestService(t, runner, baseOrchestratorConfig(tmplPath))

	require.NoError(t, st.PutAgentSession(store.AgentSession{Branch: "b", SessionName: "s"}))
	require.NoError(t, svc.RunOnce(context.Background()))

	sess, err := st.GetAgentSession("b")
	require.NoError(t, err)
	assert.Contains(t, sess.Metadata["orchestrator_error"], "boom")
}

func TestRunOnce_NotifyOnlyOnConfirmationGatesNotification(t *testing.T) {
	dir := t.TempDir()
	tmplPath := writeTemplate(t, dir, "command.md", "branch={{.Branch}}")
	runner := &fakeRunner{decisions: []Decision{{
		Summary:              "fyi",
		Notify:               "something happened",
		RequiresConfirmation: false,
	}}}
	cfg := baseOrchestratorConfig(tmplPath)
	cfg.NotifyOnlyOnConfirm = true
	svc, st, b := newTestService(t, runner, cfg)

	require.NoError(t, st.PutAgentSession(store.AgentSession{Branch: "b", SessionName: "s"}))
	require.NoError(t, svc.RunOnce(context.Background()))

	entries, _, err := b.ReadNotificationsFrom(0)
	require.NoError(t, err)
	assert.Empty(t, entries, "notification without confirmation should be gated out")
}

func TestRunOnce_NotifySentWhenConfirmationRequired(t *testing.T) {
	dir := t.TempDir()
	tmplPath := writeTemplate(t, dir, "command.md", "branch={{.Branch}}")
	runner := &fakeRunner{decisions: []Decision{{
		Summary:              "fyi",
		Notify:               "needs a human",
		RequiresConfirmation: true,
	}}}
	cfg := baseOrchestratorConfig(tmplPath)
	cfg.NotifyOnlyOnConfirm = true
	svc, st, b := newTestService(t, runner, cfg)

	require.NoError(t, st.PutAgentSession(store.AgentSession{Branch: "b", SessionName: "s"}))
	require.NoError(t, svc.RunOnce(context.Background()))

	entries, _, err := b.ReadNotificationsFrom(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "needs a human", entries[0].Body)
}

type assertError string

func (e assertError) Error() string { return string(e) }
