// Package observer implements the pane observer and diff engine: per
// host, per tick, it lists tmux panes, filters them down to the ones a
// policy cares about, captures new output since the last read, and
// tokenizes that output into parsed messages for the policy engine.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/loppo-llc/sentryd/internal/config"
	"github.com/loppo-llc/sentryd/internal/sentrymsg"
	"github.com/loppo-llc/sentryd/internal/store"
	"github.com/loppo-llc/sentryd/internal/tmuxadapter"
)

const defaultCaptureLines = 200

// Outcome is one pane's observation for a single tick: its snapshot, the
// newly captured lines, and whatever typed messages were parsed out of
// them.
type Outcome struct {
	Pane     tmuxadapter.PaneSnapshot
	NewLines []string
	Messages []sentrymsg.Message
}

// paneLister is the subset of *tmuxadapter.Adapter the observer needs.
// Narrowing to an interface lets tests substitute a fake tmux server.
type paneLister interface {
	ListPanes(ctx context.Context) ([]tmuxadapter.PaneSnapshot, error)
	CapturePane(ctx context.Context, paneID string, captureLines int) (string, error)
}

// Observer watches one host's tmux server.
type Observer struct {
	host         string
	adapter      paneLister
	store        *store.Store
	sessionRe    []*regexp.Regexp
	paneNameRe   []*regexp.Regexp
	captureLines int
	logger       *slog.Logger
}

// New compiles a host's filters once and returns an Observer ready to
// poll it. Compilation fails closed: an invalid regex in configuration is
// a startup error, never a silent skip.
func New(hostName string, adapter paneLister, st *store.Store, tmux *config.TmuxHostConfig, logger *slog.Logger) (*Observer, error) {
	sessionRe, err := config.CompileRegexes(sessionFilters(tmux))
	if err != nil {
		return nil, fmt.Errorf("host %s session_filters: %w", hostName, err)
	}
	paneNameRe, err := config.CompileRegexes(paneNamePatterns(tmux))
	if err != nil {
		return nil, fmt.Errorf("host %s pane_name_patterns: %w", hostName, err)
	}

	captureLines := defaultCaptureLines
	if tmux != nil && tmux.CaptureLines > 0 {
		captureLines = tmux.CaptureLines
	}

	return &Observer{
		host:         hostName,
		adapter:      adapter,
		store:        st,
		sessionRe:    sessionRe,
		paneNameRe:   paneNameRe,
		captureLines: captureLines,
		logger:       logger,
	}, nil
}

func sessionFilters(tmux *config.TmuxHostConfig) []string {
	if tmux == nil {
		return nil
	}
	return tmux.SessionFilters
}

func paneNamePatterns(tmux *config.TmuxHostConfig) []string {
	if tmux == nil {
		return nil
	}
	return tmux.PaneNamePatterns
}

// matchesSession reports whether a session name passes the session
// filter: an empty filter list passes everything.
func (o *Observer) matchesSession(sessionName string) bool {
	if len(o.sessionRe) == 0 {
		return true
	}
	for _, re := range o.sessionRe {
		if re.MatchString(sessionName) {
			return true
		}
	}
	return false
}

// matchesPaneName reports whether a pane's title or window name passes
// the pane name filter: an empty filter list passes everything.
func (o *Observer) matchesPaneName(paneTitle, windowName string) bool {
	if len(o.paneNameRe) == 0 {
		return true
	}
	for _, re := range o.paneNameRe {
		if re.MatchString(paneTitle) || re.MatchString(windowName) {
			return true
		}
	}
	return false
}

// ListPanes returns every pane tmux currently reports for this host,
// unfiltered by session or pane-name patterns. Used to resolve a bus
// command's target session to a concrete pane, independent of whatever
// panes the policy engine currently cares about.
func (o *Observer) ListPanes(ctx context.Context) ([]tmuxadapter.PaneSnapshot, error) {
	return o.adapter.ListPanes(ctx)
}

// Poll lists this host's panes, keeps the ones matching configured
// filters, and for each one captures and tokenizes the output produced
// since the last recorded offset. A tmux failure for the whole host is
// returned as-is; the caller treats it as no panes this tick.
func (o *Observer) Poll(ctx context.Context) ([]Outcome, error) {
	panes, err := o.adapter.ListPanes(ctx)
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for _, pane := range panes {
		if !o.matchesSession(pane.SessionName) {
			continue
		}
		if !o.matchesPaneName(pane.PaneTitle, pane.WindowName) {
			continue
		}

		outcome, err := o.pollPane(ctx, pane)
		if err != nil {
			o.logger.Warn("capture pane failed", "host", o.host, "pane_id", pane.PaneID, "error", err)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (o *Observer) pollPane(ctx context.Context, pane tmuxadapter.PaneSnapshot) (Outcome, error) {
	buffer, err := o.adapter.CapturePane(ctx, pane.PaneID, o.captureLines)
	if err != nil {
		return Outcome{}, err
	}

	prevOffset, err := o.store.PaneOffset(o.host, pane.PaneID)
	if err != nil {
		return Outcome{}, fmt.Errorf("read pane offset: %w", err)
	}
	if prevOffset > len(buffer) {
		prevOffset = 0
	}
	newSlice := buffer[prevOffset:]

	if err := o.store.SetPaneOffset(o.host, pane.PaneID, len(buffer)); err != nil {
		return Outcome{}, fmt.Errorf("persist pane offset: %w", err)
	}

	lines := splitLines(newSlice)
	newLines, messages := sentrymsg.ParseLines(lines)

	return Outcome{Pane: pane, NewLines: newLines, Messages: messages}, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
