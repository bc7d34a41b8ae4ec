package tmuxadapter

import (
	"context"
	"strconv"
	"strings"
)

// PaneSnapshot is a point-in-time view of one tmux pane. Produced fresh
// each tick; never persisted.
type PaneSnapshot struct {
	PaneID      string
	SessionName string
	WindowName  string
	PaneTitle   string
	IsActive    bool
	Width       int
	Height      int
}

const paneListFormat = "#{pane_id}\t#{session_name}\t#{window_name}\t#{pane_title}\t#{pane_active}\t#{pane_width}\t#{pane_height}"

// ListPanes enumerates every pane visible to this host's tmux server.
// Unparseable lines are skipped, not fatal.
func (a *Adapter) ListPanes(ctx context.Context) ([]PaneSnapshot, error) {
	out, err := a.run(ctx, "list-panes", "-a", "-F", paneListFormat)
	if err != nil {
		return nil, err
	}
	return parsePaneLines(string(out)), nil
}

// parsePaneLines parses list-panes output written in paneListFormat, one
// pane per line. Unparseable lines are skipped, not fatal.
func parsePaneLines(out string) []PaneSnapshot {
	var panes []PaneSnapshot
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		width, err := strconv.Atoi(fields[5])
		if err != nil {
			continue
		}
		height, err := strconv.Atoi(fields[6])
		if err != nil {
			continue
		}
		panes = append(panes, PaneSnapshot{
			PaneID:      fields[0],
			SessionName: fields[1],
			WindowName:  fields[2],
			PaneTitle:   fields[3],
			IsActive:    fields[4] == "1",
			Width:       width,
			Height:      height,
		})
	}
	return panes
}

// CapturePane returns the most recent captureLines lines of history plus
// the visible screen for paneID.
func (a *Adapter) CapturePane(ctx context.Context, paneID string, captureLines int) (string, error) {
	out, err := a.run(ctx, "capture-pane", "-p", "-t", paneID, "-S", "-"+strconv.Itoa(captureLines))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
