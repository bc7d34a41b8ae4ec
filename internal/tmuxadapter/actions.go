package tmuxadapter

import (
	"context"
	"fmt"
	"strings"
)

// SendKeys delivers text or a literal key-sequence to paneID.
//
// Text form: splits on newline; each segment is sent, followed by C-m
// between segments, with a trailing C-m iff enter is true. An empty text
// with enter=true sends a lone C-m.
func (a *Adapter) SendKeys(ctx context.Context, paneID, text string, enter bool) error {
	if text == "" {
		if enter {
			_, err := a.run(ctx, "send-keys", "-t", paneID, "C-m")
			return err
		}
		return nil
	}

	segments := strings.Split(text, "\n")
	for i, seg := range segments {
		if _, err := a.run(ctx, "send-keys", "-t", paneID, seg); err != nil {
			return err
		}
		isLast := i == len(segments)-1
		if !isLast {
			if _, err := a.run(ctx, "send-keys", "-t", paneID, "C-m"); err != nil {
				return err
			}
		} else if enter {
			if _, err := a.run(ctx, "send-keys", "-t", paneID, "C-m"); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendKeySequence forwards each element literally (e.g. "C-c", "Escape"),
// appending C-m iff enter is true.
func (a *Adapter) SendKeySequence(ctx context.Context, paneID string, keys []string, enter bool) error {
	for _, k := range keys {
		if _, err := a.run(ctx, "send-keys", "-t", paneID, k); err != nil {
			return err
		}
	}
	if enter {
		if _, err := a.run(ctx, "send-keys", "-t", paneID, "C-m"); err != nil {
			return err
		}
	}
	return nil
}

// PipePane wires pane output to an external shell command. appendMode=true
// passes tmux's -o flag, so a pipe is only opened when none is already
// active on the pane; whether the destination file is appended to or
// truncated is up to shellCommand itself. Idempotent with appendMode:
// re-issuing the same command while a pipe is active is a no-op.
func (a *Adapter) PipePane(ctx context.Context, paneID, shellCommand string, appendMode bool) error {
	args := []string{"pipe-pane"}
	if appendMode {
		args = append(args, "-o")
	}
	args = append(args, "-t", paneID, shellCommand)
	_, err := a.run(ctx, args...)
	return err
}

// StopPipePane stops any active pipe-pane on paneID.
func (a *Adapter) StopPipePane(ctx context.Context, paneID string) error {
	_, err := a.run(ctx, "pipe-pane", "-t", paneID)
	return err
}

// NewSession creates a detached session.
func (a *Adapter) NewSession(ctx context.Context, name, workDir string) error {
	_, err := a.run(ctx, "new-session", "-d", "-s", name, "-c", workDir)
	return err
}

// KillSession kills a named session.
func (a *Adapter) KillSession(ctx context.Context, name string) error {
	_, err := a.run(ctx, "kill-session", "-t", name)
	return err
}

// SessionExists reports whether a named session is alive.
func (a *Adapter) SessionExists(ctx context.Context, name string) bool {
	_, err := a.run(ctx, "has-session", "-t", name)
	return err == nil
}

// ListSessions lists all session names on this host.
func (a *Adapter) ListSessions(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// PanesForSession lists pane IDs belonging to a single session.
func (a *Adapter) PanesForSession(ctx context.Context, session string) ([]string, error) {
	out, err := a.run(ctx, "list-panes", "-t", session, "-F", "#{pane_id}")
	if err != nil {
		return nil, fmt.Errorf("panes for session %s: %w", session, err)
	}
	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}
