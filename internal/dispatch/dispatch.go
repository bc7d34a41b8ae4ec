// Package dispatch carries out the actions a policy evaluation produced:
// delivering keystrokes through the tmux adapter, or running shell
// commands locally or over SSH.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/loppo-llc/sentryd/internal/config"
	"github.com/loppo-llc/sentryd/internal/policy"
)

// sendKeysAdapter is the subset of *tmuxadapter.Adapter the dispatcher
// needs to deliver a send_keys action.
type sendKeysAdapter interface {
	SendKeys(ctx context.Context, paneID, text string, enter bool) error
}

// Dispatcher routes Actions to the right host's tmux adapter or shell.
type Dispatcher struct {
	host    string
	adapter sendKeysAdapter
	ssh     *config.SSHConfig
	dryRun  bool
	logger  *slog.Logger
}

// New returns a Dispatcher bound to one host.
func New(host string, adapter sendKeysAdapter, ssh *config.SSHConfig, dryRun bool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{host: host, adapter: adapter, ssh: ssh, dryRun: dryRun, logger: logger}
}

// Dispatch carries out every action whose Host matches this dispatcher's
// host, skipping the rest. Shell and send_keys failures are logged, not
// returned: the next tick re-evaluates and may retry.
func (d *Dispatcher) Dispatch(ctx context.Context, actions []policy.Action) {
	for _, action := range actions {
		if action.Host != d.host {
			continue
		}
		if d.dryRun {
			d.logger.Info("dry run: skipping action", "host", d.host, "pane_id", action.PaneID, "kind", action.Kind, "command", action.Command)
			continue
		}
		if err := d.dispatchOne(ctx, action); err != nil {
			d.logger.Warn("action failed", "host", d.host, "pane_id", action.PaneID, "kind", action.Kind, "error", err)
		}
	}
}

// DispatchCommand sends a single bus-originated command's text to
// paneID, honoring dry-run the same way policy-driven actions do. Unlike
// Dispatch, the caller has already resolved which pane the command
// targets, so there is no host filtering here.
func (d *Dispatcher) DispatchCommand(ctx context.Context, paneID, text string, enter bool) {
	if d.dryRun {
		d.logger.Info("dry run: skipping bus command", "host", d.host, "pane_id", paneID, "text", text)
		return
	}
	if err := d.adapter.SendKeys(ctx, paneID, text, enter); err != nil {
		d.logger.Warn("bus command failed", "host", d.host, "pane_id", paneID, "error", err)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, action policy.Action) error {
	switch action.Kind {
	case policy.ActionSendKeys:
		return d.adapter.SendKeys(ctx, action.PaneID, action.Command, action.Enter)
	case policy.ActionShell:
		return d.runShell(ctx, action.Command)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

func (d *Dispatcher) runShell(ctx context.Context, command string) error {
	cmd := d.shellCommand(ctx, command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w (%s)", command, err, stderr.String())
	}
	return nil
}

func (d *Dispatcher) shellCommand(ctx context.Context, command string) *exec.Cmd {
	if d.ssh == nil {
		return exec.CommandContext(ctx, "bash", "-lc", command)
	}

	timeout := d.ssh.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	sshArgs := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", timeout),
	}
	if d.ssh.Port != 0 && d.ssh.Port != 22 {
		sshArgs = append(sshArgs, "-p", strconv.Itoa(d.ssh.Port))
	}
	if d.ssh.Key != "" {
		sshArgs = append(sshArgs, "-i", d.ssh.Key)
	}
	target := d.ssh.Host
	if d.ssh.User != "" {
		target = d.ssh.User + "@" + d.ssh.Host
	}
	sshArgs = append(sshArgs, target, "bash", "-lc", shellQuote(command))
	return exec.CommandContext(ctx, "ssh", sshArgs...)
}

// shellQuote wraps command in single quotes, escaping any embedded single
// quote so the remote shell receives it as one argument.
func shellQuote(command string) string {
	escaped := ""
	for _, r := range command {
		if r == '\'' {
			escaped += `'\''`
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
