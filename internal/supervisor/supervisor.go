// Package supervisor wires one host's tmux adapter, observer, and
// dispatcher together and drives the cooperative poll loop: expire stale
// approval tokens, poll every host's matching panes, evaluate the policy
// engine against what changed, and carry out whatever actions,
// approvals, and notifications fall out.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loppo-llc/sentryd/internal/bus"
	"github.com/loppo-llc/sentryd/internal/config"
	"github.com/loppo-llc/sentryd/internal/dispatch"
	"github.com/loppo-llc/sentryd/internal/notify"
	"github.com/loppo-llc/sentryd/internal/observer"
	"github.com/loppo-llc/sentryd/internal/policy"
	"github.com/loppo-llc/sentryd/internal/store"
	"github.com/loppo-llc/sentryd/internal/tmuxadapter"
)

// busReader is this supervisor's name in the store's bus_offsets table,
// distinguishing its read position from any other bus consumer.
const busReader = "supervisor"

// hostRuntime bundles one configured host's tmux adapter with the
// observer and dispatcher built on top of it.
type hostRuntime struct {
	name       string
	observer   *observer.Observer
	dispatcher *dispatch.Dispatcher
}

// Supervisor runs the poll-evaluate-act loop across every configured
// host against a single shared policy engine and store.
type Supervisor struct {
	cfg      *config.Agent
	store    *store.Store
	bus      *bus.Bus
	engine   *policy.Engine
	notifier *notify.Notifier
	logger   *slog.Logger
	hosts    []hostRuntime
}

// New builds a Supervisor, constructing one tmux adapter, observer, and
// dispatcher per configured host. A host whose filters fail to compile is
// a startup error, not a silently-skipped host. b may be nil, in which
// case the supervisor never drains the command bus (there is nothing to
// drain).
func New(cfg *config.Agent, st *store.Store, b *bus.Bus, engine *policy.Engine, notifier *notify.Notifier, dryRun bool, logger *slog.Logger) (*Supervisor, error) {
	hosts := make([]hostRuntime, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		adapter := buildAdapter(cfg, h, logger)

		obs, err := observer.New(h.Name, adapter, st, h.Tmux, logger)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", h.Name, err)
		}
		disp := dispatch.New(h.Name, adapter, h.SSH, dryRun, logger)

		hosts = append(hosts, hostRuntime{name: h.Name, observer: obs, dispatcher: disp})
	}

	return &Supervisor{
		cfg:      cfg,
		store:    st,
		bus:      b,
		engine:   engine,
		notifier: notifier,
		logger:   logger,
		hosts:    hosts,
	}, nil
}

func buildAdapter(cfg *config.Agent, h config.Host, logger *slog.Logger) *tmuxadapter.Adapter {
	adapter := tmuxadapter.New(h.Name, cfg.TmuxBin, logger)
	if h.Tmux != nil {
		adapter.Socket = h.Tmux.Socket
	}
	if h.SSH != nil {
		adapter.SSH = &tmuxadapter.SSHConfig{
			Host:     h.SSH.Host,
			Port:     h.SSH.Port,
			User:     h.SSH.User,
			Key:      h.SSH.Key,
			Password: h.SSH.Password,
			Timeout:  time.Duration(h.SSH.Timeout) * time.Second,
		}
	}
	return adapter
}

// Run drives the tick loop on a cron "@every" schedule at the configured
// effective poll interval, until ctx is cancelled. Shutdown is clean:
// cron.Stop's returned context only completes once any in-flight tick
// finishes, so a host's actions are never interrupted mid-dispatch.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.EffectivePollInterval()) * time.Millisecond
	s.logger.Info("supervisor starting", "poll_interval", interval, "hosts", len(s.hosts))

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("tick failed", "error", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule supervisor tick: %w", err)
	}
	c.Start()

	<-ctx.Done()
	s.logger.Info("supervisor shutting down")
	<-c.Stop().Done()
	return nil
}

// Tick runs a single poll cycle across every host. A single host's
// failure is logged and skipped; it never aborts the cycle for the
// others.
func (s *Supervisor) Tick(ctx context.Context) error {
	if _, err := s.store.PurgeExpiredApprovalTokens(time.Now().Unix()); err != nil {
		s.logger.Warn("purge expired approval tokens failed", "error", err)
	}

	s.drainCommands(ctx)

	for _, hr := range s.hosts {
		s.tickHost(ctx, hr)
	}
	return nil
}

// drainCommands reads every bus command appended since the last tick and
// enacts it, so orchestrator commands and operator-injected commands
// reach their target pane through the same at-most-once delivery path
// human approvals and policy actions already use.
func (s *Supervisor) drainCommands(ctx context.Context) {
	if s.bus == nil {
		return
	}

	offset, err := s.store.BusOffset(busReader)
	if err != nil {
		s.logger.Warn("read bus offset failed", "error", err)
		return
	}

	commands, newOffset, err := s.bus.ReadCommandsFrom(offset)
	if err != nil {
		s.logger.Warn("read bus commands failed", "error", err)
		return
	}

	if newOffset != offset {
		if err := s.store.SetBusOffset(busReader, newOffset); err != nil {
			s.logger.Warn("persist bus offset failed", "error", err)
			return
		}
	}

	for _, cmd := range commands {
		s.enactCommand(ctx, cmd)
	}
}

// enactCommand resolves a bus command's target session to a concrete
// pane on whichever host currently has it open, and sends the command's
// text there. A session nobody recognizes is logged and dropped: the
// command was already durably offset-advanced, so it is never retried.
func (s *Supervisor) enactCommand(ctx context.Context, cmd bus.Command) {
	if cmd.Session == "" {
		s.logger.Warn("bus command missing target session, dropping", "command_id", cmd.ID)
		return
	}

	for _, hr := range s.hosts {
		pane, err := hr.findSessionPane(ctx, cmd.Session)
		if err != nil {
			s.logger.Warn("list panes failed", "host", hr.name, "error", err)
			continue
		}
		if pane == nil {
			continue
		}
		hr.dispatcher.DispatchCommand(ctx, pane.PaneID, cmd.Text, cmd.Enter)
		return
	}
	s.logger.Warn("bus command session not found on any host", "session", cmd.Session, "command_id", cmd.ID)
}

// findSessionPane returns the active pane for sessionName if one exists
// on this host, falling back to the first pane tmux reports for that
// session otherwise.
func (hr hostRuntime) findSessionPane(ctx context.Context, sessionName string) (*tmuxadapter.PaneSnapshot, error) {
	panes, err := hr.observer.ListPanes(ctx)
	if err != nil {
		return nil, err
	}

	var fallback *tmuxadapter.PaneSnapshot
	for i := range panes {
		if panes[i].SessionName != sessionName {
			continue
		}
		if panes[i].IsActive {
			pane := panes[i]
			return &pane, nil
		}
		if fallback == nil {
			pane := panes[i]
			fallback = &pane
		}
	}
	return fallback, nil
}

func (s *Supervisor) tickHost(ctx context.Context, hr hostRuntime) {
	outcomes, err := hr.observer.Poll(ctx)
	if err != nil {
		s.logger.Warn("poll failed", "host", hr.name, "error", err)
		return
	}

	for _, outcome := range outcomes {
		pane := outcome.Pane
		eval, err := s.engine.Evaluate(hr.name, pane.PaneID, pane.WindowName, pane.PaneTitle, outcome.NewLines, outcome.Messages)
		if err != nil {
			s.logger.Warn("policy evaluation failed", "host", hr.name, "pane_id", pane.PaneID, "error", err)
			continue
		}

		for _, req := range eval.Approvals {
			s.logger.Info("approval pending", "host", req.Host, "pane_id", req.PaneID, "stage", req.Stage, "file_path", req.FilePath)
		}

		hr.dispatcher.Dispatch(ctx, eval.Actions)

		for _, n := range eval.Notifications {
			s.notifier.Send(ctx, notify.Message{Title: n.Title, Body: n.Body})
		}
	}
}
