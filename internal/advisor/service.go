package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/loppo-llc/sentryd/internal/bus"
	"github.com/loppo-llc/sentryd/internal/config"
	"github.com/loppo-llc/sentryd/internal/notify"
	"github.com/loppo-llc/sentryd/internal/store"
)

const maxHistoryEntries = 10

// decisionRunner is the subset of *Client the service needs, narrowed so
// tests can substitute a fake instead of shelling out to a real CLI.
type decisionRunner interface {
	Run(ctx context.Context, prompt string) (Decision, error)
	RunSummary(ctx context.Context, prompt string) (string, error)
}

// promptData is what a command or summary template renders against.
type promptData struct {
	Branch      string
	Session     string
	Model       string
	Template    string
	Description string
	Status      string
	Metadata    string
	LogExcerpt  string
}

// Service periodically reviews every tracked agent session, asks a
// decision CLI what should happen next, and enacts the result: bus
// commands, session metadata updates, and notifications.
type Service struct {
	store    *store.Store
	bus      *bus.Bus
	notifier *notify.Notifier
	client   decisionRunner
	cfg      *config.Orchestrator
	logger   *slog.Logger

	mu            sync.Mutex
	lastCommandAt map[string]time.Time
}

// NewService wires an advisor Service from its collaborators.
func NewService(st *store.Store, b *bus.Bus, notifier *notify.Notifier, client decisionRunner, cfg *config.Orchestrator, logger *slog.Logger) *Service {
	return &Service{
		store:         st,
		bus:           b,
		notifier:      notifier,
		client:        client,
		cfg:           cfg,
		logger:        logger,
		lastCommandAt: make(map[string]time.Time),
	}
}

// RunOnce sweeps every tracked session once: heartbeat, log rotation,
// cooldown check, decision, enactment. A single session's failure is
// logged and recorded on that session's metadata; it never aborts the
// sweep.
func (s *Service) RunOnce(ctx context.Context) error {
	sessions, err := s.store.ListAgentSessions()
	if err != nil {
		return fmt.Errorf("list agent sessions: %w", err)
	}

	now := time.Now()
	for _, sess := range sessions {
		s.updateHeartbeat(sess, now)
		s.maybeRotateLog(sess.LogPath)
		s.maybeGenerateSummary(ctx, sess)

		if !s.shouldProcess(sess.Branch, now) {
			continue
		}

		prompt, err := s.renderPrompt(sess)
		if err != nil {
			s.logger.Warn("advisor prompt render failed", "branch", sess.Branch, "error", err)
			continue
		}

		decision, err := s.client.Run(ctx, prompt)
		if err != nil {
			s.logger.Error("decision CLI failed", "branch", sess.Branch, "error", err)
			s.recordError(sess, err)
			continue
		}

		s.handleDecision(sess, decision, now)
	}
	return nil
}

// Run sweeps every tracked session once immediately, then again on a
// cron "@every interval" schedule until ctx is cancelled. Shutdown waits
// for any in-flight sweep to finish before returning.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("advisor starting", "interval", interval)

	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("advisor cycle failed", "error", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("advisor cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule advisor cycle: %w", err)
	}
	c.Start()

	<-ctx.Done()
	s.logger.Info("advisor shutting down")
	<-c.Stop().Done()
	return nil
}

func (s *Service) shouldProcess(branch string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastCommandAt[branch]
	if !ok {
		return true
	}
	cooldown := time.Duration(s.cfg.CooldownSeconds) * time.Second
	return now.Sub(last) >= cooldown
}

func (s *Service) updateHeartbeat(sess store.AgentSession, now time.Time) {
	sess.Metadata["orchestrator_heartbeat"] = now.Unix()
	if err := s.store.PutAgentSession(sess); err != nil {
		s.logger.Warn("heartbeat update failed", "branch", sess.Branch, "error", err)
	}
}

func (s *Service) recordError(sess store.AgentSession, cause error) {
	sess.Metadata["orchestrator_error"] = cause.Error()
	if err := s.store.PutAgentSession(sess); err != nil {
		s.logger.Warn("error record failed", "branch", sess.Branch, "error", err)
	}
}

// maybeRotateLog archives the older half of an oversized log file,
// keeping the tail in place so readLogTail keeps working off the same
// path. Rotates once a log exceeds 10x the configured history window,
// keeping the most recent 5x.
func (s *Service) maybeRotateLog(logPath string) {
	if logPath == "" {
		return
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		return
	}
	lines := strings.Split(string(data), "\n")
	maxLines := s.cfg.HistoryLines * 10
	keepLines := s.cfg.HistoryLines * 5
	if len(lines) <= maxLines {
		return
	}

	archived := strings.Join(lines[:len(lines)-keepLines], "\n") + "\n"
	if err := appendFile(logPath+".archive", archived); err != nil {
		s.logger.Warn("log archive failed", "path", logPath, "error", err)
	}
	kept := strings.Join(lines[len(lines)-keepLines:], "\n") + "\n"
	if err := os.WriteFile(logPath, []byte(kept), 0o644); err != nil {
		s.logger.Warn("log rotate failed", "path", logPath, "error", err)
	}
}

func appendFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

func (s *Service) readLogTail(logPath string) string {
	if logPath == "" {
		return ""
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > s.cfg.HistoryLines {
		lines = lines[len(lines)-s.cfg.HistoryLines:]
	}
	return strings.Join(lines, "\n")
}

func (s *Service) renderPrompt(sess store.AgentSession) (string, error) {
	if s.cfg.CommandTemplatePath == "" {
		return "", fmt.Errorf("orchestrator config has no command_template_path")
	}
	tmplBytes, err := os.ReadFile(s.cfg.CommandTemplatePath)
	if err != nil {
		return "", fmt.Errorf("read command template: %w", err)
	}

	metadataJSON, err := json.MarshalIndent(sess.Metadata, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session metadata: %w", err)
	}

	data := promptData{
		Branch:      sess.Branch,
		Session:     sess.SessionName,
		Model:       sess.Model,
		Template:    sess.Template,
		Description: sess.Description,
		Status:      sess.Status,
		Metadata:    string(metadataJSON),
		LogExcerpt:  s.readLogTail(sess.LogPath),
	}

	tmpl, err := template.New("command").Parse(string(tmplBytes))
	if err != nil {
		return "", fmt.Errorf("parse command template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render command template: %w", err)
	}
	return buf.String(), nil
}

// maybeGenerateSummary asks the decision CLI for a one-line progress
// summary and appends it to the session's bounded history ring, capped
// at maxHistoryEntries so long-running branches don't grow an unbounded
// metadata blob.
func (s *Service) maybeGenerateSummary(ctx context.Context, sess store.AgentSession) {
	if s.cfg.SummaryTemplatePath == "" {
		return
	}
	tmplBytes, err := os.ReadFile(s.cfg.SummaryTemplatePath)
	if err != nil {
		return
	}
	metadataJSON, _ := json.MarshalIndent(sess.Metadata, "", "  ")
	data := promptData{
		Branch:      sess.Branch,
		Session:     sess.SessionName,
		Model:       sess.Model,
		Template:    sess.Template,
		Description: sess.Description,
		Status:      sess.Status,
		Metadata:    string(metadataJSON),
		LogExcerpt:  s.readLogTail(sess.LogPath),
	}
	tmpl, err := template.New("summary").Parse(string(tmplBytes))
	if err != nil {
		s.logger.Debug("summary template parse failed", "branch", sess.Branch, "error", err)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		s.logger.Debug("summary template render failed", "branch", sess.Branch, "error", err)
		return
	}

	summary, err := s.client.RunSummary(ctx, buf.String())
	if err != nil || summary == "" {
		s.logger.Debug("summary generation failed", "branch", sess.Branch, "error", err)
		return
	}

	history, _ := sess.Metadata["history_summaries"].([]any)
	history = append(history, summary)
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}
	sess.Metadata["history_summaries"] = history
	if err := s.store.PutAgentSession(sess); err != nil {
		s.logger.Warn("summary history update failed", "branch", sess.Branch, "error", err)
	}
}

func (s *Service) handleDecision(sess store.AgentSession, decision Decision, now time.Time) {
	if decision.Summary != "" {
		commandTexts := make([]string, 0, len(decision.Commands))
		for _, c := range decision.Commands {
			commandTexts = append(commandTexts, c.Text)
		}
		sess.Status = "orchestrated"
		sess.Metadata["orchestrator_summary"] = decision.Summary
		sess.Metadata["orchestrator_last_command"] = commandTexts
		if decision.Phase != "" {
			sess.Metadata["orchestrator_phase"] = decision.Phase
		}
		if len(decision.Blockers) > 0 {
			sess.Metadata["orchestrator_blockers"] = decision.Blockers
		}
		if err := s.store.PutAgentSession(sess); err != nil {
			s.logger.Warn("decision metadata update failed", "branch", sess.Branch, "error", err)
		}
	}

	if decision.HasCommands() {
		sent := 0
		for _, cmd := range decision.Commands {
			if sent >= s.cfg.MaxCommandsPerCycle {
				s.logger.Info("advisor command cap reached, dropping remainder", "branch", sess.Branch, "cap", s.cfg.MaxCommandsPerCycle)
				break
			}
			targetSession := cmd.Session
			if targetSession == "" {
				targetSession = sess.SessionName
			}
			if err := s.bus.AppendCommand(bus.Command{
				ID:      uuid.NewString(),
				TS:      now.Unix(),
				Text:    cmd.Text,
				Session: targetSession,
				Enter:   cmd.Enter,
				Meta:    map[string]any{"sender": "orchestrator"},
			}); err != nil {
				s.logger.Warn("advisor command append failed", "branch", sess.Branch, "error", err)
				continue
			}
			sent++
		}
		if sent > 0 {
			s.mu.Lock()
			s.lastCommandAt[sess.Branch] = now
			s.mu.Unlock()
		}
	}

	if decision.Notify != "" && (!s.cfg.NotifyOnlyOnConfirm || decision.RequiresConfirmation) {
		s.notifier.Send(context.Background(), notify.Message{
			Title: fmt.Sprintf("%s needs attention", sess.Branch),
			Body:  decision.Notify,
		})
	}
}
