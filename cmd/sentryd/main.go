// Command sentryd supervises tmux panes running long-lived AI coding
// agents: it watches pane output against a policy document, dispatches
// keystrokes and shell commands, gates risky stages behind human
// approval, and hands idle sessions off to a decision-CLI advisor for
// the next move.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loppo-llc/sentryd/internal/advisor"
	"github.com/loppo-llc/sentryd/internal/approval"
	"github.com/loppo-llc/sentryd/internal/bus"
	"github.com/loppo-llc/sentryd/internal/config"
	"github.com/loppo-llc/sentryd/internal/notify"
	"github.com/loppo-llc/sentryd/internal/policy"
	"github.com/loppo-llc/sentryd/internal/store"
	"github.com/loppo-llc/sentryd/internal/supervisor"
)

var version = "0.1.0"

type options struct {
	configPath       string
	policyPath       string
	orchestratorPath string
	dryRun           bool
	once             bool
	approvalSecret   string
	publicBaseURL    string
	logLevel         string
}

func main() {
	opts := &options{
		approvalSecret: os.Getenv("APPROVAL_SECRET"),
		publicBaseURL:  os.Getenv("PUBLIC_BASE_URL"),
		logLevel:       envOr("LOG_LEVEL", "info"),
	}

	root := &cobra.Command{
		Use:     "sentryd",
		Short:   "tmux pane supervisor for long-running AI coding agents",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	root.Flags().StringVar(&opts.configPath, "config", "", "path to the agent configuration YAML (required)")
	root.Flags().StringVar(&opts.policyPath, "policy", "", "path to the policy document YAML (required)")
	root.Flags().StringVar(&opts.orchestratorPath, "orchestrator-config", "", "path to the advisor orchestrator configuration TOML (optional)")
	root.Flags().BoolVar(&opts.dryRun, "dry-run", false, "log actions instead of sending keystrokes or running shell commands")
	root.Flags().BoolVar(&opts.once, "once", false, "run a single poll cycle and exit")
	root.Flags().StringVar(&opts.approvalSecret, "approval-secret", opts.approvalSecret, "secret used to sign approval tokens (env APPROVAL_SECRET)")
	root.Flags().StringVar(&opts.publicBaseURL, "public-base-url", opts.publicBaseURL, "base URL for approval callback links (env PUBLIC_BASE_URL)")
	root.Flags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "debug, info, warn, or error (env LOG_LEVEL)")
	_ = root.MarkFlagRequired("config")
	_ = root.MarkFlagRequired("policy")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(opts *options) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(opts.logLevel),
	}))

	agentCfg, err := config.LoadAgent(opts.configPath)
	if err != nil {
		logger.Error("failed to load agent config", "error", err)
		os.Exit(1)
	}
	policyCfg, err := config.LoadPolicy(opts.policyPath)
	if err != nil {
		logger.Error("failed to load policy document", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(agentCfg.SQLitePath)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	b, err := bus.Open(agentCfg.BusDir)
	if err != nil {
		logger.Error("failed to open local bus", "error", err)
		os.Exit(1)
	}

	approvals, err := approval.New(st, approval.Config{
		Dir:      agentCfg.ApprovalDir,
		Secret:   opts.approvalSecret,
		BaseURL:  opts.publicBaseURL,
		TokenTTL: 24 * time.Hour,
	})
	if err != nil {
		logger.Error("failed to initialize approval manager", "error", err)
		os.Exit(1)
	}

	sinks, err := notify.BuildSinks(agentCfg.NotifyChannels(), b, agentCfg.SlackWebhookURL)
	if err != nil {
		logger.Error("failed to build notification sinks", "error", err)
		os.Exit(1)
	}
	notifier := notify.New(logger, sinks...)

	engine, err := policy.NewEngine(policyCfg, st, approvals)
	if err != nil {
		logger.Error("failed to compile policy document", "error", err)
		os.Exit(1)
	}

	sup, err := supervisor.New(agentCfg, st, b, engine, notifier, opts.dryRun, logger)
	if err != nil {
		logger.Error("failed to build supervisor", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.once {
		if err := sup.Tick(ctx); err != nil {
			logger.Error("tick failed", "error", err)
			os.Exit(1)
		}
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sup.Run(ctx)
	}()

	if orchestrator, orchErr := buildAdvisor(opts.orchestratorPath, st, b, notifier, logger); orchErr != nil {
		logger.Warn("advisor orchestrator disabled", "error", orchErr)
	} else if orchestrator != nil {
		go func() {
			if err := orchestrator.service.Run(ctx, orchestrator.cfg.EffectivePollInterval()); err != nil {
				logger.Error("advisor orchestrator stopped", "error", err)
			}
		}()
	}

	if err := <-errCh; err != nil {
		logger.Error("supervisor stopped", "error", err)
		return err
	}
	return nil
}

type advisorRuntime struct {
	service *advisor.Service
	cfg     *config.Orchestrator
}

// buildAdvisor wires the advisor orchestrator when an orchestrator
// config path is given. It is optional: a deployment that only needs
// the policy-driven supervisor loop can omit it entirely.
func buildAdvisor(path string, st *store.Store, b *bus.Bus, notifier *notify.Notifier, logger *slog.Logger) (*advisorRuntime, error) {
	if path == "" {
		return nil, nil
	}
	cfg, err := config.LoadOrchestrator(path)
	if err != nil {
		return nil, fmt.Errorf("load orchestrator config: %w", err)
	}

	executable := append([]string{cfg.DecisionCLI}, cfg.DecisionCLIArgs...)
	client := advisor.NewClient(executable, cfg.Env, time.Duration(cfg.TimeoutSeconds)*time.Second)
	service := advisor.NewService(st, b, notifier, client, cfg, logger)
	return &advisorRuntime{service: service, cfg: cfg}, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
