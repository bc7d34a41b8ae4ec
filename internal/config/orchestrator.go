package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Orchestrator is the advisor orchestrator's TOML configuration document.
type Orchestrator struct {
	PollInterval         string            `toml:"poll_interval"`
	CooldownSeconds      int               `toml:"cooldown_seconds"`
	MaxCommandsPerCycle  int               `toml:"max_commands_per_cycle"`
	HistoryLines         int               `toml:"history_lines"`
	SummaryTemplatePath  string            `toml:"summary_template_path"`
	CommandTemplatePath  string            `toml:"command_template_path"`
	DecisionCLI          string            `toml:"decision_cli"`
	DecisionCLIArgs      []string          `toml:"decision_cli_args"`
	TimeoutSeconds       int               `toml:"timeout_seconds"`
	Env                  map[string]string `toml:"env"`
	NotifyOnlyOnConfirm  bool              `toml:"notify_only_on_confirmation"`
}

const (
	defaultHistoryLines        = 400
	defaultCooldownSeconds     = 60
	defaultMaxCommandsPerCycle = 3
	defaultDecisionTimeoutSecs = 120
	defaultPollInterval        = 45 * time.Second
)

// EffectivePollInterval parses PollInterval, falling back to a sane
// default when it is empty or malformed.
func (o Orchestrator) EffectivePollInterval() time.Duration {
	if o.PollInterval == "" {
		return defaultPollInterval
	}
	d, err := time.ParseDuration(o.PollInterval)
	if err != nil || d <= 0 {
		return defaultPollInterval
	}
	return d
}

// LoadOrchestrator reads and validates an Orchestrator configuration
// document from path.
func LoadOrchestrator(path string) (*Orchestrator, error) {
	var cfg Orchestrator
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse orchestrator config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("orchestrator config %s: unknown keys %v", path, undecoded)
	}

	if cfg.HistoryLines <= 0 {
		cfg.HistoryLines = defaultHistoryLines
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = defaultCooldownSeconds
	}
	if cfg.MaxCommandsPerCycle <= 0 {
		cfg.MaxCommandsPerCycle = defaultMaxCommandsPerCycle
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultDecisionTimeoutSecs
	}
	if cfg.DecisionCLI == "" {
		return nil, fmt.Errorf("orchestrator config %s: decision_cli is required", path)
	}
	return &cfg, nil
}
