// Package config loads the three external documents the supervisor reads
// at startup: the agent configuration (YAML), the policy document (YAML),
// and the advisor orchestrator configuration (TOML).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SSHConfig describes how to reach a remote host's tmux server.
type SSHConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user,omitempty"`
	Key      string `yaml:"key,omitempty"`
	Password string `yaml:"password,omitempty"`
	Timeout  int    `yaml:"timeout,omitempty"`
}

// TmuxHostConfig overrides per-host tmux polling behavior.
type TmuxHostConfig struct {
	Socket           string   `yaml:"socket,omitempty"`
	SessionFilters   []string `yaml:"session_filters,omitempty"`
	PaneNamePatterns []string `yaml:"pane_name_patterns,omitempty"`
	CaptureLines     int      `yaml:"capture_lines,omitempty"`
	PollIntervalMS   int      `yaml:"poll_interval_ms,omitempty"`
}

// Host is one configured tmux endpoint, local or remote.
type Host struct {
	Name string          `yaml:"name"`
	SSH  *SSHConfig      `yaml:"ssh,omitempty"`
	Tmux *TmuxHostConfig `yaml:"tmux,omitempty"`
}

// Agent is the top-level agent configuration document.
type Agent struct {
	PollIntervalMS  int    `yaml:"poll_interval_ms"`
	TmuxBin         string `yaml:"tmux_bin"`
	SQLitePath      string `yaml:"sqlite_path"`
	ApprovalDir     string `yaml:"approval_dir"`
	BusDir          string `yaml:"bus_dir,omitempty"`
	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty"`
	Notify          string `yaml:"notify"`
	Hosts           []Host `yaml:"hosts"`
}

const (
	defaultPollIntervalMS = 1500
	defaultTmuxBin        = "tmux"
	minPollIntervalMS     = 100
)

// NotifyChannels splits the comma-separated Notify field.
func (a Agent) NotifyChannels() []string {
	if strings.TrimSpace(a.Notify) == "" {
		return nil
	}
	parts := strings.Split(a.Notify, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadAgent reads and validates an Agent configuration document from path.
// Unknown top-level keys are rejected.
func LoadAgent(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config %s: %w", path, err)
	}

	var cfg Agent
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse agent config %s: %w", path, err)
	}

	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = defaultPollIntervalMS
	}
	if cfg.PollIntervalMS < minPollIntervalMS {
		cfg.PollIntervalMS = minPollIntervalMS
	}
	if cfg.TmuxBin == "" {
		cfg.TmuxBin = defaultTmuxBin
	}
	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("agent config %s: sqlite_path is required", path)
	}
	if cfg.ApprovalDir == "" {
		return nil, fmt.Errorf("agent config %s: approval_dir is required", path)
	}
	if cfg.BusDir == "" {
		cfg.BusDir = filepath.Join(filepath.Dir(cfg.ApprovalDir), "bus")
	}
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("agent config %s: at least one host is required", path)
	}
	for i, h := range cfg.Hosts {
		if h.Name == "" {
			return nil, fmt.Errorf("agent config %s: hosts[%d] is missing a name", path, i)
		}
		if h.Tmux != nil {
			if _, err := CompileRegexes(h.Tmux.SessionFilters); err != nil {
				return nil, fmt.Errorf("agent config %s: host %s session_filters: %w", path, h.Name, err)
			}
			if _, err := CompileRegexes(h.Tmux.PaneNamePatterns); err != nil {
				return nil, fmt.Errorf("agent config %s: host %s pane_name_patterns: %w", path, h.Name, err)
			}
		}
	}
	return &cfg, nil
}

// EffectivePollInterval returns the minimum of the global and per-host
// configured poll intervals, in milliseconds.
func (a Agent) EffectivePollInterval() int {
	min := a.PollIntervalMS
	for _, h := range a.Hosts {
		if h.Tmux != nil && h.Tmux.PollIntervalMS > 0 && h.Tmux.PollIntervalMS < min {
			min = h.Tmux.PollIntervalMS
		}
	}
	if min < minPollIntervalMS {
		min = minPollIntervalMS
	}
	return min
}
