package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TriggerSpec is any non-empty subset of the three trigger conditions.
type TriggerSpec struct {
	LogRegex          string `yaml:"log_regex,omitempty"`
	MessageType       string `yaml:"message_type,omitempty"`
	AfterStageSuccess string `yaml:"after_stage_success,omitempty"`
}

// ActionSpec is one entry of a stage's actions_on_start list.
type ActionSpec struct {
	SendKeys string `yaml:"send_keys,omitempty"`
	Shell    string `yaml:"shell,omitempty"`
}

// OnFailEntry is one raw fault-handler entry; Retry/AskHuman/Escalate and
// IfStillFail are mutually optional and flattened at compile time.
type OnFailEntry struct {
	Retry       *RetrySpec    `yaml:"retry,omitempty"`
	AskHuman    string        `yaml:"ask_human,omitempty"`
	Escalate    string        `yaml:"escalate,omitempty"`
	IfStillFail *IfStillFail  `yaml:"if_still_fail,omitempty"`
}

// RetrySpec bounds the number of in-place retries before escalating.
type RetrySpec struct {
	Max int `yaml:"max"`
}

// IfStillFail names the human prompt or escalation code to use once
// retries are exhausted.
type IfStillFail struct {
	AskHuman string `yaml:"ask_human,omitempty"`
	Escalate string `yaml:"escalate,omitempty"`
}

// TriggerBlock is a labelled group of TriggerSpecs, keyed "any_of" or
// "all_of".
type TriggerBlock map[string][]TriggerSpec

// StageSpec is one stage of a pipeline, as written in the policy document.
type StageSpec struct {
	Name            string        `yaml:"name"`
	Triggers        TriggerBlock  `yaml:"triggers,omitempty"`
	ActionsOnStart  []ActionSpec  `yaml:"actions_on_start,omitempty"`
	SuccessWhen     TriggerBlock  `yaml:"success_when,omitempty"`
	FailWhen        TriggerBlock  `yaml:"fail_when,omitempty"`
	RequireApproval bool          `yaml:"require_approval,omitempty"`
	OnFail          []OnFailEntry `yaml:"on_fail,omitempty"`
}

// PipelineMatcher is one disjunct of a pipeline's match clause.
type PipelineMatcher struct {
	WindowName string `yaml:"window_name,omitempty"`
	PaneTitle  string `yaml:"pane_title,omitempty"`
}

// PipelineSpec is one pipeline as written in the policy document.
type PipelineSpec struct {
	Name   string                       `yaml:"name"`
	Match  map[string][]PipelineMatcher `yaml:"match"`
	Stages []StageSpec                  `yaml:"stages"`
}

// Policy is the top-level policy document.
type Policy struct {
	Principles []string       `yaml:"principles,omitempty"`
	Pipelines  []PipelineSpec `yaml:"pipelines"`
}

// LoadPolicy reads and validates a policy document from path. Regexes
// embedded in triggers and matchers are syntax-checked here so a bad
// pattern fails at startup, not mid-tick.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}

	var p Policy
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}

	if len(p.Pipelines) == 0 {
		return nil, fmt.Errorf("policy %s: at least one pipeline is required", path)
	}
	for _, pipeline := range p.Pipelines {
		if pipeline.Name == "" {
			return nil, fmt.Errorf("policy %s: pipeline missing a name", path)
		}
		if len(pipeline.Stages) == 0 {
			return nil, fmt.Errorf("policy %s: pipeline %s has no stages", path, pipeline.Name)
		}
		if err := validatePipelineRegexes(pipeline); err != nil {
			return nil, fmt.Errorf("policy %s: pipeline %s: %w", path, pipeline.Name, err)
		}
	}
	return &p, nil
}

func validatePipelineRegexes(pipeline PipelineSpec) error {
	for _, matchers := range pipeline.Match {
		for _, m := range matchers {
			if m.WindowName != "" {
				if _, err := CompileRegexes([]string{m.WindowName}); err != nil {
					return err
				}
			}
			if m.PaneTitle != "" {
				if _, err := CompileRegexes([]string{m.PaneTitle}); err != nil {
					return err
				}
			}
		}
	}
	for _, stage := range pipeline.Stages {
		if stage.Name == "" {
			return fmt.Errorf("stage missing a name")
		}
		for _, block := range []TriggerBlock{stage.Triggers, stage.SuccessWhen, stage.FailWhen} {
			for _, specs := range block {
				for _, spec := range specs {
					if spec.LogRegex != "" {
						if _, err := CompileRegexes([]string{spec.LogRegex}); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}
