// Package policy compiles policy documents into regex-ready structures
// and evaluates them against a pane's new output, driving the per-stage
// state machine stored in the state store.
package policy

import (
	"fmt"
	"regexp"

	"github.com/loppo-llc/sentryd/internal/config"
)

// CompiledTrigger is a Trigger with its regex pre-compiled.
type CompiledTrigger struct {
	LogRegex          *regexp.Regexp
	MessageType       string
	AfterStageSuccess string
}

// CompiledBlock is a labelled trigger group: "any_of" requires at least
// one satisfied trigger, "all_of" requires every one.
type CompiledBlock struct {
	Label    string
	Triggers []CompiledTrigger
}

// CompiledStage is one stage with its triggers and fault-handling
// flattened.
type CompiledStage struct {
	Name            string
	Triggers        []CompiledBlock
	ActionsOnStart  []config.ActionSpec
	SuccessWhen     []CompiledBlock
	FailWhen        []CompiledBlock
	RequireApproval bool
	RetryMax        int
	AskHumanPrompt  string
	EscalateCode    string
}

// CompiledPipeline is one pipeline with its match regexes pre-compiled.
type CompiledPipeline struct {
	Name           string
	WindowMatchers []*regexp.Regexp
	PaneMatchers   []*regexp.Regexp
	Stages         []CompiledStage
}

// Matches reports whether this pipeline applies to a pane: the pipeline
// has no window regexes, or one matches windowName; AND the pipeline has
// no pane regexes, or one matches paneTitle.
func (p CompiledPipeline) Matches(windowName, paneTitle string) bool {
	windowOK := len(p.WindowMatchers) == 0
	for _, re := range p.WindowMatchers {
		if re.MatchString(windowName) {
			windowOK = true
			break
		}
	}
	paneOK := len(p.PaneMatchers) == 0
	for _, re := range p.PaneMatchers {
		if re.MatchString(paneTitle) {
			paneOK = true
			break
		}
	}
	return windowOK && paneOK
}

// Compile turns a policy document into its compiled, evaluation-ready
// form. Every regex in the document was already syntax-checked by
// config.LoadPolicy; Compile re-compiles them for use, which cannot fail
// at this point short of policy mutation between load and compile.
func Compile(p *config.Policy) ([]CompiledPipeline, error) {
	pipelines := make([]CompiledPipeline, 0, len(p.Pipelines))
	for _, spec := range p.Pipelines {
		cp, err := compilePipeline(spec)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", spec.Name, err)
		}
		pipelines = append(pipelines, cp)
	}
	return pipelines, nil
}

func compilePipeline(spec config.PipelineSpec) (CompiledPipeline, error) {
	var windowPatterns, panePatterns []*regexp.Regexp
	for _, m := range spec.Match["any_of"] {
		if m.WindowName != "" {
			re, err := regexp.Compile(m.WindowName)
			if err != nil {
				return CompiledPipeline{}, err
			}
			windowPatterns = append(windowPatterns, re)
		}
		if m.PaneTitle != "" {
			re, err := regexp.Compile(m.PaneTitle)
			if err != nil {
				return CompiledPipeline{}, err
			}
			panePatterns = append(panePatterns, re)
		}
	}

	stages := make([]CompiledStage, 0, len(spec.Stages))
	for _, s := range spec.Stages {
		cs, err := compileStage(s)
		if err != nil {
			return CompiledPipeline{}, fmt.Errorf("stage %s: %w", s.Name, err)
		}
		stages = append(stages, cs)
	}

	return CompiledPipeline{
		Name:           spec.Name,
		WindowMatchers: windowPatterns,
		PaneMatchers:   panePatterns,
		Stages:         stages,
	}, nil
}

func compileStage(s config.StageSpec) (CompiledStage, error) {
	triggers, err := compileBlock(s.Triggers)
	if err != nil {
		return CompiledStage{}, err
	}
	successWhen, err := compileBlock(s.SuccessWhen)
	if err != nil {
		return CompiledStage{}, err
	}
	failWhen, err := compileBlock(s.FailWhen)
	if err != nil {
		return CompiledStage{}, err
	}

	retryMax := 0
	askHumanPrompt := ""
	escalateCode := ""
	for _, entry := range s.OnFail {
		if entry.Retry != nil {
			retryMax = entry.Retry.Max
		}
		if entry.AskHuman != "" {
			askHumanPrompt = entry.AskHuman
		}
		if entry.Escalate != "" {
			escalateCode = entry.Escalate
		}
		if entry.IfStillFail != nil {
			if entry.IfStillFail.AskHuman != "" {
				askHumanPrompt = entry.IfStillFail.AskHuman
			}
			if entry.IfStillFail.Escalate != "" {
				escalateCode = entry.IfStillFail.Escalate
			}
		}
	}

	return CompiledStage{
		Name:            s.Name,
		Triggers:        triggers,
		ActionsOnStart:  s.ActionsOnStart,
		SuccessWhen:     successWhen,
		FailWhen:        failWhen,
		RequireApproval: s.RequireApproval,
		RetryMax:        retryMax,
		AskHumanPrompt:  askHumanPrompt,
		EscalateCode:    escalateCode,
	}, nil
}

func compileBlock(block config.TriggerBlock) ([]CompiledBlock, error) {
	if len(block) == 0 {
		return nil, nil
	}
	out := make([]CompiledBlock, 0, len(block))
	for label, specs := range block {
		triggers := make([]CompiledTrigger, 0, len(specs))
		for _, spec := range specs {
			ct := CompiledTrigger{MessageType: spec.MessageType, AfterStageSuccess: spec.AfterStageSuccess}
			if spec.LogRegex != "" {
				re, err := regexp.Compile(spec.LogRegex)
				if err != nil {
					return nil, err
				}
				ct.LogRegex = re
			}
			triggers = append(triggers, ct)
		}
		out = append(out, CompiledBlock{Label: label, Triggers: triggers})
	}
	return out, nil
}
