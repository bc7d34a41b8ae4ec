package policy

import (
	"fmt"
	"time"

	"github.com/loppo-llc/sentryd/internal/approval"
	"github.com/loppo-llc/sentryd/internal/config"
	"github.com/loppo-llc/sentryd/internal/sentrymsg"
	"github.com/loppo-llc/sentryd/internal/store"
)

// ActionKind distinguishes the two ways a stage can act on a pane.
type ActionKind string

const (
	ActionSendKeys ActionKind = "send_keys"
	ActionShell    ActionKind = "shell"
)

// Action is one command the dispatcher must carry out against a pane.
type Action struct {
	Host    string
	PaneID  string
	Kind    ActionKind
	Command string
	Enter   bool
}

// Notification is one human-facing message the policy engine produced.
type Notification struct {
	Title string
	Body  string
}

// EvaluationOutcome is everything a single pane's evaluation produced in
// this tick.
type EvaluationOutcome struct {
	Actions       []Action
	Notifications []Notification
	Approvals     []approval.Request
}

// Engine evaluates compiled pipelines against pane output, advancing
// per-stage state in the store.
type Engine struct {
	pipelines []CompiledPipeline
	store     *store.Store
	approvals *approval.Manager
}

// NewEngine compiles a policy document once at startup.
func NewEngine(p *config.Policy, st *store.Store, approvals *approval.Manager) (*Engine, error) {
	pipelines, err := Compile(p)
	if err != nil {
		return nil, err
	}
	return &Engine{pipelines: pipelines, store: st, approvals: approvals}, nil
}

// Evaluate runs every matching pipeline for one pane and returns the
// union of their actions, notifications, and approval requests.
func (e *Engine) Evaluate(host, paneID, windowName, paneTitle string, newLines []string, messages []sentrymsg.Message) (EvaluationOutcome, error) {
	var out EvaluationOutcome
	for _, pipeline := range e.pipelines {
		if !pipeline.Matches(windowName, paneTitle) {
			continue
		}
		if err := e.evaluatePipeline(host, paneID, pipeline, newLines, messages, &out); err != nil {
			return out, fmt.Errorf("pipeline %s: %w", pipeline.Name, err)
		}
	}
	return out, nil
}

func (e *Engine) evaluatePipeline(host, paneID string, pipeline CompiledPipeline, newLines []string, messages []sentrymsg.Message, out *EvaluationOutcome) error {
	for _, stage := range pipeline.Stages {
		key := store.StageKey{Host: host, PaneID: paneID, Pipeline: pipeline.Name, Stage: stage.Name}
		state, err := e.store.GetStageState(key)
		if err != nil {
			return err
		}

		if state.Status == store.StatusCompleted {
			continue
		}
		if state.Status == store.StatusFailed {
			// A failed stage freezes the pipeline until its rows are reset.
			return nil
		}

		if err := e.evaluateStage(host, paneID, pipeline, stage, &state, newLines, messages, out); err != nil {
			return err
		}

		state.Host, state.PaneID, state.Pipeline, state.Stage = host, paneID, pipeline.Name, stage.Name
		if err := e.store.PutStageState(state); err != nil {
			return err
		}

		// Only the first non-terminal stage is evaluated: at most one stage
		// transition per pipeline per tick.
		return nil
	}
	return nil
}

func (e *Engine) evaluateStage(host, paneID string, pipeline CompiledPipeline, stage CompiledStage, state *store.StageState, newLines []string, messages []sentrymsg.Message, out *EvaluationOutcome) error {
	now := time.Now().Unix()

	switch state.Status {
	case store.StatusIdle, store.StatusWaitingTrigger:
		return e.evaluateWaiting(host, paneID, pipeline, stage, state, newLines, messages, out, now)
	case store.StatusWaitingApproval:
		return e.evaluateWaitingApproval(host, paneID, pipeline, stage, state, out, now)
	case store.StatusRunning:
		return e.evaluateRunning(host, paneID, pipeline, stage, state, newLines, messages, out, now)
	}
	return nil
}

func (e *Engine) evaluateWaiting(host, paneID string, pipeline CompiledPipeline, stage CompiledStage, state *store.StageState, newLines []string, messages []sentrymsg.Message, out *EvaluationOutcome, now int64) error {
	if !stageReady(e.store, host, paneID, pipeline.Name, stage, newLines, messages) {
		state.Status = store.StatusWaitingTrigger
		return nil
	}

	if stage.RequireApproval {
		req, err := e.approvals.EnsureRequest(host, paneID, stage.Name)
		if err != nil {
			return err
		}
		state.Status = store.StatusWaitingApproval
		state.Data = map[string]any{"waiting_since": now, "notified": true}
		out.Approvals = append(out.Approvals, req)
		out.Notifications = append(out.Notifications, Notification{
			Title: fmt.Sprintf("Approval needed: %s/%s", pipeline.Name, stage.Name),
			Body:  formatApprovalBody(req, stage.AskHumanPrompt),
		})
		return nil
	}

	if state.Data == nil || state.Data["action_sent"] != true {
		out.Actions = append(out.Actions, stageActions(host, paneID, stage)...)
		state.Data = map[string]any{"action_sent": true}
	}
	state.Status = store.StatusRunning
	return nil
}

func (e *Engine) evaluateWaitingApproval(host, paneID string, pipeline CompiledPipeline, stage CompiledStage, state *store.StageState, out *EvaluationOutcome, now int64) error {
	decision := e.approvals.PollFileDecision(host, paneID, stage.Name)
	switch decision {
	case approval.DecisionApprove:
		out.Actions = append(out.Actions, stageActions(host, paneID, stage)...)
		state.Status = store.StatusRunning
		state.Data = map[string]any{"action_sent": true, "approved_at": now}
		return e.store.DeleteApprovalToken(host, paneID, stage.Name)
	case approval.DecisionReject:
		state.Status = store.StatusFailed
		return e.store.DeleteApprovalToken(host, paneID, stage.Name)
	default:
		if state.Data == nil {
			state.Data = map[string]any{"waiting_since": now}
		}
		req, err := e.approvals.EnsureRequest(host, paneID, stage.Name)
		if err != nil {
			return err
		}
		out.Approvals = append(out.Approvals, req)
		if state.Data["notified"] != true && stage.AskHumanPrompt != "" {
			out.Notifications = append(out.Notifications, Notification{
				Title: fmt.Sprintf("Approval needed: %s/%s", pipeline.Name, stage.Name),
				Body:  formatApprovalBody(req, stage.AskHumanPrompt),
			})
			state.Data["notified"] = true
		}
		return nil
	}
}

func (e *Engine) evaluateRunning(host, paneID string, pipeline CompiledPipeline, stage CompiledStage, state *store.StageState, newLines []string, messages []sentrymsg.Message, out *EvaluationOutcome, now int64) error {
	if conditionsMet(e.store, host, paneID, pipeline.Name, stage.SuccessWhen, newLines, messages) {
		state.Status = store.StatusCompleted
		state.Data = map[string]any{"completed_at": now}
		return nil
	}

	if !conditionsMet(e.store, host, paneID, pipeline.Name, stage.FailWhen, newLines, messages) {
		return nil
	}

	if state.Retries < stage.RetryMax {
		state.Retries++
		state.Status = store.StatusRunning
		out.Actions = append(out.Actions, stageActions(host, paneID, stage)...)
		state.Data = map[string]any{"retry": state.Retries, "retry_at": now}
		return nil
	}

	if stage.AskHumanPrompt != "" {
		req, err := e.approvals.EnsureRequest(host, paneID, stage.Name)
		if err != nil {
			return err
		}
		state.Status = store.StatusWaitingApproval
		state.Data = map[string]any{"waiting_since": now, "prompt": stage.AskHumanPrompt, "notified": true}
		out.Approvals = append(out.Approvals, req)
		out.Notifications = append(out.Notifications, Notification{
			Title: fmt.Sprintf("Approval needed: %s/%s", pipeline.Name, stage.Name),
			Body:  formatApprovalBody(req, stage.AskHumanPrompt),
		})
		return nil
	}

	state.Status = store.StatusFailed
	state.Data = map[string]any{"failed_at": now, "reason": "fail_condition"}
	if stage.EscalateCode != "" {
		out.Notifications = append(out.Notifications, Notification{
			Title: fmt.Sprintf("Escalation: %s/%s", pipeline.Name, stage.Name),
			Body:  fmt.Sprintf("escalate code: %s", stage.EscalateCode),
		})
	}
	return nil
}

func stageActions(host, paneID string, stage CompiledStage) []Action {
	actions := make([]Action, 0, len(stage.ActionsOnStart))
	for _, a := range stage.ActionsOnStart {
		if a.SendKeys != "" {
			actions = append(actions, Action{Host: host, PaneID: paneID, Kind: ActionSendKeys, Command: a.SendKeys, Enter: true})
		}
		if a.Shell != "" {
			actions = append(actions, Action{Host: host, PaneID: paneID, Kind: ActionShell, Command: a.Shell, Enter: false})
		}
	}
	return actions
}

func formatApprovalBody(req approval.Request, prompt string) string {
	if prompt == "" {
		prompt = "Approval required"
	}
	body := prompt + "\nFile: " + req.FilePath
	if req.ApproveURL != "" && req.RejectURL != "" {
		body += "\nApprove: " + req.ApproveURL + " | Reject: " + req.RejectURL
	}
	return body
}

func stageReady(st *store.Store, host, paneID, pipelineName string, stage CompiledStage, newLines []string, messages []sentrymsg.Message) bool {
	if totalTriggers(stage.Triggers) == 0 {
		return true
	}
	return conditionsMet(st, host, paneID, pipelineName, stage.Triggers, newLines, messages)
}

// totalTriggers counts every trigger across every labelled block. A
// stage with no triggers at all — whether because "triggers" was
// omitted or every block it names (e.g. "any_of: []") is itself empty —
// is always ready; there's nothing to wait for.
func totalTriggers(blocks []CompiledBlock) int {
	n := 0
	for _, block := range blocks {
		n += len(block.Triggers)
	}
	return n
}

// conditionsMet evaluates a list of labelled trigger blocks. An empty
// block list means "never fires" (used for success_when/fail_when left
// unset); a non-empty list is satisfied when any one of its blocks is
// satisfied.
func conditionsMet(st *store.Store, host, paneID, pipelineName string, blocks []CompiledBlock, newLines []string, messages []sentrymsg.Message) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, block := range blocks {
		if blockSatisfied(st, host, paneID, pipelineName, block, newLines, messages) {
			return true
		}
	}
	return false
}

func blockSatisfied(st *store.Store, host, paneID, pipelineName string, block CompiledBlock, newLines []string, messages []sentrymsg.Message) bool {
	switch block.Label {
	case "all_of":
		if len(block.Triggers) == 0 {
			return false
		}
		for _, trig := range block.Triggers {
			if !triggerSatisfied(st, host, paneID, pipelineName, trig, newLines, messages) {
				return false
			}
		}
		return true
	default: // "any_of" and any unrecognized label default to OR semantics
		for _, trig := range block.Triggers {
			if triggerSatisfied(st, host, paneID, pipelineName, trig, newLines, messages) {
				return true
			}
		}
		return false
	}
}

func triggerSatisfied(st *store.Store, host, paneID, pipelineName string, trig CompiledTrigger, newLines []string, messages []sentrymsg.Message) bool {
	if trig.LogRegex != nil {
		for _, line := range newLines {
			if trig.LogRegex.MatchString(line) {
				return true
			}
		}
	}
	if trig.MessageType != "" {
		for _, msg := range messages {
			if msg.Kind == trig.MessageType {
				return true
			}
		}
	}
	if trig.AfterStageSuccess != "" {
		key := store.StageKey{Host: host, PaneID: paneID, Pipeline: pipelineName, Stage: trig.AfterStageSuccess}
		prev, err := st.GetStageState(key)
		if err == nil && prev.Status == store.StatusCompleted {
			return true
		}
	}
	return false
}
