// Package planner decomposes a task goal into a sequence of Executor
// invocations, recalling relevant memory and session history into its
// prompts, and handling the Watchdog intervention handshake when the
// Executor reports one. Grounded on the teacher's agent control loop
// shape (pkg/agent/default.go's bounded iterate-until-terminal-command
// pattern) adapted from tool-calling to the browser/goal domain.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invisibrow/invisibrow/pkg/eventbus"
	"github.com/invisibrow/invisibrow/pkg/executor"
	"github.com/invisibrow/invisibrow/pkg/llm"
	"github.com/invisibrow/invisibrow/pkg/memory"
	"github.com/invisibrow/invisibrow/pkg/types"
)

const maxSteps = 15

const manualLoginGoal = "MANUAL_LOGIN"

const maxRecall = 5

var keywordSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"keywords": map[string]interface{}{
			"type":     "array",
			"items":    map[string]interface{}{"type": "string"},
			"minItems": 3,
			"maxItems": 5,
		},
	},
	"required":             []string{"keywords"},
	"additionalProperties": false,
}

var planStepSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"thought": map[string]interface{}{"type": "string"},
		"command": map[string]interface{}{
			"type": "string",
			"enum": []string{"browser", "finish", "wait"},
		},
		"input": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"executorGoal": map[string]interface{}{"type": "string"},
				"answer":       map[string]interface{}{"type": "string"},
			},
		},
	},
	"required":             []string{"thought", "command"},
	"additionalProperties": false,
}

// Result is the Planner's terminal, successful output.
type Result struct {
	Answer string
	URL    string
}

// Hooks bundles the per-task callbacks the Scheduler wires down through
// the Planner into the Executor/Watchdog, per the "TaskHooks" pattern
// the design notes describe: record each step, record each LLM call's
// usage, and append a durable session-history entry on success.
type Hooks struct {
	OnStep                 func(types.TaskStep) error
	OnTokenUsage           func(model string, usage llm.Usage) error
	OnSessionHistoryUpdate func(entry string) error
}

// ExecutorFactory lazily builds (or returns the cached) Executor for a
// session id, reconstructing it if the requested headless flag differs
// from the one it was last built with. SetHeadless switches the mode of
// the existing browser in place, as the intervention handshake does.
type ExecutorFactory interface {
	ForSession(ctx context.Context, sessionID string, headless bool) (*executor.Executor, error)
	SetHeadless(ctx context.Context, sessionID string, headless bool) error
}

// Planner drives one task's goal to completion.
type Planner struct {
	store     *memory.Store
	chat      llm.ChatClient
	model     string
	executors ExecutorFactory
	bus       *eventbus.Bus
}

// New constructs a Planner. model is the plan-step/keyword-extraction
// model; the Executor's own model is owned by whatever built the
// ExecutorFactory.
func New(store *memory.Store, chat llm.ChatClient, model string, executors ExecutorFactory, bus *eventbus.Bus) *Planner {
	return &Planner{store: store, chat: chat, model: model, executors: executors, bus: bus}
}

// Run drives goal for sessionID to completion, bounded at 15 iterations
// (an intervention iteration does not count against the budget).
// headless is the session's preferred mode, restored after any
// intervention handshake. taskID becomes the id of the MemoryRecord
// written on success.
func (p *Planner) Run(ctx context.Context, taskID, sessionID, goal string, headless bool, sessionHistory []string, hooks Hooks) (Result, error) {
	if goal == manualLoginGoal {
		return p.runManualLogin(ctx, taskID, sessionID, goal, headless, hooks)
	}

	keywords, kwUsage, err := p.extractKeywords(ctx, goal)
	if err != nil {
		return Result{}, fmt.Errorf("planner: extract keywords: %w", err)
	}
	if err := hooks.OnTokenUsage(p.model, kwUsage); err != nil {
		return Result{}, fmt.Errorf("planner: record keyword usage: %w", err)
	}

	recall, err := p.store.Search(keywords)
	if err != nil {
		return Result{}, fmt.Errorf("planner: recall: %w", err)
	}
	recallLines := fitLinesRecent(formatRecallLines(recall), maxContextTokens/2)
	historyLines := fitLines(sessionHistory, maxContextTokens/2)
	recallBlock := strings.Join(recallLines, "")
	historyBlock := formatHistoryBlock(historyLines)

	var lastResult *types.BrowserResult
	var trace []string

	step := 1
	for step <= maxSteps {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("planner: %w", types.ErrAborted)
		}

		decision, usage, err := p.planStep(ctx, goal, recallBlock, historyBlock, trace, lastResult)
		if err != nil {
			return Result{}, fmt.Errorf("planner: plan-step: %w", err)
		}
		if err := hooks.OnTokenUsage(p.model, usage); err != nil {
			return Result{}, fmt.Errorf("planner: record usage: %w", err)
		}

		command := decision.Command
		inputSummary := decision.Input.ExecutorGoal
		if inputSummary == "" {
			inputSummary = decision.Input.Answer
		}
		if err := hooks.OnStep(types.TaskStep{
			Agent:     types.AgentPlanner,
			Step:      step,
			Thought:   decision.Thought,
			Command:   fmt.Sprintf("%s(%s)", command, inputSummary),
			TokenUsage: toTypesUsage(usage),
			Timestamp: time.Now().UTC(),
		}); err != nil {
			return Result{}, fmt.Errorf("planner: persist step: %w", err)
		}

		switch decision.Command {
		case "finish":
			answer := decision.Input.Answer
			if answer == "" && lastResult != nil {
				answer = lastResult.Summary
			}
			url := ""
			if lastResult != nil {
				url = lastResult.URL
			}
			if err := p.recordSuccess(taskID, sessionID, goal, keywords, answer, lastResult, hooks); err != nil {
				return Result{}, err
			}
			return Result{Answer: answer, URL: url}, nil

		case "wait":
			if err := cancellableSleep(ctx, 5*time.Second); err != nil {
				return Result{}, fmt.Errorf("planner: %w", types.ErrAborted)
			}

		case "browser":
			exec, err := p.executors.ForSession(ctx, sessionID, headless)
			if err != nil {
				return Result{}, fmt.Errorf("planner: acquire executor: %w", err)
			}

			execResult, err := exec.Run(ctx, decision.Input.ExecutorGoal, executor.Callbacks{
				OnStep:       hooks.OnStep,
				OnTokenUsage: hooks.OnTokenUsage,
			})
			if err != nil {
				return Result{}, fmt.Errorf("planner: executor: %w", err)
			}

			if execResult.Intervention {
				resolved, err := p.handleIntervention(ctx, sessionID, headless, execResult.Reason, lastURL(lastResult))
				if err != nil {
					return Result{}, err
				}
				if !resolved {
					return Result{}, fmt.Errorf("planner: %w", types.ErrVerificationCancelled)
				}
				// This iteration did not count.
				continue
			}

			lastResult = &execResult.Browser
			trace = append(trace, fmt.Sprintf("%d: %s", step, decision.Input.ExecutorGoal))
		}

		step++
	}

	return Result{}, fmt.Errorf("planner: %w", types.ErrMaxSteps)
}

func (p *Planner) runManualLogin(ctx context.Context, taskID, sessionID, goal string, headless bool, hooks Hooks) (Result, error) {
	exec, err := p.executors.ForSession(ctx, sessionID, headless)
	if err != nil {
		return Result{}, fmt.Errorf("planner: acquire executor: %w", err)
	}
	execResult, err := exec.Run(ctx, goal, executor.Callbacks{
		OnStep:       hooks.OnStep,
		OnTokenUsage: hooks.OnTokenUsage,
	})
	if err != nil {
		return Result{}, fmt.Errorf("planner: executor: %w", err)
	}
	if err := p.recordSuccess(taskID, sessionID, goal, []string{"manual", "login"}, execResult.Browser.Summary, &execResult.Browser, hooks); err != nil {
		return Result{}, err
	}
	return Result{Answer: execResult.Browser.Summary, URL: execResult.Browser.URL}, nil
}

func (p *Planner) recordSuccess(taskID, sessionID, goal string, keywords []string, answer string, lastResult *types.BrowserResult, hooks Hooks) error {
	artifacts := map[string]string{}
	if lastResult != nil {
		artifacts = lastResult.Extracted
	}
	record := types.MemoryRecord{
		ID:        taskID,
		Goal:      goal,
		Keywords:  keywords,
		Summary:   answer,
		Artifacts: artifacts,
		Status:    "success",
		Timestamp: time.Now().UTC(),
	}
	if err := p.store.Save(record); err != nil {
		return fmt.Errorf("planner: save memory: %w", err)
	}

	entry := fmt.Sprintf("%s goal: %s / result: %s", time.Now().UTC().Format(time.RFC3339), goal, answer)
	if err := hooks.OnSessionHistoryUpdate(entry); err != nil {
		return fmt.Errorf("planner: append session history: %w", err)
	}
	return nil
}

// handleIntervention runs the §4.6 handshake: publish verification_needed,
// toggle to non-headless, await verification_resolved or cancellation,
// restore the preferred headless flag. Returns resolved=false only on
// cancellation.
func (p *Planner) handleIntervention(ctx context.Context, sessionID string, preferredHeadless bool, reason, url string) (bool, error) {
	p.bus.Publish(eventbus.Event{
		Signal:    eventbus.SignalVerificationNeeded,
		SessionID: sessionID,
		Payload:   map[string]string{"reason": reason, "url": url},
	})

	if err := p.executors.SetHeadless(ctx, sessionID, false); err != nil {
		return false, fmt.Errorf("planner: set non-headless for intervention: %w", err)
	}

	sub := p.bus.Subscribe(func(e eventbus.Event) bool {
		return e.Signal == eventbus.SignalVerificationResolved && e.SessionID == sessionID
	})
	defer sub.Unsubscribe()

	select {
	case <-sub.Chan():
		if err := p.executors.SetHeadless(ctx, sessionID, preferredHeadless); err != nil {
			return false, fmt.Errorf("planner: restore headless after intervention: %w", err)
		}
		return true, nil
	case <-ctx.Done():
		return false, nil
	}
}

type planDecision struct {
	Thought string `json:"thought"`
	Command string `json:"command"`
	Input   struct {
		ExecutorGoal string `json:"executorGoal"`
		Answer       string `json:"answer"`
	} `json:"input"`
}

func (p *Planner) extractKeywords(ctx context.Context, goal string) ([]string, llm.Usage, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "Extract 3-5 lowercase keywords summarizing the essential nouns and intent of the given goal. Respond with just the keyword list."},
		{Role: llm.RoleUser, Content: goal},
	}
	content, usage, err := p.chat.Chat(ctx, p.model, messages, keywordSchema)
	if err != nil {
		return nil, llm.Usage{}, err
	}
	var out struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, usage, fmt.Errorf("decode keywords: %w", err)
	}
	return out.Keywords, usage, nil
}

func (p *Planner) planStep(ctx context.Context, goal, recallBlock, historyBlock string, trace []string, lastResult *types.BrowserResult) (planDecision, llm.Usage, error) {
	system := buildPlanSystemPrompt(goal, recallBlock, historyBlock, trace)
	userContent := "No browser action has been taken yet."
	if lastResult != nil {
		resultJSON, err := json.Marshal(lastResult)
		if err != nil {
			return planDecision{}, llm.Usage{}, fmt.Errorf("marshal last result: %w", err)
		}
		userContent = string(resultJSON)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: userContent},
	}
	content, usage, err := p.chat.Chat(ctx, p.model, messages, planStepSchema)
	if err != nil {
		return planDecision{}, llm.Usage{}, err
	}

	var d planDecision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return planDecision{}, usage, fmt.Errorf("decode plan decision: %w", err)
	}
	return d, usage, nil
}

func buildPlanSystemPrompt(goal, recallBlock, historyBlock string, trace []string) string {
	var b strings.Builder
	b.WriteString("You are decomposing this goal into browser-driving steps:\n")
	b.WriteString(goal)
	b.WriteString("\n\nChoose one of three commands each turn: browser (drive the executor toward one ")
	b.WriteString("concrete sub-step, include executorGoal), finish (the goal is satisfied, include answer), ")
	b.WriteString("or wait (pause 5s before deciding again).\n\n")
	b.WriteString("Critical: if the recall or history blocks below contain values relevant to this turn's ")
	b.WriteString("sub-step (account names, prior search results, previously entered data), embed those ")
	b.WriteString("known values verbatim in executorGoal instead of asking the executor to look them up again.\n")

	if recallBlock != "" {
		b.WriteString("\nRelevant past tasks:\n")
		b.WriteString(recallBlock)
	}
	if historyBlock != "" {
		b.WriteString("\nThis session's prior task history:\n")
		b.WriteString(historyBlock)
	}
	if len(trace) > 0 {
		b.WriteString("\nSteps taken so far this task:\n")
		for _, t := range trace {
			b.WriteString(t)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// formatRecallLines renders each record as one line, newest first,
// matching memory.Store.Search's ordering.
func formatRecallLines(records []types.MemoryRecord) []string {
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("- [%s] goal: %s / summary: %s\n", r.Timestamp.Format(time.RFC3339), r.Goal, r.Summary))
	}
	return lines
}

func formatHistoryBlock(history []string) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for _, h := range history {
		b.WriteString("- ")
		b.WriteString(h)
		b.WriteString("\n")
	}
	return b.String()
}

func lastURL(r *types.BrowserResult) string {
	if r == nil {
		return ""
	}
	return r.URL
}

func toTypesUsage(u llm.Usage) *types.Usage {
	return &types.Usage{InputTokens: u.InputTokens, CachedTokens: u.CachedTokens, OutputTokens: u.OutputTokens}
}

// cancellableSleep sleeps d, returning ctx.Err() if cancelled first.
func cancellableSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
