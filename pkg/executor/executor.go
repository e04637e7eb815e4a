// Package executor drives the one-step browser action loop: snapshot the
// page, consult the Watchdog, ask the decision LLM what to do next,
// perform the action through PageDriver, and repeat until a finish/answer
// action or the step budget is exhausted. Grounded on the teacher's
// general shape of a bounded decision-then-act loop (pkg/agent/default.go)
// adapted to the browser domain instead of a tool-calling coding agent.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/invisibrow/invisibrow/pkg/browserdrv"
	"github.com/invisibrow/invisibrow/pkg/llm"
	"github.com/invisibrow/invisibrow/pkg/types"
	"github.com/invisibrow/invisibrow/pkg/watchdog"
)

const maxSteps = 15

// manualLoginGoal is a sentinel executor goal: instead of running the
// decision loop, the Executor just waits out a long, cancellable window
// so the user can complete a login by hand in the session's browser,
// which runs in the session's own headless mode.
const manualLoginGoal = "MANUAL_LOGIN"

const manualLoginWait = 300 * time.Second

var decisionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"thought": map[string]interface{}{"type": "string"},
		"action": map[string]interface{}{
			"type": "string",
			"enum": []string{"goto", "click", "type", "search", "wait", "finish", "answer"},
		},
		"param":  map[string]interface{}{"type": "string"},
		"answer": map[string]interface{}{"type": "string"},
	},
	"required":             []string{"thought", "action"},
	"additionalProperties": false,
}

var summarizationSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"summary":   map[string]interface{}{"type": "string"},
		"extracted": map[string]interface{}{"type": "object", "additionalProperties": map[string]interface{}{"type": "string"}},
	},
	"required":             []string{"summary", "extracted"},
	"additionalProperties": false,
}

// Callbacks lets the caller (Planner) observe step records and token
// usage without the Executor knowing about TaskStore or TokenAccounting.
type Callbacks struct {
	OnStep       func(types.TaskStep) error
	OnTokenUsage func(model string, usage llm.Usage) error
}

// Result is the Executor's outcome for one browser goal segment.
type Result struct {
	Browser      types.BrowserResult
	Intervention bool
	Reason       string
}

// Executor drives one session's browser via driver, consulting watchdog
// before every decision call. It is built and cached per session by the
// planner's ExecutorFactory (browseragent.Manager), which rebuilds it when
// ForSession is asked for a different headless mode.
type Executor struct {
	driver   browserdrv.PageDriver
	watchdog *watchdog.Watchdog
	chat     llm.ChatClient
	model    string
}

// New constructs an Executor bound to one session's driver.
func New(driver browserdrv.PageDriver, wd *watchdog.Watchdog, chat llm.ChatClient, model string) *Executor {
	return &Executor{driver: driver, watchdog: wd, chat: chat, model: model}
}

// Run executes goal against the bound session's browser, bounded at 15
// iterations. Action failures are appended to that step's history entry,
// which feeds the next decision prompt, and the loop continues rather
// than aborting. The loop ends on a finish/answer action, a watchdog
// intervention, a snapshot or decision error, ctx cancellation, or the
// step budget.
func (e *Executor) Run(ctx context.Context, goal string, cbs Callbacks) (Result, error) {
	if goal == manualLoginGoal {
		return e.runManualLogin(ctx)
	}

	var history []string

	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("executor: %w", types.ErrAborted)
		}

		snapshot, err := e.driver.Snapshot(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("executor: snapshot: %w", err)
		}

		tail := tailOf(history, 5)
		verdict, wdUsage, err := e.watchdog.Check(ctx, snapshot, tail)
		if err != nil {
			return Result{}, fmt.Errorf("executor: watchdog: %w", err)
		}
		if verdict.Intervention() {
			if err := cbs.OnTokenUsage(e.model, wdUsage); err != nil {
				return Result{}, fmt.Errorf("executor: record watchdog usage: %w", err)
			}
			return Result{Intervention: true, Reason: verdict.Reason}, nil
		}

		decision, decisionUsage, err := e.decide(ctx, goal, snapshot, history)
		if err != nil {
			return Result{}, fmt.Errorf("executor: decide: %w", err)
		}

		merged := mergeUsage(wdUsage, decisionUsage)
		if err := cbs.OnTokenUsage(e.model, merged); err != nil {
			return Result{}, fmt.Errorf("executor: record usage: %w", err)
		}

		command := decision.Action
		if decision.Param != "" {
			command = fmt.Sprintf("%s(%s)", decision.Action, decision.Param)
		}
		if err := cbs.OnStep(types.TaskStep{
			Agent:      types.AgentExecutor,
			Step:       step,
			Thought:    decision.Thought,
			Command:    command,
			TokenUsage: toTypesUsage(merged),
			Timestamp:  time.Now().UTC(),
		}); err != nil {
			return Result{}, fmt.Errorf("executor: persist step: %w", err)
		}

		history = append(history, fmt.Sprintf("%d: %s", step, command))

		if decision.Action == "finish" || decision.Action == "answer" {
			browserResult, err := e.summarize(ctx, goal, snapshot, decision.Answer)
			if err != nil {
				log.Printf("executor: summarize failed, falling back to decision answer: %v", err)
				browserResult = fallbackSummary(decision.Answer, e.driver.URL())
			}
			return Result{Browser: browserResult}, nil
		}

		if err := e.act(ctx, decision.Action, decision.Param); err != nil {
			history[len(history)-1] = fmt.Sprintf("%s (action failed: %v)", history[len(history)-1], err)
			continue
		}

		jitterSleep(ctx, 2*time.Second, 4*time.Second)
	}

	return Result{}, fmt.Errorf("executor: %w", types.ErrMaxSteps)
}

// runManualLogin sleeps out manualLoginWait, cancellable, then reports a
// fixed answer. It never calls the decision LLM, the Watchdog, or the
// driver beyond a final URL read.
func (e *Executor) runManualLogin(ctx context.Context) (Result, error) {
	timer := time.NewTimer(manualLoginWait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("executor: %w", types.ErrAborted)
	}
	return Result{Browser: types.BrowserResult{
		Summary: "manual session ended",
		URL:     e.driver.URL(),
	}}, nil
}

type decision struct {
	Thought string `json:"thought"`
	Action  string `json:"action"`
	Param   string `json:"param,omitempty"`
	Answer  string `json:"answer,omitempty"`
}

func (e *Executor) decide(ctx context.Context, goal string, snapshot types.PageSnapshot, history []string) (decision, llm.Usage, error) {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return decision{}, llm.Usage{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: buildDecisionSystemPrompt(goal, history)},
		{Role: llm.RoleUser, Content: string(snapshotJSON)},
	}

	content, usage, err := e.chat.Chat(ctx, e.model, messages, decisionSchema)
	if err != nil {
		return decision{}, llm.Usage{}, err
	}

	var d decision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return decision{}, usage, fmt.Errorf("decode decision: %w", err)
	}
	return d, usage, nil
}

func (e *Executor) summarize(ctx context.Context, goal string, snapshot types.PageSnapshot, answer string) (types.BrowserResult, error) {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return types.BrowserResult{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: summarizationSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Goal: %s\nAnswer: %s\nSnapshot: %s", goal, answer, snapshotJSON)},
	}

	content, _, err := e.chat.Chat(ctx, e.model, messages, summarizationSchema)
	if err != nil {
		return types.BrowserResult{}, err
	}

	var out struct {
		Summary   string            `json:"summary"`
		Extracted map[string]string `json:"extracted"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return types.BrowserResult{}, fmt.Errorf("decode summary: %w", err)
	}

	return types.BrowserResult{Summary: out.Summary, Extracted: out.Extracted, URL: e.driver.URL()}, nil
}

// fallbackSummary is used when the summarization LLM call fails: a
// transient hiccup there must still complete the task, just without the
// compressed extracted fields.
func fallbackSummary(answer, url string) types.BrowserResult {
	summary := answer
	if summary == "" {
		summary = "task complete"
	}
	return types.BrowserResult{Summary: summary, Extracted: map[string]string{}, URL: url}
}

func buildDecisionSystemPrompt(goal string, history []string) string {
	prompt := fmt.Sprintf(`You control a web browser one action at a time to accomplish this goal:
%s

Available actions: goto (param=url), click (param=element index from the snapshot),
type (param="index:text"), search (param=query), wait (no param), finish (answer=final
text result), answer (answer=final text result, same as finish).

Refer to interactive elements strictly by the index given in the snapshot; a fresh
snapshot is provided with every decision. Respond with your thought and exactly one
action.`, goal)

	if len(history) > 0 {
		prompt += "\n\nActions so far:\n"
		for _, h := range history {
			prompt += h + "\n"
		}
	}
	return prompt
}

const summarizationSystemPrompt = `Summarize what happened on this page in relation to the goal and the final
answer given. Extract any concrete values (names, numbers, dates, URLs) worth remembering
as key/value pairs. This is the only place the full page content is compressed before it
reaches the planning layer, so be precise and do not drop values the goal asked for.`

func tailOf(history []string, n int) []string {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func mergeUsage(a, b llm.Usage) llm.Usage {
	return llm.Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		CachedTokens: a.CachedTokens + b.CachedTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
	}
}

func toTypesUsage(u llm.Usage) *types.Usage {
	return &types.Usage{InputTokens: u.InputTokens, CachedTokens: u.CachedTokens, OutputTokens: u.OutputTokens}
}

// jitterSleep sleeps a random duration in [lo, hi], honoring ctx
// cancellation.
func jitterSleep(ctx context.Context, lo, hi time.Duration) {
	d := lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
