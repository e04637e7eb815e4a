package executor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invisibrow/invisibrow/pkg/browserdrv"
	"github.com/invisibrow/invisibrow/pkg/executor"
	"github.com/invisibrow/invisibrow/pkg/llm"
	"github.com/invisibrow/invisibrow/pkg/memory"
	"github.com/invisibrow/invisibrow/pkg/types"
	"github.com/invisibrow/invisibrow/pkg/watchdog"
)

func newTestWatchdog(t *testing.T, chat llm.ChatClient) *watchdog.Watchdog {
	t.Helper()
	store, err := memory.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	wd, err := watchdog.New(store, chat, "watchdog-model")
	require.NoError(t, err)
	return wd
}

func collectCallbacks() (executor.Callbacks, *[]types.TaskStep) {
	steps := &[]types.TaskStep{}
	return executor.Callbacks{
		OnStep: func(s types.TaskStep) error {
			*steps = append(*steps, s)
			return nil
		},
		OnTokenUsage: func(string, llm.Usage) error { return nil },
	}, steps
}

func TestRun_FinishesOnAnswerAction(t *testing.T) {
	chat := llm.NewMockClient()
	chat.Enqueue("exec-model", `{"thought":"done","action":"answer","answer":"42"}`)
	chat.Enqueue("exec-model", `{"summary":"found the answer","extracted":{"value":"42"}}`)

	driver := browserdrv.NewMockDriver()
	wd := newTestWatchdog(t, llm.NewMockClient())
	exec := executor.New(driver, wd, chat, "exec-model")

	cbs, steps := collectCallbacks()
	result, err := exec.Run(context.Background(), "find the value", cbs)
	require.NoError(t, err)
	require.False(t, result.Intervention)
	require.Equal(t, "found the answer", result.Browser.Summary)
	require.Len(t, *steps, 1)
}

func TestRun_MaxStepsExhausted(t *testing.T) {
	chat := llm.NewMockClient()
	// every click is against an out-of-range index, so the action always
	// fails and the loop never hits the post-action settle sleep.
	chat.DefaultResponse = `{"thought":"still looking","action":"click","param":"0"}`

	driver := browserdrv.NewMockDriver()
	wd := newTestWatchdog(t, llm.NewMockClient())
	exec := executor.New(driver, wd, chat, "exec-model")

	cbs, steps := collectCallbacks()
	_, err := exec.Run(context.Background(), "never finish", cbs)
	require.ErrorIs(t, err, types.ErrMaxSteps)
	require.Len(t, *steps, 15)
}

func TestRun_WatchdogInterventionShortCircuits(t *testing.T) {
	chat := llm.NewMockClient()
	driver := browserdrv.NewMockDriver()
	driver.SetSnapshot(types.PageSnapshot{URL: "https://www.google.com/sorry/index", Title: "unusual traffic"})

	wd := newTestWatchdog(t, llm.NewMockClient())
	exec := executor.New(driver, wd, chat, "exec-model")

	cbs, steps := collectCallbacks()
	result, err := exec.Run(context.Background(), "search for something", cbs)
	require.NoError(t, err)
	require.True(t, result.Intervention)
	require.NotEmpty(t, result.Reason)
	require.Empty(t, *steps, "an intervention iteration must not emit a TaskStep")
}

func TestRun_ManualLoginSentinelSkipsDecisionLoop(t *testing.T) {
	chat := llm.NewMockClient() // no responses queued: must never be called
	driver := browserdrv.NewMockDriver()
	wd := newTestWatchdog(t, llm.NewMockClient())
	exec := executor.New(driver, wd, chat, "exec-model")

	ctx, cancel := context.WithCancel(context.Background())
	cbs, _ := collectCallbacks()

	done := make(chan struct{})
	var result executor.Result
	var err error
	go func() {
		result, err = exec.Run(ctx, "MANUAL_LOGIN", cbs)
		close(done)
	}()

	cancel() // cancel immediately rather than waiting out the real 300s window
	<-done

	require.ErrorIs(t, err, types.ErrAborted)
	require.Empty(t, result.Browser.Summary)
}

func TestRun_SummarizeFailureFallsBackRatherThanFailingTask(t *testing.T) {
	chat := llm.NewMockClient()
	// no summarization response queued after the decision: the
	// summarize call errors and the run must still succeed.
	chat.Enqueue("exec-model", `{"thought":"done","action":"answer","answer":"the answer is 42"}`)

	driver := browserdrv.NewMockDriver()
	wd := newTestWatchdog(t, llm.NewMockClient())
	exec := executor.New(driver, wd, chat, "exec-model")

	cbs, _ := collectCallbacks()
	result, err := exec.Run(context.Background(), "find the value", cbs)
	require.NoError(t, err)
	require.Equal(t, "the answer is 42", result.Browser.Summary)
	require.Equal(t, map[string]string{}, result.Browser.Extracted)
}

func TestRun_ActionFailureContinuesRatherThanAborting(t *testing.T) {
	chat := llm.NewMockClient()
	// click on an out-of-range index fails; the loop should recover and
	// still reach the finish action on the next step.
	chat.Enqueue("exec-model", `{"thought":"click it","action":"click","param":"0"}`)
	chat.Enqueue("exec-model", `{"thought":"give up and answer","action":"finish","answer":"done anyway"}`)
	chat.Enqueue("exec-model", `{"summary":"done anyway","extracted":{}}`)

	driver := browserdrv.NewMockDriver() // has zero interactive elements, so click(0) fails
	wd := newTestWatchdog(t, llm.NewMockClient())
	exec := executor.New(driver, wd, chat, "exec-model")

	cbs, steps := collectCallbacks()
	result, err := exec.Run(context.Background(), "click something", cbs)
	require.NoError(t, err)
	require.Equal(t, "done anyway", result.Browser.Summary)
	require.Len(t, *steps, 2)
}
