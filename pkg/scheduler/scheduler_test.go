package scheduler_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invisibrow/invisibrow/pkg/browserdrv"
	"github.com/invisibrow/invisibrow/pkg/eventbus"
	"github.com/invisibrow/invisibrow/pkg/executor"
	"github.com/invisibrow/invisibrow/pkg/llm"
	"github.com/invisibrow/invisibrow/pkg/memory"
	"github.com/invisibrow/invisibrow/pkg/planner"
	"github.com/invisibrow/invisibrow/pkg/scheduler"
	"github.com/invisibrow/invisibrow/pkg/session"
	"github.com/invisibrow/invisibrow/pkg/task"
	"github.com/invisibrow/invisibrow/pkg/tokenaccounting"
	"github.com/invisibrow/invisibrow/pkg/types"
	"github.com/invisibrow/invisibrow/pkg/watchdog"
)

// singleExecutor is a planner.ExecutorFactory that always hands back the
// same Executor, recording every headless toggle it is asked to make.
type singleExecutor struct {
	exec          *executor.Executor
	headlessSetTo []bool
}

func (f *singleExecutor) ForSession(context.Context, string, bool) (*executor.Executor, error) {
	return f.exec, nil
}

func (f *singleExecutor) SetHeadless(_ context.Context, _ string, headless bool) error {
	f.headlessSetTo = append(f.headlessSetTo, headless)
	return nil
}

type harness struct {
	sched    *scheduler.Scheduler
	sessions *session.Store
	tasks    *task.Store
	bus      *eventbus.Bus
}

func newHarness(t *testing.T, execChat *llm.MockClient, planChat *llm.MockClient, concurrency int) *harness {
	t.Helper()
	dir := t.TempDir()

	sessions, err := session.Open(filepath.Join(dir, "sessions.json"))
	require.NoError(t, err)
	tasks, err := task.Open(filepath.Join(dir, "tasks.json"))
	require.NoError(t, err)

	memStore, err := memory.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = memStore.Close() })

	wd, err := watchdog.New(memStore, llm.NewMockClient(), "watchdog-model")
	require.NoError(t, err)

	driver := browserdrv.NewMockDriver()
	exec := executor.New(driver, wd, execChat, "exec-model")
	factory := &singleExecutor{exec: exec}

	bus := eventbus.New()
	accounts := tokenaccounting.New(bus)
	p := planner.New(memStore, planChat, "plan-model", factory, bus)
	sched := scheduler.New(p, tasks, sessions, accounts, bus, concurrency)
	t.Cleanup(sched.Close)

	return &harness{sched: sched, sessions: sessions, tasks: tasks, bus: bus}
}

func (h *harness) newSession(t *testing.T) string {
	t.Helper()
	sess, err := h.sessions.Create("test-session", true)
	require.NoError(t, err)
	return sess.ID
}

func awaitTerminal(t *testing.T, tasks *task.Store, taskID string) *types.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tk, err := tasks.Get(taskID)
		require.NoError(t, err)
		if tk.Status.IsTerminal() {
			return tk
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal status")
	return nil
}

func TestSubmit_RunsToCompletionAndPublishesStatusAndStep(t *testing.T) {
	planChat := llm.NewMockClient()
	planChat.Enqueue("plan-model", `{"keywords":["find","price","item"]}`)
	planChat.Enqueue("plan-model", `{"thought":"done","command":"finish","input":{"answer":"42"}}`)

	h := newHarness(t, llm.NewMockClient(), planChat, 2)
	sessionID := h.newSession(t)

	stepSub := h.bus.OnSignal(eventbus.SignalTaskStep)
	defer stepSub.Unsubscribe()
	statusSub := h.bus.OnSignal(eventbus.SignalTaskStatus)
	defer statusSub.Unsubscribe()

	taskID, err := h.sched.Submit(context.Background(), sessionID, "find the price")
	require.NoError(t, err)

	tk := awaitTerminal(t, h.tasks, taskID)
	require.Equal(t, types.TaskStatusCompleted, tk.Status)
	require.Equal(t, "42", tk.Result)

	select {
	case e := <-stepSub.Chan():
		require.Equal(t, taskID, e.TaskID)
	case <-time.After(time.Second):
		t.Fatal("expected a SignalTaskStep event")
	}

	sawRunning, sawCompleted := false, false
	for i := 0; i < 10; i++ {
		select {
		case e := <-statusSub.Chan():
			switch e.Payload.(types.TaskStatus) {
			case types.TaskStatusRunning:
				sawRunning = true
			case types.TaskStatusCompleted:
				sawCompleted = true
			}
		case <-time.After(time.Second):
		}
		if sawRunning && sawCompleted {
			break
		}
	}
	require.True(t, sawRunning, "expected a running status event")
	require.True(t, sawCompleted, "expected a completed status event")
}

func TestStop_WhileQueuedShortCircuitsAtGate(t *testing.T) {
	// Occupy the sole worker with a task stuck in the plan-step "wait"
	// branch's 5s sleep, so the second task sits in queue long enough to
	// be cancelled before a worker ever dequeues it.
	planChat := llm.NewMockClient()
	planChat.DefaultResponse = `{"thought":"wait a bit","command":"wait"}`

	h := newHarness(t, llm.NewMockClient(), planChat, 1)
	sessionID := h.newSession(t)

	blockingTaskID, err := h.sched.Submit(context.Background(), sessionID, "first task")
	require.NoError(t, err)

	queuedTaskID, err := h.sched.Submit(context.Background(), sessionID, "second task")
	require.NoError(t, err)

	h.sched.Stop(queuedTaskID)
	h.sched.Stop(blockingTaskID)

	tk := awaitTerminal(t, h.tasks, queuedTaskID)
	require.Equal(t, types.TaskStatusCancelled, tk.Status)

	awaitTerminal(t, h.tasks, blockingTaskID)
}

func TestStop_WhileRunningCancelsContext(t *testing.T) {
	// The wait branch's 5s cancellableSleep is the only plan-step outcome
	// that keeps a task genuinely running (rather than erroring out) with
	// no LLM/browser calls beyond the mock.
	planChat := llm.NewMockClient()
	planChat.DefaultResponse = `{"thought":"wait a bit","command":"wait"}`

	h := newHarness(t, llm.NewMockClient(), planChat, 1)
	sessionID := h.newSession(t)

	taskID, err := h.sched.Submit(context.Background(), sessionID, "hang forever")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, err := h.tasks.Get(taskID)
		return err == nil && tk.Status == types.TaskStatusRunning
	}, time.Second, 5*time.Millisecond)

	h.sched.Stop(taskID)

	tk := awaitTerminal(t, h.tasks, taskID)
	require.Equal(t, types.TaskStatusCancelled, tk.Status)
}

func TestScheduler_SerializesTasksWithinOneSession(t *testing.T) {
	planChat := llm.NewMockClient()
	planChat.DefaultResponse = `{"thought":"wait a bit","command":"wait"}`

	h := newHarness(t, llm.NewMockClient(), planChat, 4)
	sessionID := h.newSession(t)

	first, err := h.sched.Submit(context.Background(), sessionID, "first")
	require.NoError(t, err)
	second, err := h.sched.Submit(context.Background(), sessionID, "second")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f, err := h.tasks.Get(first)
		require.NoError(t, err)
		return f.Status == types.TaskStatusRunning
	}, time.Second, 5*time.Millisecond)

	s, err := h.tasks.Get(second)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusPending, s.Status, "second task on the same session must wait its turn")

	h.sched.Stop(first)
	awaitTerminal(t, h.tasks, first)

	// Only now does the second task's worker acquire the session lock and
	// actually start running; stopping it before this point would only
	// flag it at the gate it already passed, which it would never
	// re-check once blocked on the lock.
	require.Eventually(t, func() bool {
		s, err := h.tasks.Get(second)
		require.NoError(t, err)
		return s.Status == types.TaskStatusRunning
	}, time.Second, 5*time.Millisecond)

	h.sched.Stop(second)
	awaitTerminal(t, h.tasks, second)
}
