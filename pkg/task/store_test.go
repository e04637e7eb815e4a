package task_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invisibrow/invisibrow/pkg/task"
	"github.com/invisibrow/invisibrow/pkg/types"
)

func openTestStore(t *testing.T) (*task.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	store, err := task.Open(path)
	require.NoError(t, err)
	return store, path
}

func TestCreate_StartsPending(t *testing.T) {
	store, _ := openTestStore(t)
	tk, err := store.Create("sess-1", "buy milk")
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusPending, tk.Status)
	require.Equal(t, "buy milk", tk.Goal)
}

func TestSetRunning_ThenComplete_TransitionsCleanly(t *testing.T) {
	store, _ := openTestStore(t)
	tk, err := store.Create("sess-1", "buy milk")
	require.NoError(t, err)

	require.NoError(t, store.SetRunning(tk.ID))
	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusRunning, got.Status)

	require.NoError(t, store.Complete(tk.ID, types.TaskStatusCompleted, "bought milk", "https://store.example", ""))
	got, err = store.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusCompleted, got.Status)
	require.Equal(t, "bought milk", got.Result)
	require.NotNil(t, got.CompletedAt)
}

func TestComplete_RejectsDoubleCompletion(t *testing.T) {
	store, _ := openTestStore(t)
	tk, err := store.Create("sess-1", "goal")
	require.NoError(t, err)
	require.NoError(t, store.SetRunning(tk.ID))
	require.NoError(t, store.Complete(tk.ID, types.TaskStatusCompleted, "ok", "", ""))

	err = store.Complete(tk.ID, types.TaskStatusFailed, "", "", "too late")
	require.Error(t, err)
}

func TestComplete_RejectsNonTerminalStatus(t *testing.T) {
	store, _ := openTestStore(t)
	tk, err := store.Create("sess-1", "goal")
	require.NoError(t, err)
	require.NoError(t, store.SetRunning(tk.ID))

	err = store.Complete(tk.ID, types.TaskStatusRunning, "", "", "")
	require.Error(t, err)
}

func TestSetRunning_RejectsAlreadyTerminalTask(t *testing.T) {
	store, _ := openTestStore(t)
	tk, err := store.Create("sess-1", "goal")
	require.NoError(t, err)
	require.NoError(t, store.SetRunning(tk.ID))
	require.NoError(t, store.Complete(tk.ID, types.TaskStatusFailed, "", "", "boom"))

	require.Error(t, store.SetRunning(tk.ID))
}

func TestAppendStep_AccumulatesTokenUsage(t *testing.T) {
	store, _ := openTestStore(t)
	tk, err := store.Create("sess-1", "goal")
	require.NoError(t, err)

	require.NoError(t, store.AppendStep(tk.ID, types.TaskStep{
		Agent: types.AgentExecutor, Step: 1, TokenUsage: &types.Usage{InputTokens: 10, OutputTokens: 5},
	}))
	require.NoError(t, store.AppendStep(tk.ID, types.TaskStep{
		Agent: types.AgentExecutor, Step: 2, TokenUsage: &types.Usage{InputTokens: 20, OutputTokens: 15},
	}))

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	require.Equal(t, 30, got.TokenUsage.InputTokens)
	require.Equal(t, 20, got.TokenUsage.OutputTokens)
}

func TestListBySession_FiltersToOwnTasksOnly(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Create("sess-a", "goal-a")
	require.NoError(t, err)
	_, err = store.Create("sess-b", "goal-b")
	require.NoError(t, err)

	tasks, err := store.ListBySession("sess-a")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "goal-a", tasks[0].Goal)
}

func TestOpen_RestartSemanticsFailsInFlightTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	store, err := task.Open(path)
	require.NoError(t, err)

	pending, err := store.Create("sess-1", "was pending")
	require.NoError(t, err)
	running, err := store.Create("sess-1", "was running")
	require.NoError(t, err)
	require.NoError(t, store.SetRunning(running.ID))

	// Simulate the process exiting mid-flight: reopen the same path.
	reopened, err := task.Open(path)
	require.NoError(t, err)

	gotPending, err := reopened.Get(pending.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusFailed, gotPending.Status)
	require.Contains(t, gotPending.Error, "restart-interrupted")

	gotRunning, err := reopened.Get(running.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusFailed, gotRunning.Status)
}

func TestOpen_RestartSemanticsLeavesTerminalTasksUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	store, err := task.Open(path)
	require.NoError(t, err)
	tk, err := store.Create("sess-1", "done goal")
	require.NoError(t, err)
	require.NoError(t, store.SetRunning(tk.ID))
	require.NoError(t, store.Complete(tk.ID, types.TaskStatusCompleted, "answer", "", ""))

	reopened, err := task.Open(path)
	require.NoError(t, err)
	got, err := reopened.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusCompleted, got.Status)
	require.Equal(t, "answer", got.Result)
}

func TestSave_WritesValidJSONArray(t *testing.T) {
	store, path := openTestStore(t)
	_, err := store.Create("sess-1", "goal")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
}
