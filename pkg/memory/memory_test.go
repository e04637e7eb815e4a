package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invisibrow/invisibrow/pkg/memory"
	"github.com/invisibrow/invisibrow/pkg/types"
)

func openTestStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_SeedsDefaultBotKeywords(t *testing.T) {
	store := openTestStore(t)
	kws, err := store.GetBotKeywords()
	require.NoError(t, err)
	require.Contains(t, kws, "captcha")
	require.Contains(t, kws, "cloudflare")
}

func TestSave_UpsertsByID(t *testing.T) {
	store := openTestStore(t)
	record := types.MemoryRecord{
		ID:        "task-1",
		Goal:      "buy milk",
		Keywords:  []string{"buy", "Milk", "store"},
		Summary:   "bought 2% milk",
		Artifacts: map[string]string{"price": "3.99"},
		Status:    "success",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, store.Save(record))

	results, err := store.Search([]string{"milk"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "bought 2% milk", results[0].Summary)
	require.Contains(t, results[0].Keywords, "milk")

	record.Summary = "bought whole milk instead"
	require.NoError(t, store.Save(record))

	results, err = store.Search([]string{"milk"})
	require.NoError(t, err)
	require.Len(t, results, 1, "same id must overwrite rather than duplicate")
	require.Equal(t, "bought whole milk instead", results[0].Summary)
}

func TestSearch_OnlyMatchesSuccessStatus(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save(types.MemoryRecord{
		ID: "failed-1", Goal: "find flight", Keywords: []string{"flight"}, Status: "failure", Timestamp: time.Now().UTC(),
	}))

	results, err := store.Search([]string{"flight"})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearch_NewestFirstAndCappedAtFive(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC()
	for i := 0; i < 7; i++ {
		require.NoError(t, store.Save(types.MemoryRecord{
			ID:        "task-" + string(rune('a'+i)),
			Goal:      "search widget",
			Keywords:  []string{"widget"},
			Status:    "success",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	results, err := store.Search([]string{"widget"})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 0; i+1 < len(results); i++ {
		require.True(t, results[i].Timestamp.After(results[i+1].Timestamp) || results[i].Timestamp.Equal(results[i+1].Timestamp))
	}
}

func TestSearch_NoKeywordsReturnsNil(t *testing.T) {
	store := openTestStore(t)
	results, err := store.Search(nil)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestAddBotKeyword_BumpsVersion(t *testing.T) {
	store := openTestStore(t)
	before := store.Version()
	require.NoError(t, store.AddBotKeyword("SuspiciousActivity"))
	require.Greater(t, store.Version(), before)

	kws, err := store.GetBotKeywords()
	require.NoError(t, err)
	require.Contains(t, kws, "suspiciousactivity")
}

func TestAddBotKeywordsFromText_TokenizesAndDedupes(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.AddBotKeywordsFromText("Please verify Please verify you are not a robot123"))

	all, err := store.GetAllBotKeywords()
	require.NoError(t, err)
	require.Contains(t, all, "please")
	require.Contains(t, all, "verify")
	require.Contains(t, all, "robot123")
}

func TestDeleteBotKeyword_RemovesAndReseedsWhenEmpty(t *testing.T) {
	store := openTestStore(t)
	all, err := store.GetAllBotKeywords()
	require.NoError(t, err)
	for _, kw := range all {
		require.NoError(t, store.DeleteBotKeyword(kw))
	}

	remaining, err := store.GetAllBotKeywords()
	require.NoError(t, err)
	require.Empty(t, remaining, "DeleteBotKeyword itself must not re-seed")

	reseeded, err := store.GetBotKeywords()
	require.NoError(t, err)
	require.NotEmpty(t, reseeded, "GetBotKeywords re-seeds an emptied store")
}
