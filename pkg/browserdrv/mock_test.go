package browserdrv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invisibrow/invisibrow/pkg/browserdrv"
	"github.com/invisibrow/invisibrow/pkg/types"
)

func TestNewMockDriver_StartsOnBlankPage(t *testing.T) {
	d := browserdrv.NewMockDriver()
	require.Equal(t, "about:blank", d.URL())
}

func TestGoto_UpdatesURLAndNotifiesOnAction(t *testing.T) {
	d := browserdrv.NewMockDriver()
	var calls []string
	d.OnAction = func(action, arg string) { calls = append(calls, action+":"+arg) }

	snap, err := d.Goto(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, "https://example.com", snap.URL)
	require.Equal(t, "https://example.com", d.URL())
	require.Equal(t, []string{"goto:https://example.com"}, calls)
}

func TestSearch_BuildsSearchEngineURL(t *testing.T) {
	d := browserdrv.NewMockDriver()
	snap, err := d.Search(context.Background(), "invisibrow")
	require.NoError(t, err)
	require.Contains(t, snap.URL, "q=invisibrow")
}

func TestClick_OutOfRangeIndexFails(t *testing.T) {
	d := browserdrv.NewMockDriver()
	_, err := d.Click(context.Background(), 0)
	require.Error(t, err)
}

func TestClick_InRangeIndexSucceeds(t *testing.T) {
	d := browserdrv.NewMockDriver()
	d.SetSnapshot(types.PageSnapshot{
		URL:                 "https://example.com",
		InteractiveElements: []types.InteractiveElement{{Index: 0, Tag: "button", Text: "Submit"}},
	})

	snap, err := d.Click(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", snap.URL)
}

func TestType_OutOfRangeIndexFails(t *testing.T) {
	d := browserdrv.NewMockDriver()
	_, err := d.Type(context.Background(), 5, "hello")
	require.Error(t, err)
}

func TestWait_ReturnsCurrentSnapshotAfterDuration(t *testing.T) {
	d := browserdrv.NewMockDriver()
	snap, err := d.Wait(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "about:blank", snap.URL)
}

func TestWait_CancelledContextAbortsEarly(t *testing.T) {
	d := browserdrv.NewMockDriver()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Wait(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSetSnapshot_ReflectedBySnapshot(t *testing.T) {
	d := browserdrv.NewMockDriver()
	d.SetSnapshot(types.PageSnapshot{URL: "https://example.com/page", Title: "A Page"})

	snap, err := d.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://example.com/page", snap.URL)
	require.Equal(t, "A Page", snap.Title)
}

func TestClose_IsIdempotentAndDoesNotError(t *testing.T) {
	d := browserdrv.NewMockDriver()
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}
