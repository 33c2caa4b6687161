package chatindex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/store/memory"
)

var tc = archive.Context{Tenant: "contoso", Participant: "me"}

func entry(id string, lastMessage int64) archive.ChatIndexEntry {
	return archive.EntryFromSummary(archive.ChatSummary{ID: id, LastMessageVersion: lastMessage}, archive.Location{Container: id, Validity: 1})
}

func TestPutAndGet(t *testing.T) {
	st := memory.New()
	ix := New(st, nil, nil)
	ctx := context.Background()

	got, err := ix.GetEntry(ctx, tc, "a", false)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, ix.PutEntry(ctx, tc, entry("a", 5)))

	got, err = ix.GetEntry(ctx, tc, "a", false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(5), got.LastMessageVersion)
	assert.False(t, got.UpdatedAt.IsZero())

	all, err := ix.GetIndex(ctx, tc)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	fresh := New(st, nil, nil)
	got, err = fresh.GetEntry(ctx, tc, "a", false)
	require.NoError(t, err)
	require.NotNil(t, got, "entries survive a restart")
}

func TestPutEntryIsMonotonic(t *testing.T) {
	ix := New(memory.New(), nil, nil)
	ctx := context.Background()

	require.NoError(t, ix.PutEntry(ctx, tc, entry("a", 5)))
	require.NoError(t, ix.PutEntry(ctx, tc, entry("a", 5)), "equal keys are accepted")

	err := ix.PutEntry(ctx, tc, entry("a", 4))
	assert.True(t, errors.Is(err, archive.ErrVersionRegression))

	chatOnly := archive.EntryFromSummary(archive.ChatSummary{ID: "a", Version: 1 << 40}, archive.Location{})
	assert.ErrorIs(t, ix.PutEntry(ctx, tc, chatOnly), archive.ErrVersionRegression)

	got, err := ix.GetEntry(ctx, tc, "a", true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.LastMessageVersion)
}

func TestForceReloadSeesOutOfBandChanges(t *testing.T) {
	st := memory.New()
	ix := New(st, nil, nil)
	ctx := context.Background()
	require.NoError(t, ix.PutEntry(ctx, tc, entry("a", 5)))

	require.NoError(t, st.WriteIndexEntry(ctx, tc, "a", []byte(`{"id":"a","last_message_version":9}`)))

	cached, err := ix.GetEntry(ctx, tc, "a", false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cached.LastMessageVersion)

	reloaded, err := ix.GetEntry(ctx, tc, "a", true)
	require.NoError(t, err)
	assert.Equal(t, int64(9), reloaded.LastMessageVersion)

	cached, err = ix.GetEntry(ctx, tc, "a", false)
	require.NoError(t, err)
	assert.Equal(t, int64(9), cached.LastMessageVersion, "reload refreshes the cache")
}

func TestCorruptEntryIsTreatedAsAbsent(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.WriteIndexEntry(ctx, tc, "bad", []byte(`{not json`)))
	require.NoError(t, st.WriteIndexEntry(ctx, tc, "moved", []byte(`{"id":"elsewhere"}`)))
	require.NoError(t, st.WriteIndexEntry(ctx, tc, "good", []byte(`{"id":"good","version":3}`)))

	ix := New(st, nil, nil)
	all, err := ix.GetIndex(ctx, tc)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "good")

	got, err := ix.GetEntry(ctx, tc, "bad", true)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, ix.PutEntry(ctx, tc, entry("bad", 1)), "a corrupt entry can be overwritten")
}

func TestIndexChangedEventKeepsCachesCoherent(t *testing.T) {
	st := memory.New()
	b := bus.New()
	ctx := context.Background()

	writer := New(st, b, nil)
	reader := New(st, b, nil)
	reader.Start(ctx)
	defer reader.Stop()

	_, err := reader.GetIndex(ctx, tc)
	require.NoError(t, err)

	events, unsubscribe := b.Subscribe(bus.KindIndexChanged, 4)
	defer unsubscribe()

	require.NoError(t, writer.PutEntry(ctx, tc, entry("a", 7)))

	select {
	case evt := <-events:
		changed, ok := evt.Payload.(Changed)
		require.True(t, ok)
		assert.Equal(t, "a", changed.Entry.ID)
	case <-time.After(time.Second):
		t.Fatal("no index.changed event")
	}

	require.Eventually(t, func() bool {
		got, err := reader.GetEntry(ctx, tc, "a", false)
		return err == nil && got != nil && got.LastMessageVersion == 7
	}, time.Second, 5*time.Millisecond)
}

func TestEnsureContainersAndPing(t *testing.T) {
	ix := New(memory.New(), nil, nil)
	ctx := context.Background()
	contexts := []archive.Context{tc, {Tenant: "fabrikam", Participant: "me"}}

	require.NoError(t, ix.EnsureContainers(ctx, contexts))
	require.NoError(t, ix.EnsureContainers(ctx, contexts))
	assert.True(t, ix.CanAccessStore(ctx))
}

func TestCachedReadsDoNotRereadStore(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.WriteIndexEntry(ctx, tc, "b", []byte(`{"id":"b","last_message_version":2}`)))

	ix := New(st, nil, nil)
	require.NoError(t, ix.PutEntry(ctx, tc, entry("a", 1)))

	all, err := ix.GetIndex(ctx, tc)
	require.NoError(t, err)
	assert.Len(t, all, 2, "a single-entry write must not hide the rest of the index")

	require.NoError(t, st.WriteIndexEntry(ctx, tc, "b", []byte(`{"id":"b","last_message_version":7}`)))
	got, err := ix.GetEntry(ctx, tc, "b", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LastMessageVersion, "cached reads stay on the cache")
}
