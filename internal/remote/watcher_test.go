package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
)

func nextPush(t *testing.T, ch <-chan bus.Event) archive.PushedMessage {
	t.Helper()
	select {
	case evt := <-ch:
		return evt.Payload.(archive.PushedMessage)
	case <-time.After(3 * time.Second):
		t.Fatal("no push event")
		return archive.PushedMessage{}
	}
}

func TestWatcherPublishesPendingAndNewFiles(t *testing.T) {
	root := t.TempDir()
	b := bus.New()
	events, unsubscribe := b.SubscribeReliable(bus.KindPushMessage)
	defer unsubscribe()

	require.NoError(t, WritePush(root, tc, Push{ChatID: "c1", Message: exportMessage("early", 1)}))

	w := NewWatcher(root, []archive.Context{tc}, b, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	p := nextPush(t, events)
	assert.Equal(t, tc, p.Context)
	assert.Equal(t, "early", p.Message.ID)
	assert.Equal(t, "c1", p.Message.ChatID)

	require.NoError(t, WritePush(root, tc, Push{ChatID: "c1", Message: exportMessage("live", 2)}))
	p = nextPush(t, events)
	assert.Equal(t, "live", p.Message.ID)

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(PushDir(root, tc))
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond, "published files are removed")
}

func TestWatcherDiscardsMalformedFiles(t *testing.T) {
	root := t.TempDir()
	b := bus.New()
	events, unsubscribe := b.Subscribe(bus.KindPushMessage, 4)
	defer unsubscribe()

	dir := PushDir(root, tc)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"chat_id":""}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	w := NewWatcher(root, []archive.Context{tc}, b, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	_, err := os.Stat(filepath.Join(dir, "bad.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)

	select {
	case evt := <-events:
		t.Fatalf("unexpected event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	NewWatcher(t.TempDir(), nil, bus.New(), nil).Stop()
}
