package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var c1 = archive.Context{Tenant: "t", Participant: "p"}

func TestContainerLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, c1, "chat", archive.Message{ID: "m1"})
	assert.ErrorIs(t, err, archive.ErrContainerMissing)

	loc, err := s.CreateContainer(ctx, c1, "chat", "")
	require.NoError(t, err)
	again, err := s.CreateContainer(ctx, c1, "chat", "title")
	require.NoError(t, err)
	assert.Equal(t, loc, again)

	added, err := s.AppendMessage(ctx, c1, "chat", archive.Message{ID: "m1", TextBody: "a"})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AppendMessage(ctx, c1, "chat", archive.Message{ID: "m1", TextBody: "b"})
	require.NoError(t, err)
	assert.False(t, added)

	s.DropContainer(c1, "chat")
	got, err := s.GetContainer(ctx, c1, "chat")
	require.NoError(t, err)
	assert.Nil(t, got)

	recreated, err := s.CreateContainer(ctx, c1, "chat", "")
	require.NoError(t, err)
	assert.NotEqual(t, loc.Validity, recreated.Validity)
}

func TestScanUnresolvedAcrossPages(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, chat := range []string{"a", "b"} {
		_, err := s.CreateContainer(ctx, c1, chat, "")
		require.NoError(t, err)
		for i := 0; i < store.ScanPageSize; i++ {
			_, err := s.AppendMessage(ctx, c1, chat, archive.Message{
				ID:          fmt.Sprintf("%s-%d", chat, i),
				ArrivalTime: time.UnixMilli(int64(i)),
				Unresolved:  i%4 != 0,
			})
			require.NoError(t, err)
		}
	}

	seen := map[string]int{}
	err := s.ScanUnresolved(ctx, c1, func(m archive.Message) error {
		seen[m.ID]++
		m.Unresolved = false
		return s.ReplaceMessage(ctx, c1, m.ChatID, m)
	})
	require.NoError(t, err)
	assert.Len(t, seen, 2*store.ScanPageSize*3/4)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestIdentityLastWriteWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	name := "Alice"
	now := time.Now()

	require.NoError(t, s.UpsertIdentity(ctx, c1, archive.Identity{ParticipantID: "u", DisplayName: &name, LastObservedAt: now}))
	require.NoError(t, s.UpsertIdentity(ctx, c1, archive.Identity{ParticipantID: "u", LastObservedAt: now.Add(-time.Hour)}))

	ids, err := s.ListIdentities(ctx, c1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "Alice", ids[0].Name())
	assert.Equal(t, now, ids[0].LastObservedAt)
}
