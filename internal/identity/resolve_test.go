package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/matheus3301/chatmirror/internal/archive"
)

func TestResolveTextKeepsUnknownTokens(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.RegisterDisplayName(tc, "known", strp("Known"), nil)

	out, ids := r.ResolveText(tc, "User {{known}} added User {{stranger}} and 8:"+guid)
	assert.Equal(t, "Known added User {{stranger}} and {{8:"+guid+"}}", out)
	assert.Equal(t, []string{"stranger", "8:" + guid}, ids)

	r.RegisterDisplayName(tc, "stranger", strp("Stranger"), nil)
	r.RegisterDisplayName(tc, guid, strp("Guid Person"), nil)
	out, ids = r.ResolveText(tc, out)
	assert.Equal(t, "Known added Stranger and Guid Person", out)
	assert.Empty(t, ids)
}

func TestObserveAndResolveMessage(t *testing.T) {
	r := NewRegistry(nil, nil)
	m := archive.Message{
		ID:          "m1",
		ArrivalTime: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Subject:     "User {{bob}} joined",
		From:        []archive.Participant{{ID: "8:orgid:alice", DisplayName: "Alice"}},
		To:          []archive.Participant{{ID: "bob"}},
	}

	r.Observe(tc, m)
	resolved, ids := r.ResolveMessage(tc, m)
	assert.True(t, resolved.Unresolved)
	assert.Equal(t, []string{"bob"}, ids)
	assert.Equal(t, "Alice", resolved.From[0].DisplayName)
	assert.True(t, resolved.From[0].Resolved)
	assert.Equal(t, Placeholder("bob"), resolved.To[0].DisplayName)
	assert.Equal(t, "User {{bob}} joined", resolved.Subject)

	next, changed, ids := r.Visit(tc, resolved)
	assert.False(t, changed, "nothing new is known yet")
	assert.Equal(t, []string{"bob"}, ids)

	r.RegisterDisplayName(tc, "bob", strp("Bob"), nil)
	next, changed, ids = r.Visit(tc, resolved)
	assert.True(t, changed)
	assert.Empty(t, ids)
	assert.False(t, next.Unresolved)
	assert.Equal(t, "Bob joined", next.Subject)
	assert.Equal(t, "Bob", next.To[0].DisplayName)
}

func TestObserveKeepsNewestName(t *testing.T) {
	r := NewRegistry(nil, nil)
	newer := archive.Message{ArrivalTime: time.Unix(200, 0), From: []archive.Participant{{ID: "a", DisplayName: "New"}}}
	older := archive.Message{ArrivalTime: time.Unix(100, 0), From: []archive.Participant{{ID: "a", DisplayName: "Old"}}}

	r.Observe(tc, newer)
	r.Observe(tc, older)
	assert.Equal(t, "New", r.GetDisplayName(tc, "a"))
}
