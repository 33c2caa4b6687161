package identity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
)

const guid = "00000000-0000-beef-0000-000000000000"

var tc = archive.Context{Tenant: "contoso", Participant: "me"}

func strp(s string) *string { return &s }

func TestCanonical(t *testing.T) {
	tests := map[string]string{
		"8:orgid:" + guid: guid,
		"8:" + guid:       guid,
		guid:              guid,
		"8:ORGID:00000000-0000-BEEF-0000-000000000000": guid,
		"  " + guid + " ": guid,
		"19:" + guid + "_" + guid + "@unq.gbl.spaces": PlatformChatKey,
		"19:meeting_abc@thread.v2":                    PlatformChatKey,
		"19:meeting@thread.v2":                        "19:meeting@thread.v2",
	}
	for in, want := range tests {
		assert.Equal(t, want, Canonical(in), in)
	}
}

func TestReplaceIDsWithDisplayNamesEncodings(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.RegisterDisplayName(tc, guid, strp("User Name"), nil)

	for _, in := range []string{"8:orgid:" + guid, guid, "8:" + guid} {
		assert.Equal(t, "User Name", r.ReplaceIDsWithDisplayNames(tc, in), in)
	}
	assert.Equal(t, "User Name, User Name", r.ReplaceIDsWithDisplayNames(tc, guid+", "+guid))
}

func TestReplaceIDsWithDisplayNamesTokens(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.RegisterDisplayName(tc, "8:orgid:"+guid, strp("Test Name"), nil)

	in := "User {{" + guid + "}} added: User {{" + guid + "}}, Heinrich Ulbricht"
	assert.Equal(t, "Test Name added: Test Name, Heinrich Ulbricht", r.ReplaceIDsWithDisplayNames(tc, in))
	assert.Equal(t, "hi Test Name!", r.ReplaceIDsWithDisplayNames(tc, "hi {{ 8:orgid:"+guid+" }}!"))
}

func TestReplaceIDsUnknownGetsPlaceholder(t *testing.T) {
	r := NewRegistry(nil, nil)

	out := r.ReplaceIDsWithDisplayNames(tc, "ping 8:"+guid)
	assert.Equal(t, "ping Unknown User ("+guid+")", out)
	assert.Equal(t, "no ids here", r.ReplaceIDsWithDisplayNames(tc, "no ids here"))
}

func TestConversationIDResolvesToPlatformChat(t *testing.T) {
	r := NewRegistry(nil, nil)
	conv := "19:" + guid + "_11111111-2222-3333-4444-555555555555@unq.gbl.spaces"

	assert.Equal(t, PlatformChatName, r.GetDisplayName(tc, conv))
	assert.Equal(t, "from "+PlatformChatName, r.ReplaceIDsWithDisplayNames(tc, "from "+conv))

	_, changed := r.RegisterDisplayName(tc, conv, strp("Someone"), nil)
	assert.False(t, changed)
	assert.Equal(t, PlatformChatName, r.GetDisplayName(tc, conv))
}

func TestRegisterDisplayNameLastWriteWins(t *testing.T) {
	r := NewRegistry(nil, nil)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := t0.Add(-time.Minute)
	newer := t0.Add(time.Minute)

	_, changed := r.RegisterDisplayName(tc, "u1", strp("Current"), &t0)
	assert.True(t, changed)

	_, changed = r.RegisterDisplayName(tc, "u1", strp("Stale"), &older)
	assert.False(t, changed)
	assert.Equal(t, "Current", r.GetDisplayName(tc, "u1"))

	_, changed = r.RegisterDisplayName(tc, "U1", strp("Same time"), &t0)
	assert.True(t, changed, "equal timestamps overwrite")

	id, changed := r.RegisterDisplayName(tc, "u1", nil, &newer)
	assert.False(t, changed)
	assert.Equal(t, "Same time", id.Name())
	assert.Equal(t, newer, id.LastObservedAt)
}

func TestRegisterDisplayNameNilTimeIsNow(t *testing.T) {
	r := NewRegistry(nil, nil)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	id, _ := r.RegisterDisplayName(tc, "u1", strp("A"), nil)
	assert.Equal(t, fixed, id.LastObservedAt)

	past := fixed.Add(-time.Hour)
	_, changed := r.RegisterDisplayName(tc, "u1", strp("B"), &past)
	assert.False(t, changed)
}

func TestRecognizeMergesWithoutOverwrite(t *testing.T) {
	r := NewRegistry(nil, nil)

	id := r.Recognize(tc, "u1", nil)
	assert.Nil(t, id.DisplayName)

	id = r.Recognize(tc, "u1", &archive.Identity{DisplayName: strp("Seeded")})
	assert.Equal(t, "Seeded", id.Name())

	id = r.Recognize(tc, "u1", &archive.Identity{DisplayName: strp("Other")})
	assert.Equal(t, "Seeded", id.Name())
}

func TestGetByID(t *testing.T) {
	r := NewRegistry(nil, nil)

	_, found := r.GetByID(tc, "u1", false)
	assert.False(t, found)

	id, found := r.GetByID(tc, "8:u1", true)
	require.True(t, found)
	assert.Equal(t, "u1", id.ParticipantID)
	assert.Nil(t, id.DisplayName)
	assert.Len(t, r.TenantUsers(tc), 1)

	ph := r.GetByIDOrPlaceholder(tc, "8:orgid:nobody")
	assert.Equal(t, "Unknown User (nobody)", ph.Name())
	assert.Len(t, r.TenantUsers(tc), 1, "placeholder lookups do not register")
}

func TestContextsArePartitioned(t *testing.T) {
	r := NewRegistry(nil, nil)
	other := archive.Context{Tenant: "fabrikam", Participant: "me"}

	r.RegisterDisplayName(tc, "u1", strp("Alice"), nil)
	assert.Equal(t, "Alice", r.GetDisplayName(tc, "u1"))
	assert.Equal(t, Placeholder("u1"), r.GetDisplayName(other, "u1"))
	assert.Empty(t, r.TenantUsers(other))
}

func TestSubscribeDeliversChangesInOrder(t *testing.T) {
	r := NewRegistry(bus.New(), nil)
	changes, stop := r.Subscribe()
	defer stop()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const n = 200
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		r.RegisterDisplayName(tc, "u1", strp("name-"+time.Duration(i).String()), &at)
	}

	var last time.Time
	for i := 0; i < n; i++ {
		select {
		case c := <-changes:
			assert.Equal(t, tc, c.Context)
			assert.False(t, c.Identity.LastObservedAt.Before(last), "updates of one id arrive in order")
			last = c.Identity.LastObservedAt
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d changes delivered", i, n)
		}
	}
}

func TestMarkChangedRepublishes(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.RegisterDisplayName(tc, "u1", strp("Alice"), nil)

	changes, stop := r.Subscribe()
	defer stop()
	r.MarkChanged(tc, archive.Identity{ParticipantID: "8:u1"})

	select {
	case c := <-changes:
		assert.Equal(t, "u1", c.Identity.ParticipantID)
		assert.Equal(t, "Alice", c.Identity.Name())
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}
}

func TestUnchangedNamePublishesObservation(t *testing.T) {
	r := NewRegistry(nil, nil)
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	r.RegisterDisplayName(tc, "u1", strp("Alice"), &t1)

	changes, stop := r.Subscribe()
	defer stop()
	r.RegisterDisplayName(tc, "u1", strp("Alice"), &t2)
	r.RegisterDisplayName(tc, "u1", strp("Alice"), &t1)

	select {
	case c := <-changes:
		assert.True(t, c.ObservedOnly)
		assert.Equal(t, t2, c.Identity.LastObservedAt)
		assert.Equal(t, "Alice", c.Identity.Name())
	case <-time.After(time.Second):
		t.Fatal("no observation published")
	}
	select {
	case c := <-changes:
		t.Fatalf("stale observation published: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSeedDoesNotPublish(t *testing.T) {
	r := NewRegistry(nil, nil)
	changes, stop := r.Subscribe()
	defer stop()

	r.Seed(tc, []archive.Identity{{ParticipantID: "8:u1", DisplayName: strp("Alice"), LastObservedAt: time.Now()}})
	assert.Equal(t, "Alice", r.GetDisplayName(tc, "u1"))

	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry(nil, nil)
	var wg sync.WaitGroup
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Second)
			r.RegisterDisplayName(tc, "u1", strp("n"), &at)
			_ = r.GetDisplayName(tc, "u1")
		}(i)
	}
	wg.Wait()

	id, _ := r.GetByID(tc, "u1", false)
	assert.Equal(t, base.Add(49*time.Second), id.LastObservedAt)
}
