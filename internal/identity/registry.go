// Package identity maps opaque participant ids to display names and keeps
// those names durable.
package identity

import (
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
)

// Change is published on the bus whenever an identity is created or renamed.
// ObservedOnly changes only move LastObservedAt forward; they keep the durable
// copy's timestamp current so stale names stay rejected after a restart.
type Change struct {
	Context      archive.Context
	Identity     archive.Identity
	ObservedOnly bool
}

// Registry is the in-memory identity directory, partitioned by context.
// Changes are published while the registry lock is held, so reliable
// subscribers see successive updates of one id in order.
type Registry struct {
	mu    sync.RWMutex
	users map[archive.Context]map[string]archive.Identity
	bus   *bus.Bus
	log   *zap.Logger
	now   func() time.Time
}

// NewRegistry creates a registry publishing on b. A nil bus gets a private one.
func NewRegistry(b *bus.Bus, log *zap.Logger) *Registry {
	if b == nil {
		b = bus.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		users: make(map[archive.Context]map[string]archive.Identity),
		bus:   b,
		log:   log,
		now:   time.Now,
	}
}

func platformChat() archive.Identity {
	name := PlatformChatName
	return archive.Identity{ParticipantID: PlatformChatKey, DisplayName: &name}
}

func (r *Registry) tenantLocked(c archive.Context) map[string]archive.Identity {
	m, ok := r.users[c]
	if !ok {
		m = make(map[string]archive.Identity)
		r.users[c] = m
	}
	return m
}

func (r *Registry) publishLocked(c archive.Context, id archive.Identity) {
	r.bus.Publish(bus.NewEvent(bus.KindIdentityChanged, Change{Context: c, Identity: clone(id)}))
}

func (r *Registry) publishObservedLocked(c archive.Context, id archive.Identity) {
	r.bus.Publish(bus.NewEvent(bus.KindIdentityObserved, Change{Context: c, Identity: clone(id), ObservedOnly: true}))
}

// Recognize registers participantID as known. A non-nil existing identity
// fills in a missing display name but never replaces one.
func (r *Registry) Recognize(c archive.Context, participantID string, existing *archive.Identity) archive.Identity {
	key := Canonical(participantID)
	if key == PlatformChatKey {
		return platformChat()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	users := r.tenantLocked(c)
	cur, found := users[key]
	changed := !found
	if !found {
		cur = archive.Identity{ParticipantID: key}
	}
	if existing != nil && existing.DisplayName != nil && cur.DisplayName == nil {
		name := *existing.DisplayName
		cur.DisplayName = &name
		if existing.LastObservedAt.After(cur.LastObservedAt) {
			cur.LastObservedAt = existing.LastObservedAt
		}
		changed = true
	}
	if changed {
		users[key] = cur
		r.publishLocked(c, cur)
	}
	return clone(cur)
}

// RegisterDisplayName records name as observed at observedAt (now when nil).
// Observations older than the stored one are ignored. A nil name only
// refreshes the observation time. It reports whether the name changed.
func (r *Registry) RegisterDisplayName(c archive.Context, participantID string, name *string, observedAt *time.Time) (archive.Identity, bool) {
	key := Canonical(participantID)
	if key == PlatformChatKey {
		return platformChat(), false
	}
	at := r.now()
	if observedAt != nil {
		at = *observedAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	users := r.tenantLocked(c)
	cur, found := users[key]
	if found && at.Before(cur.LastObservedAt) {
		r.log.Debug("stale display name ignored",
			zap.String("tenant", c.Tenant),
			zap.String("participant_id", key),
			zap.Time("observed_at", at),
			zap.Time("stored_at", cur.LastObservedAt))
		return clone(cur), false
	}
	if !found {
		cur = archive.Identity{ParticipantID: key}
	}
	advanced := found && at.After(cur.LastObservedAt)
	cur.LastObservedAt = at
	changed := !found
	if name != nil && (cur.DisplayName == nil || *cur.DisplayName != *name) {
		n := *name
		cur.DisplayName = &n
		changed = true
	}
	users[key] = cur
	switch {
	case changed:
		r.publishLocked(c, cur)
	case advanced:
		r.publishObservedLocked(c, cur)
	}
	return clone(cur), changed
}

// GetByID looks participantID up. When it is unknown and createPlaceholder is
// set, it is recognized without a name and returned.
func (r *Registry) GetByID(c archive.Context, participantID string, createPlaceholder bool) (archive.Identity, bool) {
	key := Canonical(participantID)
	if key == PlatformChatKey {
		return platformChat(), true
	}
	r.mu.RLock()
	cur, found := r.users[c][key]
	r.mu.RUnlock()
	if found {
		return clone(cur), true
	}
	if !createPlaceholder {
		return archive.Identity{}, false
	}
	return r.Recognize(c, participantID, nil), true
}

// GetByIDOrPlaceholder never fails. Unnamed ids come back with the
// placeholder display name; the registry itself is not modified.
func (r *Registry) GetByIDOrPlaceholder(c archive.Context, participantID string) archive.Identity {
	id, found := r.GetByID(c, participantID, false)
	if !found {
		id = archive.Identity{ParticipantID: Canonical(participantID)}
	}
	if id.DisplayName == nil {
		name := Placeholder(participantID)
		id.DisplayName = &name
	}
	return id
}

// GetDisplayName returns the known name or the placeholder.
func (r *Registry) GetDisplayName(c archive.Context, participantID string) string {
	return *r.GetByIDOrPlaceholder(c, participantID).DisplayName
}

// lookupName returns the known name of participantID, if any.
func (r *Registry) lookupName(c archive.Context, participantID string) (string, bool) {
	id, found := r.GetByID(c, participantID, false)
	if !found || id.DisplayName == nil {
		return "", false
	}
	return *id.DisplayName, true
}

// MarkChanged republishes the stored copy of id, or id itself when unknown.
func (r *Registry) MarkChanged(c archive.Context, id archive.Identity) {
	key := Canonical(id.ParticipantID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.users[c][key]; ok {
		id = cur
	}
	id.ParticipantID = key
	r.publishLocked(c, id)
}

// TenantUsers snapshots every identity known in c, ordered by id.
func (r *Registry) TenantUsers(c archive.Context) []archive.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := r.users[c]
	out := make([]archive.Identity, 0, len(users))
	for _, key := range slices.Sorted(maps.Keys(users)) {
		out = append(out, clone(users[key]))
	}
	return out
}

// Seed loads persisted identities without publishing them. Newer in-memory
// observations win.
func (r *Registry) Seed(c archive.Context, ids []archive.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := r.tenantLocked(c)
	for _, id := range ids {
		key := Canonical(id.ParticipantID)
		if cur, ok := users[key]; ok && cur.LastObservedAt.After(id.LastObservedAt) {
			continue
		}
		id.ParticipantID = key
		users[key] = clone(id)
	}
}

// Subscribe streams identity changes of every context, ObservedOnly bumps
// included. Delivery is at-least-once and never drops; call the returned
// func to stop.
func (r *Registry) Subscribe() (<-chan Change, func()) {
	events, unsubscribe := r.bus.SubscribeReliable("identity.")
	out := make(chan Change)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case evt := <-events:
				change, ok := evt.Payload.(Change)
				if !ok {
					continue
				}
				select {
				case out <- change:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			unsubscribe()
			close(done)
		})
	}
}

func clone(id archive.Identity) archive.Identity {
	if id.DisplayName != nil {
		name := *id.DisplayName
		id.DisplayName = &name
	}
	return id
}
