package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the archiver.
const (
	KindStatusChanged   = "session.status_changed"
	KindIdentityChanged = "identity.changed"
	// KindIdentityObserved carries a newer observation time for an unchanged name.
	KindIdentityObserved = "identity.observed"
	KindIndexChanged     = "index.changed"
	KindChatSynced       = "sync.chat"
	KindSweepDone        = "sync.sweep_done"
	KindPushMessage      = "push.message"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
