package store

import (
	"context"

	"github.com/matheus3301/chatmirror/internal/archive"
)

// ContainerStore is the durable substrate behind the archive: one root per
// context, one container per chat holding its messages, and one index blob per
// chat. Implementations must be safe for concurrent use.
type ContainerStore interface {
	// EnsureRoot creates the context's root container if absent. Idempotent.
	EnsureRoot(ctx context.Context, c archive.Context) error
	// GetContainer returns the chat's container location, or nil when the chat
	// has no container yet.
	GetContainer(ctx context.Context, c archive.Context, chatID string) (*archive.Location, error)
	// CreateContainer returns the chat's container, creating it if absent.
	CreateContainer(ctx context.Context, c archive.Context, chatID, title string) (archive.Location, error)

	// AppendMessage stores msg unless a message with the same id already exists
	// in the chat. It reports whether the message was new and fails with
	// archive.ErrContainerMissing when the chat has no container.
	AppendMessage(ctx context.Context, c archive.Context, chatID string, msg archive.Message) (bool, error)
	// ReplaceMessage rewrites the mutable fields and the unresolved flag of a stored message.
	ReplaceMessage(ctx context.Context, c archive.Context, chatID string, msg archive.Message) error
	// ListMessages returns a chat's messages in arrival order.
	ListMessages(ctx context.Context, c archive.Context, chatID string) ([]archive.Message, error)
	// ScanUnresolved calls fn for every message flagged unresolved, in storage
	// order, stopping at the first error. Messages are loaded page by page.
	ScanUnresolved(ctx context.Context, c archive.Context, fn func(archive.Message) error) error

	// ReadIndex returns every raw index blob of the context keyed by chat id.
	ReadIndex(ctx context.Context, c archive.Context) (map[string][]byte, error)
	// ReadIndexEntry returns one raw index blob, or nil when absent.
	ReadIndexEntry(ctx context.Context, c archive.Context, chatID string) ([]byte, error)
	// WriteIndexEntry replaces one index blob atomically.
	WriteIndexEntry(ctx context.Context, c archive.Context, chatID string, blob []byte) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// IdentityStore persists participant identities.
type IdentityStore interface {
	// UpsertIdentity stores id unless the stored copy was observed later.
	UpsertIdentity(ctx context.Context, c archive.Context, id archive.Identity) error
	ListIdentities(ctx context.Context, c archive.Context) ([]archive.Identity, error)
}

// CheckpointStore keeps small sync bookkeeping values.
type CheckpointStore interface {
	SetCheckpoint(ctx context.Context, key, value string) error
	// Checkpoint returns "" when key was never set.
	Checkpoint(ctx context.Context, key string) (string, error)
}

// ScanPageSize bounds how many unresolved messages are loaded at once.
const ScanPageSize = 100
