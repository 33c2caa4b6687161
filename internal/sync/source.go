package sync

import (
	"context"

	"github.com/matheus3301/chatmirror/internal/archive"
)

// ChatSource is the remote platform API. Errors are treated uniformly as
// archive.ErrRemoteFetchFailed.
type ChatSource interface {
	ListAllChats(ctx context.Context, c archive.Context) ([]archive.ChatSummary, error)
	// ListUpdatedChats returns chats changed since the previous listing. A
	// source that has not listed c before reports every chat.
	ListUpdatedChats(ctx context.Context, c archive.Context) ([]archive.ChatSummary, error)
	FetchAllMessages(ctx context.Context, c archive.Context, chatID string) ([]archive.Message, error)
	// FetchMessagesSince returns messages with a version greater than cutoff.
	FetchMessagesSince(ctx context.Context, c archive.Context, chatID string, cutoff int64) ([]archive.Message, error)
}
