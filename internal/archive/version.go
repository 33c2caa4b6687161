package archive

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// KeySource tells which field a VersionKey was derived from.
// LastMessage outranks Chat regardless of value.
type KeySource int

const (
	SourceChat KeySource = iota
	SourceLastMessage
)

func (s KeySource) String() string {
	if s == SourceLastMessage {
		return "last_message"
	}
	return "chat"
}

// VersionKey is the comparable freshness indicator of a chat.
type VersionKey struct {
	Source KeySource
	Value  int64
}

func (k VersionKey) String() string {
	return fmt.Sprintf("%s:%d", k.Source, k.Value)
}

// SummaryLike is implemented by ChatSummary and ChatIndexEntry.
type SummaryLike interface {
	versionFields() (version, lastMessageVersion int64, createdAt *time.Time)
}

func (s ChatSummary) versionFields() (int64, int64, *time.Time) {
	return s.Version, s.LastMessageVersion, s.CreatedAt
}

func (e ChatIndexEntry) versionFields() (int64, int64, *time.Time) {
	return e.Version, e.LastMessageVersion, e.CreatedAt
}

// KeyOf derives the VersionKey of a summary or index entry.
func KeyOf(s SummaryLike) VersionKey {
	version, lastMessage, createdAt := s.versionFields()
	switch {
	case lastMessage > 0:
		return VersionKey{Source: SourceLastMessage, Value: lastMessage}
	case createdAt != nil:
		return VersionKey{Source: SourceChat, Value: createdAt.UnixMilli()}
	default:
		return VersionKey{Source: SourceChat, Value: version}
	}
}

// Compare orders keys by source, then value.
func Compare(a, b VersionKey) int {
	if c := cmp.Compare(a.Source, b.Source); c != 0 {
		return c
	}
	return cmp.Compare(a.Value, b.Value)
}

// SortByPriority orders summaries freshest first. Equal keys keep their
// relative input order.
func SortByPriority(chats []ChatSummary) {
	slices.SortStableFunc(chats, func(a, b ChatSummary) int {
		return Compare(KeyOf(b), KeyOf(a))
	})
}

// Decision is the retrieval strategy chosen for a chat.
type Decision int

const (
	Skip Decision = iota
	FullRetrieval
	IncrementalRetrieval
	Failed
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case FullRetrieval:
		return "full"
	case IncrementalRetrieval:
		return "incremental"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Decide picks the retrieval strategy for summary given the stored entry.
func Decide(summary ChatSummary, stored *ChatIndexEntry) Decision {
	if stored == nil {
		return FullRetrieval
	}
	if Compare(KeyOf(summary), KeyOf(*stored)) <= 0 {
		return Skip
	}
	return IncrementalRetrieval
}

// Cutoff is the version after which messages must be fetched incrementally.
func Cutoff(stored ChatIndexEntry) int64 {
	if stored.LastMessageVersion > 0 {
		return stored.LastMessageVersion
	}
	return stored.ThreadVersion
}
