// Package sync decides, per chat, whether the archive is missing, stale or
// fresh, and drives retrieval and commits accordingly.
package sync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chatindex"
	"github.com/matheus3301/chatmirror/internal/identity"
	"github.com/matheus3301/chatmirror/internal/lock"
	"github.com/matheus3301/chatmirror/internal/store"
)

// DefaultLockTimeout bounds how long a write waits for a busy chat.
const DefaultLockTimeout = 30 * time.Second

// Deps wires a Registry.
type Deps struct {
	Source      ChatSource
	Store       store.ContainerStore
	Index       *chatindex.Index
	Locks       *lock.Manager
	Identities  *identity.Registry
	Bus         *bus.Bus
	Logger      *zap.Logger
	LockTimeout time.Duration
}

// Registry is the chat orchestrator. It is safe for concurrent use; writes
// to one chat are serialized through the lock manager.
type Registry struct {
	source      ChatSource
	store       store.ContainerStore
	index       *chatindex.Index
	locks       *lock.Manager
	identities  *identity.Registry
	bus         *bus.Bus
	logger      *zap.Logger
	lockTimeout time.Duration
}

// NewRegistry creates a Registry. Missing optional deps get defaults.
func NewRegistry(d Deps) *Registry {
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Locks == nil {
		d.Locks = lock.NewManager()
	}
	if d.Identities == nil {
		d.Identities = identity.NewRegistry(d.Bus, d.Logger)
	}
	if d.Index == nil {
		d.Index = chatindex.New(d.Store, d.Bus, d.Logger)
	}
	if d.LockTimeout == 0 {
		d.LockTimeout = DefaultLockTimeout
	}
	return &Registry{
		source:      d.Source,
		store:       d.Store,
		index:       d.Index,
		locks:       d.Locks,
		identities:  d.Identities,
		bus:         d.Bus,
		logger:      d.Logger,
		lockTimeout: d.LockTimeout,
	}
}

// Result reports what RetrieveIfNeeded did.
type Result struct {
	Decision    archive.Decision
	Entry       *archive.ChatIndexEntry
	NewMessages int
}

// ChatSynced is the payload of bus.KindChatSynced.
type ChatSynced struct {
	Context     archive.Context
	ChatID      string
	Decision    archive.Decision
	NewMessages int
}

// ListAllChats passes through to the source.
func (r *Registry) ListAllChats(ctx context.Context, c archive.Context) ([]archive.ChatSummary, error) {
	chats, err := r.source.ListAllChats(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("list all chats of %s: %w: %w", c, archive.ErrRemoteFetchFailed, err)
	}
	return chats, nil
}

// ListUpdatedChats passes through to the source.
func (r *Registry) ListUpdatedChats(ctx context.Context, c archive.Context) ([]archive.ChatSummary, error) {
	chats, err := r.source.ListUpdatedChats(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("list updated chats of %s: %w: %w", c, archive.ErrRemoteFetchFailed, err)
	}
	return chats, nil
}

// RetrieveIfNeeded brings one chat up to date. On failure the decision is
// archive.Failed and the stored state is unchanged apart from deduplicated
// message appends; the call can be retried.
func (r *Registry) RetrieveIfNeeded(ctx context.Context, c archive.Context, summary archive.ChatSummary) (Result, error) {
	log := r.logger.With(zap.String("context", c.String()), zap.String("chat_id", summary.ID))

	stored, err := r.index.GetEntry(ctx, c, summary.ID, false)
	if err != nil {
		return Result{Decision: archive.Failed}, err
	}

	var res Result
	switch archive.Decide(summary, stored) {
	case archive.Skip:
		return Result{Decision: archive.Skip, Entry: stored}, nil
	case archive.IncrementalRetrieval:
		res, err = r.incremental(ctx, c, summary, log)
	default:
		res, err = r.full(ctx, c, summary)
	}
	if err != nil {
		log.Warn("chat retrieval failed", zap.Error(err))
		return Result{Decision: archive.Failed}, err
	}

	if res.Decision != archive.Skip {
		log.Info("chat retrieved",
			zap.Stringer("decision", res.Decision),
			zap.Int("count", res.NewMessages))
		r.bus.Publish(bus.NewEvent(bus.KindChatSynced, ChatSynced{
			Context:     c,
			ChatID:      summary.ID,
			Decision:    res.Decision,
			NewMessages: res.NewMessages,
		}))
	}
	return res, nil
}

// full fetches outside the lock and commits under it.
func (r *Registry) full(ctx context.Context, c archive.Context, summary archive.ChatSummary) (Result, error) {
	msgs, err := r.source.FetchAllMessages(ctx, c, summary.ID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch messages of %q: %w: %w", summary.ID, archive.ErrRemoteFetchFailed, err)
	}
	entry := archive.EntryFromSummary(summary, archive.Location{})
	n, err := r.StoreThreadAndUpdateIndex(ctx, c, title(summary), &entry, msgs)
	if err != nil {
		return Result{}, err
	}
	return Result{Decision: archive.FullRetrieval, Entry: &entry, NewMessages: n}, nil
}

// incremental computes the cutoff, fetches and commits under one lock so a
// concurrent push cannot slip between cutoff and commit.
func (r *Registry) incremental(ctx context.Context, c archive.Context, summary archive.ChatSummary, log *zap.Logger) (Result, error) {
	var (
		res      Result
		needFull bool
	)
	err := r.locks.WithLock(ctx, c, summary.ID, r.lockTimeout, func(ctx context.Context) error {
		stored, err := r.index.GetEntry(ctx, c, summary.ID, true)
		if err != nil {
			return err
		}
		if stored == nil {
			needFull = true
			return nil
		}
		loc, err := r.store.GetContainer(ctx, c, summary.ID)
		if err != nil {
			return fmt.Errorf("get container of %q: %w", summary.ID, err)
		}
		if loc == nil || *loc != stored.Location {
			log.Warn("container missing or recreated, falling back to full retrieval",
				zap.Any("stored", stored.Location), zap.Any("found", loc))
			needFull = true
			return nil
		}
		if archive.Decide(summary, stored) == archive.Skip {
			res = Result{Decision: archive.Skip, Entry: stored}
			return nil
		}

		cutoff := archive.Cutoff(*stored)
		msgs, err := r.source.FetchMessagesSince(ctx, c, summary.ID, cutoff)
		if err != nil {
			return fmt.Errorf("fetch messages of %q since %d: %w: %w", summary.ID, cutoff, archive.ErrRemoteFetchFailed, err)
		}
		msgs = slices.DeleteFunc(msgs, func(m archive.Message) bool { return m.Version <= cutoff })

		entry := archive.EntryFromSummary(summary, *loc)
		if archive.Compare(archive.KeyOf(entry), archive.KeyOf(*stored)) < 0 {
			return fmt.Errorf("chat %q: %w", summary.ID, archive.ErrVersionRegression)
		}
		n, err := r.commitLocked(ctx, c, &entry, msgs)
		if err != nil {
			return err
		}
		res = Result{Decision: archive.IncrementalRetrieval, Entry: &entry, NewMessages: n}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if needFull {
		return r.full(ctx, c, summary)
	}
	return res, nil
}

// StoreThreadAndUpdateIndex writes msgs in order and then the index entry,
// under the chat's lock, creating the container when absent. entry.Location
// is filled in. It returns how many messages were new.
func (r *Registry) StoreThreadAndUpdateIndex(ctx context.Context, c archive.Context, title string, entry *archive.ChatIndexEntry, msgs []archive.Message) (int, error) {
	var n int
	err := r.locks.WithLock(ctx, c, entry.ID, r.lockTimeout, func(ctx context.Context) error {
		loc, err := r.store.CreateContainer(ctx, c, entry.ID, title)
		if err != nil {
			return fmt.Errorf("create container of %q: %w", entry.ID, err)
		}
		entry.Location = loc
		n, err = r.commitLocked(ctx, c, entry, msgs)
		return err
	})
	return n, err
}

// commitLocked appends msgs and writes entry last. The chat lock must be held.
func (r *Registry) commitLocked(ctx context.Context, c archive.Context, entry *archive.ChatIndexEntry, msgs []archive.Message) (int, error) {
	added := 0
	for _, m := range r.prepare(c, entry.ID, msgs) {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		ok, err := r.store.AppendMessage(ctx, c, entry.ID, m)
		if err != nil {
			return added, fmt.Errorf("append message %q: %w", m.ID, err)
		}
		if ok {
			added++
		}
	}
	if err := r.index.PutEntry(ctx, c, *entry); err != nil {
		return added, err
	}
	return added, nil
}

// StoreSingleMessage ingests a pushed message. It returns false without error
// when the chat has no container yet, in which case the caller must fall back
// to full retrieval. The index entry is left alone.
func (r *Registry) StoreSingleMessage(ctx context.Context, c archive.Context, chatID string, m archive.Message) (bool, error) {
	stored := false
	err := r.locks.WithLock(ctx, c, chatID, r.lockTimeout, func(ctx context.Context) error {
		loc, err := r.store.GetContainer(ctx, c, chatID)
		if err != nil {
			return fmt.Errorf("get container of %q: %w", chatID, err)
		}
		if loc == nil {
			return nil
		}
		prepared := r.prepare(c, chatID, []archive.Message{m})
		if _, err := r.store.AppendMessage(ctx, c, chatID, prepared[0]); err != nil {
			if errors.Is(err, archive.ErrContainerMissing) {
				return nil
			}
			return fmt.Errorf("append message %q: %w", m.ID, err)
		}
		stored = true
		return nil
	})
	return stored, err
}

// prepare orders msgs by version, teaches the identity registry every name
// they carry and then resolves them.
func (r *Registry) prepare(c archive.Context, chatID string, msgs []archive.Message) []archive.Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b archive.Message) int { return cmp.Compare(a.Version, b.Version) })
	for i := range out {
		out[i].ChatID = chatID
		r.identities.Observe(c, out[i])
	}
	for i := range out {
		out[i], _ = r.identities.ResolveMessage(c, out[i])
	}
	return out
}

// Visitor rewrites an unresolved message. It reports whether the message
// changed and which ids are still unknown.
type Visitor func(m archive.Message) (rewritten archive.Message, resolved bool, stillUnresolved []string)

// VisitMessagesWithUnresolvedIdentities feeds every flagged message of c to
// visit and persists those it rewrites. The unresolved flag is cleared once
// no ids remain, so resolved messages are not visited again. Stopping via
// ctx leaves every message already rewritten persisted. It returns how many
// messages were rewritten.
func (r *Registry) VisitMessagesWithUnresolvedIdentities(ctx context.Context, c archive.Context, visit Visitor) (int, error) {
	rewritten := 0
	err := r.store.ScanUnresolved(ctx, c, func(m archive.Message) error {
		next, resolved, still := visit(m)
		if !resolved {
			return nil
		}
		next.ID = m.ID
		next.ChatID = m.ChatID
		next.Unresolved = len(still) > 0
		err := r.locks.WithLock(ctx, c, m.ChatID, r.lockTimeout, func(ctx context.Context) error {
			return r.store.ReplaceMessage(ctx, c, m.ChatID, next)
		})
		if err != nil {
			return fmt.Errorf("rewrite message %q: %w", m.ID, err)
		}
		rewritten++
		return nil
	})
	return rewritten, err
}

// ResolvePending runs the identity registry over every unresolved message of c.
func (r *Registry) ResolvePending(ctx context.Context, c archive.Context) (int, error) {
	n, err := r.VisitMessagesWithUnresolvedIdentities(ctx, c, func(m archive.Message) (archive.Message, bool, []string) {
		return r.identities.Visit(c, m)
	})
	if n > 0 {
		r.logger.Info("resolved pending identities", zap.String("context", c.String()), zap.Int("count", n))
	}
	return n, err
}

func title(s archive.ChatSummary) string {
	if s.Title != nil {
		return *s.Title
	}
	return ""
}
