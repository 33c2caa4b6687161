// Package chatindex keeps the per-chat version index of each context, cached
// in memory and persisted through the container store.
package chatindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/store"
)

// Changed is the payload of bus.KindIndexChanged.
type Changed struct {
	Context archive.Context
	Entry   archive.ChatIndexEntry
}

type cache struct {
	mu      sync.RWMutex
	loaded  bool
	entries map[string]archive.ChatIndexEntry
}

// Index is safe for concurrent use. Writes to one chat must be serialized by
// the caller.
type Index struct {
	store  store.ContainerStore
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	caches map[archive.Context]*cache

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an index over st. A nil bus gets a private one.
func New(st store.ContainerStore, b *bus.Bus, logger *zap.Logger) *Index {
	if b == nil {
		b = bus.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		store:  st,
		bus:    b,
		logger: logger,
		now:    time.Now,
		caches: make(map[archive.Context]*cache),
	}
}

// Start applies index-changed events published by other writers to the caches.
func (ix *Index) Start(ctx context.Context) {
	events, unsubscribe := ix.bus.SubscribeReliable(bus.KindIndexChanged)
	ctx, ix.cancel = context.WithCancel(ctx)
	ix.done = make(chan struct{})
	go func() {
		defer close(ix.done)
		defer unsubscribe()
		for {
			select {
			case evt := <-events:
				if changed, ok := evt.Payload.(Changed); ok {
					ix.apply(changed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the event subscription.
func (ix *Index) Stop() {
	if ix.cancel == nil {
		return
	}
	ix.cancel()
	<-ix.done
}

func (ix *Index) cacheFor(c archive.Context) *cache {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ch, ok := ix.caches[c]
	if !ok {
		ch = &cache{entries: make(map[string]archive.ChatIndexEntry)}
		ix.caches[c] = ch
	}
	return ch
}

// GetIndex returns a copy of the context's index, loading it on first use.
func (ix *Index) GetIndex(ctx context.Context, c archive.Context) (map[string]archive.ChatIndexEntry, error) {
	ch := ix.cacheFor(c)
	ch.mu.RLock()
	if ch.loaded {
		out := maps.Clone(ch.entries)
		ch.mu.RUnlock()
		return out, nil
	}
	ch.mu.RUnlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.loaded {
		blobs, err := ix.store.ReadIndex(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("read index of %s: %w", c, err)
		}
		for chatID, blob := range blobs {
			entry, err := decode(chatID, blob)
			if err != nil {
				ix.warnCorrupt(c, chatID, err)
				continue
			}
			if cur, ok := ch.entries[chatID]; ok && archive.Compare(archive.KeyOf(cur), archive.KeyOf(entry)) > 0 {
				continue
			}
			ch.entries[chatID] = entry
		}
		ch.loaded = true
		ix.logger.Debug("index loaded", zap.String("context", c.String()), zap.Int("count", len(ch.entries)))
	}
	return maps.Clone(ch.entries), nil
}

// GetEntry returns the chat's entry or nil. forceReload reads the store
// directly and refreshes the cache with what it finds.
func (ix *Index) GetEntry(ctx context.Context, c archive.Context, chatID string, forceReload bool) (*archive.ChatIndexEntry, error) {
	// The cache is only patched entry by entry once it holds the whole index,
	// otherwise a partial cache would pass for a loaded one.
	entries, err := ix.GetIndex(ctx, c)
	if err != nil {
		return nil, err
	}
	if !forceReload {
		if entry, ok := entries[chatID]; ok {
			return &entry, nil
		}
		return nil, nil
	}

	blob, err := ix.store.ReadIndexEntry(ctx, c, chatID)
	if err != nil {
		return nil, fmt.Errorf("read index entry %q: %w", chatID, err)
	}
	ch := ix.cacheFor(c)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if blob == nil {
		delete(ch.entries, chatID)
		return nil, nil
	}
	entry, err := decode(chatID, blob)
	if err != nil {
		ix.warnCorrupt(c, chatID, err)
		delete(ch.entries, chatID)
		return nil, nil
	}
	ch.entries[chatID] = entry
	return &entry, nil
}

// PutEntry persists entry and publishes bus.KindIndexChanged. It refuses to
// lower the chat's VersionKey below the stored one.
func (ix *Index) PutEntry(ctx context.Context, c archive.Context, entry archive.ChatIndexEntry) error {
	current, err := ix.GetEntry(ctx, c, entry.ID, true)
	if err != nil {
		return err
	}
	if current != nil {
		if archive.Compare(archive.KeyOf(entry), archive.KeyOf(*current)) < 0 {
			return fmt.Errorf("chat %q: %s below %s: %w", entry.ID,
				archive.KeyOf(entry), archive.KeyOf(*current), archive.ErrVersionRegression)
		}
	}

	entry.UpdatedAt = ix.now().UTC()
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode index entry %q: %w", entry.ID, err)
	}
	if err := ix.store.WriteIndexEntry(ctx, c, entry.ID, blob); err != nil {
		return fmt.Errorf("write index entry %q: %w", entry.ID, err)
	}

	ch := ix.cacheFor(c)
	ch.mu.Lock()
	ch.entries[entry.ID] = entry
	ch.mu.Unlock()

	ix.bus.Publish(bus.NewEvent(bus.KindIndexChanged, Changed{Context: c, Entry: entry}))
	return nil
}

func (ix *Index) apply(changed Changed) {
	ch := ix.cacheFor(changed.Context)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if cur, ok := ch.entries[changed.Entry.ID]; ok && archive.Compare(archive.KeyOf(cur), archive.KeyOf(changed.Entry)) > 0 {
		return
	}
	ch.entries[changed.Entry.ID] = changed.Entry
}

// EnsureContainers creates the root container of each context. Idempotent.
func (ix *Index) EnsureContainers(ctx context.Context, contexts []archive.Context) error {
	var errs []error
	for _, c := range contexts {
		if err := ix.store.EnsureRoot(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("ensure root of %s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

// CanAccessStore reports whether the store answers a ping before ctx ends.
func (ix *Index) CanAccessStore(ctx context.Context) bool {
	if err := ix.store.Ping(ctx); err != nil {
		ix.logger.Warn("store unreachable", zap.Error(err))
		return false
	}
	return true
}

func (ix *Index) warnCorrupt(c archive.Context, chatID string, err error) {
	ix.logger.Warn("ignoring unreadable index entry",
		zap.String("context", c.String()),
		zap.String("chat_id", chatID),
		zap.Error(err))
}

func decode(chatID string, blob []byte) (archive.ChatIndexEntry, error) {
	var entry archive.ChatIndexEntry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return entry, fmt.Errorf("%w: %v", archive.ErrIndexCorrupt, err)
	}
	if entry.ID != chatID {
		return entry, fmt.Errorf("%w: entry id %q stored under %q", archive.ErrIndexCorrupt, entry.ID, chatID)
	}
	return entry, nil
}
