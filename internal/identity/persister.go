package identity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/store"
)

const (
	persistAttempts = 5
	persistBackoff  = 500 * time.Millisecond
)

// Persister drains the registry's change stream into an IdentityStore.
type Persister struct {
	registry *Registry
	store    store.IdentityStore
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPersister creates a persister for reg backed by st.
func NewPersister(reg *Registry, st store.IdentityStore, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{registry: reg, store: st, logger: logger}
}

// Load seeds the registry with the identities persisted for each context.
func (p *Persister) Load(ctx context.Context, contexts []archive.Context) error {
	for _, c := range contexts {
		ids, err := p.store.ListIdentities(ctx, c)
		if err != nil {
			return fmt.Errorf("load identities of %s: %w", c, err)
		}
		p.registry.Seed(c, ids)
		p.logger.Info("identities loaded", zap.String("context", c.String()), zap.Int("count", len(ids)))
	}
	return nil
}

// Start subscribes before returning, so no change published afterwards is missed.
func (p *Persister) Start(ctx context.Context) {
	changes, unsubscribe := p.registry.Subscribe()
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer unsubscribe()
		p.loop(ctx, changes)
	}()
}

// Stop ends the loop and waits for it.
func (p *Persister) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Persister) loop(ctx context.Context, changes <-chan Change) {
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			p.persist(ctx, change)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Persister) persist(ctx context.Context, change Change) {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = p.store.UpsertIdentity(ctx, change.Context, change.Identity); err == nil {
			return
		}
		p.logger.Warn("failed to persist identity",
			zap.Error(err),
			zap.String("context", change.Context.String()),
			zap.String("participant_id", change.Identity.ParticipantID),
			zap.Int("attempt", attempt))
		select {
		case <-time.After(persistBackoff):
		case <-ctx.Done():
			return
		}
	}
	p.logger.Error("dropping identity change", zap.Error(err),
		zap.String("participant_id", change.Identity.ParticipantID))
}
