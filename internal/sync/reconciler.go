package sync

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/store"
)

// Reconciler manages sweep checkpoints.
type Reconciler struct {
	store  store.CheckpointStore
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(st store.CheckpointStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: st, logger: logger}
}

func checkpointKey(c archive.Context, name string) string {
	return "sweep/" + c.Tenant + "/" + c.Participant + "/" + name
}

// MarkSwept records a finished sweep of c. full marks a complete listing.
func (r *Reconciler) MarkSwept(ctx context.Context, c archive.Context, at time.Time, full bool) error {
	value := strconv.FormatInt(at.UnixMilli(), 10)
	if err := r.store.SetCheckpoint(ctx, checkpointKey(c, "last"), value); err != nil {
		return err
	}
	if full {
		return r.store.SetCheckpoint(ctx, checkpointKey(c, "last_full"), value)
	}
	return nil
}

// LastSwept returns when c was last swept, and last fully swept. Zero times
// mean never.
func (r *Reconciler) LastSwept(ctx context.Context, c archive.Context) (last, lastFull time.Time, err error) {
	if last, err = r.get(ctx, checkpointKey(c, "last")); err != nil {
		return
	}
	lastFull, err = r.get(ctx, checkpointKey(c, "last_full"))
	return
}

func (r *Reconciler) get(ctx context.Context, key string) (time.Time, error) {
	value, err := r.store.Checkpoint(ctx, key)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.logger.Warn("ignoring malformed checkpoint", zap.String("key", key), zap.String("value", value))
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}
