package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
)

// Triggerer schedules an out-of-band sweep of a context.
type Triggerer interface {
	Trigger(c archive.Context)
}

// PushHandler stores pushed messages as they arrive. It subscribes to
// "push." events on the bus.
type PushHandler struct {
	registry *Registry
	sweeper  Triggerer
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPushHandler creates a push handler. sweeper may be nil.
func NewPushHandler(reg *Registry, sweeper Triggerer, b *bus.Bus, logger *zap.Logger) *PushHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushHandler{registry: reg, sweeper: sweeper, bus: b, logger: logger}
}

// Start subscribes to push events on the bus.
func (h *PushHandler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	ch, unsub := h.bus.SubscribeReliable(bus.KindPushMessage)

	go func() {
		defer close(h.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				pushed, ok := evt.Payload.(archive.PushedMessage)
				if !ok {
					continue
				}
				h.Handle(ctx, pushed)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the handler.
func (h *PushHandler) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

// Handle stores one pushed message. Chats not archived yet, and chats whose
// lock stayed busy, are handed to the sweeper instead.
func (h *PushHandler) Handle(ctx context.Context, p archive.PushedMessage) bool {
	log := h.logger.With(
		zap.String("context", p.Context.String()),
		zap.String("chat_id", p.ChatID),
		zap.String("msg_id", p.Message.ID))

	stored, err := h.registry.StoreSingleMessage(ctx, p.Context, p.ChatID, p.Message)
	switch {
	case err == nil && stored:
		log.Debug("pushed message stored")
		return true
	case err == nil:
		log.Info("chat not archived yet, requesting sweep")
	case errors.Is(err, archive.ErrCannotLock):
		log.Warn("chat busy, requesting sweep", zap.Error(err))
	default:
		log.Error("failed to store pushed message", zap.Error(err))
	}
	if h.sweeper != nil {
		h.sweeper.Trigger(p.Context)
	}
	return false
}
