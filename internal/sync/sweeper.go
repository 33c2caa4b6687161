package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/status"
)

// SweeperOptions configures a Sweeper. Zero values get defaults.
type SweeperOptions struct {
	Contexts        []archive.Context
	Workers         int
	Interval        time.Duration
	ResolveInterval time.Duration
}

// SweepStats summarizes one sweep of one context. It is the payload of
// bus.KindSweepDone.
type SweepStats struct {
	Context     archive.Context
	FullListing bool
	Listed      int
	Skipped     int
	Full        int
	Incremental int
	Failed      int
	Contended   int
	NewMessages int
	Resolved    int
	// Retried counts chats carried over from an earlier failed attempt.
	Retried int
	Err     error
}

func (st *SweepStats) record(res Result, err error) {
	switch {
	case errors.Is(err, archive.ErrCannotLock):
		st.Contended++
	case err != nil:
		st.Failed++
	}
	switch res.Decision {
	case archive.Skip:
		st.Skipped++
	case archive.FullRetrieval:
		st.Full++
	case archive.IncrementalRetrieval:
		st.Incremental++
	}
	st.NewMessages += res.NewMessages
}

func (st *SweepStats) healthy() bool {
	return st.Err == nil && st.Failed == 0 && st.Contended == 0
}

// Sweeper periodically brings every context up to date. Contexts are swept
// in parallel; chats of a context go through a bounded worker pool, freshest
// first.
type Sweeper struct {
	registry *Registry
	recon    *Reconciler
	status   *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	opts     SweeperOptions

	mu     sync.Mutex
	listed map[archive.Context]bool
	// retry holds chats whose last attempt failed. A delta listing will not
	// report them again until they change remotely.
	retry map[archive.Context][]archive.ChatSummary

	trigger chan archive.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper creates a sweeper. recon and machine may be nil.
func NewSweeper(reg *Registry, recon *Reconciler, machine *status.Machine, b *bus.Bus, logger *zap.Logger, opts SweeperOptions) *Sweeper {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.ResolveInterval <= 0 {
		opts.ResolveInterval = 30 * time.Second
	}
	if b == nil {
		b = bus.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		registry: reg,
		recon:    recon,
		status:   machine,
		bus:      b,
		logger:   logger,
		opts:     opts,
		listed:   make(map[archive.Context]bool),
		retry:    make(map[archive.Context][]archive.ChatSummary),
		trigger:  make(chan archive.Context, 16),
	}
}

// Trigger asks for an immediate sweep of c. It never blocks; requests made
// while the queue is full are dropped since a sweep is already pending.
func (s *Sweeper) Trigger(c archive.Context) {
	select {
	case s.trigger <- c:
	default:
	}
}

// SweepAll sweeps every configured context in parallel.
func (s *Sweeper) SweepAll(ctx context.Context) ([]SweepStats, error) {
	return s.run(ctx, s.opts.Contexts)
}

func (s *Sweeper) run(ctx context.Context, contexts []archive.Context) ([]SweepStats, error) {
	s.setStatus(status.Syncing, nil)

	stats := make([]SweepStats, len(contexts))
	var g errgroup.Group
	for i, c := range contexts {
		g.Go(func() error {
			stats[i] = s.Sweep(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	healthy := true
	failed := 0
	for _, st := range stats {
		if st.Err != nil {
			errs = append(errs, st.Err)
		}
		failed += st.Failed + st.Contended
		healthy = healthy && st.healthy()
	}
	err := errors.Join(errs...)
	switch {
	case healthy:
		s.setStatus(status.Idle, nil)
	case err != nil:
		s.setStatus(status.Degraded, err)
	default:
		s.setStatus(status.Degraded, fmt.Errorf("%d chats failed or were busy", failed))
	}
	return stats, err
}

// Sweep lists c's chats (all of them the first time, then only updated ones),
// retrieves what is stale and runs a resolution pass. Listing failures end
// up in SweepStats.Err; per-chat failures are counted and retried next time.
func (s *Sweeper) Sweep(ctx context.Context, c archive.Context) SweepStats {
	log := s.logger.With(zap.String("context", c.String()))
	s.mu.Lock()
	full := !s.listed[c]
	s.mu.Unlock()

	st := SweepStats{Context: c, FullListing: full}
	var (
		chats []archive.ChatSummary
		err   error
	)
	if full {
		chats, err = s.registry.ListAllChats(ctx, c)
	} else {
		chats, err = s.registry.ListUpdatedChats(ctx, c)
	}
	if err != nil {
		st.Err = err
		log.Error("chat listing failed", zap.Error(err))
		s.bus.Publish(bus.NewEvent(bus.KindSweepDone, st))
		return st
	}
	st.Listed = len(chats)
	if !full {
		chats, st.Retried = withRetries(chats, s.takeRetries(c))
	} else {
		s.takeRetries(c)
	}
	archive.SortByPriority(chats)

	var (
		mu   sync.Mutex
		g    errgroup.Group
		done = make(map[string]bool, len(chats))
	)
	g.SetLimit(s.opts.Workers)
	for _, chat := range chats {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := s.registry.RetrieveIfNeeded(ctx, c, chat)
			mu.Lock()
			st.record(res, err)
			done[chat.ID] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	s.keepRetries(c, chats, done)

	if err := ctx.Err(); err != nil {
		st.Err = err
		return st
	}

	// Failed chats of a first full listing are covered by listing everything
	// again; afterwards they travel in the retry set.
	if full && st.healthy() {
		s.mu.Lock()
		s.listed[c] = true
		s.mu.Unlock()
	}

	resolved, err := s.registry.ResolvePending(ctx, c)
	st.Resolved = resolved
	if err != nil {
		log.Warn("resolution pass failed", zap.Error(err))
	}

	if s.recon != nil {
		if err := s.recon.MarkSwept(ctx, c, time.Now(), full && st.healthy()); err != nil {
			log.Warn("failed to save checkpoint", zap.Error(err))
		}
	}

	log.Info("sweep done",
		zap.Bool("full_listing", full),
		zap.Int("listed", st.Listed),
		zap.Int("full", st.Full),
		zap.Int("incremental", st.Incremental),
		zap.Int("skipped", st.Skipped),
		zap.Int("failed", st.Failed),
		zap.Int("contended", st.Contended),
		zap.Int("count", st.NewMessages),
		zap.Int("resolved", st.Resolved),
		zap.Int("retried", st.Retried))
	s.bus.Publish(bus.NewEvent(bus.KindSweepDone, st))
	return st
}

func (s *Sweeper) takeRetries(c archive.Context) []archive.ChatSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.retry[c]
	delete(s.retry, c)
	return pending
}

// keepRetries remembers every chat of this sweep that did not finish.
func (s *Sweeper) keepRetries(c archive.Context, chats []archive.ChatSummary, done map[string]bool) {
	var left []archive.ChatSummary
	for _, chat := range chats {
		if !done[chat.ID] {
			left = append(left, chat)
		}
	}
	if len(left) == 0 {
		return
	}
	s.mu.Lock()
	s.retry[c] = left
	s.mu.Unlock()
}

// withRetries appends pending chats the listing did not report. A listed
// summary is newer than the one kept from the failed attempt.
func withRetries(chats, pending []archive.ChatSummary) ([]archive.ChatSummary, int) {
	listed := make(map[string]bool, len(chats))
	for _, chat := range chats {
		listed[chat.ID] = true
	}
	added := 0
	for _, chat := range pending {
		if !listed[chat.ID] {
			chats = append(chats, chat)
			added++
		}
	}
	return chats, added
}

// Resume restores listing progress from the sweep checkpoints, so a
// restarted daemon goes straight to delta listings for contexts that were
// fully listed before.
func (s *Sweeper) Resume(ctx context.Context) error {
	if s.recon == nil {
		return nil
	}
	for _, c := range s.opts.Contexts {
		last, lastFull, err := s.recon.LastSwept(ctx, c)
		if err != nil {
			return fmt.Errorf("read checkpoints of %s: %w", c, err)
		}
		if lastFull.IsZero() {
			continue
		}
		s.mu.Lock()
		s.listed[c] = true
		s.mu.Unlock()
		s.logger.Info("resuming from checkpoint",
			zap.String("context", c.String()),
			zap.Time("last_sweep", last),
			zap.Time("last_full_sweep", lastFull))
	}
	return nil
}

// ResolveAll runs a resolution pass over every context.
func (s *Sweeper) ResolveAll(ctx context.Context) error {
	var errs []error
	for _, c := range s.opts.Contexts {
		if _, err := s.registry.ResolvePending(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

// Start runs an initial sweep and then sweeps on the interval, on Trigger, and
// resolves identities after they change.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	identities, unsubscribe := s.bus.Subscribe(bus.KindIdentityChanged, 1)

	go func() {
		defer close(s.done)
		defer unsubscribe()
		s.loop(ctx, identities)
	}()
}

// Stop cancels the loop and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context, identities <-chan bus.Event) {
	sweepTicker := time.NewTicker(s.opts.Interval)
	defer sweepTicker.Stop()
	resolveTicker := time.NewTicker(s.opts.ResolveInterval)
	defer resolveTicker.Stop()

	if err := s.Resume(ctx); err != nil {
		s.logger.Warn("starting without checkpoints", zap.Error(err))
	}
	_, _ = s.SweepAll(ctx)
	dirty := false
	for {
		select {
		case <-sweepTicker.C:
			_, _ = s.SweepAll(ctx)
		case c := <-s.trigger:
			_, _ = s.run(ctx, []archive.Context{c})
		case <-identities:
			dirty = true
		case <-resolveTicker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := s.ResolveAll(ctx); err != nil {
				s.logger.Warn("resolution pass failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) setStatus(to status.State, cause error) {
	if s.status == nil {
		return
	}
	if err := s.status.Move(to, cause); err != nil {
		s.logger.Debug("status transition skipped", zap.Error(err))
	}
}
