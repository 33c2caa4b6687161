package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/store/memory"
)

var errBoom = errors.New("boom")

type fakeSource struct {
	mu        sync.Mutex
	chats     []archive.ChatSummary
	updated   []archive.ChatSummary
	messages  map[string][]archive.Message
	fetchErr  map[string]error
	listErr   error
	fetched   []string
	cutoffs   map[string]int64
	listAll   int
	listDelta int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		messages: make(map[string][]archive.Message),
		fetchErr: make(map[string]error),
		cutoffs:  make(map[string]int64),
	}
}

func (f *fakeSource) addMessages(chatID string, msgs ...archive.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[chatID] = append(f.messages[chatID], msgs...)
}

func (f *fakeSource) ListAllChats(context.Context, archive.Context) ([]archive.ChatSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listAll++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]archive.ChatSummary(nil), f.chats...), nil
}

func (f *fakeSource) ListUpdatedChats(context.Context, archive.Context) ([]archive.ChatSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listDelta++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := f.updated
	f.updated = nil
	return out, nil
}

func (f *fakeSource) FetchAllMessages(_ context.Context, _ archive.Context, chatID string) ([]archive.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, chatID)
	if err := f.fetchErr[chatID]; err != nil {
		return nil, err
	}
	return append([]archive.Message(nil), f.messages[chatID]...), nil
}

// FetchMessagesSince deliberately returns the whole chat so callers must
// drop what is at or below the cutoff.
func (f *fakeSource) FetchMessagesSince(_ context.Context, _ archive.Context, chatID string, cutoff int64) ([]archive.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs[chatID] = cutoff
	if err := f.fetchErr[chatID]; err != nil {
		return nil, err
	}
	return append([]archive.Message(nil), f.messages[chatID]...), nil
}

func (f *fakeSource) fetchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// overlapStore flags concurrent appends to the same chat.
type overlapStore struct {
	*memory.Store
	mu      sync.Mutex
	active  map[string]int
	overlap atomic.Bool
}

func newOverlapStore() *overlapStore {
	return &overlapStore{Store: memory.New(), active: make(map[string]int)}
}

func (s *overlapStore) AppendMessage(ctx context.Context, c archive.Context, chatID string, m archive.Message) (bool, error) {
	s.mu.Lock()
	s.active[chatID]++
	if s.active[chatID] > 1 {
		s.overlap.Store(true)
	}
	s.mu.Unlock()

	time.Sleep(200 * time.Microsecond)
	ok, err := s.Store.AppendMessage(ctx, c, chatID, m)

	s.mu.Lock()
	s.active[chatID]--
	s.mu.Unlock()
	return ok, err
}

type triggerRecorder struct {
	mu  sync.Mutex
	got []archive.Context
}

func (r *triggerRecorder) Trigger(c archive.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, c)
}

func (r *triggerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}
