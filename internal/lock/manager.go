package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatmirror/internal/archive"
)

// CannotLockError is returned when a chat lock is not acquired in time.
type CannotLockError struct {
	Context archive.Context
	ChatID  string
	Timeout time.Duration
}

func (e *CannotLockError) Error() string {
	return fmt.Sprintf("cannot lock chat %s in %s within %s", e.ChatID, e.Context, e.Timeout)
}

func (e *CannotLockError) Is(target error) bool {
	return target == archive.ErrCannotLock
}

type chatKey struct {
	ctx    archive.Context
	chatID string
}

type chatLock struct {
	sem  chan struct{}
	refs int
}

// Manager hands out exclusive per-chat locks. Different chats never contend.
type Manager struct {
	mu    sync.Mutex
	locks map[chatKey]*chatLock
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[chatKey]*chatLock)}
}

// WithLock runs fn while holding the lock of (c, chatID). The lock is released
// on every exit path of fn, panics included. A zero timeout waits until ctx is done.
func (m *Manager) WithLock(ctx context.Context, c archive.Context, chatID string, timeout time.Duration, fn func(context.Context) error) error {
	key := chatKey{ctx: c, chatID: chatID}
	l := m.ref(key)
	defer m.unref(key)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case l.sem <- struct{}{}:
	case <-expired:
		return &CannotLockError{Context: c, ChatID: chatID, Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	return fn(ctx)
}

func (m *Manager) ref(key chatKey) *chatLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &chatLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *Manager) unref(key chatKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
