// Package memory is an in-process ContainerStore, IdentityStore and
// CheckpointStore. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/store"
)

type container struct {
	loc      archive.Location
	title    string
	messages []archive.Message
	byID     map[string]int
}

type root struct {
	containers map[string]*container
	index      map[string][]byte
	identities map[string]archive.Identity
}

// Store keeps everything in maps behind a single mutex.
type Store struct {
	mu          sync.Mutex
	roots       map[archive.Context]*root
	checkpoints map[string]string
	validity    uint32
}

var (
	_ store.ContainerStore  = (*Store)(nil)
	_ store.IdentityStore   = (*Store)(nil)
	_ store.CheckpointStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		roots:       make(map[archive.Context]*root),
		checkpoints: make(map[string]string),
	}
}

func (s *Store) rootLocked(c archive.Context) *root {
	r, ok := s.roots[c]
	if !ok {
		r = &root{
			containers: make(map[string]*container),
			index:      make(map[string][]byte),
			identities: make(map[string]archive.Identity),
		}
		s.roots[c] = r
	}
	return r
}

func (s *Store) containerLocked(c archive.Context, chatID string) (*container, error) {
	if r, ok := s.roots[c]; ok {
		if ct, ok := r.containers[chatID]; ok {
			return ct, nil
		}
	}
	return nil, fmt.Errorf("chat %q: %w", chatID, archive.ErrContainerMissing)
}

func (s *Store) EnsureRoot(_ context.Context, c archive.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rootLocked(c)
	return nil
}

func (s *Store) GetContainer(_ context.Context, c archive.Context, chatID string) (*archive.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, err := s.containerLocked(c, chatID)
	if err != nil {
		return nil, nil
	}
	loc := ct.loc
	return &loc, nil
}

func (s *Store) CreateContainer(_ context.Context, c archive.Context, chatID, title string) (archive.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rootLocked(c)
	if ct, ok := r.containers[chatID]; ok {
		if title != "" {
			ct.title = title
		}
		return ct.loc, nil
	}
	s.validity++
	ct := &container{
		loc:   archive.Location{Container: store.ContainerName(chatID), Validity: s.validity},
		title: title,
		byID:  make(map[string]int),
	}
	r.containers[chatID] = ct
	return ct.loc, nil
}

// DropContainer deletes a chat's container and its messages, as an operator
// removing the mailbox by hand would. The index entry is left behind.
func (s *Store) DropContainer(c archive.Context, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roots[c]; ok {
		delete(r.containers, chatID)
	}
}

func (s *Store) AppendMessage(_ context.Context, c archive.Context, chatID string, m archive.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, err := s.containerLocked(c, chatID)
	if err != nil {
		return false, err
	}
	if _, ok := ct.byID[m.ID]; ok {
		return false, nil
	}
	m.ChatID = chatID
	ct.byID[m.ID] = len(ct.messages)
	ct.messages = append(ct.messages, cloneMessage(m))
	return true, nil
}

func (s *Store) ReplaceMessage(_ context.Context, c archive.Context, chatID string, m archive.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, err := s.containerLocked(c, chatID)
	if err != nil {
		return err
	}
	i, ok := ct.byID[m.ID]
	if !ok {
		return fmt.Errorf("message %q not found in chat %q", m.ID, chatID)
	}
	stored := &ct.messages[i]
	stored.Subject = m.Subject
	stored.HTMLBody = m.HTMLBody
	stored.TextBody = m.TextBody
	stored.From = slices.Clone(m.From)
	stored.To = slices.Clone(m.To)
	stored.Unresolved = m.Unresolved
	return nil
}

func (s *Store) ListMessages(_ context.Context, c archive.Context, chatID string) ([]archive.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, err := s.containerLocked(c, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]archive.Message, len(ct.messages))
	for i, m := range ct.messages {
		out[i] = cloneMessage(m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArrivalTime.Before(out[j].ArrivalTime) })
	return out, nil
}

// ScanUnresolved snapshots flagged messages a page at a time. The mutex is
// not held while fn runs, so fn may call back into the store.
func (s *Store) ScanUnresolved(ctx context.Context, c archive.Context, fn func(archive.Message) error) error {
	type cursor struct {
		chat string
		pos  int
	}
	var after *cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		var page []archive.Message
		var last cursor
		if r, ok := s.roots[c]; ok {
			chats := slices.Sorted(maps.Keys(r.containers))
		scan:
			for _, chat := range chats {
				if after != nil && chat < after.chat {
					continue
				}
				for pos, m := range r.containers[chat].messages {
					if after != nil && chat == after.chat && pos <= after.pos {
						continue
					}
					if !m.Unresolved {
						continue
					}
					page = append(page, cloneMessage(m))
					last = cursor{chat, pos}
					if len(page) == store.ScanPageSize {
						break scan
					}
				}
			}
		}
		s.mu.Unlock()

		for _, m := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(m); err != nil {
				return err
			}
		}
		if len(page) < store.ScanPageSize {
			return nil
		}
		after = &last
	}
}

func (s *Store) ReadIndex(_ context.Context, c archive.Context) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	if r, ok := s.roots[c]; ok {
		for id, blob := range r.index {
			out[id] = slices.Clone(blob)
		}
	}
	return out, nil
}

func (s *Store) ReadIndexEntry(_ context.Context, c archive.Context, chatID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roots[c]; ok {
		if blob, ok := r.index[chatID]; ok {
			return slices.Clone(blob), nil
		}
	}
	return nil, nil
}

func (s *Store) WriteIndexEntry(_ context.Context, c archive.Context, chatID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rootLocked(c).index[chatID] = slices.Clone(blob)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) UpsertIdentity(_ context.Context, c archive.Context, id archive.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rootLocked(c)
	cur, ok := r.identities[id.ParticipantID]
	if ok && id.LastObservedAt.Before(cur.LastObservedAt) {
		return nil
	}
	if id.DisplayName == nil && ok {
		id.DisplayName = cur.DisplayName
	}
	r.identities[id.ParticipantID] = id
	return nil
}

func (s *Store) ListIdentities(_ context.Context, c archive.Context) ([]archive.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roots[c]
	if !ok {
		return nil, nil
	}
	out := make([]archive.Identity, 0, len(r.identities))
	for _, id := range slices.Sorted(maps.Keys(r.identities)) {
		out = append(out, r.identities[id])
	}
	return out, nil
}

func (s *Store) SetCheckpoint(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[key] = value
	return nil
}

func (s *Store) Checkpoint(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[key], nil
}

func cloneMessage(m archive.Message) archive.Message {
	m.From = slices.Clone(m.From)
	m.To = slices.Clone(m.To)
	m.InlineContentIDs = slices.Clone(m.InlineContentIDs)
	return m
}
