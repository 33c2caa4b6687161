// Package imapstore keeps the archive in IMAP mailboxes so it can be browsed
// with any mail client. Every context owns a mailbox tree:
//
//	<root>/<tenant>/<participant>/chats/<container>   one mailbox per chat
//	<root>/<tenant>/<participant>/index               one message per index entry
//
// Messages carry their structured form as a JSON attachment next to the
// readable text and HTML parts.
package imapstore

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/store"
)

const (
	// UnresolvedFlag marks messages that still carry identity placeholders.
	UnresolvedFlag = "$Unresolved"

	headerChatID    = "X-Chat-Id"
	headerMessageID = "X-Chat-Message-Id"
	delimiter       = "/"
	dialTimeout     = 5 * time.Second
)

// Options configures the IMAP connection.
type Options struct {
	Address  string
	Username string
	Password string
	TLS      bool
	Root     string
}

// Store is a ContainerStore backed by one IMAP connection. Commands are
// serialized on the connection; callbacks run without holding it.
type Store struct {
	opts Options
	log  *zap.Logger

	mu sync.Mutex
	c  *client.Client
}

var _ store.ContainerStore = (*Store)(nil)

// Dial connects and logs in.
func Dial(opts Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Root == "" {
		opts.Root = "chatmirror"
	}
	s := &Store{opts: opts, log: log}
	c, err := s.connect()
	if err != nil {
		return nil, err
	}
	s.c = c
	return s, nil
}

func (s *Store) connect() (*client.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		c   *client.Client
		err error
	)
	if s.opts.TLS {
		c, err = client.DialWithDialerTLS(dialer, s.opts.Address, nil)
	} else {
		c, err = client.DialWithDialer(dialer, s.opts.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", s.opts.Address, err)
	}
	if err := c.Login(s.opts.Username, s.opts.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	return c, nil
}

// Close logs out.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	err := s.c.Logout()
	s.c = nil
	return err
}

// do runs fn with exclusive use of the connection, redialing when the
// previous one was dropped.
func (s *Store) do(ctx context.Context, fn func(*client.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || s.c.State() == imap.LogoutState {
		s.log.Info("reconnecting imap", zap.String("address", s.opts.Address))
		c, err := s.connect()
		if err != nil {
			return err
		}
		s.c = c
	}
	return fn(s.c)
}

func (s *Store) contextBox(c archive.Context) string {
	return strings.Join([]string{s.opts.Root, store.ContainerName(c.Tenant), store.ContainerName(c.Participant)}, delimiter)
}

func (s *Store) chatsBox(c archive.Context) string {
	return s.contextBox(c) + delimiter + "chats"
}

func (s *Store) chatBox(c archive.Context, chatID string) string {
	return s.chatsBox(c) + delimiter + store.ContainerName(chatID)
}

func (s *Store) indexBox(c archive.Context) string {
	return s.contextBox(c) + delimiter + "index"
}

// EnsureRoot creates the context's mailbox tree.
func (s *Store) EnsureRoot(ctx context.Context, c archive.Context) error {
	return s.do(ctx, func(cl *client.Client) error {
		for _, box := range []string{s.contextBox(c), s.chatsBox(c), s.indexBox(c)} {
			if err := ensureMailbox(cl, box); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetContainer(ctx context.Context, c archive.Context, chatID string) (*archive.Location, error) {
	var loc *archive.Location
	err := s.do(ctx, func(cl *client.Client) error {
		box := s.chatBox(c, chatID)
		ok, err := mailboxExists(cl, box)
		if err != nil || !ok {
			return err
		}
		status, err := cl.Select(box, true)
		if err != nil {
			return fmt.Errorf("examine %s: %w", box, err)
		}
		loc = &archive.Location{Container: store.ContainerName(chatID), Validity: status.UidValidity}
		return nil
	})
	return loc, err
}

// CreateContainer creates the chat mailbox. The title is not stored; mail
// clients show the mailbox name.
func (s *Store) CreateContainer(ctx context.Context, c archive.Context, chatID, _ string) (archive.Location, error) {
	if err := s.EnsureRoot(ctx, c); err != nil {
		return archive.Location{}, err
	}
	var loc archive.Location
	err := s.do(ctx, func(cl *client.Client) error {
		box := s.chatBox(c, chatID)
		if err := ensureMailbox(cl, box); err != nil {
			return err
		}
		status, err := cl.Select(box, true)
		if err != nil {
			return fmt.Errorf("examine %s: %w", box, err)
		}
		loc = archive.Location{Container: store.ContainerName(chatID), Validity: status.UidValidity}
		return nil
	})
	return loc, err
}

func (s *Store) AppendMessage(ctx context.Context, c archive.Context, chatID string, m archive.Message) (bool, error) {
	m.ChatID = chatID
	raw, err := encodeMessage(m)
	if err != nil {
		return false, err
	}
	var added bool
	err = s.do(ctx, func(cl *client.Client) error {
		box, err := s.selectChat(cl, c, chatID, false)
		if err != nil {
			return err
		}
		existing, err := findByHeader(cl, headerMessageID, m.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		if err := cl.Append(box, messageFlags(m), appendDate(m), bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("append %q to %s: %w", m.ID, box, err)
		}
		added = true
		return nil
	})
	return added, err
}

// ReplaceMessage appends the rewritten copy and expunges the old one. Version,
// arrival time and inline ids are kept from the stored copy.
func (s *Store) ReplaceMessage(ctx context.Context, c archive.Context, chatID string, m archive.Message) error {
	return s.do(ctx, func(cl *client.Client) error {
		box, err := s.selectChat(cl, c, chatID, false)
		if err != nil {
			return err
		}
		old, err := findByHeader(cl, headerMessageID, m.ID)
		if err != nil {
			return err
		}
		if len(old) == 0 {
			return fmt.Errorf("message %q not found in chat %q", m.ID, chatID)
		}
		stored, err := fetchMessages(cl, old[len(old)-1:])
		if err != nil {
			return err
		}
		if len(stored) == 0 {
			return fmt.Errorf("message %q vanished from chat %q", m.ID, chatID)
		}
		next := stored[0]
		next.Subject = m.Subject
		next.HTMLBody = m.HTMLBody
		next.TextBody = m.TextBody
		next.From = m.From
		next.To = m.To
		next.Unresolved = m.Unresolved

		raw, err := encodeMessage(next)
		if err != nil {
			return err
		}
		if err := cl.Append(box, messageFlags(next), appendDate(next), bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("append %q to %s: %w", m.ID, box, err)
		}
		return deleteUIDs(cl, old)
	})
}

func (s *Store) ListMessages(ctx context.Context, c archive.Context, chatID string) ([]archive.Message, error) {
	var msgs []archive.Message
	err := s.do(ctx, func(cl *client.Client) error {
		if _, err := s.selectChat(cl, c, chatID, true); err != nil {
			return err
		}
		uids, err := cl.UidSearch(imap.NewSearchCriteria())
		if err != nil {
			return fmt.Errorf("search chat %q: %w", chatID, err)
		}
		msgs, err = fetchMessages(cl, uids)
		return err
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(msgs, func(a, b archive.Message) int { return a.ArrivalTime.Compare(b.ArrivalTime) })
	return msgs, nil
}

// ScanUnresolved snapshots the flagged uids of each chat mailbox and fetches
// them page by page. Copies appended by ReplaceMessage during the scan get new
// uids and are not revisited.
func (s *Store) ScanUnresolved(ctx context.Context, c archive.Context, fn func(archive.Message) error) error {
	var boxes []string
	err := s.do(ctx, func(cl *client.Client) error {
		var err error
		boxes, err = listMailboxes(cl, s.chatsBox(c)+delimiter+"%")
		return err
	})
	if err != nil {
		return err
	}
	slices.Sort(boxes)

	for _, box := range boxes {
		var uids []uint32
		err := s.do(ctx, func(cl *client.Client) error {
			if _, err := cl.Select(box, true); err != nil {
				return fmt.Errorf("examine %s: %w", box, err)
			}
			criteria := imap.NewSearchCriteria()
			criteria.WithFlags = []string{UnresolvedFlag}
			var err error
			uids, err = cl.UidSearch(criteria)
			return err
		})
		if err != nil {
			return err
		}
		slices.Sort(uids)

		for page := range slices.Chunk(uids, store.ScanPageSize) {
			var msgs []archive.Message
			err := s.do(ctx, func(cl *client.Client) error {
				if _, err := cl.Select(box, true); err != nil {
					return fmt.Errorf("examine %s: %w", box, err)
				}
				var err error
				msgs, err = fetchMessages(cl, page)
				return err
			})
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if err := ctx.Err(); err != nil {
					return err
				}
				if !m.Unresolved {
					continue
				}
				if err := fn(m); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Store) ReadIndex(ctx context.Context, c archive.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.do(ctx, func(cl *client.Client) error {
		box := s.indexBox(c)
		ok, err := mailboxExists(cl, box)
		if err != nil || !ok {
			return err
		}
		if _, err := cl.Select(box, true); err != nil {
			return fmt.Errorf("examine %s: %w", box, err)
		}
		uids, err := cl.UidSearch(imap.NewSearchCriteria())
		if err != nil {
			return err
		}
		entries, err := fetchIndexEntries(cl, uids)
		if err != nil {
			return err
		}
		for _, e := range entries {
			out[e.chatID] = e.blob
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ReadIndexEntry(ctx context.Context, c archive.Context, chatID string) ([]byte, error) {
	var blob []byte
	err := s.do(ctx, func(cl *client.Client) error {
		box := s.indexBox(c)
		ok, err := mailboxExists(cl, box)
		if err != nil || !ok {
			return err
		}
		if _, err := cl.Select(box, true); err != nil {
			return fmt.Errorf("examine %s: %w", box, err)
		}
		uids, err := findByHeader(cl, headerChatID, chatID)
		if err != nil || len(uids) == 0 {
			return err
		}
		entries, err := fetchIndexEntries(cl, uids)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			blob = entries[len(entries)-1].blob
		}
		return nil
	})
	return blob, err
}

// WriteIndexEntry appends the new entry before expunging older copies, so a
// reader never finds the entry missing.
func (s *Store) WriteIndexEntry(ctx context.Context, c archive.Context, chatID string, blob []byte) error {
	raw, err := encodeIndexEntry(chatID, blob)
	if err != nil {
		return err
	}
	return s.do(ctx, func(cl *client.Client) error {
		box := s.indexBox(c)
		if err := ensureMailbox(cl, box); err != nil {
			return err
		}
		if _, err := cl.Select(box, false); err != nil {
			return fmt.Errorf("select %s: %w", box, err)
		}
		old, err := findByHeader(cl, headerChatID, chatID)
		if err != nil {
			return err
		}
		if err := cl.Append(box, []string{imap.SeenFlag}, time.Now(), bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("append index entry %q: %w", chatID, err)
		}
		return deleteUIDs(cl, old)
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, func(cl *client.Client) error { return cl.Noop() })
}

func (s *Store) selectChat(cl *client.Client, c archive.Context, chatID string, readOnly bool) (string, error) {
	box := s.chatBox(c, chatID)
	ok, err := mailboxExists(cl, box)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("chat %q: %w", chatID, archive.ErrContainerMissing)
	}
	if _, err := cl.Select(box, readOnly); err != nil {
		return "", fmt.Errorf("select %s: %w", box, err)
	}
	return box, nil
}

func messageFlags(m archive.Message) []string {
	flags := []string{imap.SeenFlag}
	if m.Unresolved {
		flags = append(flags, UnresolvedFlag)
	}
	return flags
}

func appendDate(m archive.Message) time.Time {
	if m.ArrivalTime.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return m.ArrivalTime
}
