// Package remote reads chats from a directory of JSON exports and watches
// it for pushed messages.
//
// Layout, per context:
//
//	<root>/<tenant>/<participant>/chats/<chat>.json
//	<root>/<tenant>/<participant>/push/<any>.json
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/store"
)

// Participant is a sender or recipient in an export.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Message is one exported message.
type Message struct {
	ID               string        `json:"id"`
	Version          int64         `json:"version"`
	ArrivalTime      time.Time     `json:"arrival_time"`
	Subject          string        `json:"subject,omitempty"`
	HTMLBody         string        `json:"html_body,omitempty"`
	TextBody         string        `json:"text_body,omitempty"`
	From             []Participant `json:"from,omitempty"`
	To               []Participant `json:"to,omitempty"`
	InlineContentIDs []string      `json:"inline_content_ids,omitempty"`
}

// Chat is the content of one chat export file.
type Chat struct {
	ID                 string     `json:"id"`
	Version            int64      `json:"version"`
	ThreadVersion      int64      `json:"thread_version"`
	LastMessageVersion int64      `json:"last_message_version,omitempty"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	Title              *string    `json:"title,omitempty"`
	Messages           []Message  `json:"messages"`
}

// Push is the content of one pushed message file.
type Push struct {
	ChatID  string  `json:"chat_id"`
	Message Message `json:"message"`
}

// ContextDir returns the export directory of c under root.
func ContextDir(root string, c archive.Context) string {
	return filepath.Join(root, c.Tenant, c.Participant)
}

// ChatPath returns the export file of chatID.
func ChatPath(root string, c archive.Context, chatID string) string {
	return filepath.Join(ContextDir(root, c), "chats", store.ContainerName(chatID)+".json")
}

// PushDir returns the directory watched for pushed messages of c.
func PushDir(root string, c archive.Context) string {
	return filepath.Join(ContextDir(root, c), "push")
}

// DumpSource serves chats from export files. ListUpdatedChats reports files
// whose content changed since the previous listing of the same context.
type DumpSource struct {
	root   string
	logger *zap.Logger

	mu   sync.Mutex
	seen map[archive.Context]map[string]string // chat id -> content hash
}

// NewDumpSource creates a source rooted at root.
func NewDumpSource(root string, logger *zap.Logger) *DumpSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DumpSource{root: root, logger: logger, seen: make(map[archive.Context]map[string]string)}
}

type snapshot struct {
	summary archive.ChatSummary
	hash    string
}

func (s *DumpSource) scan(ctx context.Context, c archive.Context) ([]snapshot, error) {
	dir := filepath.Join(ContextDir(s.root, c), "chats")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var out []snapshot
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var chat Chat
		if err := json.Unmarshal(data, &chat); err != nil || chat.ID == "" {
			s.logger.Warn("skipping unreadable chat export", zap.String("file", name), zap.Error(err))
			continue
		}
		sum := sha256.Sum256(data)
		out = append(out, snapshot{summary: chat.summary(), hash: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

// ListAllChats returns every exported chat of c.
func (s *DumpSource) ListAllChats(ctx context.Context, c archive.Context) ([]archive.ChatSummary, error) {
	snaps, err := s.scan(ctx, c)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string, len(snaps))
	chats := make([]archive.ChatSummary, 0, len(snaps))
	for _, snap := range snaps {
		seen[snap.summary.ID] = snap.hash
		chats = append(chats, snap.summary)
	}
	s.mu.Lock()
	s.seen[c] = seen
	s.mu.Unlock()
	return chats, nil
}

// ListUpdatedChats returns chats added or changed since the previous listing.
func (s *DumpSource) ListUpdatedChats(ctx context.Context, c archive.Context) ([]archive.ChatSummary, error) {
	snaps, err := s.scan(ctx, c)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.seen[c]
	if seen == nil {
		seen = make(map[string]string)
		s.seen[c] = seen
	}
	var chats []archive.ChatSummary
	for _, snap := range snaps {
		if seen[snap.summary.ID] == snap.hash {
			continue
		}
		seen[snap.summary.ID] = snap.hash
		chats = append(chats, snap.summary)
	}
	return chats, nil
}

// FetchAllMessages returns every message of chatID.
func (s *DumpSource) FetchAllMessages(ctx context.Context, c archive.Context, chatID string) ([]archive.Message, error) {
	return s.FetchMessagesSince(ctx, c, chatID, -1)
}

// FetchMessagesSince returns messages of chatID with a version above cutoff.
func (s *DumpSource) FetchMessagesSince(ctx context.Context, c archive.Context, chatID string, cutoff int64) ([]archive.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chat, err := ReadChat(s.root, c, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]archive.Message, 0, len(chat.Messages))
	for _, m := range chat.Messages {
		if m.Version > cutoff {
			out = append(out, m.toArchive(chatID))
		}
	}
	return out, nil
}

// ReadChat loads the export of chatID.
func ReadChat(root string, c archive.Context, chatID string) (Chat, error) {
	path := ChatPath(root, c, chatID)
	data, err := os.ReadFile(path)
	if err != nil {
		return Chat{}, fmt.Errorf("read chat %q: %w", chatID, err)
	}
	var chat Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return Chat{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if chat.ID != chatID {
		return Chat{}, fmt.Errorf("%s holds chat %q, want %q", path, chat.ID, chatID)
	}
	return chat, nil
}

// WriteChat stores chat as an export file, replacing any previous one.
func WriteChat(root string, c archive.Context, chat Chat) error {
	data, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(ChatPath(root, c, chat.ID), data)
}

// WritePush drops a pushed message into c's push directory.
func WritePush(root string, c archive.Context, p Push) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), store.ContainerName(p.Message.ID))
	return writeFileAtomic(filepath.Join(PushDir(root, c), name), data)
}

func (chat Chat) summary() archive.ChatSummary {
	return archive.ChatSummary{
		ID:                 chat.ID,
		Version:            chat.Version,
		ThreadVersion:      chat.ThreadVersion,
		LastMessageVersion: chat.LastMessageVersion,
		CreatedAt:          chat.CreatedAt,
		Title:              chat.Title,
	}
}

func (m Message) toArchive(chatID string) archive.Message {
	refs := func(ps []Participant) []archive.Participant {
		out := make([]archive.Participant, len(ps))
		for i, p := range ps {
			out[i] = archive.Participant{ID: p.ID, DisplayName: p.DisplayName}
		}
		return out
	}
	return archive.Message{
		ID:               m.ID,
		ChatID:           chatID,
		Version:          m.Version,
		ArrivalTime:      m.ArrivalTime,
		Subject:          m.Subject,
		HTMLBody:         m.HTMLBody,
		TextBody:         m.TextBody,
		From:             refs(m.From),
		To:               refs(m.To),
		InlineContentIDs: slices.Clone(m.InlineContentIDs),
	}
}

// writeFileAtomic writes through a hidden temp file and a rename, so readers
// and the push watcher never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
