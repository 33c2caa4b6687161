package imapstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"slices"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"

	"github.com/matheus3301/chatmirror/internal/archive"
)

const (
	addressDomain  = "chatmirror.invalid"
	messageFile    = "message.json"
	indexEntryFile = "entry.json"
	jsonType       = "application/json"
)

func address(id string) string {
	local := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '+':
			return r
		default:
			return '_'
		}
	}, id)
	if local == "" {
		local = "unknown"
	}
	return local + "@" + addressDomain
}

func encodeMessage(m archive.Message) ([]byte, error) {
	meta, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %q: %w", m.ID, err)
	}

	from := mail.Address{Name: "Chat " + m.ChatID, Address: address(m.ChatID)}
	if len(m.From) > 0 {
		from = mail.Address{Name: m.From[0].DisplayName, Address: address(m.From[0].ID)}
	}
	to := []mail.Address{{Name: "Chat " + m.ChatID, Address: address(m.ChatID)}}
	for _, p := range m.To {
		to = append(to, mail.Address{Name: p.DisplayName, Address: address(p.ID)})
	}
	subject := m.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	b := enmime.Builder().
		From(from.Name, from.Address).
		ToAddrs(to).
		Subject(subject).
		Date(appendDate(m)).
		Header(headerChatID, m.ChatID).
		Header(headerMessageID, m.ID).
		AddAttachment(meta, jsonType, messageFile)
	if m.TextBody != "" {
		b = b.Text([]byte(m.TextBody))
	}
	if m.HTMLBody != "" {
		b = b.HTML([]byte(m.HTMLBody))
	}
	return encodePart(b)
}

func encodeIndexEntry(chatID string, blob []byte) ([]byte, error) {
	b := enmime.Builder().
		From("chatmirror", address("index")).
		To("chatmirror", address("index")).
		Subject(chatID).
		Header(headerChatID, chatID).
		Text([]byte("Index entry for chat "+chatID+"\n")).
		AddAttachment(blob, jsonType, indexEntryFile)
	return encodePart(b)
}

func encodePart(b enmime.MailBuilder) ([]byte, error) {
	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build mime: %w", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode mime: %w", err)
	}
	return buf.Bytes(), nil
}

func attachment(env *enmime.Envelope, name string) []byte {
	for _, a := range env.Attachments {
		if a.FileName == name {
			return a.Content
		}
	}
	return nil
}

// decodeMessage prefers the JSON attachment and falls back to the readable
// parts for messages placed in the mailbox by other clients.
// hasFlag matches flags case-insensitively. Servers canonicalize keywords,
// go-imap's memory backend lowercases them.
func hasFlag(flags []string, flag string) bool {
	return slices.ContainsFunc(flags, func(f string) bool { return strings.EqualFold(f, flag) })
}

func decodeMessage(f fetched) (archive.Message, error) {
	var m archive.Message
	if meta := attachment(f.env, messageFile); meta != nil {
		if err := json.Unmarshal(meta, &m); err != nil {
			return m, fmt.Errorf("decode uid %d: %w", f.uid, err)
		}
	} else {
		m = archive.Message{
			ID:       f.env.GetHeader(headerMessageID),
			ChatID:   f.env.GetHeader(headerChatID),
			Subject:  f.env.GetHeader("Subject"),
			TextBody: f.env.Text,
			HTMLBody: f.env.HTML,
		}
		if d, err := mail.ParseDate(f.env.GetHeader("Date")); err == nil {
			m.ArrivalTime = d
		}
	}
	m.Unresolved = hasFlag(f.flags, UnresolvedFlag)
	return m, nil
}

func fetchMessages(cl *client.Client, uids []uint32) ([]archive.Message, error) {
	envs, err := fetchEnvelopes(cl, uids)
	if err != nil {
		return nil, err
	}
	msgs := make([]archive.Message, 0, len(envs))
	for _, f := range envs {
		if hasFlag(f.flags, imap.DeletedFlag) {
			continue
		}
		m, err := decodeMessage(f)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

type indexEntry struct {
	chatID string
	blob   []byte
}

// fetchIndexEntries returns entries ordered by uid, so later copies of the same
// chat come last.
func fetchIndexEntries(cl *client.Client, uids []uint32) ([]indexEntry, error) {
	envs, err := fetchEnvelopes(cl, uids)
	if err != nil {
		return nil, err
	}
	out := make([]indexEntry, 0, len(envs))
	for _, f := range envs {
		blob := attachment(f.env, indexEntryFile)
		if blob == nil {
			continue
		}
		out = append(out, indexEntry{chatID: f.env.GetHeader(headerChatID), blob: blob})
	}
	return out, nil
}
