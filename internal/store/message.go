package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatmirror/internal/archive"
)

// AppendMessage inserts a message (idempotent on container + msg_id).
func (db *DB) AppendMessage(ctx context.Context, c archive.Context, chatID string, m archive.Message) (bool, error) {
	containerID, err := db.containerID(ctx, c, chatID)
	if err != nil {
		return false, err
	}
	from, to, inline, err := encodeRefs(m)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (container_id, msg_id, version, arrival_time, subject, html_body, text_body,
			from_json, to_json, inline_ids_json, unresolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id, msg_id) DO NOTHING`,
		containerID, m.ID, m.Version, m.ArrivalTime.UnixMilli(), m.Subject, m.HTMLBody, m.TextBody,
		from, to, inline, m.Unresolved, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert message %q: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReplaceMessage rewrites the mutable text fields, participants and the unresolved flag.
func (db *DB) ReplaceMessage(ctx context.Context, c archive.Context, chatID string, m archive.Message) error {
	containerID, err := db.containerID(ctx, c, chatID)
	if err != nil {
		return err
	}
	from, to, _, err := encodeRefs(m)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET subject = ?, html_body = ?, text_body = ?, from_json = ?, to_json = ?, unresolved = ?
		WHERE container_id = ? AND msg_id = ?`,
		m.Subject, m.HTMLBody, m.TextBody, from, to, m.Unresolved, containerID, m.ID)
	if err != nil {
		return fmt.Errorf("update message %q: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %q not found in chat %q", m.ID, chatID)
	}
	return nil
}

// ListMessages returns a chat's messages ordered by arrival time.
func (db *DB) ListMessages(ctx context.Context, c archive.Context, chatID string) ([]archive.Message, error) {
	containerID, err := db.containerID(ctx, c, chatID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT m.id, ?, m.msg_id, m.version, m.arrival_time, m.subject, m.html_body, m.text_body,
			m.from_json, m.to_json, m.inline_ids_json, m.unresolved
		FROM messages m
		WHERE m.container_id = ?
		ORDER BY m.arrival_time, m.id`, chatID, containerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []archive.Message
	for rows.Next() {
		_, m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ScanUnresolved pages through flagged messages of the context by row id, so
// rewrites made by fn never shift the scan.
func (db *DB) ScanUnresolved(ctx context.Context, c archive.Context, fn func(archive.Message) error) error {
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, last, err := db.unresolvedPage(ctx, c, after)
		if err != nil {
			return err
		}
		for _, m := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(m); err != nil {
				return err
			}
		}
		if len(page) < ScanPageSize {
			return nil
		}
		after = last
	}
}

func (db *DB) unresolvedPage(ctx context.Context, c archive.Context, after int64) ([]archive.Message, int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT m.id, ct.chat_id, m.msg_id, m.version, m.arrival_time, m.subject, m.html_body, m.text_body,
			m.from_json, m.to_json, m.inline_ids_json, m.unresolved
		FROM messages m
		JOIN containers ct ON ct.id = m.container_id
		WHERE ct.tenant = ? AND ct.participant = ? AND m.unresolved = 1 AND m.id > ?
		ORDER BY m.id
		LIMIT ?`, c.Tenant, c.Participant, after, ScanPageSize)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var (
		page []archive.Message
		last = after
	)
	for rows.Next() {
		rowID, m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		page = append(page, m)
		last = rowID
	}
	return page, last, rows.Err()
}

func scanMessage(rows *sql.Rows) (int64, archive.Message, error) {
	var (
		rowID              int64
		m                  archive.Message
		arrival            int64
		from, to, inlineID string
	)
	if err := rows.Scan(&rowID, &m.ChatID, &m.ID, &m.Version, &arrival, &m.Subject, &m.HTMLBody, &m.TextBody,
		&from, &to, &inlineID, &m.Unresolved); err != nil {
		return 0, m, err
	}
	m.ArrivalTime = time.UnixMilli(arrival).UTC()
	if err := json.Unmarshal([]byte(from), &m.From); err != nil {
		return 0, m, fmt.Errorf("decode from of %q: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(to), &m.To); err != nil {
		return 0, m, fmt.Errorf("decode to of %q: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(inlineID), &m.InlineContentIDs); err != nil {
		return 0, m, fmt.Errorf("decode inline ids of %q: %w", m.ID, err)
	}
	return rowID, m, nil
}

func encodeRefs(m archive.Message) (from, to, inline string, err error) {
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	if from, err = enc(nonNil(m.From)); err != nil {
		return "", "", "", fmt.Errorf("encode from: %w", err)
	}
	if to, err = enc(nonNil(m.To)); err != nil {
		return "", "", "", fmt.Errorf("encode to: %w", err)
	}
	if inline, err = enc(nonNil(m.InlineContentIDs)); err != nil {
		return "", "", "", fmt.Errorf("encode inline ids: %w", err)
	}
	return from, to, inline, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
