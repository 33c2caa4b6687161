package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/chatmirror/internal/archive"
)

// ReadIndex returns all index blobs of the context.
func (db *DB) ReadIndex(ctx context.Context, c archive.Context) (map[string][]byte, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT chat_id, entry FROM index_entries WHERE tenant = ? AND participant = ?`,
		c.Tenant, c.Participant)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			chatID string
			blob   []byte
		)
		if err := rows.Scan(&chatID, &blob); err != nil {
			return nil, err
		}
		out[chatID] = blob
	}
	return out, rows.Err()
}

// ReadIndexEntry returns the blob of one chat or nil.
func (db *DB) ReadIndexEntry(ctx context.Context, c archive.Context, chatID string) ([]byte, error) {
	var blob []byte
	err := db.QueryRowContext(ctx, `
		SELECT entry FROM index_entries WHERE tenant = ? AND participant = ? AND chat_id = ?`,
		c.Tenant, c.Participant, chatID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return blob, err
}

// WriteIndexEntry upserts one chat's index blob.
func (db *DB) WriteIndexEntry(ctx context.Context, c archive.Context, chatID string, blob []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO index_entries (tenant, participant, chat_id, entry, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant, participant, chat_id) DO UPDATE SET
			entry = excluded.entry,
			updated_at = excluded.updated_at`,
		c.Tenant, c.Participant, chatID, blob, time.Now().UnixMilli())
	return err
}
