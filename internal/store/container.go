package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatmirror/internal/archive"
)

// EnsureRoot registers the context root. Idempotent.
func (db *DB) EnsureRoot(ctx context.Context, c archive.Context) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO roots (tenant, participant, created_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant, participant) DO NOTHING`,
		c.Tenant, c.Participant, time.Now().UnixMilli())
	return err
}

// GetContainer returns the chat's container or nil if it does not exist.
func (db *DB) GetContainer(ctx context.Context, c archive.Context, chatID string) (*archive.Location, error) {
	var loc archive.Location
	err := db.QueryRowContext(ctx, `
		SELECT name, id FROM containers
		WHERE tenant = ? AND participant = ? AND chat_id = ?`,
		c.Tenant, c.Participant, chatID).Scan(&loc.Container, &loc.Validity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// CreateContainer returns the chat's container, creating the root and the
// container when absent. The row id doubles as the validity stamp.
func (db *DB) CreateContainer(ctx context.Context, c archive.Context, chatID, title string) (archive.Location, error) {
	if err := db.EnsureRoot(ctx, c); err != nil {
		return archive.Location{}, fmt.Errorf("ensure root: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO containers (tenant, participant, chat_id, name, title, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, participant, chat_id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE containers.title END`,
		c.Tenant, c.Participant, chatID, ContainerName(chatID), title, time.Now().UnixMilli()); err != nil {
		return archive.Location{}, fmt.Errorf("insert container: %w", err)
	}
	loc, err := db.GetContainer(ctx, c, chatID)
	if err != nil {
		return archive.Location{}, err
	}
	if loc == nil {
		return archive.Location{}, fmt.Errorf("container %q vanished after insert", chatID)
	}
	return *loc, nil
}

func (db *DB) containerID(ctx context.Context, c archive.Context, chatID string) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `
		SELECT id FROM containers WHERE tenant = ? AND participant = ? AND chat_id = ?`,
		c.Tenant, c.Participant, chatID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("chat %q: %w", chatID, archive.ErrContainerMissing)
	}
	return id, err
}
