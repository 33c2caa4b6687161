package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/matheus3301/chatmirror/internal/archive"
)

// UpsertIdentity inserts or updates an identity. A stored identity observed
// later than id is left untouched, and a nil display name never clears a known one.
func (db *DB) UpsertIdentity(ctx context.Context, c archive.Context, id archive.Identity) error {
	var name sql.NullString
	if id.DisplayName != nil {
		name = sql.NullString{String: *id.DisplayName, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO identities (tenant, participant, participant_id, display_name, last_observed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, participant, participant_id) DO UPDATE SET
			display_name = COALESCE(excluded.display_name, identities.display_name),
			last_observed_at = excluded.last_observed_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_observed_at >= identities.last_observed_at`,
		c.Tenant, c.Participant, id.ParticipantID, name, id.LastObservedAt.UnixMilli(), time.Now().UnixMilli())
	return err
}

// ListIdentities returns every identity stored for the context.
func (db *DB) ListIdentities(ctx context.Context, c archive.Context) ([]archive.Identity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT participant_id, display_name, last_observed_at
		FROM identities WHERE tenant = ? AND participant = ?
		ORDER BY participant_id`, c.Tenant, c.Participant)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []archive.Identity
	for rows.Next() {
		var (
			id       archive.Identity
			name     sql.NullString
			observed int64
		)
		if err := rows.Scan(&id.ParticipantID, &name, &observed); err != nil {
			return nil, err
		}
		if name.Valid {
			n := name.String
			id.DisplayName = &n
		}
		id.LastObservedAt = time.UnixMilli(observed).UTC()
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
