package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

type PostgresIdentityRepo struct {
	db *sql.DB
}

func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

func (r *PostgresIdentityRepo) Save(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO identities (
			handle, display_name, credential, status, can_send, route_id,
			sent_count, error_count, last_used
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (handle) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			credential = EXCLUDED.credential,
			status = EXCLUDED.status,
			can_send = EXCLUDED.can_send,
			route_id = EXCLUDED.route_id,
			sent_count = EXCLUDED.sent_count,
			error_count = EXCLUDED.error_count,
			last_used = EXCLUDED.last_used
	`,
		identity.Handle, nullString(identity.DisplayName), identity.Credential,
		string(identity.Status), identity.CanSend, nullString(identity.RouteID),
		identity.SentCount, identity.ErrorCount, nullTime(identity.LastUsed),
	)
	return err
}

func (r *PostgresIdentityRepo) Get(ctx context.Context, handle string) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx, identitySelect+` WHERE handle = $1`, handle)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return identity, err
}

func (r *PostgresIdentityRepo) List(ctx context.Context) ([]model.Identity, error) {
	rows, err := r.db.QueryContext(ctx, identitySelect+` ORDER BY handle ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIdentities(rows)
}

func (r *PostgresIdentityRepo) ListByHandles(ctx context.Context, handles []string) ([]model.Identity, error) {
	if len(handles) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(handles))
	args := make([]any, len(handles))
	for i, h := range handles {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = h
	}

	rows, err := r.db.QueryContext(ctx,
		identitySelect+` WHERE handle IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found, err := collectIdentities(rows)
	if err != nil {
		return nil, err
	}

	// Preserve the caller's handle order; a job's identity cursor indexes
	// into its snapshot list, not into arbitrary query order.
	byHandle := make(map[string]model.Identity, len(found))
	for _, id := range found {
		byHandle[id.Handle] = id
	}
	var out []model.Identity
	for _, h := range handles {
		if id, ok := byHandle[h]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *PostgresIdentityRepo) Delete(ctx context.Context, handle string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM identities WHERE handle = $1`, handle)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresIdentityRepo) RecordUsage(ctx context.Context, handle string, success bool, at time.Time) error {
	errInc := 0
	if !success {
		errInc = 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE identities
		SET sent_count = sent_count + 1,
		    error_count = error_count + $2,
		    last_used = $3
		WHERE handle = $1
	`, handle, errInc, at)
	return err
}

const identitySelect = `
	SELECT handle, display_name, credential, status, can_send, route_id,
	       sent_count, error_count, last_used
	FROM identities`

func scanIdentity(row rowScanner) (*model.Identity, error) {
	var id model.Identity
	var status string
	var displayName, routeID sql.NullString
	var lastUsed sql.NullTime

	if err := row.Scan(
		&id.Handle, &displayName, &id.Credential, &status, &id.CanSend,
		&routeID, &id.SentCount, &id.ErrorCount, &lastUsed,
	); err != nil {
		return nil, err
	}

	id.Status = model.IdentityStatus(status)
	if displayName.Valid {
		s := displayName.String
		id.DisplayName = &s
	}
	if routeID.Valid {
		s := routeID.String
		id.RouteID = &s
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		id.LastUsed = &t
	}
	return &id, nil
}

func collectIdentities(rows *sql.Rows) ([]model.Identity, error) {
	var out []model.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *id)
	}
	return out, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
