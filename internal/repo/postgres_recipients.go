package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

type PostgresRecipientRepo struct {
	db *sql.DB
}

func NewPostgresRecipientRepo(db *sql.DB) *PostgresRecipientRepo {
	return &PostgresRecipientRepo{db: db}
}

func (r *PostgresRecipientRepo) CreateSet(ctx context.Context, set *model.RecipientSet, recipients []model.Recipient) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recipient_sets (id, name, created_at) VALUES ($1, $2, now())
	`, set.ID, set.Name); err != nil {
		return err
	}

	for _, rec := range recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recipients (
				set_id, position, identifier, kind, numeric_id,
				resolved_handle, valid, error_reason
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`,
			set.ID, rec.Position, rec.Identifier, string(rec.Kind),
			nullInt64(rec.NumericID), nullString(rec.ResolvedHandle),
			rec.Valid, nullString(rec.ErrorReason),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *PostgresRecipientRepo) GetSet(ctx context.Context, id string) (*model.RecipientSet, error) {
	row := r.db.QueryRowContext(ctx, setSelect+` WHERE s.id = $1 GROUP BY s.id, s.name`, id)
	set, err := scanSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return set, err
}

func (r *PostgresRecipientRepo) ListSets(ctx context.Context) ([]model.RecipientSet, error) {
	rows, err := r.db.QueryContext(ctx, setSelect+` GROUP BY s.id, s.name, s.created_at ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RecipientSet
	for rows.Next() {
		set, err := scanSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *set)
	}
	return out, rows.Err()
}

func (r *PostgresRecipientRepo) DeleteSet(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recipients WHERE set_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM recipient_sets WHERE id = $1`, id)
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
	return tx.Commit()
}

func (r *PostgresRecipientRepo) ListRecipients(ctx context.Context, setID string) ([]model.Recipient, error) {
	return r.queryRecipients(ctx, recipientSelect+` WHERE set_id = $1 ORDER BY position ASC`, setID)
}

func (r *PostgresRecipientRepo) ValidFrom(ctx context.Context, setID string, fromPosition int) ([]model.Recipient, error) {
	return r.queryRecipients(ctx,
		recipientSelect+` WHERE set_id = $1 AND valid AND position >= $2 ORDER BY position ASC`,
		setID, fromPosition)
}

func (r *PostgresRecipientRepo) MarkInvalid(ctx context.Context, setID, identifier, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE recipients
		SET valid = false, error_reason = $3
		WHERE set_id = $1 AND lower(identifier) = lower($2)
	`, setID, identifier, reason)
	return err
}

func (r *PostgresRecipientRepo) AddBlacklist(ctx context.Context, identifier string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO blacklist (identifier) VALUES ($1) ON CONFLICT DO NOTHING
	`, identifier)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRecipientRepo) ListBlacklist(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT identifier FROM blacklist ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRecipientRepo) ClearBlacklist(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM blacklist`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRecipientRepo) IsBlacklisted(ctx context.Context, identifier string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM blacklist WHERE identifier = $1)
	`, identifier).Scan(&exists)
	return exists, err
}

func (r *PostgresRecipientRepo) InvalidateBlacklisted(ctx context.Context, identifier string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE recipients
		SET valid = false, error_reason = 'blacklisted'
		WHERE lower(identifier) = lower($1)
	`, identifier)
	return err
}

func (r *PostgresRecipientRepo) queryRecipients(ctx context.Context, query string, args ...any) ([]model.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var rec model.Recipient
		var kind string
		var numericID sql.NullInt64
		var resolvedHandle, errorReason sql.NullString

		if err := rows.Scan(
			&rec.Position, &rec.Identifier, &kind, &numericID,
			&resolvedHandle, &rec.Valid, &errorReason,
		); err != nil {
			return nil, err
		}

		rec.Kind = model.IdentifierKind(kind)
		if numericID.Valid {
			v := numericID.Int64
			rec.NumericID = &v
		}
		if resolvedHandle.Valid {
			s := resolvedHandle.String
			rec.ResolvedHandle = &s
		}
		if errorReason.Valid {
			s := errorReason.String
			rec.ErrorReason = &s
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const setSelect = `
	SELECT s.id, s.name,
	       count(r.identifier) AS total,
	       count(r.identifier) FILTER (WHERE r.valid) AS valid
	FROM recipient_sets s
	LEFT JOIN recipients r ON r.set_id = s.id`

const recipientSelect = `
	SELECT position, identifier, kind, numeric_id, resolved_handle, valid, error_reason
	FROM recipients`

func scanSet(row rowScanner) (*model.RecipientSet, error) {
	var s model.RecipientSet
	if err := row.Scan(&s.ID, &s.Name, &s.Total, &s.Valid); err != nil {
		return nil, err
	}
	return &s, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
