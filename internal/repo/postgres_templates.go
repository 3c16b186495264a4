package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

type PostgresTemplateRepo struct {
	db *sql.DB
}

func NewPostgresTemplateRepo(db *sql.DB) *PostgresTemplateRepo {
	return &PostgresTemplateRepo{db: db}
}

func (r *PostgresTemplateRepo) Save(ctx context.Context, tpl *model.Template) error {
	buttons, err := json.Marshal(tpl.Buttons)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO templates (
			id, name, mode, text, media_ref, media_kind,
			forward_channel, forward_message_id, buttons, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			mode = EXCLUDED.mode,
			text = EXCLUDED.text,
			media_ref = EXCLUDED.media_ref,
			media_kind = EXCLUDED.media_kind,
			forward_channel = EXCLUDED.forward_channel,
			forward_message_id = EXCLUDED.forward_message_id,
			buttons = EXCLUDED.buttons
	`,
		tpl.ID, tpl.Name, string(tpl.Mode), tpl.Text, tpl.MediaRef,
		string(tpl.MediaKind), tpl.ForwardChannel, tpl.ForwardMessageID,
		buttons, tpl.CreatedAt,
	)
	return err
}

func (r *PostgresTemplateRepo) Get(ctx context.Context, id string) (*model.Template, error) {
	row := r.db.QueryRowContext(ctx, templateSelect+` WHERE id = $1`, id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tpl, err
}

func (r *PostgresTemplateRepo) List(ctx context.Context) ([]model.Template, error) {
	rows, err := r.db.QueryContext(ctx, templateSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tpl)
	}
	return out, rows.Err()
}

func (r *PostgresTemplateRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM templates WHERE id = $1`, id)
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

const templateSelect = `
	SELECT id, name, mode, text, media_ref, media_kind,
	       forward_channel, forward_message_id, buttons, created_at
	FROM templates`

func scanTemplate(row rowScanner) (*model.Template, error) {
	var t model.Template
	var mode, mediaKind string
	var buttons []byte

	if err := row.Scan(
		&t.ID, &t.Name, &mode, &t.Text, &t.MediaRef, &mediaKind,
		&t.ForwardChannel, &t.ForwardMessageID, &buttons, &t.CreatedAt,
	); err != nil {
		return nil, err
	}

	t.Mode = model.ContentMode(mode)
	t.MediaKind = model.MediaKind(mediaKind)
	if len(buttons) > 0 {
		if err := json.Unmarshal(buttons, &t.Buttons); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
