package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

type PostgresRouteRepo struct {
	db *sql.DB
}

func NewPostgresRouteRepo(db *sql.DB) *PostgresRouteRepo {
	return &PostgresRouteRepo{db: db}
}

func (r *PostgresRouteRepo) Save(ctx context.Context, route *model.Route) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO routes (
			id, type, host, port, username, password, active, working, last_tested
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			active = EXCLUDED.active,
			working = EXCLUDED.working,
			last_tested = EXCLUDED.last_tested
	`,
		route.ID, string(route.Type), route.Host, route.Port,
		nullString(route.Username), nullString(route.Password),
		route.Active, route.Working, nullTime(route.LastTested),
	)
	return err
}

func (r *PostgresRouteRepo) Get(ctx context.Context, id string) (*model.Route, error) {
	row := r.db.QueryRowContext(ctx, routeSelect+` WHERE id = $1`, id)
	route, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return route, err
}

func (r *PostgresRouteRepo) List(ctx context.Context) ([]model.Route, error) {
	rows, err := r.db.QueryContext(ctx, routeSelect+` ORDER BY host, port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Route
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *route)
	}
	return out, rows.Err()
}

func (r *PostgresRouteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM routes WHERE id = $1`, id)
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

const routeSelect = `
	SELECT id, type, host, port, username, password, active, working, last_tested
	FROM routes`

func scanRoute(row rowScanner) (*model.Route, error) {
	var rt model.Route
	var typ string
	var username, password sql.NullString
	var lastTested sql.NullTime

	if err := row.Scan(
		&rt.ID, &typ, &rt.Host, &rt.Port, &username, &password,
		&rt.Active, &rt.Working, &lastTested,
	); err != nil {
		return nil, err
	}

	rt.Type = model.RouteType(typ)
	if username.Valid {
		s := username.String
		rt.Username = &s
	}
	if password.Valid {
		s := password.String
		rt.Password = &s
	}
	if lastTested.Valid {
		t := lastTested.Time
		rt.LastTested = &t
	}
	return &rt, nil
}
