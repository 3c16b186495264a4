package repo

import (
	"context"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

type RouteRepository interface {
	Save(ctx context.Context, route *model.Route) error
	Get(ctx context.Context, id string) (*model.Route, error)
	List(ctx context.Context) ([]model.Route, error)
	Delete(ctx context.Context, id string) error
}
