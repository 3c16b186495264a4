package repo

import (
	"context"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

type TemplateRepository interface {
	Save(ctx context.Context, tpl *model.Template) error
	Get(ctx context.Context, id string) (*model.Template, error)
	List(ctx context.Context) ([]model.Template, error)
	Delete(ctx context.Context, id string) error
}
