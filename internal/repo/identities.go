package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

type IdentityRepository interface {
	Save(ctx context.Context, identity *model.Identity) error
	Get(ctx context.Context, handle string) (*model.Identity, error)
	List(ctx context.Context) ([]model.Identity, error)
	ListByHandles(ctx context.Context, handles []string) ([]model.Identity, error)
	Delete(ctx context.Context, handle string) error

	// RecordUsage bumps the sent counter (and the error counter on failure)
	// and stamps last_used.
	RecordUsage(ctx context.Context, handle string, success bool, at time.Time) error
}
