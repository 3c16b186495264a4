package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

// JobRepository is the durability boundary for jobs. Save is called after
// every status transition and cursor advance, so a restarted process can
// resume from the last finalized recipient.
type JobRepository interface {
	Save(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context) ([]model.Job, error)
	Delete(ctx context.Context, id string) error

	// ListDueScheduled returns pending jobs whose scheduled start is at or
	// before now.
	ListDueScheduled(ctx context.Context, now time.Time) ([]model.Job, error)

	// MarkInterrupted flips jobs left in running state by a dead process to
	// paused, returning how many were recovered.
	MarkInterrupted(ctx context.Context) (int64, error)
}
