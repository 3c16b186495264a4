package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
)

var (
	ErrAlreadyRunning = errors.New("job already running")
	ErrBadStatus      = errors.New("job status does not allow this operation")
	ErrTooManyJobs    = errors.New("concurrent job limit reached")
)

// Executor is the dispatch engine surface the lifecycle manager drives.
type Executor interface {
	Execute(ctx context.Context, job *model.Job) (*model.Job, error)
	Pause(jobID string) error
	Resume(jobID string) error
	Cancel(jobID string) error
	IsRunning(jobID string) bool
	Snapshot(jobID string) (*model.Job, bool)
}

// Service owns the durable job records and the registry of launched
// executions. It is the resumability boundary: every control operation
// persists the resulting state, and startup recovery re-parks jobs a dead
// process left running.
type Service struct {
	repo          repo.JobRepository
	exec          Executor
	maxConcurrent int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	launched map[string]struct{}
	subs     []func(model.Job)
	wg       sync.WaitGroup
}

func NewService(r repo.JobRepository, exec Executor, maxConcurrent int) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:          r,
		exec:          exec,
		maxConcurrent: maxConcurrent,
		ctx:           ctx,
		cancel:        cancel,
		launched:      make(map[string]struct{}),
	}
}

func (s *Service) Create(ctx context.Context, name, templateID, recipientSetID string, identityHandles []string, scheduledAt *time.Time) (*model.Job, error) {
	if name == "" {
		return nil, errors.New("job name must not be empty")
	}
	if templateID == "" || recipientSetID == "" {
		return nil, errors.New("job requires a template and a recipient set")
	}
	if len(identityHandles) == 0 {
		return nil, errors.New("job requires at least one identity")
	}

	job := &model.Job{
		ID:              uuid.NewString(),
		Name:            name,
		TemplateID:      templateID,
		RecipientSetID:  recipientSetID,
		IdentityHandles: append([]string(nil), identityHandles...),
		Status:          model.JobPending,
		CreatedAt:       time.Now().UTC(),
		ScheduledAt:     scheduledAt,
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return nil, err
	}

	if scheduledAt != nil {
		slog.Info("job created", "job", job.ID, "name", name, "scheduled_at", scheduledAt.Format(time.RFC3339))
	} else {
		slog.Info("job created", "job", job.ID, "name", name)
	}
	return job, nil
}

// Start launches the job as an independent execution and returns
// immediately. Allowed from pending and paused (restart-resume) states.
func (s *Service) Start(ctx context.Context, id string) error {
	if s.exec.IsRunning(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != model.JobPending && job.Status != model.JobPaused {
		return fmt.Errorf("%w: cannot start %s from %s", ErrBadStatus, id, job.Status)
	}

	s.mu.Lock()
	if _, dup := s.launched[id]; dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if len(s.launched) >= s.maxConcurrent {
		s.mu.Unlock()
		return fmt.Errorf("%w (max %d)", ErrTooManyJobs, s.maxConcurrent)
	}
	s.launched[id] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(job)
	return nil
}

func (s *Service) runJob(job *model.Job) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.launched, job.ID)
		s.mu.Unlock()
	}()

	updated, err := s.exec.Execute(s.ctx, job)
	if err != nil {
		slog.Error("job execution rejected", "job", job.ID, "err", err)
		return
	}
	s.notify(*updated.Clone())
}

// Pause closes the running job's resumption gate and persists the paused
// state right away so a status query reflects it without waiting for the
// loop to reach its next checkpoint.
func (s *Service) Pause(ctx context.Context, id string) error {
	if err := s.exec.Pause(id); err != nil {
		return err
	}
	return s.persistSnapshot(ctx, id)
}

func (s *Service) Resume(ctx context.Context, id string) error {
	if err := s.exec.Resume(id); err != nil {
		return err
	}
	return s.persistSnapshot(ctx, id)
}

// Cancel terminates a running or paused job. Jobs left in a stale
// running/paused state by a dead process are cancelled directly in the
// store.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.exec.Cancel(id); err == nil {
		return nil
	}

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != model.JobRunning && job.Status != model.JobPaused {
		return fmt.Errorf("%w: cannot cancel %s from %s", ErrBadStatus, id, job.Status)
	}
	job.Status = model.JobCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := s.repo.Save(ctx, job); err != nil {
		return err
	}
	slog.Info("stale job cancelled", "job", id)
	return nil
}

// Delete cancels a live execution and waits for it to unwind before
// removing the record, so the execution's final save cannot re-insert the
// row after the delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	if s.exec.IsRunning(id) {
		_ = s.exec.Cancel(id)
		if err := s.waitUnwound(ctx, id); err != nil {
			return err
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("job deleted", "job", id)
	return nil
}

func (s *Service) waitUnwound(ctx context.Context, id string) error {
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for s.exec.IsRunning(id) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s has not finished cancelling", ErrAlreadyRunning, id)
		case <-tick.C:
		}
	}
	return nil
}

// Get prefers the live execution state over the persisted record.
func (s *Service) Get(ctx context.Context, id string) (*model.Job, error) {
	if snap, ok := s.exec.Snapshot(id); ok {
		return snap, nil
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]model.Job, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if snap, ok := s.exec.Snapshot(all[i].ID); ok {
			all[i] = *snap
		}
	}
	return all, nil
}

// Subscribe registers a callback invoked after each execution returns, with
// the job's final state for that run.
func (s *Service) Subscribe(fn func(model.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Service) notify(job model.Job) {
	s.mu.Lock()
	subs := append(([]func(model.Job))(nil), s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(job)
	}
}

// RecoverInterrupted flips jobs persisted as running by a crashed process
// to paused so they can be restarted from their cursor. Run once at boot,
// before the scheduler starts.
func (s *Service) RecoverInterrupted(ctx context.Context) error {
	n, err := s.repo.MarkInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("recovered interrupted jobs as paused", "count", n)
	}
	return nil
}

// StartDue launches pending jobs whose scheduled start has arrived. Wired
// as the scheduler tick.
func (s *Service) StartDue(ctx context.Context) {
	due, err := s.repo.ListDueScheduled(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("failed to list scheduled jobs", "err", err)
		return
	}
	for _, job := range due {
		if err := s.Start(ctx, job.ID); err != nil {
			slog.Error("failed to start scheduled job", "job", job.ID, "err", err)
			continue
		}
		slog.Info("scheduled job started", "job", job.ID, "name", job.Name)
	}
}

// Shutdown parks running executions (they persist as paused) and waits for
// them to exit.
func (s *Service) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) persistSnapshot(ctx context.Context, id string) error {
	snap, ok := s.exec.Snapshot(id)
	if !ok {
		return nil
	}
	return s.repo.Save(ctx, snap)
}
