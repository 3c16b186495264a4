package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
)

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

var _ repo.JobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*model.Job)}
}

func (r *memJobRepo) Save(ctx context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *memJobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *memJobRepo) List(ctx context.Context) ([]model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job.Clone())
	}
	return out, nil
}

func (r *memJobRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return repo.ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *memJobRepo) ListDueScheduled(ctx context.Context, now time.Time) ([]model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Job
	for _, job := range r.jobs {
		if job.Status == model.JobPending && job.ScheduledAt != nil && !job.ScheduledAt.After(now) {
			out = append(out, *job.Clone())
		}
	}
	return out, nil
}

func (r *memJobRepo) MarkInterrupted(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, job := range r.jobs {
		if job.Status == model.JobRunning {
			job.Status = model.JobPaused
			n++
		}
	}
	return n, nil
}

// fakeExecutor completes every execution immediately unless block is set, in
// which case Execute waits for release, a cooperative cancel or context
// cancellation. With persistTo set it saves the final job state before
// deregistering, the way the real engine does.
type fakeExecutor struct {
	mu        sync.Mutex
	running   map[string]*model.Job
	cancels   map[string]chan struct{}
	block     bool
	release   chan struct{}
	finalWith model.JobStatus
	executed  []string
	persistTo repo.JobRepository
}

var _ Executor = (*fakeExecutor)(nil)

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		running:   make(map[string]*model.Job),
		cancels:   make(map[string]chan struct{}),
		release:   make(chan struct{}),
		finalWith: model.JobCompleted,
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, job *model.Job) (*model.Job, error) {
	f.mu.Lock()
	if _, busy := f.running[job.ID]; busy {
		f.mu.Unlock()
		return nil, errors.New("already executing")
	}
	cancel := make(chan struct{})
	f.running[job.ID] = job
	f.cancels[job.ID] = cancel
	f.executed = append(f.executed, job.ID)
	f.mu.Unlock()

	if f.block {
		select {
		case <-f.release:
		case <-cancel:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	select {
	case <-cancel:
		job.Status = model.JobCancelled
	default:
		job.Status = f.finalWith
	}
	f.mu.Unlock()

	// Final persistence precedes deregistration, as in the real engine.
	if f.persistTo != nil {
		_ = f.persistTo.Save(context.Background(), job)
	}

	f.mu.Lock()
	delete(f.running, job.ID)
	delete(f.cancels, job.ID)
	f.mu.Unlock()
	return job, nil
}

func (f *fakeExecutor) Pause(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.running[jobID]
	if !ok {
		return errors.New("not executing")
	}
	job.Status = model.JobPaused
	return nil
}

func (f *fakeExecutor) Resume(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.running[jobID]
	if !ok {
		return errors.New("not executing")
	}
	job.Status = model.JobRunning
	return nil
}

func (f *fakeExecutor) Cancel(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.running[jobID]
	if !ok {
		return errors.New("not executing")
	}
	job.Status = model.JobCancelled
	select {
	case <-f.cancels[jobID]:
	default:
		close(f.cancels[jobID])
	}
	return nil
}

func (f *fakeExecutor) IsRunning(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[jobID]
	return ok
}

func (f *fakeExecutor) Snapshot(jobID string) (*model.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.running[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

func (f *fakeExecutor) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCreate_ValidatesAndPersists(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	svc := NewService(r, newFakeExecutor(), 5)
	ctx := context.Background()

	job, err := svc.Create(ctx, "launch wave", "tpl-1", "set-1", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.ID == "" || job.Status != model.JobPending {
		t.Fatalf("job = %+v", job)
	}
	stored, err := r.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get stored: %v", err)
	}
	if stored.Name != "launch wave" {
		t.Fatalf("stored name = %q", stored.Name)
	}

	if _, err := svc.Create(ctx, "", "tpl-1", "set-1", []string{"alpha"}, nil); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := svc.Create(ctx, "x", "", "set-1", []string{"alpha"}, nil); err == nil {
		t.Fatal("expected error for missing template")
	}
	if _, err := svc.Create(ctx, "x", "tpl-1", "set-1", nil, nil); err == nil {
		t.Fatal("expected error for no identities")
	}
}

func TestStart_RunsAndNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	exec := newFakeExecutor()
	svc := NewService(r, exec, 5)
	ctx := context.Background()

	var gotMu sync.Mutex
	var got []model.JobStatus
	svc.Subscribe(func(j model.Job) {
		gotMu.Lock()
		got = append(got, j.Status)
		gotMu.Unlock()
	})

	job, err := svc.Create(ctx, "wave", "tpl-1", "set-1", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool {
		gotMu.Lock()
		defer gotMu.Unlock()
		return len(got) == 1
	})
	gotMu.Lock()
	defer gotMu.Unlock()
	if got[0] != model.JobCompleted {
		t.Fatalf("subscriber saw %s, want %s", got[0], model.JobCompleted)
	}
}

func TestStart_RejectsMissingBadStatusAndDuplicates(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	exec := newFakeExecutor()
	exec.block = true
	svc := NewService(r, exec, 5)
	ctx := context.Background()

	if err := svc.Start(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing job: err = %v, want ErrNotFound", err)
	}

	done := &model.Job{ID: "done", Name: "done", Status: model.JobCompleted, CreatedAt: time.Now().UTC()}
	if err := r.Save(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx, "done"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("completed job: err = %v, want ErrBadStatus", err)
	}

	job, err := svc.Create(ctx, "wave", "tpl-1", "set-1", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return exec.IsRunning(job.ID) })
	if err := svc.Start(ctx, job.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("duplicate start: err = %v, want ErrAlreadyRunning", err)
	}

	close(exec.release)
	svc.Shutdown()
}

func TestStart_EnforcesConcurrencyCap(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	exec := newFakeExecutor()
	exec.block = true
	svc := NewService(r, exec, 1)
	ctx := context.Background()

	first, err := svc.Create(ctx, "one", "tpl-1", "set-1", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := svc.Create(ctx, "two", "tpl-1", "set-1", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Start(ctx, first.ID); err != nil {
		t.Fatalf("Start first: %v", err)
	}
	waitFor(t, func() bool { return exec.IsRunning(first.ID) })
	if err := svc.Start(ctx, second.ID); !errors.Is(err, ErrTooManyJobs) {
		t.Fatalf("over cap: err = %v, want ErrTooManyJobs", err)
	}

	close(exec.release)
	svc.Shutdown()

	// Slot freed after the first run finished.
	if err := svc.Start(ctx, second.ID); err != nil {
		t.Fatalf("Start second after slot freed: %v", err)
	}
	svc.Shutdown()
}

func TestPause_PersistsLiveSnapshot(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	exec := newFakeExecutor()
	exec.block = true
	svc := NewService(r, exec, 5)
	ctx := context.Background()

	job, err := svc.Create(ctx, "wave", "tpl-1", "set-1", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return exec.IsRunning(job.ID) })

	if err := svc.Pause(ctx, job.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	stored, err := r.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != model.JobPaused {
		t.Fatalf("stored status = %s, want %s (persisted immediately)", stored.Status, model.JobPaused)
	}

	if err := svc.Resume(ctx, job.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	stored, _ = r.Get(ctx, job.ID)
	if stored.Status != model.JobRunning {
		t.Fatalf("stored status = %s, want %s", stored.Status, model.JobRunning)
	}

	close(exec.release)
	svc.Shutdown()
}

func TestCancel_StaleJobCancelledInStore(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	svc := NewService(r, newFakeExecutor(), 5)
	ctx := context.Background()

	// A dead process left this job persisted as running with no live
	// execution behind it.
	stale := &model.Job{ID: "stale", Name: "stale", Status: model.JobRunning, CreatedAt: time.Now().UTC()}
	if err := r.Save(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if err := svc.Cancel(ctx, "stale"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	stored, _ := r.Get(ctx, "stale")
	if stored.Status != model.JobCancelled || stored.CompletedAt == nil {
		t.Fatalf("stored = %+v, want cancelled with completion time", stored)
	}

	// Terminal jobs cannot be cancelled again.
	if err := svc.Cancel(ctx, "stale"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("re-cancel: err = %v, want ErrBadStatus", err)
	}
}

func TestGetAndList_PreferLiveSnapshots(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	exec := newFakeExecutor()
	exec.block = true
	svc := NewService(r, exec, 5)
	ctx := context.Background()

	job, err := svc.Create(ctx, "wave", "tpl-1", "set-1", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return exec.IsRunning(job.ID) })

	// The store still says pending; the live snapshot must win.
	got, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.JobPending && got.Status != model.JobRunning {
		t.Fatalf("live status = %s", got.Status)
	}
	all, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].ID != job.ID {
		t.Fatalf("list = %+v", all)
	}

	close(exec.release)
	svc.Shutdown()
}

func TestRecoverInterrupted_ParksRunningJobs(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	svc := NewService(r, newFakeExecutor(), 5)
	ctx := context.Background()

	if err := r.Save(ctx, &model.Job{ID: "a", Name: "a", Status: model.JobRunning, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	if err := r.Save(ctx, &model.Job{ID: "b", Name: "b", Status: model.JobCompleted, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	if err := svc.RecoverInterrupted(ctx); err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}

	a, _ := r.Get(ctx, "a")
	if a.Status != model.JobPaused {
		t.Fatalf("a status = %s, want %s", a.Status, model.JobPaused)
	}
	b, _ := r.Get(ctx, "b")
	if b.Status != model.JobCompleted {
		t.Fatalf("b status = %s, want untouched %s", b.Status, model.JobCompleted)
	}
}

func TestStartDue_LaunchesOnlyDueScheduledJobs(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	exec := newFakeExecutor()
	svc := NewService(r, exec, 5)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	due, err := svc.Create(ctx, "due", "tpl-1", "set-1", []string{"alpha"}, &past)
	if err != nil {
		t.Fatalf("Create due: %v", err)
	}
	if _, err := svc.Create(ctx, "later", "tpl-1", "set-1", []string{"alpha"}, &future); err != nil {
		t.Fatalf("Create later: %v", err)
	}

	svc.StartDue(ctx)
	waitFor(t, func() bool { return len(exec.executedIDs()) == 1 })

	if ids := exec.executedIDs(); len(ids) != 1 || ids[0] != due.ID {
		t.Fatalf("executed = %v, want only %s", ids, due.ID)
	}
	svc.Shutdown()
}

func TestDelete_CancelsLiveExecutionFirst(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	exec := newFakeExecutor()
	exec.block = true
	svc := NewService(r, exec, 5)
	ctx := context.Background()

	job, err := svc.Create(ctx, "wave", "tpl-1", "set-1", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return exec.IsRunning(job.ID) })

	if err := svc.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(ctx, job.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("record still present: err = %v", err)
	}

	close(exec.release)
	svc.Shutdown()
}

func TestDelete_FinalPersistCannotResurrectJob(t *testing.T) {
	t.Parallel()

	r := newMemJobRepo()
	exec := newFakeExecutor()
	exec.block = true
	exec.persistTo = r
	svc := NewService(r, exec, 5)
	ctx := context.Background()

	job, err := svc.Create(ctx, "wave", "tpl-1", "set-1", []string{"alpha"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return exec.IsRunning(job.ID) })

	if err := svc.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// The execution's final save ran before the row was removed, so the
	// job must stay gone instead of reappearing as a cancelled record.
	if exec.IsRunning(job.ID) {
		t.Fatal("execution still registered after Delete returned")
	}
	if _, err := r.Get(ctx, job.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("job resurrected after delete: err = %v", err)
	}
	svc.Shutdown()
}
