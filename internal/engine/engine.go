package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/templates"
	"github.com/LeventeLantos/bulk-dispatch/internal/transport"
)

var (
	ErrAlreadyRunning = errors.New("job is already executing")
	ErrNotRunning     = errors.New("job is not executing")
	ErrAlreadyPaused  = errors.New("job is already paused")
	ErrNotPaused      = errors.New("job is not paused")
	ErrBadStatus      = errors.New("job status does not allow execution")

	errCancelled = errors.New("cancelled")
)

// IdentityPool supplies sender identities and their live channels.
type IdentityPool interface {
	ListByHandles(ctx context.Context, handles []string) ([]model.Identity, error)
	AcquireChannel(ctx context.Context, identity model.Identity) (transport.Channel, error)
	ReleaseChannel(handle string)
	RecordUsage(ctx context.Context, handle string, success bool) error
}

// TargetSource yields the recipients of a set in import order. Cursors are
// recipient positions, stable under invalidation.
type TargetSource interface {
	ValidTargetsFrom(ctx context.Context, setID string, fromPosition int) ([]model.Recipient, error)
	MarkInvalid(ctx context.Context, setID, identifier, reason string) error
	IsBlacklisted(ctx context.Context, identifier string) (bool, error)
}

type TemplateSource interface {
	Get(ctx context.Context, id string) (*model.Template, error)
}

// ProgressStore persists the job after every status transition and cursor
// advance.
type ProgressStore interface {
	Save(ctx context.Context, job *model.Job) error
}

// ReceiptCache records successful deliveries. Optional.
type ReceiptCache interface {
	StoreReceipt(ctx context.Context, jobID string, recipient model.Recipient, identityHandle string, at time.Time) error
}

type Config struct {
	MessageDelayMin     time.Duration
	MessageDelayMax     time.Duration
	IdentitySwitchDelay time.Duration
	MessagesPerIdentity int
}

// Engine drives job executions: one goroutine per running job, rotating
// identities, pacing sends and persisting progress after every finalized
// recipient. Exactly one execution per job id may be live at a time.
type Engine struct {
	pool      IdentityPool
	targets   TargetSource
	templates TemplateSource
	store     ProgressStore
	cfg       Config

	receipts ReceiptCache
	limiter  *rate.Limiter

	sleep   func(ctx context.Context, d time.Duration, abort <-chan struct{}) error
	pacing  func() time.Duration
	mu      sync.Mutex
	running map[string]*execution
}

func New(pool IdentityPool, targets TargetSource, tpls TemplateSource, store ProgressStore, cfg Config) *Engine {
	e := &Engine{
		pool:      pool,
		targets:   targets,
		templates: tpls,
		store:     store,
		cfg:       cfg,
		sleep:     sleepInterruptible,
		running:   make(map[string]*execution),
	}
	e.pacing = func() time.Duration {
		spread := cfg.MessageDelayMax - cfg.MessageDelayMin
		if spread <= 0 {
			return cfg.MessageDelayMin
		}
		return cfg.MessageDelayMin + time.Duration(rand.Int64N(int64(spread)+1))
	}
	return e
}

// WithReceipts wires an optional delivery receipt cache.
func (e *Engine) WithReceipts(c ReceiptCache) *Engine {
	e.receipts = c
	return e
}

// WithLimiter wires an optional global send ceiling awaited before every
// delivery attempt.
func (e *Engine) WithLimiter(l *rate.Limiter) *Engine {
	e.limiter = l
	return e
}

// WithSleep replaces the interruptible sleep, used by tests to run
// deterministically.
func (e *Engine) WithSleep(fn func(ctx context.Context, d time.Duration, abort <-chan struct{}) error) *Engine {
	e.sleep = fn
	return e
}

// WithPacing replaces the random inter-message delay source.
func (e *Engine) WithPacing(fn func() time.Duration) *Engine {
	e.pacing = fn
	return e
}

type execution struct {
	mu        sync.Mutex
	job       *model.Job
	paused    bool
	gate      chan struct{} // closed while open; swapped on pause
	cancelled chan struct{}
	once      sync.Once
	held      map[string]struct{} // identity handles with an acquired channel
}

func newExecution(job *model.Job) *execution {
	gate := make(chan struct{})
	close(gate)
	return &execution{
		job:       job,
		gate:      gate,
		cancelled: make(chan struct{}),
		held:      make(map[string]struct{}),
	}
}

func (x *execution) isCancelled() bool {
	select {
	case <-x.cancelled:
		return true
	default:
		return false
	}
}

// Execute drives the job to a terminal, paused or cancelled state. It
// returns an error only when the job cannot enter execution at all; every
// in-loop condition is resolved into a job status instead.
func (e *Engine) Execute(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job.Status != model.JobPending && job.Status != model.JobPaused {
		return nil, fmt.Errorf("%w: %s is %s", ErrBadStatus, job.ID, job.Status)
	}

	exec := newExecution(job)
	e.mu.Lock()
	if _, busy := e.running[job.ID]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, job.ID)
	}
	e.running[job.ID] = exec
	e.mu.Unlock()

	defer func() {
		exec.mu.Lock()
		held := exec.held
		exec.held = map[string]struct{}{}
		exec.mu.Unlock()
		for handle := range held {
			e.pool.ReleaseChannel(handle)
		}

		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("job execution panic recovered", "job", job.ID, "panic", r)
				exec.mu.Lock()
				job.Status = model.JobFailed
				job.LogError("", fmt.Sprintf("internal fault: %v", r))
				now := time.Now().UTC()
				job.CompletedAt = &now
				exec.mu.Unlock()
			}
		}()
		e.run(ctx, exec)
	}()

	// Final persistence happens off the caller's context so a shutdown
	// that interrupted the loop still records where it stopped.
	if err := e.persist(context.Background(), exec); err != nil {
		slog.Error("failed to persist final job state", "job", job.ID, "err", err)
	}
	return job, nil
}

func (e *Engine) run(ctx context.Context, exec *execution) {
	job := exec.job

	// Fail-fast preconditions; no side effects below until all pass.
	tpl, err := e.templates.Get(ctx, job.TemplateID)
	if err != nil || tpl == nil {
		e.fail(exec, fmt.Sprintf("template %s not found", job.TemplateID))
		return
	}
	targets, err := e.targets.ValidTargetsFrom(ctx, job.RecipientSetID, job.NextTarget)
	if err != nil {
		e.fail(exec, fmt.Sprintf("loading recipients: %v", err))
		return
	}
	if len(targets) == 0 {
		if job.NextTarget > 0 {
			// Resumed past the last recipient; nothing left to send.
			e.finish(exec, model.JobCompleted)
			return
		}
		e.fail(exec, "no valid recipients in set")
		return
	}
	idents, err := e.pool.ListByHandles(ctx, job.IdentityHandles)
	if err != nil {
		e.fail(exec, fmt.Sprintf("loading identities: %v", err))
		return
	}
	var sendable []model.Identity
	for _, id := range idents {
		if id.CanSend {
			sendable = append(sendable, id)
		}
	}
	if len(sendable) == 0 {
		e.fail(exec, "no identity can send")
		return
	}

	exec.mu.Lock()
	job.Status = model.JobRunning
	// Finalized recipients plus whatever is still ahead of the cursor.
	job.TotalTargets = job.SentCount + job.SkippedCount + len(targets)
	if job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
	}
	exec.mu.Unlock()
	if err := e.persist(ctx, exec); err != nil {
		e.fail(exec, fmt.Sprintf("persisting job start: %v", err))
		return
	}

	slog.Info("job started", "job", job.ID, "targets", len(targets),
		"identities", len(sendable), "cursor", job.NextTarget)

	perIdentity := 0
	identityMisses := 0
	total := len(targets)

	for i := 0; i < total; i++ {
		if exec.isCancelled() {
			break
		}
		switch err := e.waitIfPaused(ctx, exec); {
		case errors.Is(err, errCancelled):
			e.finish(exec, model.JobCancelled)
			return
		case err != nil:
			e.park(exec)
			return
		}

		rec := targets[i]

		ch, ident, ok := e.acquireRotating(ctx, exec, sendable, &perIdentity)
		if !ok {
			e.fail(exec, "no identity could acquire a channel after a full rotation")
			return
		}

		target, err := ch.Resolve(ctx, rec)
		if err != nil {
			// A dead channel is the identity's fault, not the
			// recipient's: rotate and retry the same recipient.
			if transport.Classify(err) == transport.IdentityUnavailable {
				identityMisses++
				if identityMisses >= len(sendable) {
					e.fail(exec, "every identity became unavailable")
					return
				}
				slog.Warn("identity unavailable, rotating", "job", job.ID, "identity", ident.Handle, "err", err)
				e.rotatePast(exec, ident.Handle, len(sendable), &perIdentity)
				i--
				continue
			}

			reason := err.Error()
			slog.Warn("recipient unresolvable", "job", job.ID, "recipient", rec.Identifier, "err", err)
			exec.mu.Lock()
			job.SkippedCount++
			job.NextTarget = rec.Position + 1
			exec.mu.Unlock()
			identityMisses = 0
			if markErr := e.targets.MarkInvalid(ctx, job.RecipientSetID, rec.Identifier, reason); markErr != nil {
				slog.Warn("failed to mark recipient invalid", "job", job.ID, "recipient", rec.Identifier, "err", markErr)
			}
			if err := e.persist(ctx, exec); err != nil {
				e.fail(exec, fmt.Sprintf("persisting progress: %v", err))
				return
			}
			continue
		}

		if blocked, err := e.targets.IsBlacklisted(ctx, rec.Identifier); err == nil && blocked {
			exec.mu.Lock()
			job.SkippedCount++
			job.NextTarget = rec.Position + 1
			exec.mu.Unlock()
			identityMisses = 0
			if err := e.persist(ctx, exec); err != nil {
				e.fail(exec, fmt.Sprintf("persisting progress: %v", err))
				return
			}
			continue
		}

		content := templates.Content(tpl, map[string]string{
			"handle":     recipientHandle(rec, target),
			"numeric_id": strconv.FormatInt(target.NumericID, 10),
		})

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				e.park(exec)
				return
			}
		}

		deliverErr, stop := e.deliverWithCooldown(ctx, exec, ch, target, content)
		if stop != nil {
			if errors.Is(stop, errCancelled) {
				e.finish(exec, model.JobCancelled)
			} else {
				e.park(exec)
			}
			return
		}
		if deliverErr != nil && transport.Classify(deliverErr) == transport.IdentityUnavailable {
			identityMisses++
			if identityMisses >= len(sendable) {
				e.fail(exec, "every identity became unavailable")
				return
			}
			slog.Warn("identity unavailable, rotating", "job", job.ID, "identity", ident.Handle, "err", deliverErr)
			e.rotatePast(exec, ident.Handle, len(sendable), &perIdentity)
			i--
			continue
		}

		success := deliverErr == nil
		exec.mu.Lock()
		job.SentCount++
		if success {
			job.SuccessCount++
		} else {
			job.FailedCount++
			job.LogError(rec.Identifier, deliverErr.Error())
		}
		job.NextTarget = rec.Position + 1
		exec.mu.Unlock()
		identityMisses = 0

		if success {
			slog.Debug("delivered", "job", job.ID, "recipient", rec.Identifier, "identity", ident.Handle)
			if e.receipts != nil {
				if err := e.receipts.StoreReceipt(ctx, job.ID, rec, ident.Handle, time.Now().UTC()); err != nil {
					slog.Warn("failed to store receipt", "job", job.ID, "recipient", rec.Identifier, "err", err)
				}
			}
		} else {
			slog.Warn("delivery failed", "job", job.ID, "recipient", rec.Identifier,
				"identity", ident.Handle, "kind", transport.Classify(deliverErr), "err", deliverErr)
		}
		if err := e.pool.RecordUsage(ctx, ident.Handle, success); err != nil {
			slog.Warn("failed to record identity usage", "job", job.ID, "identity", ident.Handle, "err", err)
		}

		if err := e.persist(ctx, exec); err != nil {
			e.fail(exec, fmt.Sprintf("persisting progress: %v", err))
			return
		}

		// Identity rotation cap, then mandatory spacing either way.
		perIdentity++
		var wait time.Duration
		if perIdentity >= e.cfg.MessagesPerIdentity {
			e.rotatePast(exec, ident.Handle, len(sendable), &perIdentity)
			wait = e.cfg.IdentitySwitchDelay
			slog.Info("identity rotated", "job", job.ID, "from", ident.Handle, "cursor", job.IdentityCursor)
		} else if i+1 < total {
			wait = e.pacing()
		}
		if wait > 0 {
			switch err := e.sleep(ctx, wait, exec.cancelled); {
			case errors.Is(err, errCancelled):
				e.finish(exec, model.JobCancelled)
				return
			case err != nil:
				e.park(exec)
				return
			}
		}
	}

	if exec.isCancelled() {
		e.finish(exec, model.JobCancelled)
		return
	}
	e.finish(exec, model.JobCompleted)
}

// acquireRotating returns a live channel for the identity at the cursor,
// rotating past identities that cannot be acquired. A full rotation with no
// acquisition is fatal for the job.
func (e *Engine) acquireRotating(ctx context.Context, exec *execution, sendable []model.Identity, perIdentity *int) (transport.Channel, model.Identity, bool) {
	job := exec.job
	for attempts := 0; attempts < len(sendable); attempts++ {
		exec.mu.Lock()
		ident := sendable[job.IdentityCursor%len(sendable)]
		exec.mu.Unlock()

		ch, err := e.pool.AcquireChannel(ctx, ident)
		if err != nil {
			slog.Warn("channel acquisition failed, rotating identity",
				"job", job.ID, "identity", ident.Handle, "err", err)
			exec.mu.Lock()
			job.IdentityCursor = (job.IdentityCursor + 1) % len(sendable)
			exec.mu.Unlock()
			*perIdentity = 0
			continue
		}

		exec.mu.Lock()
		exec.held[ident.Handle] = struct{}{}
		exec.mu.Unlock()
		return ch, ident, true
	}
	return nil, model.Identity{}, false
}

// deliverWithCooldown attempts delivery, honoring provider cooldowns with
// unbounded retries: the wait duration is authoritative. The second return
// is non-nil when the loop must stop (cancel or context).
func (e *Engine) deliverWithCooldown(ctx context.Context, exec *execution, ch transport.Channel, target transport.Target, content transport.Content) (error, error) {
	for {
		err := ch.Deliver(ctx, target, content)
		wait, throttled := transport.Cooldown(err)
		if !throttled {
			return err, nil
		}
		slog.Warn("provider cooldown, retrying same recipient",
			"job", exec.job.ID, "wait", wait)
		if stop := e.sleep(ctx, wait, exec.cancelled); stop != nil {
			return err, stop
		}
	}
}

// waitIfPaused blocks on the resumption gate while the job is paused. The
// paused status is persisted before blocking so a crash while paused
// restarts as paused.
func (e *Engine) waitIfPaused(ctx context.Context, exec *execution) error {
	exec.mu.Lock()
	if !exec.paused {
		exec.mu.Unlock()
		return nil
	}
	gate := exec.gate
	exec.mu.Unlock()

	if err := e.persist(ctx, exec); err != nil {
		slog.Error("failed to persist paused state", "job", exec.job.ID, "err", err)
	}
	slog.Info("job paused", "job", exec.job.ID, "cursor", exec.job.NextTarget)

	select {
	case <-exec.cancelled:
		return errCancelled
	case <-ctx.Done():
		return ctx.Err()
	case <-gate:
		if exec.isCancelled() {
			return errCancelled
		}
		if err := e.persist(ctx, exec); err != nil {
			slog.Error("failed to persist resumed state", "job", exec.job.ID, "err", err)
		}
		slog.Info("job resumed", "job", exec.job.ID, "cursor", exec.job.NextTarget)
		return nil
	}
}

// Pause closes the resumption gate of a running execution. The loop
// finishes its in-flight recipient before honoring it.
func (e *Engine) Pause(jobID string) error {
	exec := e.get(jobID)
	if exec == nil {
		return ErrNotRunning
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.isCancelled() {
		return ErrNotRunning
	}
	if exec.paused {
		return ErrAlreadyPaused
	}
	exec.paused = true
	exec.gate = make(chan struct{})
	exec.job.Status = model.JobPaused
	return nil
}

// Resume reopens the gate of a paused execution.
func (e *Engine) Resume(jobID string) error {
	exec := e.get(jobID)
	if exec == nil {
		return ErrNotRunning
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.isCancelled() {
		return ErrNotRunning
	}
	if !exec.paused {
		return ErrNotPaused
	}
	exec.paused = false
	exec.job.Status = model.JobRunning
	close(exec.gate)
	return nil
}

// Cancel requests cooperative termination. It always opens the gate so a
// paused loop can observe the cancellation and exit.
func (e *Engine) Cancel(jobID string) error {
	exec := e.get(jobID)
	if exec == nil {
		return ErrNotRunning
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	exec.once.Do(func() { close(exec.cancelled) })
	// Reflect the cancellation in snapshots right away; the loop still
	// finishes its in-flight recipient before exiting.
	exec.job.Status = model.JobCancelled
	if exec.paused {
		exec.paused = false
		close(exec.gate)
	}
	return nil
}

func (e *Engine) IsRunning(jobID string) bool {
	return e.get(jobID) != nil
}

// Snapshot returns a copy of the live job state, if the job is executing.
func (e *Engine) Snapshot(jobID string) (*model.Job, bool) {
	exec := e.get(jobID)
	if exec == nil {
		return nil, false
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.job.Clone(), true
}

func (e *Engine) get(jobID string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[jobID]
}

func (e *Engine) persist(ctx context.Context, exec *execution) error {
	exec.mu.Lock()
	snapshot := exec.job.Clone()
	exec.mu.Unlock()
	return e.store.Save(ctx, snapshot)
}

func (e *Engine) fail(exec *execution, reason string) {
	slog.Error("job failed", "job", exec.job.ID, "reason", reason)
	exec.mu.Lock()
	exec.job.Status = model.JobFailed
	exec.job.LogError("", reason)
	now := time.Now().UTC()
	exec.job.CompletedAt = &now
	exec.mu.Unlock()
}

func (e *Engine) finish(exec *execution, status model.JobStatus) {
	exec.mu.Lock()
	exec.job.Status = status
	now := time.Now().UTC()
	exec.job.CompletedAt = &now
	job := exec.job.Clone()
	exec.mu.Unlock()

	slog.Info("job finished", "job", job.ID, "status", status,
		"sent", job.SentCount, "success", job.SuccessCount,
		"failed", job.FailedCount, "skipped", job.SkippedCount)
}

// park leaves the job paused (resumable after restart) when the process
// context is cancelled mid-run; operator cancel ends the job instead, even
// when both arrive at once.
func (e *Engine) park(exec *execution) {
	if exec.isCancelled() {
		e.finish(exec, model.JobCancelled)
		return
	}
	exec.mu.Lock()
	exec.job.Status = model.JobPaused
	exec.mu.Unlock()
	slog.Info("job parked for shutdown", "job", exec.job.ID, "cursor", exec.job.NextTarget)
}

// rotatePast releases the identity's channel and moves the cursor to the
// next identity in the pool.
func (e *Engine) rotatePast(exec *execution, handle string, poolSize int, perIdentity *int) {
	e.releaseHeld(exec, handle)
	exec.mu.Lock()
	exec.job.IdentityCursor = (exec.job.IdentityCursor + 1) % poolSize
	exec.mu.Unlock()
	*perIdentity = 0
}

func (e *Engine) releaseHeld(exec *execution, handle string) {
	exec.mu.Lock()
	delete(exec.held, handle)
	exec.mu.Unlock()
	e.pool.ReleaseChannel(handle)
}

func sleepInterruptible(ctx context.Context, d time.Duration, abort <-chan struct{}) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-abort:
		return errCancelled
	case <-tmr.C:
		return nil
	}
}

func recipientHandle(rec model.Recipient, target transport.Target) string {
	if target.Handle != "" {
		return target.Handle
	}
	if rec.ResolvedHandle != nil && *rec.ResolvedHandle != "" {
		return *rec.ResolvedHandle
	}
	return rec.Identifier
}
