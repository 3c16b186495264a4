package model

import "time"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

type ErrorEntry struct {
	Recipient string
	Reason    string
	At        time.Time
}

// Job is one bulk-delivery unit of work binding a snapshot of identity
// handles, a recipient set and a template. NextTarget is the index of the
// first unprocessed recipient; it is persisted only after an outcome for the
// previous index is finalized, so a restart never skips or repeats work.
type Job struct {
	ID              string
	Name            string
	TemplateID      string
	RecipientSetID  string
	IdentityHandles []string

	Status         JobStatus
	TotalTargets   int
	SentCount      int
	SuccessCount   int
	FailedCount    int
	SkippedCount   int
	NextTarget     int
	IdentityCursor int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ScheduledAt *time.Time

	ErrorLog []ErrorEntry
}

func (j *Job) LogError(recipient, reason string) {
	j.ErrorLog = append(j.ErrorLog, ErrorEntry{
		Recipient: recipient,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
}

// Clone returns a deep copy safe to hand out while the original keeps
// being mutated by a running execution.
func (j *Job) Clone() *Job {
	cp := *j
	cp.IdentityHandles = append([]string(nil), j.IdentityHandles...)
	cp.ErrorLog = append([]ErrorEntry(nil), j.ErrorLog...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.ScheduledAt != nil {
		t := *j.ScheduledAt
		cp.ScheduledAt = &t
	}
	return &cp
}
