package change

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Change is one infrastructure mutation that the scheduler runs on behalf of a
// producer. Concrete variants carry their own domain parameters and are
// persisted as JSON under their Kind.
type Change interface {
	Kind() string
	// Execute performs the side effect. A nil error means success, an error
	// wrapped with Permanent is never retried, anything else is retried.
	Execute(ctx context.Context) error
	Description() string
	// Resources lists the entity identifiers the change needs exclusive
	// access to while it runs. It must not change for the life of the change.
	Resources() []string
	MaxRetryCount() int
	RetryInterval() time.Duration
}

// Validator is implemented by changes that can reject bad parameters before
// they are persisted.
type Validator interface {
	Validate() error
}

type Result int

const (
	Success Result = iota
	FailedTemporary
	FailedPermanently
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case FailedTemporary:
		return "failed_temporary"
	case FailedPermanently:
		return "failed_permanently"
	default:
		return "unknown"
	}
}

// ResultOf maps the error returned by Execute onto an attempt result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case IsPermanent(err):
		return FailedPermanently
	default:
		return FailedTemporary
	}
}

type State string

const (
	StateNew               State = "new"
	StateFailedTemporary   State = "failed_temporary"
	StateFailedPermanently State = "failed_permanently"
	StateFinished          State = "finished"
)

func (s State) Valid() bool {
	switch s {
	case StateNew, StateFailedTemporary, StateFailedPermanently, StateFinished:
		return true
	}
	return false
}

// Claimable reports whether a record in this state may still be picked up by
// a worker.
func (s State) Claimable() bool {
	return s == StateNew || s == StateFailedTemporary
}

// Schedule holds the generic scheduling parameters a producer passes along
// with a change.
type Schedule struct {
	Delay time.Duration
	// RetryInterval overrides the change's own interval when positive.
	RetryInterval time.Duration
	OwnerID       string
}

// PendingChange is the persisted envelope of a Change.
type PendingChange struct {
	ID            uuid.UUID       `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Resources     []string        `json:"resources"`
	Description   string          `json:"description"`
	OwnerID       string          `json:"owner_id"`
	State         State           `json:"state"`
	Count         int             `json:"count"`
	MaxRetryCount int             `json:"max_retry_count"`
	RetryInterval time.Duration   `json:"retry_interval"`
	CreatedAt     time.Time       `json:"created_at"`
	RunAt         time.Time       `json:"run_at"`
	ObtainedAt    *time.Time      `json:"obtained_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
}

// Claimed reports whether a worker currently holds the record.
func (p *PendingChange) Claimed() bool {
	return p.ObtainedAt != nil
}

// Eligible reports whether the record may be claimed at now by a worker that
// must avoid the excluded resources.
func (p *PendingChange) Eligible(now time.Time, excluded map[string]struct{}) bool {
	if p.ObtainedAt != nil || !p.State.Claimable() || p.RunAt.After(now) {
		return false
	}
	for _, r := range p.Resources {
		if _, ok := excluded[r]; ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so stores never share memory with callers.
func (p *PendingChange) Clone() *PendingChange {
	if p == nil {
		return nil
	}
	c := *p
	if p.Payload != nil {
		c.Payload = append(json.RawMessage(nil), p.Payload...)
	}
	if p.Resources != nil {
		c.Resources = append([]string(nil), p.Resources...)
	}
	if p.ObtainedAt != nil {
		t := *p.ObtainedAt
		c.ObtainedAt = &t
	}
	if p.LastError != nil {
		s := *p.LastError
		c.LastError = &s
	}
	return &c
}

// Attempt is the history entry of one execution attempt. Attempts outlive the
// change itself, which is deleted once finished.
type Attempt struct {
	ID         uuid.UUID `json:"id"`
	ChangeID   uuid.UUID `json:"change_id"`
	Attempt    int       `json:"attempt"`
	Result     string    `json:"result"`
	Error      *string   `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
