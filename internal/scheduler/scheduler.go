// Package scheduler runs pending changes on a fixed pool of workers.
//
// A worker claims the oldest eligible change from the store, holds the
// change's resources in an in-memory lock set while it executes, and then
// finishes, reschedules or permanently fails it. Two changes that share a
// resource never execute at the same time within one Manager. The lock set is
// not shared between processes, so a deployment must run a single Manager per
// store.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/flexiblepower/defpi-core-sub002/internal/events"
	"github.com/flexiblepower/defpi-core-sub002/internal/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Defaults used when the matching option is not given.
const (
	DefaultWorkers         = 16
	DefaultPollInterval    = 5 * time.Second
	DefaultStaleClaimAfter = time.Hour

	releaseTimeout = 10 * time.Second
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Store is the durable record of every pending change.
type Store interface {
	Save(ctx context.Context, p *change.PendingChange) error
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*change.PendingChange, error)
	// ClaimNext atomically marks the eligible change with the smallest
	// (RunAt, CreatedAt) as obtained at now and returns it. Changes touching
	// any excluded resource are skipped. It returns nil when nothing is
	// eligible.
	ClaimNext(ctx context.Context, now time.Time, excluded []string) (*change.PendingChange, error)
	List(ctx context.Context, params change.ListParams) ([]change.PendingChange, error)
	Count(ctx context.Context, filter change.Filter) (int, error)
	CleanupStale(ctx context.Context, staleBefore time.Time) (change.CleanupSummary, error)
	ReleaseClaims(ctx context.Context, before time.Time) (int, error)
}

// AttemptRecorder is implemented by stores that keep a per-attempt history.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a change.Attempt) error
	ListAttempts(ctx context.Context, changeID uuid.UUID, limit int) ([]change.Attempt, error)
}

// EventSink receives one event per finished attempt.
type EventSink interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker sleeps before it looks
// for work again.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithExecutionTimeout bounds every Execute call. A timed out attempt counts
// as a temporary failure. Zero disables the bound.
func WithExecutionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.execTimeout = d
		}
	}
}

// WithStaleClaimAfter sets the age after which Cleanup releases a claim.
func WithStaleClaimAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleClaimAfter = d
		}
	}
}

// WithEvents publishes attempt outcomes to sink.
func WithEvents(sink EventSink) Option {
	return func(m *Manager) { m.events = sink }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type Manager struct {
	store    Store
	registry *change.Registry
	logger   *zap.Logger
	events   EventSink

	workers         int
	pollInterval    time.Duration
	execTimeout     time.Duration
	staleClaimAfter time.Duration
	now             func() time.Time

	// mu guards locked and wake, and serializes the claim step.
	mu sync.Mutex
	// locked maps a resource to the change holding it.
	locked map[string]uuid.UUID
	// wake is closed and replaced to wake every idle worker at once.
	wake chan struct{}

	started atomic.Bool
	wg      sync.WaitGroup
}

func New(store Store, registry *change.Registry, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:           store,
		registry:        registry,
		logger:          logger,
		workers:         DefaultWorkers,
		pollInterval:    DefaultPollInterval,
		staleClaimAfter: DefaultStaleClaimAfter,
		now:             time.Now,
		locked:          make(map[string]uuid.UUID),
		wake:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start releases claims left behind by a previous instance and launches the
// worker pool. Workers stop once ctx is cancelled and their current change
// has been released; Wait blocks until then.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	n, err := m.store.ReleaseClaims(ctx, m.now())
	if err != nil {
		m.logger.Warn("release orphaned claims failed", zap.Error(err))
	} else if n > 0 {
		m.logger.Info("released orphaned claims", zap.Int("count", n))
	}

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}

	m.logger.Info("scheduler started",
		zap.Int("workers", m.workers),
		zap.Duration("poll_interval", m.pollInterval),
		zap.Duration("execution_timeout", m.execTimeout),
	)
	return nil
}

func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit persists a change and wakes idle workers. The returned record is the
// state at submission; completion is observed through Get, List or Count.
func (m *Manager) Submit(ctx context.Context, c change.Change, sched change.Schedule) (*change.PendingChange, error) {
	rec, err := m.newRecord(c, sched)
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save change: %w", err)
	}

	observability.ChangesSubmittedTotal.WithLabelValues(rec.Kind).Inc()
	m.logger.Info("change submitted",
		zap.String("change_id", rec.ID.String()),
		zap.String("kind", rec.Kind),
		zap.Strings("resources", rec.Resources),
		zap.Time("run_at", rec.RunAt),
		zap.String("owner_id", rec.OwnerID),
	)

	m.signal()
	return rec, nil
}

func (m *Manager) newRecord(c change.Change, sched change.Schedule) (rec *change.PendingChange, err error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil change", change.ErrInvalidChange)
	}
	// A change that cannot describe itself cannot be run safely.
	defer func() {
		if r := recover(); r != nil {
			rec, err = nil, fmt.Errorf("%w: %v", change.ErrInvalidChange, r)
		}
	}()

	kind := c.Kind()
	if _, ok := m.registry.Get(kind); !ok {
		return nil, fmt.Errorf("%w: %q", change.ErrUnknownKind, kind)
	}
	if v, ok := c.(change.Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", change.ErrInvalidChange, err)
		}
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", change.ErrInvalidChange, err)
	}

	interval := c.RetryInterval()
	if sched.RetryInterval > 0 {
		interval = sched.RetryInterval
	}
	if interval < 0 {
		interval = 0
	}
	maxRetries := c.MaxRetryCount()
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := sched.Delay
	if delay < 0 {
		delay = 0
	}

	now := m.now()
	return &change.PendingChange{
		ID:            uuid.New(),
		Kind:          kind,
		Payload:       payload,
		Resources:     normalizeResources(c.Resources()),
		Description:   c.Description(),
		OwnerID:       sched.OwnerID,
		State:         change.StateNew,
		MaxRetryCount: maxRetries,
		RetryInterval: interval,
		CreatedAt:     now,
		RunAt:         now.Add(delay),
	}, nil
}

func normalizeResources(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	log := m.logger.With(zap.Int("worker", n))

	for {
		if ctx.Err() != nil {
			return
		}

		p, wake, err := m.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.ClaimErrorsTotal.Inc()
			log.Warn("claim failed", zap.Error(err))
		}

		if p == nil {
			timer := time.NewTimer(m.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-wake:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		m.run(ctx, log, p)
	}
}

// run executes one claimed change and releases it. It never lets a failure of
// the change escape into the worker.
func (m *Manager) run(ctx context.Context, log *zap.Logger, p *change.PendingChange) {
	tr := otel.Tracer(observability.TracerScheduler)
	ctx, span := tr.Start(ctx, "defpi.change.execute")
	defer span.End()

	attempt := p.Count + 1
	span.SetAttributes(
		attribute.String("change.id", p.ID.String()),
		attribute.String("change.kind", p.Kind),
		attribute.StringSlice("change.resources", p.Resources),
		attribute.Int("change.attempt", attempt),
	)

	log = log.With(
		zap.String("change_id", p.ID.String()),
		zap.String("kind", p.Kind),
		zap.Int("attempt", attempt),
	)

	var (
		execErr error
		pending <-chan struct{}
	)
	started := time.Now()
	c, err := m.registry.Decode(p)
	if err != nil {
		execErr = change.Permanent(fmt.Errorf("decode change: %w", err))
	} else {
		log.Debug("executing change", zap.String("description", p.Description))
		pending, execErr = m.execute(ctx, c)
	}
	finished := time.Now()
	observability.ChangeDuration.WithLabelValues(p.Kind).Observe(finished.Sub(started).Seconds())

	result := change.ResultOf(execErr)
	applyResult(p, result, execErr)
	observability.ChangeAttemptsTotal.WithLabelValues(p.Kind, result.String()).Inc()

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, result.String())
	}
	span.SetAttributes(attribute.String("change.state", string(p.State)))

	m.release(ctx, log, p, pending)
	m.recordAttempt(ctx, log, p, result, started, finished)
	m.publish(ctx, log, p)

	switch p.State {
	case change.StateFinished:
		log.Info("change finished")
	case change.StateFailedTemporary:
		log.Warn("change failed, will retry",
			zap.Time("next_run_at", p.RunAt),
			zap.Error(execErr),
		)
	default:
		log.Error("change permanently failed",
			zap.Int("max_retry_count", p.MaxRetryCount),
			zap.Error(execErr),
		)
	}
}

// applyResult advances the record after one attempt. The next run is
// scheduled relative to the RunAt the change was claimed with, so the
// schedule does not drift by the execution time. A change claimed late gets
// a full interval from its claim time instead.
func applyResult(p *change.PendingChange, result change.Result, execErr error) {
	p.Count++
	switch {
	case result == change.Success:
		p.State = change.StateFinished
	case result == change.FailedTemporary && p.Count <= p.MaxRetryCount:
		p.State = change.StateFailedTemporary
		p.RunAt = nextRunAt(p)
	default:
		p.State = change.StateFailedPermanently
	}

	if execErr != nil {
		msg := execErr.Error()
		p.LastError = &msg
	} else {
		p.LastError = nil
	}
}

func nextRunAt(p *change.PendingChange) time.Time {
	next := p.RunAt.Add(p.RetryInterval)
	if p.ObtainedAt != nil && !next.After(*p.ObtainedAt) {
		next = p.ObtainedAt.Add(p.RetryInterval)
	}
	return next
}

// execute calls Execute outside any scheduler lock. Shutdown of the pool does
// not cancel a running change. When an execution timeout is configured and
// exceeded, the returned channel is closed once the abandoned call returns.
func (m *Manager) execute(ctx context.Context, c change.Change) (<-chan struct{}, error) {
	ctx = context.WithoutCancel(ctx)
	if m.execTimeout <= 0 {
		return nil, safeExecute(ctx, c)
	}

	ctx, cancel := context.WithTimeout(ctx, m.execTimeout)
	done := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		defer close(done)
		defer cancel()
		errc <- safeExecute(ctx, c)
	}()

	select {
	case err := <-errc:
		return nil, err
	case <-ctx.Done():
		select {
		case err := <-errc:
			return nil, err
		default:
		}
		return done, fmt.Errorf("execution exceeded %s: %w", m.execTimeout, ctx.Err())
	}
}

func safeExecute(ctx context.Context, c change.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = change.Permanent(fmt.Errorf("panic during execute: %v", r))
		}
	}()
	return c.Execute(ctx)
}

// release persists the outcome, then frees the resources. If the attempt was
// abandoned after a timeout, the record stays claimed and the resources stay
// held until Execute returns, so the change cannot run twice at once.
func (m *Manager) release(ctx context.Context, log *zap.Logger, p *change.PendingChange, pending <-chan struct{}) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	claimedAt := p.ObtainedAt
	if pending == nil {
		p.ObtainedAt = nil
	}
	var err error
	if p.State == change.StateFinished {
		err = m.store.Delete(rctx, p.ID)
		if errors.Is(err, change.ErrNotFound) {
			err = nil
		}
	} else {
		err = m.store.Save(rctx, p)
	}
	if err != nil {
		// The record keeps its claim in the store; Cleanup or a restart
		// releases it.
		log.Error("persist change outcome failed", zap.String("state", string(p.State)), zap.Error(err))
	}

	if pending == nil {
		m.unlock(p.ID, p.Resources)
		return
	}
	log.Warn("execution timed out, holding change until it returns", zap.Strings("resources", p.Resources))
	go m.releaseAbandoned(log, p.Clone(), claimedAt, pending)
}

// releaseAbandoned waits for a timed out Execute to return, then drops the
// claim it kept and frees the resources.
func (m *Manager) releaseAbandoned(log *zap.Logger, p *change.PendingChange, claimedAt *time.Time, pending <-chan struct{}) {
	<-pending
	defer m.unlock(p.ID, p.Resources)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	cur, err := m.store.Get(ctx, p.ID)
	if errors.Is(err, change.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("reload abandoned change failed", zap.Error(err))
		return
	}
	// A Cleanup may have released the claim and another worker taken it.
	if cur.ObtainedAt == nil || claimedAt == nil || !cur.ObtainedAt.Equal(*claimedAt) {
		return
	}
	cur.ObtainedAt = nil
	if err := m.store.Save(ctx, cur); err != nil {
		log.Error("release abandoned change failed", zap.Error(err))
		return
	}
	log.Info("abandoned execution returned, change released")
}

func (m *Manager) recordAttempt(ctx context.Context, log *zap.Logger, p *change.PendingChange, result change.Result, started, finished time.Time) {
	rec, ok := m.store.(AttemptRecorder)
	if !ok {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := rec.RecordAttempt(rctx, change.Attempt{
		ChangeID:   p.ID,
		Attempt:    p.Count,
		Result:     result.String(),
		Error:      p.LastError,
		StartedAt:  started,
		FinishedAt: finished,
	})
	if err != nil {
		log.Warn("record attempt failed", zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, log *zap.Logger, p *change.PendingChange) {
	if m.events == nil {
		return
	}
	ev := events.Event{
		ChangeID:    p.ID.String(),
		Kind:        p.Kind,
		Description: p.Description,
		OwnerID:     p.OwnerID,
		State:       p.State,
		Attempt:     p.Count,
		At:          m.now(),
	}
	if p.LastError != nil {
		ev.Error = *p.LastError
	}
	if p.State == change.StateFailedTemporary {
		next := p.RunAt
		ev.NextRunAt = &next
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := m.events.Publish(rctx, ev); err != nil {
		log.Warn("publish change event failed", zap.Error(err))
	}
}
