package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/flexiblepower/defpi-core-sub002/internal/observability"
	"github.com/nats-io/nats.go"
)

const (
	SubjectFinished = "changes.finished"
	SubjectRetry    = "changes.retry"
	SubjectFailed   = "changes.failed"
)

// Event describes the outcome of one execution attempt.
type Event struct {
	ChangeID    string       `json:"change_id"`
	Kind        string       `json:"kind"`
	Description string       `json:"description"`
	OwnerID     string       `json:"owner_id,omitempty"`
	State       change.State `json:"state"`
	Attempt     int          `json:"attempt"`
	Error       string       `json:"error,omitempty"`
	NextRunAt   *time.Time   `json:"next_run_at,omitempty"`
	At          time.Time    `json:"at"`
}

// Subject maps the resulting state of an attempt to the subject it is
// published on.
func Subject(state change.State) string {
	switch state {
	case change.StateFinished:
		return SubjectFinished
	case change.StateFailedTemporary:
		return SubjectRetry
	default:
		return SubjectFailed
	}
}

type Config struct {
	NATSURL    string
	StreamName string
	MaxAge     time.Duration
}

type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	p, err := NewWithConn(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// NewWithConn publishes over an existing connection. The caller keeps
// ownership of nc.
func NewWithConn(ctx context.Context, nc *nats.Conn, cfg Config) (*Publisher, error) {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	p := &Publisher{nc: nc, js: js, cfg: cfg}
	if err := p.ensureStream(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

func (p *Publisher) JetStream() nats.JetStreamContext {
	return p.js
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	desired := []string{SubjectFinished, SubjectRetry, SubjectFailed}

	// If stream exists: merge subjects safely and update only if needed.
	if info, err := p.js.StreamInfo(p.cfg.StreamName, nats.Context(ctx)); err == nil && info != nil {
		merged, changed := mergeSubjects(info.Config.Subjects, desired)
		if !changed {
			return nil
		}

		sc := info.Config
		sc.Subjects = merged
		sc.Name = p.cfg.StreamName

		if _, err := p.js.UpdateStream(&sc, nats.Context(ctx)); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	sc := &nats.StreamConfig{
		Name:      p.cfg.StreamName,
		Subjects:  desired,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    p.cfg.MaxAge,
	}
	if _, err := p.js.AddStream(sc, nats.Context(ctx)); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func mergeSubjects(existing, desired []string) ([]string, bool) {
	set := make(map[string]struct{}, len(existing)+len(desired))
	out := make([]string, 0, len(existing)+len(desired))

	// keep existing order
	for _, s := range existing {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}

	changed := false
	for _, s := range desired {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
		changed = true
	}

	return out, changed
}

// Publish sends the event on the subject of its state, carrying the trace
// context of ctx in the message header.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(Subject(ev.State))
	msg.Data = b
	msg.Header = observability.InjectTrace(ctx)
	msg.Header.Set("change_id", ev.ChangeID)

	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	return err
}
