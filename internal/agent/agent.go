// Package agent sends infrastructure commands to the node agents that own
// processes and connections.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/flexiblepower/defpi-core-sub002/internal/observability"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	SubjectPrefix  = "agent."
	DefaultTimeout = 10 * time.Second
)

// Command is one instruction for an agent. Op selects the subject.
type Command struct {
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

// Reply is what an agent answers. Retryable tells whether the same command may
// succeed later.
type Reply struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable"`
}

type Commander interface {
	Send(ctx context.Context, cmd Command) error
}

// Client is a Commander over NATS request/reply.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  *zap.Logger
}

func NewClient(nc *nats.Conn, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{nc: nc, timeout: timeout, logger: logger}
}

func Subject(op string) string {
	return SubjectPrefix + op
}

// Send delivers cmd and waits for the agent's reply. Transport failures and
// timeouts are temporary; a rejection the agent marks as not retryable is
// wrapped with change.Permanent.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	if cmd.Op == "" {
		return change.Permanent(errors.New("agent command without op"))
	}

	tr := otel.Tracer(observability.TracerAgent)
	ctx, span := tr.Start(ctx, "defpi.agent.request")
	defer span.End()
	span.SetAttributes(attribute.String("agent.op", cmd.Op))

	b, err := json.Marshal(cmd)
	if err != nil {
		return change.Permanent(fmt.Errorf("encode agent command: %w", err))
	}

	msg := nats.NewMsg(Subject(cmd.Op))
	msg.Data = b
	msg.Header = observability.InjectTrace(ctx)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("agent %s: %w", cmd.Op, err)
	}

	err = DecodeReply(cmd.Op, resp.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		c.logger.Warn("agent rejected command",
			zap.String("op", cmd.Op),
			zap.Bool("permanent", change.IsPermanent(err)),
			zap.Error(err),
		)
	}
	return err
}

// DecodeReply turns a raw agent reply into the error a change returns.
func DecodeReply(op string, data []byte) error {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("agent %s: decode reply: %w", op, err)
	}
	if r.OK {
		return nil
	}

	msg := r.Error
	if msg == "" {
		msg = "command rejected"
	}
	err := fmt.Errorf("agent %s: %s", op, msg)
	if !r.Retryable {
		return change.Permanent(err)
	}
	return err
}
