package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/config"
	"github.com/flexiblepower/defpi-core-sub002/internal/events"
	"github.com/flexiblepower/defpi-core-sub002/internal/logging"
	"github.com/flexiblepower/defpi-core-sub002/internal/observability"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// event-reader tails change lifecycle events for operators. By default it
// follows permanently failed changes; EVENT_SUBJECT selects another subject.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Service: "defpi-event-reader", Console: true})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	subject := os.Getenv("EVENT_SUBJECT")
	if subject == "" {
		subject = events.SubjectFailed
	}

	pub, err := events.New(context.Background(), events.Config{
		NATSURL:    cfg.NATSURL,
		StreamName: cfg.NATSStreamName,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer pub.Close()

	js := pub.JetStream()

	sub, err := js.PullSubscribe(subject, "event-reader",
		nats.BindStream(cfg.NATSStreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		logger.Fatal("pull subscribe failed", zap.Error(err))
	}

	logger.Info("listening for change events", zap.String("subject", subject))

	for {
		msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			logger.Fatal("fetch failed", zap.Error(err))
		}

		for _, m := range msgs {
			var ev events.Event
			if err := json.Unmarshal(m.Data, &ev); err != nil {
				logger.Error("bad event JSON", zap.Error(err))
				_ = m.Ack()
				continue
			}

			ctx := observability.ExtractTrace(context.Background(), m)
			sc := trace.SpanContextFromContext(ctx)

			fields := []zap.Field{
				zap.String("change_id", ev.ChangeID),
				zap.String("kind", ev.Kind),
				zap.String("description", ev.Description),
				zap.String("state", string(ev.State)),
				zap.Int("attempt", ev.Attempt),
				zap.Time("at", ev.At),
			}
			if ev.OwnerID != "" {
				fields = append(fields, zap.String("owner_id", ev.OwnerID))
			}
			if ev.Error != "" {
				fields = append(fields, zap.String("error", ev.Error))
			}
			if ev.NextRunAt != nil {
				fields = append(fields, zap.Time("next_run_at", *ev.NextRunAt))
			}
			if sc.HasTraceID() {
				fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
			}
			logger.Info("change event", fields...)

			_ = m.Ack()
		}
	}
}
