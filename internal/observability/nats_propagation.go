package observability

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// NATSHeaderCarrier adapts nats.Header to the OpenTelemetry TextMapCarrier interface.
type NATSHeaderCarrier struct {
	H nats.Header
}

func (c NATSHeaderCarrier) Get(key string) string {
	return c.H.Get(key)
}

func (c NATSHeaderCarrier) Set(key string, value string) {
	c.H.Set(key, value)
}

func (c NATSHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.H))
	for k := range c.H {
		keys = append(keys, k)
	}
	return keys
}

// InjectTrace returns a header carrying the span context of ctx.
func InjectTrace(ctx context.Context) nats.Header {
	hdr := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, NATSHeaderCarrier{H: hdr})
	return hdr
}

// ExtractTrace continues the trace recorded in a message header, if any.
func ExtractTrace(ctx context.Context, m *nats.Msg) context.Context {
	if m == nil || m.Header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, NATSHeaderCarrier{H: m.Header})
}
