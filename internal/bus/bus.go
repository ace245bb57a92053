// Package bus carries trades into the engine and alerts out of it, either
// in-process over channels or across nodes over NATS.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// New creates the bus named by cfg.Type: "channel" (default) or "nats".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported event bus type: %s", domain.ErrConfiguration, cfg.Type)
	}
}

// envelope wraps payload and injects the trace context of ctx, so a trade
// queued by an HTTP request is analyzed under the same trace.
func envelope(ctx context.Context, topic string, payload []byte) *domain.Message {
	meta := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(meta))
	return &domain.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  meta,
		Timestamp: time.Now().UnixNano(),
	}
}

// deliveryContext restores the publisher's trace context onto ctx.
func deliveryContext(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
}
