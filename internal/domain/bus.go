package domain

import "context"

// Topics carried on the event bus.
const (
	// TopicTradeIngested carries JSON trades queued for asynchronous
	// analysis. It is a work topic: across nodes each message is handled once.
	TopicTradeIngested = "kestrel.trade.ingested"

	// TopicAlert announces every created alert as JSON. Every subscriber on
	// every node receives it.
	TopicAlert = "kestrel.alert"

	// TopicTradeEvaluated announces every newly recorded trade as a JSON
	// TradeEvent once its rules have run. Every subscriber receives it.
	TopicTradeEvaluated = "kestrel.trade.evaluated"
)

// TradeEvent is the payload of TopicTradeEvaluated. Its fields are the
// trade's own plus the evaluation outcome.
type TradeEvent struct {
	Trade
	IsAlert bool `json:"is_alert"`
	Alerts  int  `json:"alerts"`
}

// IsWorkTopic reports whether subscribers of topic compete for messages
// instead of each receiving a copy.
func IsWorkTopic(topic string) bool {
	return topic == TopicTradeIngested
}

// EventBus moves trades into the engine and alerts out of it.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivery. Returned errors are logged by the
// bus; delivery is at-most-once.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope around a payload. Metadata carries trace context
// from publisher to handler.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Subscription is an active handler registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus.
type EventBusConfig struct {
	Type string // "channel" or "nats"

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup is the queue group work topics subscribe with so
	// engine nodes share ingestion instead of duplicating it.
	NATSQueueGroup string
}
