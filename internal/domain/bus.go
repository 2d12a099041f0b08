package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// Messages are scoped by caseID.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, caseID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, caseID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, caseID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	CaseID    string            `json:"caseId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"nats_url"`
	NATSToken         string `json:"-" yaml:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"nats_reconnect_wait"` // seconds
}

// Standard topic names for the case pipeline.
const (
	TopicBuildRequested = "harrier.build.requested"
	TopicBuildCompleted = "harrier.build.completed"
	TopicHypothesis     = "harrier.hypothesis"
	TopicAlert          = "harrier.alert"
)

// DispatchCaseID scopes build requests that any worker may pick up. The
// case to build travels in the payload.
const DispatchCaseID = "_dispatch"

// BuildRequest is the payload of TopicBuildRequested.
type BuildRequest struct {
	CaseID  string `json:"caseId"`
	TraceID string `json:"traceId,omitempty"`

	// Incremental builds only read rows updated since the last watermark
	Incremental bool `json:"incremental"`
}

// BuildResult is the payload of TopicBuildCompleted. IdentityPairs counts
// contact pairs once accounts are folded into identities; Dropped counts
// accounts the resolver ignored for lack of a platform.
type BuildResult struct {
	CaseID        string       `json:"caseId"`
	Accounts      int          `json:"accounts"`
	Identities    int          `json:"identities"`
	Merges        int          `json:"merges"`
	ContactEdges  int          `json:"contactEdges"`
	IdentityPairs int          `json:"identityPairs"`
	Dropped       int          `json:"dropped"`
	Skipped       BatchSummary `json:"skipped"`
	Incremental   bool         `json:"incremental"`
	DurationMs    int64        `json:"durationMs"`
	Error         string       `json:"error,omitempty"`
}
