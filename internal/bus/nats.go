package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/harrier/internal/domain"
)

// subjectPrefix roots every NATS subject.
const subjectPrefix = "harrier"

// NATSBus implements EventBus on NATS core subjects.
type NATSBus struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	config        domain.EventBusConfig
}

type natsSubscription struct {
	bus   *NATSBus
	id    string
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS, retrying the initial dial with exponential
// backoff up to NATSMaxReconnects attempts.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	opts := []nats.Option{
		nats.Name("harrier"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = wait

	attempt := 0
	conn, err := backoff.RetryNotifyWithData(func() (*nats.Conn, error) {
		attempt++
		return nats.Connect(cfg.NATSUrl, opts...)
	}, backoff.WithMaxRetries(policy, uint64(cfg.NATSMaxReconnects-1)), func(err error, next time.Duration) {
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"retry_in", next,
			"error", err,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to NATS after %d attempts: %w", domain.ErrConnectivity, attempt, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
		config:        cfg,
	}, nil
}

func (b *NATSBus) encode(caseID, topic string, payload []byte) ([]byte, error) {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Publish sends a message to the subject of (caseID, topic).
func (b *NATSBus) Publish(ctx context.Context, caseID string, topic string, payload []byte) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	data, err := b.encode(caseID, topic, payload)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(Subject(caseID, topic), data); err != nil {
		return fmt.Errorf("%w: publish: %w", domain.ErrConnectivity, err)
	}
	return nil
}

// Subscribe registers a handler for the subject of (caseID, topic).
func (b *NATSBus) Subscribe(ctx context.Context, caseID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	subject := Subject(caseID, topic)

	natsSub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("failed to unmarshal NATS message",
				"subject", m.Subject,
				"error", err,
			)
			return
		}
		if m.Reply != "" {
			msg.Metadata = ensure(msg.Metadata)
			msg.Metadata["reply_to"] = m.Reply
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", domain.ErrConnectivity, subject, err)
	}

	sub := &natsSubscription{
		bus:   b,
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Request sends a message and waits for the reply payload.
func (b *NATSBus) Request(ctx context.Context, caseID string, topic string, payload []byte) ([]byte, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	data, err := b.encode(caseID, topic, payload)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}
	reply, err := b.conn.RequestWithContext(ctx, Subject(caseID, topic), data)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", domain.ErrConnectivity, err)
	}

	var replyMsg domain.Message
	if err := json.Unmarshal(reply.Data, &replyMsg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	return replyMsg.Payload, nil
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("%w: NATS not connected", domain.ErrConnectivity)
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains nothing; it unsubscribes and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscriptions {
		_ = sub.sub.Unsubscribe()
	}
	b.subscriptions = make(map[string]*natsSubscription)

	b.conn.Close()
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// Subject maps a case topic to a NATS subject. The "harrier." prefix of
// topic is not repeated: TopicAlert on case c1 is "harrier.c1.alert".
func Subject(caseID, topic string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, caseID, strings.TrimPrefix(topic, subjectPrefix+"."))
}

func ensure(m map[string]string) map[string]string {
	if m == nil {
		return make(map[string]string)
	}
	return m
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
