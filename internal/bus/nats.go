package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NATS header keys set on every published message.
const (
	HeaderTenant    = "Kestrel-Tenant"
	HeaderMessageID = "Kestrel-Message-Id"
)

const (
	defaultNATSQueue  = "kestrel-workers"
	natsReconnectBuf  = 8 * 1024 * 1024
	natsMaxRetryDelay = 30 * time.Second
)

// NATSBus implements EventBus on NATS. Subjects are kestrel.<tenant>.<topic>.
// Work topics are consumed through a queue group so that each analysis
// request reaches one worker replica; other topics fan out.
type NATSBus struct {
	conn  *nats.Conn
	queue string
}

// NewNATSBus connects to NATS, retrying with a doubling delay up to
// NATSMaxReconnects attempts.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	if cfg.NATSQueue == "" {
		cfg.NATSQueue = defaultNATSQueue
	}

	conn, err := connectNATS(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue", cfg.NATSQueue,
	)

	return &NATSBus{
		conn:  conn,
		queue: cfg.NATSQueue,
	}, nil
}

func connectNATS(cfg domain.EventBusConfig) (*nats.Conn, error) {
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(natsReconnectBuf),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			slog.Error("NATS async error", attrs...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var lastErr error
	delay := wait
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err := nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"retry_in", delay,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(delay)
			delay = min(delay*2, natsMaxRetryDelay)
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, lastErr)
}

// Publish sends the message envelope with tenant and message ID headers.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	msg, err := b.outgoing(tenantID, topic, payload)
	if err != nil {
		return err
	}
	return b.conn.PublishMsg(msg)
}

// Subscribe registers a handler. Messages whose tenant header does not match
// are dropped.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	subject := subjectFor(tenantID, topic)
	cb := func(m *nats.Msg) {
		if t := m.Header.Get(HeaderTenant); t != "" && t != tenantID {
			slog.Warn("dropping NATS message for foreign tenant", "subject", m.Subject, "tenant_id", t)
			return
		}
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("failed to unmarshal NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if domain.IsWorkTopic(topic) {
		sub, err = b.conn.QueueSubscribe(subject, b.queue, cb)
	} else {
		sub, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub, topic: topic}, nil
}

// Request sends a message and waits for the first reply, bounded by ctx.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	msg, err := b.outgoing(tenantID, topic, payload)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	reply, err := b.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("request on %s failed: %w", msg.Subject, err)
	}
	var envelope domain.Message
	if err := json.Unmarshal(reply.Data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	return envelope.Payload, nil
}

func (b *NATSBus) outgoing(tenantID, topic string, payload []byte) (*nats.Msg, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	env := newMessage(tenantID, topic, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	msg := nats.NewMsg(subjectFor(tenantID, topic))
	msg.Data = data
	msg.Header.Set(HeaderTenant, tenantID)
	msg.Header.Set(HeaderMessageID, env.ID)
	return msg, nil
}

// Ping flushes the connection to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection so in-flight handlers finish before it closes.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

func subjectFor(tenantID, topic string) string {
	return "kestrel." + tenantID + "." + topic
}

type natsSubscription struct {
	sub   *nats.Subscription
	topic string
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string { return s.topic }
