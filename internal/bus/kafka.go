package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrRequestUnsupported is returned by KafkaBus.Request. Kafka has no native
// request-reply; use NATS or the channel bus for that.
var ErrRequestUnsupported = errors.New("request-reply is not supported on kafka")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus implements EventBus on Kafka. Topics are used as-is; the tenant
// travels as the message key and in the envelope, and consumers drop other
// tenants' messages.
type KafkaBus struct {
	mu            sync.Mutex
	brokers       []string
	groupID       string
	writer        messageWriter
	newReader     func(topic, groupID string) messageReader
	subscriptions map[string]*kafkaSubscription
	closed        bool
}

type kafkaSubscription struct {
	id       string
	tenantID string
	topic    string
	reader   messageReader
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewKafkaBus creates a Kafka-backed event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "kestrel"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}

	brokers := cfg.KafkaBrokers
	return newKafkaBus(brokers, groupID, writer, func(topic, group string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}), nil
}

func newKafkaBus(brokers []string, groupID string, w messageWriter, newReader func(topic, groupID string) messageReader) *KafkaBus {
	return &KafkaBus{
		brokers:       brokers,
		groupID:       groupID,
		writer:        w,
		newReader:     newReader,
		subscriptions: make(map[string]*kafkaSubscription),
	}
}

// Publish writes a message envelope to the topic keyed by tenant.
func (b *KafkaBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(tenantID),
		Value: data,
	})
}

// Subscribe starts a consumer group reader for the topic. Work topics share
// one group per tenant so each message is handled once across replicas;
// every other subscription gets a private group and sees every message.
func (b *KafkaBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	id := uuid.New().String()
	group := b.groupID + "." + tenantID + "." + topic
	if !domain.IsWorkTopic(topic) {
		group += "." + id
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:       id,
		tenantID: tenantID,
		topic:    topic,
		reader:   b.newReader(topic, group),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	b.subscriptions[sub.id] = sub

	go sub.consume(subCtx, handler)
	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				slog.Error("kafka fetch failed", "topic", s.topic, "error", err)
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			slog.Error("failed to unmarshal kafka message",
				"topic", m.Topic,
				"offset", m.Offset,
				"error", err,
			)
		} else if msg.TenantID == s.tenantID {
			if err := handler(ctx, &msg); err != nil {
				slog.Error("handler error",
					"topic", m.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Warn("kafka commit failed", "topic", m.Topic, "offset", m.Offset, "error", err)
		}
	}
}

// Request is not supported on Kafka.
func (b *KafkaBus) Request(context.Context, string, string, []byte) ([]byte, error) {
	return nil, ErrRequestUnsupported
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no kafka brokers configured")
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

// Close stops every consumer and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return b.writer.Close()
}

// Unsubscribe stops the consumer and closes its reader.
func (s *kafkaSubscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
