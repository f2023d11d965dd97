package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MetaReplyTo is the metadata key carrying the reply topic of a request.
// Responders answer by publishing to that topic.
const MetaReplyTo = "reply_to"

const channelRequestTimeout = 30 * time.Second

// ChannelBus is the in-process EventBus of the community tier. Every
// subscriber owns a buffered inbox drained by one goroutine; publishing never
// blocks, a full inbox loses the message and counts it in Dropped.
//
// Work topics (domain.IsWorkTopic) hand each message to a single subscriber,
// rotating across subscribers and skipping full inboxes. Other topics fan out.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[string]*topicSubscribers
	closed     bool
	dropped    atomic.Int64
}

type topicSubscribers struct {
	work bool
	next atomic.Uint64
	subs []*inbox
}

type inbox struct {
	key    string
	topic  string
	ch     chan *domain.Message
	cancel context.CancelFunc
	bus    *ChannelBus
	once   sync.Once
}

// NewChannelBus creates a channel bus with the given inbox size.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string]*topicSubscribers),
	}
}

func routeKey(tenantID, topic string) string {
	return tenantID + "|" + topic
}

// Publish delivers a message to the tenant's subscribers of topic.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return b.deliver(newMessage(tenantID, topic, payload))
}

func (b *ChannelBus) deliver(msg *domain.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	ts := b.topics[routeKey(msg.TenantID, msg.Topic)]
	if ts == nil || len(ts.subs) == 0 {
		return nil
	}
	if ts.work {
		start := int(ts.next.Add(1)-1) % len(ts.subs)
		for i := range ts.subs {
			if ts.subs[(start+i)%len(ts.subs)].offer(msg) {
				return nil
			}
		}
		b.dropped.Add(1)
		return nil
	}
	for _, in := range ts.subs {
		if !in.offer(msg) {
			b.dropped.Add(1)
		}
	}
	return nil
}

func (in *inbox) offer(msg *domain.Message) bool {
	select {
	case in.ch <- msg:
		return true
	default:
		return false
	}
}

// Subscribe starts a goroutine that feeds the tenant's messages on topic to
// handler until the subscription, ctx or the bus ends.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	in := &inbox{
		key:    routeKey(tenantID, topic),
		topic:  topic,
		ch:     make(chan *domain.Message, b.bufferSize),
		cancel: cancel,
		bus:    b,
	}
	ts := b.topics[in.key]
	if ts == nil {
		ts = &topicSubscribers{work: domain.IsWorkTopic(topic)}
		b.topics[in.key] = ts
	}
	ts.subs = append(ts.subs, in)

	go in.run(subCtx, handler)
	return in, nil
}

func (in *inbox) run(ctx context.Context, handler domain.MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in.ch:
			if err := handler(ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", in.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request publishes a message carrying a private reply topic and waits for
// the first answer on it.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	replies := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()
	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(_ context.Context, msg *domain.Message) error {
		select {
		case replies <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	msg := newMessage(tenantID, topic, payload)
	msg.Metadata[MetaReplyTo] = replyTopic
	if err := b.deliver(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(channelRequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request on %s timed out", topic)
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops every subscriber. Buffered messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ts := range b.topics {
		for _, in := range ts.subs {
			in.cancel()
		}
	}
	b.topics = make(map[string]*topicSubscribers)
	return nil
}

// Dropped returns how many messages found no inbox with room.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

// Unsubscribe stops the inbox goroutine and detaches it from the bus.
func (in *inbox) Unsubscribe() error {
	in.once.Do(func() {
		in.cancel()
		b := in.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		ts := b.topics[in.key]
		if ts == nil {
			return
		}
		for i, s := range ts.subs {
			if s == in {
				ts.subs = append(ts.subs[:i:i], ts.subs[i+1:]...)
				break
			}
		}
		if len(ts.subs) == 0 {
			delete(b.topics, in.key)
		}
	})
	return nil
}

// Topic returns the subscribed topic.
func (in *inbox) Topic() string {
	return in.topic
}
