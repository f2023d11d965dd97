package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// fakeKafka records written messages and feeds them to readers by topic.
type fakeKafka struct {
	mu      sync.Mutex
	written []kafka.Message
	feeds   map[string][]chan kafka.Message
	groups  []string
	commits int
}

func newFakeKafka() *fakeKafka {
	return &fakeKafka{feeds: make(map[string][]chan kafka.Message)}
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.written = append(f.written, m)
		for _, ch := range f.feeds[m.Topic] {
			ch <- m
		}
	}
	return nil
}

func (f *fakeKafka) Close() error { return nil }

func (f *fakeKafka) reader(topic, group string) messageReader {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, group)
	ch := make(chan kafka.Message, 16)
	f.feeds[topic] = append(f.feeds[topic], ch)
	return &fakeReader{kafka: f, ch: ch}
}

type fakeReader struct {
	kafka *fakeKafka
	ch    chan kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.kafka.mu.Lock()
	r.kafka.commits += len(msgs)
	r.kafka.mu.Unlock()
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaBusPublish(t *testing.T) {
	fk := newFakeKafka()
	bus := newKafkaBus([]string{"localhost:9092"}, "kestrel", fk, fk.reader)
	defer bus.Close()

	if err := bus.Publish(context.Background(), "tenant-001", domain.TopicAlert, []byte("alert")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(fk.written) != 1 {
		t.Fatalf("expected 1 written message, got %d", len(fk.written))
	}
	m := fk.written[0]
	if m.Topic != domain.TopicAlert || string(m.Key) != "tenant-001" {
		t.Errorf("unexpected topic/key %s/%s", m.Topic, m.Key)
	}

	var env domain.Message
	if err := json.Unmarshal(m.Value, &env); err != nil {
		t.Fatalf("value is not an envelope: %v", err)
	}
	if env.TenantID != "tenant-001" || string(env.Payload) != "alert" {
		t.Errorf("unexpected envelope %+v", env)
	}

	if err := bus.Publish(context.Background(), "", domain.TopicAlert, nil); err == nil {
		t.Error("expected error for empty tenant")
	}
}

func TestKafkaBusSubscribe(t *testing.T) {
	fk := newFakeKafka()
	bus := newKafkaBus([]string{"localhost:9092"}, "kestrel", fk, fk.reader)
	defer bus.Close()
	ctx := context.Background()

	got := make(chan *domain.Message, 4)
	sub, err := bus.Subscribe(ctx, "tenant-001", domain.TopicRingDetected, func(ctx context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if sub.Topic() != domain.TopicRingDetected {
		t.Errorf("unexpected topic %s", sub.Topic())
	}

	_ = bus.Publish(ctx, "tenant-other", domain.TopicRingDetected, []byte("theirs"))
	_ = bus.Publish(ctx, "tenant-001", domain.TopicRingDetected, []byte("ours"))

	select {
	case msg := <-got:
		if string(msg.Payload) != "ours" {
			t.Errorf("received another tenant's message: %s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	fk.mu.Lock()
	commits := fk.commits
	fk.mu.Unlock()
	if commits != 2 {
		t.Errorf("expected both messages committed, got %d", commits)
	}
}

func TestKafkaBusRequestUnsupported(t *testing.T) {
	fk := newFakeKafka()
	bus := newKafkaBus(nil, "kestrel", fk, fk.reader)

	if _, err := bus.Request(context.Background(), "t", "x", nil); !errors.Is(err, ErrRequestUnsupported) {
		t.Errorf("expected ErrRequestUnsupported, got %v", err)
	}

	_ = bus.Close()
	if err := bus.Publish(context.Background(), "t", "x", nil); err == nil {
		t.Error("expected publish error after close")
	}
}

func TestKafkaBusConsumerGroups(t *testing.T) {
	fk := newFakeKafka()
	bus := newKafkaBus([]string{"localhost:9092"}, "kestrel", fk, fk.reader)
	defer bus.Close()
	ctx := context.Background()
	noop := func(context.Context, *domain.Message) error { return nil }

	for i := 0; i < 2; i++ {
		if _, err := bus.Subscribe(ctx, "tenant-001", domain.TopicAnalysisRequested, noop); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := bus.Subscribe(ctx, "tenant-001", domain.TopicAlert, noop); err != nil {
			t.Fatal(err)
		}
	}

	fk.mu.Lock()
	groups := append([]string(nil), fk.groups...)
	fk.mu.Unlock()

	want := "kestrel.tenant-001." + domain.TopicAnalysisRequested
	if groups[0] != want || groups[1] != want {
		t.Errorf("expected work subscribers to share group %s, got %v", want, groups[:2])
	}
	if groups[2] == groups[3] {
		t.Errorf("expected fan-out subscribers in separate groups, got %s twice", groups[2])
	}
}
