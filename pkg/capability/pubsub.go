package capability

import (
	"context"
	"sync"
	"time"
)

// Message is one pub/sub delivery. Seq is per-topic monotonic.
type Message struct {
	Topic       string    `json:"topic"`
	Seq         uint64    `json:"seq"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// Subscription is a live feed of messages for one topic.
type Subscription interface {
	// C delivers messages in topic order. The channel closes when the
	// subscription is closed.
	C() <-chan Message

	// Close stops delivery and releases resources.
	Close()
}

// PubSub provides at-least-once topic delivery with replay from a sequence.
// Subscribing from seq 1 replays the full retained history before live
// messages; subscribing from 0 means "live only from now".
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, fromSeq uint64) (Subscription, error)
}

// MemoryPubSub is the reference PubSub: full in-process history retention
// plus fan-out to live subscribers.
type MemoryPubSub struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	clock  func() time.Time
}

type memTopic struct {
	history []Message
	subs    map[*memSub]struct{}
}

type memSub struct {
	ch     chan Message
	parent *MemoryPubSub
	topic  string
	once   sync.Once
}

func (s *memSub) C() <-chan Message { return s.ch }

func (s *memSub) Close() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		if t := s.parent.topics[s.topic]; t != nil {
			delete(t.subs, s)
		}
		s.parent.mu.Unlock()
		close(s.ch)
	})
}

// NewMemoryPubSub creates an empty in-memory pub/sub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{topics: make(map[string]*memTopic), clock: time.Now}
}

func (p *MemoryPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.topics[topic]
	if t == nil {
		t = &memTopic{subs: make(map[*memSub]struct{})}
		p.topics[topic] = t
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	msg := Message{
		Topic:       topic,
		Seq:         uint64(len(t.history)) + 1,
		Payload:     cp,
		PublishedAt: p.clock().UTC(),
	}
	t.history = append(t.history, msg)

	for sub := range t.subs {
		select {
		case sub.ch <- msg:
		default:
			// A subscriber that cannot keep up is cut off instead of
			// silently missing messages; its channel closes and it can
			// resubscribe with replay from its last seq.
			delete(t.subs, sub)
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	return nil
}

func (p *MemoryPubSub) Subscribe(ctx context.Context, topic string, fromSeq uint64) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.topics[topic]
	if t == nil {
		t = &memTopic{subs: make(map[*memSub]struct{})}
		p.topics[topic] = t
	}

	sub := &memSub{
		ch:     make(chan Message, 256+len(t.history)),
		parent: p,
		topic:  topic,
	}

	if fromSeq > 0 {
		for _, msg := range t.history {
			if msg.Seq >= fromSeq {
				sub.ch <- msg
			}
		}
	}
	t.subs[sub] = struct{}{}
	return sub, nil
}
