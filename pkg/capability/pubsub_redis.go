package capability

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub implements PubSub on Redis Streams. XADD with sequence-shaped
// IDs gives per-topic monotonic delivery and replayable history; XREAD with
// blocking polls gives live tailing.
type RedisPubSub struct {
	client *redis.Client
	prefix string
}

// NewRedisPubSub creates a stream-backed pub/sub from a Redis URL.
func NewRedisPubSub(url string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisPubSub{client: redis.NewClient(opts), prefix: "fabric:topic:"}, nil
}

// NewRedisPubSubFromClient wraps an existing client.
func NewRedisPubSubFromClient(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client, prefix: "fabric:topic:"}
}

// Ping checks connectivity, for health reporting.
func (p *RedisPubSub) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.prefix + topic,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (p *RedisPubSub) Subscribe(ctx context.Context, topic string, fromSeq uint64) (Subscription, error) {
	sub := &redisSub{
		ch:     make(chan Message, 256),
		done:   make(chan struct{}),
		client: p.client,
		stream: p.prefix + topic,
		topic:  topic,
	}
	go sub.run(fromSeq)
	return sub, nil
}

type redisSub struct {
	ch     chan Message
	done   chan struct{}
	client *redis.Client
	stream string
	topic  string
	once   sync.Once
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *redisSub) run(fromSeq uint64) {
	defer close(s.ch)

	ctx := context.Background()
	lastID := "0"
	seq := uint64(0)

	if fromSeq == 0 {
		// Live-only: skip retained history and tail from the stream end.
		n, err := s.client.XLen(ctx, s.stream).Result()
		if err != nil && err != redis.Nil {
			return
		}
		seq = uint64(n)
		lastID = "$"
	}

	for {
		select {
		case <-s.done:
			return
		default:
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   128,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				if lastID == "$" {
					// Pin to a concrete ID so later reads resume precisely.
					lastID = "+"
					if last, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", 1).Result(); err == nil && len(last) == 1 {
						lastID = last[0].ID
					} else {
						lastID = "0"
					}
				}
				continue // no new entries yet
			}
			return
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				seq++
				lastID = entry.ID
				if fromSeq > 0 && seq < fromSeq {
					continue
				}
				payload, _ := entry.Values["payload"].(string)
				msg := Message{
					Topic:       s.topic,
					Seq:         seq,
					Payload:     []byte(payload),
					PublishedAt: entryTime(entry.ID),
				}
				select {
				case s.ch <- msg:
				case <-s.done:
					return
				}
			}
		}
	}
}

// entryTime extracts the millisecond timestamp from a stream entry ID.
func entryTime(id string) time.Time {
	parts := strings.SplitN(id, "-", 2)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
