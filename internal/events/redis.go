package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus implements Bus on Redis pub/sub, decoupling the optimizer workers
// from the pipeline machine across processes.
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
	wg   sync.WaitGroup
}

// NewRedisBus creates a bus on an existing Redis client.
func NewRedisBus(client *redis.Client, log zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		log:    log.With().Str("component", "events").Logger(),
	}
}

// Publish encodes the event and publishes it to the topic's channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for topic %s: %w", topic, err)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens on the topic's channel until ctx is cancelled or the bus
// is closed. Each subscription runs its own receive loop.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	sub := b.client.Subscribe(ctx, topic)

	// Force the subscription onto the wire before returning, so events
	// published right after Subscribe are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(ctx, []byte(msg.Payload))
			}
		}
	}()

	b.log.Debug().Str("topic", topic).Msg("subscribed")
	return nil
}

// Close closes all subscriptions and waits for receive loops to drain.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	b.wg.Wait()
	return nil
}

var _ Bus = (*RedisBus)(nil)
