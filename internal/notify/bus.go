// Package notify propagates market-data change events to the recompute
// worker.
//
// Any write to the marketdata or corrections collections — a scheduled
// fetch landing late data, an admin filing a correction — publishes an
// Event naming the affected week. A worker subscribed to the bus replays
// settlement from that week forward, which is what keeps already-settled
// ledgers consistent with restated data.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event describes one retroactive data change.
type Event struct {
	Collection string `json:"collection"`
	WeekID     string `json:"weekId"`
}

// Bus delivers change events to subscribers. Publish must not block on
// slow consumers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// MemoryBus is an in-process Bus for single-instance deployments and
// tests.
type MemoryBus struct {
	mu   sync.Mutex
	subs []chan Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default: // drop rather than block the writer
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// redisChannel is the pub/sub channel shared by all engine instances.
const redisChannel = "ledger:changes"

// RedisBus fans change events out across engine instances via Redis
// pub/sub, so a correction filed on one instance triggers recompute on
// whichever instance owns the worker.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, redisChannel, data).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := b.rdb.Subscribe(ctx, redisChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("notify: subscribe: %w", err)
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
