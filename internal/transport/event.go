package transport

import (
	"context"
	"sync"
	"time"
)

// Handler consumes an event payload.
type Handler func(ctx context.Context, payload []byte)

// Bus is an in-process topic publisher for single-binary deployments.
// Delivery is synchronous and fan-out; a topic with no subscribers is a
// successful no-op.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{subs: map[string][]Handler{}}
}

func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) (Result, error) {
	b.mu.RLock()
	handlers := b.subs[topic]
	b.mu.RUnlock()

	begin := time.Now()
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return Result{ElapsedMs: time.Since(begin).Milliseconds()}, err
		}
		h(ctx, payload)
	}
	return Result{ElapsedMs: time.Since(begin).Milliseconds()}, nil
}
