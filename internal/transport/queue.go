package transport

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueuer delivers queue targets onto a Redis list per topic.
type RedisQueuer struct {
	client *redis.Client
}

func NewRedisQueuer(client *redis.Client) *RedisQueuer {
	return &RedisQueuer{client: client}
}

func (q *RedisQueuer) Enqueue(ctx context.Context, topic string, payload []byte) (Result, error) {
	begin := time.Now()
	err := q.client.RPush(ctx, topic, payload).Err()
	return Result{ElapsedMs: time.Since(begin).Milliseconds()}, err
}

// MemoryQueuer is the in-process fallback used when no Redis address is
// configured, and in tests.
type MemoryQueuer struct {
	mu     sync.Mutex
	queues map[string][][]byte
}

func NewMemoryQueuer() *MemoryQueuer {
	return &MemoryQueuer{queues: map[string][][]byte{}}
}

func (q *MemoryQueuer) Enqueue(ctx context.Context, topic string, payload []byte) (Result, error) {
	begin := time.Now()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	q.mu.Lock()
	q.queues[topic] = append(q.queues[topic], payload)
	q.mu.Unlock()
	return Result{ElapsedMs: time.Since(begin).Milliseconds()}, nil
}

// Dequeue pops the oldest payload, or nil when the queue is empty.
func (q *MemoryQueuer) Dequeue(topic string) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[topic]
	if len(items) == 0 {
		return nil
	}
	head := items[0]
	q.queues[topic] = items[1:]
	return head
}

// Len reports the number of queued payloads for a topic.
func (q *MemoryQueuer) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[topic])
}
