// Package transport holds the delivery adapters a fired run is handed
// to. The core only sees success/failure and elapsed time; response
// bodies and broker semantics stay behind these interfaces.
package transport

import "context"

// Result reports what the core is allowed to know about a delivery.
type Result struct {
	ElapsedMs int64
}

// EventPublisher delivers a payload to an event topic.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (Result, error)
}

// HTTPInvoker performs an HTTP call against a target URL.
type HTTPInvoker interface {
	Invoke(ctx context.Context, url, method string, headers map[string]string, payload []byte, hmacKeyRef string) (Result, error)
}

// Queuer places a payload on a named queue.
type Queuer interface {
	Enqueue(ctx context.Context, topic string, payload []byte) (Result, error)
}
