// Package events is the local runner's in-process queue. Topic publishes are
// routed synchronously to registered handlers, standing in for the push
// subscriptions of the cloud deployment.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler consumes one published message.
type Handler func(ctx context.Context, data []byte) error

// Bus satisfies the pipeline's queue.Publisher.
type Bus struct {
	mu     sync.RWMutex
	routes map[string]Handler
	log    *logrus.Entry
}

func NewBus(log *logrus.Entry) *Bus {
	return &Bus{routes: map[string]Handler{}, log: log}
}

// Route binds a topic to a handler. Later bindings replace earlier ones.
func (b *Bus) Route(topic string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[topic] = fn
}

// Publish delivers to the topic's handler. A publish to an unrouted topic is
// dropped with a warning; handler errors propagate to the publisher the same
// way an awaited queue publish would fail.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.RLock()
	fn, ok := b.routes[topic]
	b.mu.RUnlock()
	if !ok {
		b.log.WithField("topic", topic).Warn("publish to unrouted topic, dropping")
		return nil
	}
	if err := fn(ctx, data); err != nil {
		return fmt.Errorf("deliver to %s: %w", topic, err)
	}
	return nil
}
