package eventbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
)

// MemoryEventBus delivers events to in-process subscribers by calling
// each subscriber's handler in its own goroutine, adequate for a single conductord instance (spec.md §4.F's
// default deployment).
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	log           *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	handler Handler
	mu      sync.Mutex
	active  bool
}

// NewMemoryEventBus constructs an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		log:           log.WithFields(zap.String("component", "eventbus")),
	}
}

// Publish delivers event to every live subscriber of subject, each in
// its own goroutine so a slow handler cannot stall the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscriptions[subject] {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		go func(s *memorySubscription, e *Event) {
			if err := s.handler(ctx, e); err != nil {
				b.log.Error("event handler failed", zap.String("subject", subject), zap.Error(err))
			}
		}(sub, event)
	}

	return nil
}

// Subscribe registers handler for every event published to subject.
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{bus: b, subject: subject, handler: handler, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Close deactivates every subscription. Safe to call once.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}
