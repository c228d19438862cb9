package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/logger"
)

// ErrBusClosed is returned after Close.
var ErrBusClosed = errors.New("event bus is closed")

// subscriberQueue bounds the backlog of a single subscriber.
const subscriberQueue = 256

// MemoryEventBus delivers events to in-process subscribers. Each subscriber
// gets its events in publish order on its own goroutine; a subscriber that
// falls subscriberQueue events behind loses the overflow.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	logger *logger.Logger
	closed bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	handler EventHandler
	queue   chan delivery

	once sync.Once
	done chan struct{}
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

// NewMemoryEventBus creates an empty bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[*memorySubscription]struct{}),
		logger: log.WithFields(zap.String("component", "memory_bus")),
	}
}

// Publish queues event for every subscriber whose pattern matches subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.subs {
		if !Matches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: context.WithoutCancel(ctx), subject: subject, event: event}:
		default:
			b.logger.Warn("subscriber backlog full, dropping event",
				zap.String("pattern", sub.pattern),
				zap.String("subject", subject),
				zap.String("client_id", event.ClientID))
		}
	}
	return nil
}

// Subscribe starts a delivery goroutine for pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		handler: handler,
		queue:   make(chan delivery, subscriberQueue),
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	go sub.deliver()

	b.logger.Debug("subscribed", zap.String("pattern", pattern))
	return sub, nil
}

func (s *memorySubscription) deliver() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			if err := s.handler(d.ctx, d.event); err != nil {
				s.bus.logger.Error("event handler failed",
					zap.String("subject", d.subject),
					zap.String("event_id", d.event.ID),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe stops delivery. Queued events are discarded.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close stops every subscription and refuses further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.stop()
	}
	b.subs = nil
	b.logger.Debug("memory event bus closed")
}

// IsConnected returns true until Close.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Matches reports whether subject matches a NATS-style pattern.
func Matches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
