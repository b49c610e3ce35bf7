package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// MemoryBus implements Bus with in-process delivery. Each subscription owns a
// buffered channel drained by a single goroutine, so messages on one
// subscription arrive in publish order.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	logger        *logger.Logger
	closed        bool
}

const memorySubBuffer = 256

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	handler Handler
	ch      chan memoryMsg
	done    chan struct{}
	once    sync.Once
}

type memoryMsg struct {
	subject string
	data    []byte
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{logger: log}
}

// Publish sends a message to all matching subscriptions.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscriptions {
		if !subjectMatches(subject, sub.subject) {
			continue
		}
		select {
		case sub.ch <- memoryMsg{subject: subject, data: data}:
		case <-sub.done:
		default:
			b.logger.Warn("subscriber buffer full, dropping message",
				zap.String("subject", subject),
				zap.String("pattern", sub.subject))
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		handler: handler,
		ch:      make(chan memoryMsg, memorySubBuffer),
		done:    make(chan struct{}),
	}
	b.subscriptions = append(b.subscriptions, sub)

	go sub.run()

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			if err := s.handler(context.Background(), msg.subject, msg.data); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", msg.subject),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.done) })

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid reports whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscriptions {
		sub.once.Do(func() { close(sub.done) })
	}
	b.subscriptions = nil
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// subjectMatches implements NATS-style token matching:
// "*" matches one token, ">" matches the remaining tail.
func subjectMatches(subject, pattern string) bool {
	if subject == pattern {
		return true
	}
	subjTokens := strings.Split(subject, ".")
	patTokens := strings.Split(pattern, ".")

	for i, pt := range patTokens {
		if pt == ">" {
			return true
		}
		if i >= len(subjTokens) {
			return false
		}
		if pt != "*" && pt != subjTokens[i] {
			return false
		}
	}
	return len(subjTokens) == len(patTokens)
}
