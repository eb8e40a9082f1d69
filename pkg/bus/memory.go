package bus

import (
	"context"
	"strings"
	"sync"
)

// MemoryBus is an in-process MessageBus. It is the default for single-node
// deployments; delivery is asynchronous and messages to slow subscribers
// are dropped rather than blocking publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]*memorySubscription),
	}
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}

	for pattern, subs := range b.subs {
		if !matchSubject(pattern, subject) {
			continue
		}
		for _, sub := range subs {
			select {
			case sub.ch <- msg:
			default:
				// Subscriber buffer full; drop rather than block the publisher.
			}
		}
	}

	return nil
}

// Subscribe registers a handler for messages on the given subject pattern.
func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		handler: handler,
		ch:      make(chan *Message, 64),
		done:    make(chan struct{}),
	}

	b.subs[subject] = append(b.subs[subject], sub)
	go sub.run()

	return sub, nil
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	b.subs = make(map[string][]*memorySubscription)

	return nil
}

func (b *MemoryBus) removeSub(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.subject]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.subject]) == 0 {
		delete(b.subs, sub.subject)
	}
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	handler MessageHandler
	ch      chan *Message
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) run() {
	for {
		select {
		case msg := <-s.ch:
			s.handler(msg)
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.removeSub(s)
	})
	return nil
}

func (s *memorySubscription) Subject() string {
	return s.subject
}

// matchSubject checks whether a subject matches a pattern with NATS-style
// wildcards: "*" matches exactly one token, ">" matches one or more
// trailing tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, pTok := range pTokens {
		if pTok == ">" {
			return i == len(pTokens)-1 && i < len(sTokens)
		}
		if i >= len(sTokens) {
			return false
		}
		if pTok != "*" && pTok != sTokens[i] {
			return false
		}
	}

	return len(pTokens) == len(sTokens)
}
