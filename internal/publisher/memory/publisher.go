// Package memory keeps job events in process memory for notify.provider
// "memory" and for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

const defaultLimit = 1000

// Message is one published job event.
type Message struct {
	ID      string
	Event   string
	Payload any
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithLimit caps how many events are retained. Older events are dropped.
func WithLimit(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.limit = n
		}
	}
}

// Publisher retains the newest events up to its limit. Ids keep counting
// across dropped events.
type Publisher struct {
	mu       sync.Mutex
	limit    int
	seq      int
	messages []Message
}

func New(opts ...Option) *Publisher {
	p := &Publisher{limit: defaultLimit}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(_ context.Context, event string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := Message{ID: fmt.Sprintf("memory-%d", p.seq), Event: event, Payload: payload}
	if len(p.messages) == p.limit {
		p.messages = append(p.messages[:0], p.messages[1:]...)
	}
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns the retained events, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

func (p *Publisher) Close() error { return nil }
