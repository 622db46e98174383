// Package memory records published events in memory, for tests and local
// runs without a broker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/laoshu133/html2image-cdp/internal/publisher"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	err      error
}

// Message captures one publish call.
type Message struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded shot events in publish order.
func (p *Publisher) Events() []publisher.ShotEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []publisher.ShotEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(publisher.ShotEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
