// Package memory records published task events in process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the task events recorded for taskID, oldest first.
func (p *Publisher) Events(taskID string) []crawler.TaskEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.TaskEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(crawler.TaskEvent); ok && ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}
