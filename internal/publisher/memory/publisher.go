// Package memory records completion events in process. It stands in for the
// Pub/Sub publisher in tests and single-node deployments where no broker is
// configured, and exposes the recorded events for inspection.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	byTopic  map[string]int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{byTopic: make(map[string]int)}
}

// Publish records the message and returns a pseudo ID scoped to the topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byTopic[topic]++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%s-%d", topic, p.byTopic[topic]), nil
}

// Messages returns every recorded publish in order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Completions returns the completion events recorded for the topic, in
// publish order. Payloads of other types are skipped.
func (p *Publisher) Completions(topic string) []pipeline.CompletionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var events []pipeline.CompletionEvent
	for _, m := range p.messages {
		if m.Topic != topic {
			continue
		}
		if ev, ok := m.Payload.(pipeline.CompletionEvent); ok {
			events = append(events, ev)
		}
	}
	return events
}
