package queue

import (
	"context"
	"sync"
)

// FakePublisher is an in-process Publisher used by tests.
type FakePublisher struct {
	mu        sync.Mutex
	Published []Envelope
	PublishErr error
}

// NewFakePublisher constructs an empty FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (p *FakePublisher) Publish(ctx context.Context, env Envelope) error {
	if p.PublishErr != nil {
		return p.PublishErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, env)
	return nil
}

func (p *FakePublisher) last() (Envelope, bool) {
	return p.LastEnvelope()
}

// LastEnvelope returns the most recently published envelope, if any.
func (p *FakePublisher) LastEnvelope() (Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Published) == 0 {
		return Envelope{}, false
	}
	return p.Published[len(p.Published)-1], true
}
