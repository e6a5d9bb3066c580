// Package memory records published events in process for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

// maxRetained bounds how many payloads a long-running process keeps.
const maxRetained = 1000

// Publisher stores the most recent published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []any
	total    int
}

var _ scrape.Publisher = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.messages = append(p.messages, payload)
	if len(p.messages) > maxRetained {
		p.messages = p.messages[len(p.messages)-maxRetained:]
	}
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Messages returns a copy of the recorded payloads.
func (p *Publisher) Messages() []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]any, len(p.messages))
	copy(out, p.messages)
	return out
}
