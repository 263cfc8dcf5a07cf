// Package mock provides a test double for [mood.Provider].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cadence/pkg/provider/mood"
)

// Provider is a mock implementation of mood.Provider.
type Provider struct {
	mu sync.Mutex

	// Label is returned on every call.
	Label string

	// Err, if non-nil, is returned instead of Label.
	Err error

	// Calls records every request in order.
	Calls []mood.Request
}

var _ mood.Provider = (*Provider)(nil)

// CurrentMood records the request and returns Label, Err.
func (p *Provider) CurrentMood(_ context.Context, req mood.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if p.Err != nil {
		return "", p.Err
	}
	return p.Label, nil
}

// CallCount returns the number of calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
