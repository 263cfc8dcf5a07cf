// Package static provides a mood source backed by labels registered in
// memory, typically the mood a user reported when opening a session.
package static

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/cadence/pkg/provider/mood"
)

var _ mood.Provider = (*Provider)(nil)

// Provider returns the label registered for a session, or Default when none
// was set.
type Provider struct {
	mu       sync.RWMutex
	def      string
	sessions map[string]string
}

// New returns a Provider that answers def for unknown sessions. An empty def
// makes it defer to the next source in a [mood.Chain].
func New(def string) *Provider {
	return &Provider{def: strings.TrimSpace(def), sessions: make(map[string]string)}
}

// Set registers label for sessionID. An empty label removes it.
func (p *Provider) Set(sessionID, label string) {
	label = strings.TrimSpace(label)
	p.mu.Lock()
	defer p.mu.Unlock()
	if label == "" {
		delete(p.sessions, sessionID)
		return
	}
	p.sessions[sessionID] = label
}

// Forget removes any label for sessionID.
func (p *Provider) Forget(sessionID string) {
	p.Set(sessionID, "")
}

// CurrentMood implements mood.Provider.
func (p *Provider) CurrentMood(_ context.Context, req mood.Request) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if label, ok := p.sessions[req.SessionID]; ok {
		return label, nil
	}
	return p.def, nil
}
