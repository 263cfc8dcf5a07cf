// Package mock provides a test double for [llm.Provider].
//
// Reply answers every call; Errs scripts failures that are popped one per
// call before Reply or Err apply.
//
//	p := &mock.Provider{Reply: "Hello!", Errs: []error{errTransient}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cadence/pkg/provider/llm"
)

// Provider is a mock [llm.Provider].
type Provider struct {
	mu sync.Mutex

	// Reply is the content returned on success.
	Reply string

	// Usage is attached to every successful response.
	Usage llm.Usage

	// Err is returned once Errs is exhausted.
	Err error

	// Errs are returned in order, one per call.
	Errs []error

	// Func, if set, answers instead of the fields above.
	Func func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Calls holds every request in order.
	Calls []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	p.Calls = append(p.Calls, req)
	fn := p.Func
	var err error
	if len(p.Errs) > 0 {
		err, p.Errs = p.Errs[0], p.Errs[1:]
	} else {
		err = p.Err
	}
	resp := &llm.CompletionResponse{Content: p.Reply, Usage: p.Usage}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CallCount returns the number of Complete calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastRequest returns the most recent request and whether there was one.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.Calls[len(p.Calls)-1], true
}
