// Package mock provides an in-memory llm.Provider double for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxtail/voxtail/pkg/provider/llm"
)

// Provider is a configurable llm.Provider for tests. Set the exported fields
// to script behaviour; every Complete call is recorded in Calls.
//
// Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// ModelName is returned by Model. Defaults to "mock-model" when empty.
	ModelName string

	// CompleteResult is returned by Complete when CompleteErr is nil and
	// CompleteFunc is unset.
	CompleteResult *llm.CompletionResponse

	// CompleteErr, when set, is returned by every Complete call.
	CompleteErr error

	// CompleteFunc, when set, handles Complete entirely. It takes priority
	// over CompleteResult and CompleteErr.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Calls records every request passed to Complete, in order.
	Calls []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn := p.CompleteFunc
	res, err := p.CompleteResult, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return &llm.CompletionResponse{Content: ""}, nil
}

// Model implements llm.Provider.
func (p *Provider) Model() string {
	if p.ModelName == "" {
		return "mock-model"
	}
	return p.ModelName
}

// CallCount returns the number of Complete calls made so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
