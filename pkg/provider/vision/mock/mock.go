// Package mock provides an in-memory test double for vision.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/glyphoxa/pkg/provider/vision"
)

// Provider is a configurable test double for [vision.Provider].
type Provider struct {
	mu sync.Mutex

	// DetectResult is returned by Detect when DetectErr is nil.
	DetectResult *vision.Result

	// DetectErr is returned by Detect when non-nil.
	DetectErr error

	// DetectCalls records every jpeg payload passed to Detect.
	DetectCalls [][]byte
}

// Detect implements vision.Provider.
func (p *Provider) Detect(_ context.Context, jpeg []byte) (*vision.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DetectCalls = append(p.DetectCalls, jpeg)
	if p.DetectErr != nil {
		return nil, p.DetectErr
	}
	return p.DetectResult, nil
}

var _ vision.Provider = (*Provider)(nil)
