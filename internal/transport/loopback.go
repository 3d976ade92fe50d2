package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaket-dev/shaket/internal/domain"
)

// Handler consumes an envelope addressed to one endpoint and optionally
// replies.
type Handler func(ctx context.Context, env Envelope) (*Envelope, error)

// Loopback is an in-process Transport that routes envelopes to registered
// handlers by endpoint. It backs tests and single-process deployments where
// both sides of a session live in the same binary.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// Register binds a handler to an endpoint. Re-registering replaces the
// previous handler.
func (l *Loopback) Register(endpoint string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[endpoint] = h
}

func (l *Loopback) Deliver(ctx context.Context, target domain.Context, env Envelope) (*Envelope, error) {
	l.mu.RLock()
	h, ok := l.handlers[target.Endpoint]
	l.mu.RUnlock()
	if !ok {
		return nil, &domain.DeliveryError{
			ContextID: target.ContextID,
			Err:       fmt.Errorf("no handler registered for endpoint %s", target.Endpoint),
		}
	}

	resp, err := h(ctx, env)
	if err != nil {
		return nil, &domain.DeliveryError{ContextID: target.ContextID, Err: err}
	}
	return resp, nil
}
