// Package messenger fans session messages out to counterparty contexts and
// fans their responses back in under a deadline. It is the only place the
// coordinators touch the transport.
package messenger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaket-dev/shaket/internal/domain"
	"github.com/shaket-dev/shaket/internal/transport"
)

// DeliveryResult is the per-context outcome of a send or broadcast.
type DeliveryResult struct {
	ContextID string
	Err       error // *domain.DeliveryError when delivery failed
}

// CollectStatus classifies a context's fan-in outcome.
type CollectStatus string

const (
	CollectReceived CollectStatus = "RECEIVED"
	CollectTimeout  CollectStatus = "TIMEOUT"
	CollectError    CollectStatus = "ERROR"
)

// CollectResult is one context's response (or lack of one) to a broadcast.
type CollectResult struct {
	Status   CollectStatus
	Response *transport.Envelope
	Err      error
}

// SessionMessenger sends messages for sessions over a Transport. One
// messenger serves all sessions; collectors are keyed per session round.
type SessionMessenger struct {
	transport transport.Transport
	logger    *slog.Logger

	mu         sync.Mutex
	collectors map[collectorKey]*collector
}

type collectorKey struct {
	sessionID string
	round     int
}

// New creates a messenger on top of a transport adapter.
func New(tr transport.Transport, logger *slog.Logger) *SessionMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionMessenger{
		transport:  tr,
		logger:     logger.With("component", "messenger"),
		collectors: make(map[collectorKey]*collector),
	}
}

// SendTo delivers one envelope to one context. No implicit retries; retry
// policy is the caller's decision.
func (m *SessionMessenger) SendTo(ctx context.Context, target domain.Context, env transport.Envelope) (*transport.Envelope, error) {
	resp, err := m.transport.Deliver(ctx, target, env)
	if err != nil {
		m.logger.Warn("delivery failed",
			"session_id", env.SessionID,
			"context_id", target.ContextID,
			"event_type", env.EventType,
			"error", err)
		return nil, err
	}
	return resp, nil
}

// Broadcast dispatches env to every target concurrently. One context's
// failure does not block or fail delivery to the others. Responses returned
// by the transport are fed into the round's collector so a following
// Collect call sees them.
func (m *SessionMessenger) Broadcast(ctx context.Context, targets []domain.Context, env transport.Envelope) map[string]DeliveryResult {
	col := m.open(env.SessionID, env.Round, contextIDs(targets))

	results := make([]DeliveryResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target domain.Context) {
			defer wg.Done()
			resp, err := m.transport.Deliver(ctx, target, env)
			results[i] = DeliveryResult{ContextID: target.ContextID, Err: err}
			if err != nil {
				m.logger.Warn("broadcast delivery failed",
					"session_id", env.SessionID,
					"context_id", target.ContextID,
					"round", env.Round,
					"error", err)
				col.put(target.ContextID, CollectResult{Status: CollectError, Err: err})
				return
			}
			if resp != nil {
				col.put(target.ContextID, CollectResult{Status: CollectReceived, Response: resp})
			}
		}(i, target)
	}
	wg.Wait()

	out := make(map[string]DeliveryResult, len(results))
	for _, r := range results {
		out[r.ContextID] = r
	}
	return out
}

// Receive feeds an asynchronously arriving response into the matching
// collector. Responses for a closed or unknown round are discarded as
// no-ops; stragglers never mutate closed round state.
func (m *SessionMessenger) Receive(sessionID string, round int, contextID string, env *transport.Envelope) {
	m.mu.Lock()
	col, ok := m.collectors[collectorKey{sessionID, round}]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("late response discarded",
			"session_id", sessionID, "round", round, "context_id", contextID)
		return
	}
	col.put(contextID, CollectResult{Status: CollectReceived, Response: env})
}

// Collect waits up to deadline for a response from every listed context,
// returning partial results at the deadline rather than blocking. Each
// context maps to RECEIVED, TIMEOUT, or ERROR. The round's collector is
// closed on return.
func (m *SessionMessenger) Collect(ctx context.Context, sessionID string, round int, contexts []string, deadline time.Duration) map[string]CollectResult {
	col := m.open(sessionID, round, contexts)

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-col.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	delete(m.collectors, collectorKey{sessionID, round})
	m.mu.Unlock()

	return col.finish(contexts)
}

// open returns the collector for a session round, creating it on first use
// so responses can land before Collect is called.
func (m *SessionMessenger) open(sessionID string, round int, contexts []string) *collector {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collectorKey{sessionID, round}
	col, ok := m.collectors[key]
	if !ok {
		col = newCollector(contexts)
		m.collectors[key] = col
	} else {
		col.expect(contexts)
	}
	return col
}

func contextIDs(targets []domain.Context) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ContextID
	}
	return ids
}

// collector accumulates one round's responses. First result per context
// wins; anything after close is dropped.
type collector struct {
	mu       sync.Mutex
	expected map[string]bool
	results  map[string]CollectResult
	done     chan struct{}
	signaled bool
	closed   bool
}

func newCollector(contexts []string) *collector {
	c := &collector{
		expected: make(map[string]bool, len(contexts)),
		results:  make(map[string]CollectResult),
		done:     make(chan struct{}),
	}
	for _, id := range contexts {
		c.expected[id] = true
	}
	return c
}

func (c *collector) expect(contexts []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range contexts {
		c.expected[id] = true
	}
}

func (c *collector) put(contextID string, res CollectResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.expected[contextID] {
		return
	}
	if _, dup := c.results[contextID]; dup {
		return
	}
	c.results[contextID] = res
	if len(c.results) == len(c.expected) && !c.signaled {
		c.signaled = true
		close(c.done)
	}
}

// finish closes the collector and fills in TIMEOUT for every expected
// context that never resolved.
func (c *collector) finish(contexts []string) map[string]CollectResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	out := make(map[string]CollectResult, len(contexts))
	for _, id := range contexts {
		if res, ok := c.results[id]; ok {
			out[id] = res
			continue
		}
		out[id] = CollectResult{Status: CollectTimeout}
	}
	return out
}
