package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/google/uuid"

	"github.com/shaket-dev/shaket/internal/domain"
)

// A2ATransport delivers envelopes over the A2A protocol. Each counterparty
// endpoint gets a lazily created JSON-RPC client; the envelope rides as a
// single DataPart on a message/send call, and any DataPart in the reply is
// parsed back into a response envelope.
type A2ATransport struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*a2aclient.Client
}

// NewA2ATransport creates a transport with a per-delivery timeout. A zero
// timeout means the caller's context governs alone.
func NewA2ATransport(timeout time.Duration) *A2ATransport {
	return &A2ATransport{
		timeout: timeout,
		clients: make(map[string]*a2aclient.Client),
	}
}

func (t *A2ATransport) client(ctx context.Context, endpoint string) (*a2aclient.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[endpoint]; ok {
		return c, nil
	}
	c, err := a2aclient.NewFromEndpoints(ctx, []a2a.AgentInterface{
		{URL: endpoint, Transport: a2a.TransportProtocolJSONRPC},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	t.clients[endpoint] = c
	return c, nil
}

func (t *A2ATransport) Deliver(ctx context.Context, target domain.Context, env Envelope) (*Envelope, error) {
	client, err := t.client(ctx, target.Endpoint)
	if err != nil {
		return nil, &domain.DeliveryError{ContextID: target.ContextID, Err: err}
	}

	data := map[string]any{
		"session_id": env.SessionID,
		"context_id": env.ContextID,
		"round":      env.Round,
		"event_type": env.EventType,
		"timestamp":  env.Timestamp.Format(time.RFC3339Nano),
	}
	if len(env.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, &domain.DeliveryError{ContextID: target.ContextID, Err: fmt.Errorf("marshal payload: %w", err)}
		}
		data["payload"] = payload
	}

	msg := &a2a.Message{
		ID:        uuid.New().String(),
		Role:      a2a.MessageRole("agent"),
		ContextID: target.ContextID,
		Parts:     a2a.ContentParts{&a2a.DataPart{Data: data}},
	}

	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	result, err := client.SendMessage(callCtx, &a2a.MessageSendParams{Message: msg})
	if err != nil {
		return nil, &domain.DeliveryError{ContextID: target.ContextID, Err: err}
	}

	switch resp := result.(type) {
	case *a2a.Message:
		return envelopeFromMessage(resp)
	case *a2a.Task:
		if resp.Status.Message != nil {
			return envelopeFromMessage(resp.Status.Message)
		}
		if n := len(resp.History); n > 0 {
			return envelopeFromMessage(resp.History[n-1])
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// envelopeFromMessage extracts the first DataPart and decodes it as an
// envelope. Messages without a DataPart are acks, not replies.
func envelopeFromMessage(msg *a2a.Message) (*Envelope, error) {
	if msg == nil {
		return nil, nil
	}
	for _, part := range msg.Parts {
		dp, ok := part.(*a2a.DataPart)
		if !ok {
			continue
		}
		raw, err := json.Marshal(dp.Data)
		if err != nil {
			return nil, fmt.Errorf("re-encode data part: %w", err)
		}
		var wire struct {
			SessionID string          `json:"session_id"`
			ContextID string          `json:"context_id"`
			Round     int             `json:"round"`
			EventType string          `json:"event_type"`
			Payload   json.RawMessage `json:"payload"`
			Timestamp string          `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		env := &Envelope{
			SessionID: wire.SessionID,
			ContextID: wire.ContextID,
			Round:     wire.Round,
			EventType: wire.EventType,
			Payload:   wire.Payload,
		}
		if wire.Timestamp != "" {
			if when, err := time.Parse(time.RFC3339Nano, wire.Timestamp); err == nil {
				env.Timestamp = when
			}
		}
		return env, nil
	}
	return nil, nil
}
