// Package transport defines the adapter boundary to the external agent
// messaging substrate. The core only ever hands a Transport an Envelope and
// a target context; wire framing beyond the envelope fields is the
// adapter's concern.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shaket-dev/shaket/internal/domain"
)

// Envelope is the unit of exchange with a counterparty.
type Envelope struct {
	SessionID string          `json:"session_id"`
	ContextID string          `json:"context_id"`
	Round     int             `json:"round,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Envelope event types understood by both sides of a session.
const (
	MessageBidRequest    = "bid_request"
	MessageOffer         = "offer"
	MessageOfferAccepted = "offer_accepted"
	MessageOfferRejected = "offer_rejected"
	MessageStateUpdate   = "state_update"
	MessageSessionClosed = "session_closed"
)

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(sessionID, contextID string, round int, eventType string, payload any) (Envelope, error) {
	env := Envelope{
		SessionID: sessionID,
		ContextID: contextID,
		Round:     round,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

// Transport delivers an envelope to one counterparty. A request/response
// substrate may return the counterparty's reply envelope; a fire-and-forget
// substrate returns nil. Errors are transport failures; the caller decides
// whether and how to retry.
type Transport interface {
	Deliver(ctx context.Context, target domain.Context, env Envelope) (*Envelope, error)
}
