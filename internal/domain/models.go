package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Context is one counterparty within a session. Context ids are unique within
// their session, not globally. Endpoint is the opaque handle the transport
// adapter uses for dispatch.
type Context struct {
	ContextID string `json:"context_id"`
	Role      Role   `json:"role"`
	Endpoint  string `json:"endpoint"`
	Name      string `json:"name,omitempty"`
	// LastSeq is the sequence number of the last event attributed to this
	// context, -1 if none.
	LastSeq int `json:"last_seq"`
}

// Offer is an immutable value object once appended as an event payload.
type Offer struct {
	OfferID   string          `json:"offer_id"`
	ContextID string          `json:"context_id"`
	Round     int             `json:"round"`
	Price     float64         `json:"price"`
	Terms     json.RawMessage `json:"terms,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewOffer creates an offer with a generated id.
func NewOffer(contextID string, round int, price float64, terms json.RawMessage, message string) Offer {
	return Offer{
		OfferID:   "offer_" + uuid.New().String()[:8],
		ContextID: contextID,
		Round:     round,
		Price:     price,
		Terms:     terms,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Event is an immutable record in a session's log. Seq is gapless and
// strictly increasing per session, starting at 0.
type Event struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Seq       int             `json:"seq"`
	Type      EventType       `json:"type"`
	ContextID string          `json:"context_id,omitempty"` // empty for system events
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an event with a generated id and the current time. Seq is
// assigned by the log on append.
func NewEvent(sessionID string, typ EventType, contextID string, payload any) Event {
	ev := Event{
		EventID:   "evt_" + uuid.New().String()[:8],
		SessionID: sessionID,
		Type:      typ,
		ContextID: contextID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// Round is a derived view of one auction round: which contexts offered what,
// and the aggregate once the round closed.
type Round struct {
	Number   int              `json:"number"`
	Status   RoundStatus      `json:"status"`
	Offers   map[string]Offer `json:"offers"` // context id -> offer; absent = non-responsive
	Feedback *RoundFeedback   `json:"feedback,omitempty"`
}

// RoundFeedback is the aggregate over a round's received offers.
type RoundFeedback struct {
	Round int     `json:"round"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return "sess_" + uuid.New().String()[:8]
}

// NewContextID returns a fresh context identifier.
func NewContextID() string {
	return "ctx_" + uuid.New().String()[:8]
}
