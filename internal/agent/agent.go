// Package agent defines the pluggable decision boundary. The core never
// inspects how a decision is produced; it hands an agent the derived session
// state and executes whichever action comes back.
package agent

import (
	"context"
	"encoding/json"

	"github.com/shaket-dev/shaket/internal/domain"
)

// Action is what an agent wants to do next. Exactly one of the variants
// below.
type Action interface {
	isAction()
}

// SendOffer proposes a price with optional terms.
type SendOffer struct {
	Price   float64         `json:"price"`
	Terms   json.RawMessage `json:"terms,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Accept accepts a previously received offer, ending the negotiation.
type Accept struct {
	OfferID string `json:"offer_id"`
	Message string `json:"message,omitempty"`
}

// Reject rejects the negotiation outright.
type Reject struct {
	Reason string `json:"reason"`
}

// NoOp takes no action this turn.
type NoOp struct{}

func (SendOffer) isAction() {}
func (Accept) isAction()    {}
func (Reject) isAction()    {}
func (NoOp) isAction()      {}

// Agent decides the next action for a session given its current derived
// state. State is read-only; implementations must not retain or mutate it.
type Agent interface {
	DecideNextAction(ctx context.Context, sessionID string, state domain.SessionState) (Action, error)
}

// Func adapts a plain function to the Agent interface.
type Func func(ctx context.Context, sessionID string, state domain.SessionState) (Action, error)

func (f Func) DecideNextAction(ctx context.Context, sessionID string, state domain.SessionState) (Action, error) {
	return f(ctx, sessionID, state)
}
