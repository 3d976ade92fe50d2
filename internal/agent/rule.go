package agent

import (
	"context"

	"github.com/shaket-dev/shaket/internal/domain"
)

// ConcessionBuyer is a simple rule-based negotiation agent: open below
// target, accept anything at or under target, otherwise counter with the
// midpoint between the counterparty's last offer and the target.
type ConcessionBuyer struct {
	// ContextID identifies which side of the session this agent plays.
	ContextID string
	// Target is the highest price the buyer will accept.
	Target float64
	// Opening is the first offer; defaults to 80% of Target when zero.
	Opening float64
}

func (a *ConcessionBuyer) DecideNextAction(_ context.Context, _ string, state domain.SessionState) (Action, error) {
	theirs := lastOfferFrom(state, state.CounterpartyOf(a.ContextID))
	if theirs == nil {
		opening := a.Opening
		if opening == 0 {
			opening = a.Target * 0.8
		}
		return SendOffer{Price: opening}, nil
	}
	if theirs.Price <= a.Target {
		return Accept{OfferID: theirs.OfferID}, nil
	}
	return SendOffer{Price: (theirs.Price + a.Target) / 2}, nil
}

// HoldoutSeller counters every buyer offer below its floor with a price
// stepped down from its asking price, and accepts at or above the floor.
type HoldoutSeller struct {
	ContextID string
	Asking    float64
	Floor     float64
	Step      float64
}

func (a *HoldoutSeller) DecideNextAction(_ context.Context, _ string, state domain.SessionState) (Action, error) {
	theirs := lastOfferFrom(state, state.CounterpartyOf(a.ContextID))
	if theirs != nil && theirs.Price >= a.Floor {
		return Accept{OfferID: theirs.OfferID}, nil
	}
	mine := lastOfferFrom(state, a.ContextID)
	price := a.Asking
	if mine != nil {
		price = mine.Price - a.Step
	}
	if price < a.Floor {
		price = a.Floor
	}
	return SendOffer{Price: price}, nil
}

// SteppingSeller bids in a reverse auction: start high and walk the price
// down by Step each round, never below Floor. It undercuts the previous
// round's minimum when the feedback shows one.
type SteppingSeller struct {
	Start float64
	Floor float64
	Step  float64
}

func (a *SteppingSeller) DecideNextAction(_ context.Context, _ string, state domain.SessionState) (Action, error) {
	price := a.Start - float64(state.CurrentRound-1)*a.Step
	if r, ok := state.Rounds[state.CurrentRound-1]; ok && r.Feedback != nil && r.Feedback.Min-a.Step > a.Floor {
		if undercut := r.Feedback.Min - a.Step; undercut < price {
			price = undercut
		}
	}
	if price < a.Floor {
		price = a.Floor
	}
	return SendOffer{Price: price}, nil
}

func lastOfferFrom(state domain.SessionState, contextID string) *domain.Offer {
	history := state.PriceHistory(contextID)
	if len(history) == 0 {
		return nil
	}
	return &history[len(history)-1]
}
