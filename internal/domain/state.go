package domain

import (
	"encoding/json"
	"time"
)

// SessionState is the derived view of a session: a pure fold over its event
// log. It is recomputed from events, never cached-and-mutated, and never
// reads the wall clock, so deriving twice from the same prefix yields
// identical results.
type SessionState struct {
	SessionID   string        `json:"session_id"`
	Kind        SessionKind   `json:"kind"`
	Status      SessionStatus `json:"status"`
	InitiatorID string        `json:"initiator_id"`

	Contexts map[string]Context `json:"contexts"`

	MaxRounds     int      `json:"max_rounds"`
	RoundDeadline Duration `json:"round_deadline,omitempty"`
	TurnDeadline  Duration `json:"turn_deadline,omitempty"`

	// Seq is the number of events folded so far, i.e. the expectedSeq a
	// caller must present to append next.
	Seq         int       `json:"seq"`
	LastEventAt time.Time `json:"last_event_at"`

	CurrentRound     int            `json:"current_round"`
	RoundOpen        bool           `json:"round_open"`
	FirstRoundClosed bool           `json:"first_round_closed"`
	Rounds           map[int]*Round `json:"rounds,omitempty"`

	Offers        []Offer          `json:"offers"`
	AcceptedOffer *Offer           `json:"accepted_offer,omitempty"`
	BestOffers    map[string]Offer `json:"best_offers,omitempty"`
	FinalReason   string           `json:"final_reason,omitempty"`
}

// NewSessionState returns the state of an empty log.
func NewSessionState(sessionID string) SessionState {
	return SessionState{
		SessionID: sessionID,
		Status:    StatusInit,
		Contexts:  make(map[string]Context),
		Rounds:    make(map[int]*Round),
	}
}

// Derive folds the ordered event sequence into a SessionState.
func Derive(sessionID string, events []Event) SessionState {
	s := NewSessionState(sessionID)
	for _, ev := range events {
		s.Apply(ev)
	}
	return s
}

// Apply folds a single event into the state. Events are assumed to have
// passed CanAppend; Apply itself never fails, it skips what it cannot parse.
func (s *SessionState) Apply(ev Event) {
	s.Seq = ev.Seq + 1
	s.LastEventAt = ev.Timestamp

	if ev.ContextID != "" {
		if ctx, ok := s.Contexts[ev.ContextID]; ok {
			ctx.LastSeq = ev.Seq
			s.Contexts[ev.ContextID] = ctx
		}
	}

	switch ev.Type {
	case EventTypeSessionStarted:
		var p SessionStartedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		s.Kind = p.Kind
		s.InitiatorID = p.InitiatorID
		s.MaxRounds = p.MaxRounds
		s.RoundDeadline = p.RoundDeadline
		s.TurnDeadline = p.TurnDeadline
		for _, c := range p.Contexts {
			c.LastSeq = -1
			s.Contexts[c.ContextID] = c
		}
		s.Status = StatusActive

	case EventTypeOfferReceived:
		var p OfferReceivedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		s.Offers = append(s.Offers, p.Offer)
		switch s.Kind {
		case SessionKindNegotiation:
			// Each exchanged offer is one negotiation round.
			s.CurrentRound++
		case SessionKindAuction:
			if r, ok := s.Rounds[p.Offer.Round]; ok {
				r.Offers[p.Offer.ContextID] = p.Offer
			}
		}

	case EventTypeOfferAccepted:
		var p OfferAcceptedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if o := s.OfferByID(p.OfferID); o != nil {
			accepted := *o
			s.AcceptedOffer = &accepted
		}
		s.Status = StatusAccepted

	case EventTypeOfferRejected:
		var p OfferRejectedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			s.FinalReason = p.Reason
		}
		s.Status = StatusRejected

	case EventTypeBiddingRoundStart:
		var p BiddingRoundStartedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		s.CurrentRound = p.Number
		s.RoundOpen = true
		s.Rounds[p.Number] = &Round{
			Number: p.Number,
			Status: RoundOpen,
			Offers: make(map[string]Offer),
		}

	case EventTypeBiddingRoundEnded:
		var p BiddingRoundEndedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if r, ok := s.Rounds[p.Number]; ok {
			r.Status = RoundClosed
			fb := p.Feedback
			r.Feedback = &fb
		}
		s.RoundOpen = false
		if p.Number == 1 {
			s.FirstRoundClosed = true
		}

	case EventTypeSessionCompleted:
		var p SessionCompletedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			s.Status = StatusCompleted
			return
		}
		s.Status = p.Status
		s.FinalReason = p.Reason
		s.BestOffers = p.BestOffers

	case EventTypeSessionAborted:
		var p SessionAbortedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			s.FinalReason = p.Reason
		}
		s.Status = StatusAborted

	case EventTypeTimeout:
		s.Status = StatusExpired

	case EventTypeCounterpartyJoined:
		var p CounterpartyJoinedPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		p.Context.LastSeq = ev.Seq
		s.Contexts[p.Context.ContextID] = p.Context
	}
}

// NextTurn returns the context id whose turn it is in a negotiation. Turns
// alternate strictly starting with the initiator.
func (s *SessionState) NextTurn() string {
	if len(s.Offers)%2 == 0 {
		return s.InitiatorID
	}
	return s.CounterpartyOf(s.InitiatorID)
}

// CounterpartyOf returns the id of any context other than the given one.
// For two-party sessions this is the opposite side.
func (s *SessionState) CounterpartyOf(contextID string) string {
	for id := range s.Contexts {
		if id != contextID {
			return id
		}
	}
	return ""
}

// Counterparties returns every non-initiator context id in no guaranteed
// order; callers needing stable order sort themselves.
func (s *SessionState) Counterparties() []string {
	ids := make([]string, 0, len(s.Contexts))
	for id := range s.Contexts {
		if id != s.InitiatorID {
			ids = append(ids, id)
		}
	}
	return ids
}

// OfferByID finds an offer in the session's history.
func (s *SessionState) OfferByID(offerID string) *Offer {
	for i := range s.Offers {
		if s.Offers[i].OfferID == offerID {
			return &s.Offers[i]
		}
	}
	return nil
}

// LastOffer returns the most recent offer, or nil.
func (s *SessionState) LastOffer() *Offer {
	if len(s.Offers) == 0 {
		return nil
	}
	return &s.Offers[len(s.Offers)-1]
}

// PriceHistory returns the ordered sequence of one context's offers.
func (s *SessionState) PriceHistory(contextID string) []Offer {
	var out []Offer
	for _, o := range s.Offers {
		if o.ContextID == contextID {
			out = append(out, o)
		}
	}
	return out
}

// RoundOffers returns the offers received in a given auction round, in
// arrival order.
func (s *SessionState) RoundOffers(round int) []Offer {
	var out []Offer
	for _, o := range s.Offers {
		if o.Round == round {
			out = append(out, o)
		}
	}
	return out
}

// ComputeBestOffers maps each context to its lowest-priced offer across all
// rounds. Reverse auction: lower is better.
func (s *SessionState) ComputeBestOffers() map[string]Offer {
	best := make(map[string]Offer)
	for _, o := range s.Offers {
		cur, ok := best[o.ContextID]
		if !ok || o.Price < cur.Price {
			best[o.ContextID] = o
		}
	}
	return best
}
