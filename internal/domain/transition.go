package domain

import (
	"encoding/json"
	"fmt"
)

// allowedNext is the single transition table for the whole system: derived
// status -> event types that may be appended. Coordinators never duplicate
// these checks.
var allowedNext = map[SessionStatus]map[EventType]bool{
	StatusInit: {
		EventTypeSessionStarted: true,
	},
	StatusActive: {
		EventTypeOfferReceived:      true,
		EventTypeOfferAccepted:      true,
		EventTypeOfferRejected:      true,
		EventTypeBiddingRoundStart:  true,
		EventTypeBiddingRoundEnded:  true,
		EventTypeSessionCompleted:   true,
		EventTypeSessionAborted:     true,
		EventTypeTimeout:            true,
		EventTypeCounterpartyJoined: true,
	},
	// Terminal statuses allow nothing; their absence below means every
	// append is rejected.
}

// CanAppend validates an event against the current derived state: the
// transition table plus the round barrier and join-window rules. It returns
// a *ValidationError and must be checked before any sequence is consumed.
func (s *SessionState) CanAppend(ev Event) error {
	allowed := allowedNext[s.Status]
	if !allowed[ev.Type] {
		return &ValidationError{
			SessionID: s.SessionID,
			Reason:    fmt.Sprintf("event %s not permitted in status %s", ev.Type, s.Status),
		}
	}

	switch ev.Type {
	case EventTypeBiddingRoundStart:
		if s.RoundOpen {
			return &ValidationError{
				SessionID: s.SessionID,
				Reason:    fmt.Sprintf("round %d is still open", s.CurrentRound),
			}
		}
		var p BiddingRoundStartedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return &ValidationError{SessionID: s.SessionID, Reason: "malformed round payload"}
		}
		if p.Number != s.CurrentRound+1 {
			return &ValidationError{
				SessionID: s.SessionID,
				Reason:    fmt.Sprintf("round %d cannot start after round %d", p.Number, s.CurrentRound),
			}
		}

	case EventTypeBiddingRoundEnded:
		if !s.RoundOpen {
			return &ValidationError{SessionID: s.SessionID, Reason: "no round is open"}
		}
		var p BiddingRoundEndedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return &ValidationError{SessionID: s.SessionID, Reason: "malformed round payload"}
		}
		if p.Number != s.CurrentRound {
			return &ValidationError{
				SessionID: s.SessionID,
				Reason:    fmt.Sprintf("cannot close round %d while round %d is open", p.Number, s.CurrentRound),
			}
		}

	case EventTypeOfferReceived:
		// Auction offers bind to the open round; a straggler arriving after
		// the round closed is rejected here, which is what makes late
		// responses no-ops.
		if s.Kind == SessionKindAuction {
			if !s.RoundOpen {
				return &ValidationError{SessionID: s.SessionID, Reason: "no bidding round is open"}
			}
			var p OfferReceivedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return &ValidationError{SessionID: s.SessionID, Reason: "malformed offer payload"}
			}
			if p.Offer.Round != s.CurrentRound {
				return &ValidationError{
					SessionID: s.SessionID,
					Reason:    fmt.Sprintf("offer for round %d arrived in round %d", p.Offer.Round, s.CurrentRound),
				}
			}
		}

	case EventTypeCounterpartyJoined:
		if s.Kind == SessionKindAuction && s.FirstRoundClosed {
			return &ValidationError{
				SessionID: s.SessionID,
				Reason:    "participants cannot join after the first round has closed",
			}
		}
	}

	return nil
}
