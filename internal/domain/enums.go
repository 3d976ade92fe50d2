// Package domain defines the core types for commerce sessions: sessions,
// contexts, offers, rounds, and the event vocabulary the log is built from.
package domain

// SessionKind is the type of a commerce session.
type SessionKind string

const (
	SessionKindNegotiation SessionKind = "NEGOTIATION"
	SessionKindAuction     SessionKind = "AUCTION"
)

// SessionStatus is the derived status of a session. Every status except
// StatusInit and StatusActive is terminal.
type SessionStatus string

const (
	StatusInit             SessionStatus = "INIT"
	StatusActive           SessionStatus = "ACTIVE"
	StatusAccepted         SessionStatus = "ACCEPTED"
	StatusRejected         SessionStatus = "REJECTED"
	StatusMaxRoundsReached SessionStatus = "MAX_ROUNDS_REACHED"
	StatusCompleted        SessionStatus = "COMPLETED"
	StatusAborted          SessionStatus = "ABORTED"
	StatusExpired          SessionStatus = "EXPIRED"
)

// Terminal reports whether no further business events may be appended.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusInit, StatusActive:
		return false
	}
	return true
}

// Role is a participant's role within a session.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// RoundStatus is the derived status of an auction round.
type RoundStatus string

const (
	RoundOpen        RoundStatus = "OPEN"
	RoundAggregating RoundStatus = "AGGREGATING"
	RoundClosed      RoundStatus = "CLOSED"
)

// EventType represents the type of an event.
type EventType string

const (
	EventTypeSessionStarted     EventType = "session_started"
	EventTypeOfferReceived      EventType = "offer_received"
	EventTypeOfferAccepted      EventType = "offer_accepted"
	EventTypeOfferRejected      EventType = "offer_rejected"
	EventTypeBiddingRoundStart  EventType = "bidding_round_started"
	EventTypeBiddingRoundEnded  EventType = "bidding_round_ended"
	EventTypeSessionCompleted   EventType = "session_completed"
	EventTypeSessionAborted     EventType = "session_aborted"
	EventTypeTimeout            EventType = "timeout"
	EventTypeCounterpartyJoined EventType = "counterparty_joined"
)
