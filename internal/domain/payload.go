package domain

// Typed payloads for each event type. Payloads are serialized as the event's
// Payload field and are the only place session configuration and outcomes
// live; everything else is derived.

// SessionStartedPayload configures the session at birth. Contexts lists the
// initial participants; for auctions more sellers may join via
// counterparty_joined until round 1 closes.
type SessionStartedPayload struct {
	Kind          SessionKind `json:"kind"`
	InitiatorID   string      `json:"initiator_id"`
	Contexts      []Context   `json:"contexts"`
	MaxRounds     int         `json:"max_rounds"`
	RoundDeadline Duration    `json:"round_deadline,omitempty"` // auction fan-in cutoff
	TurnDeadline  Duration    `json:"turn_deadline,omitempty"`  // negotiation per-turn cutoff
}

// OfferReceivedPayload carries the offer itself.
type OfferReceivedPayload struct {
	Offer Offer `json:"offer"`
}

// OfferAcceptedPayload references the accepted offer; terminal for a
// negotiation.
type OfferAcceptedPayload struct {
	OfferID string `json:"offer_id"`
	Message string `json:"message,omitempty"`
}

// OfferRejectedPayload is terminal for a negotiation.
type OfferRejectedPayload struct {
	Reason string `json:"reason"`
}

// BiddingRoundStartedPayload opens round Number. PriorFeedback carries the
// previous round's aggregate so the broadcast to sellers can include it.
type BiddingRoundStartedPayload struct {
	Number        int            `json:"number"`
	PriorFeedback *RoundFeedback `json:"prior_feedback,omitempty"`
}

// BiddingRoundEndedPayload closes round Number with its aggregate and the
// per-context delivery outcome of the fan-in.
type BiddingRoundEndedPayload struct {
	Number    int           `json:"number"`
	Feedback  RoundFeedback `json:"feedback"`
	Responded []string      `json:"responded"`
	Missing   []string      `json:"missing,omitempty"`
}

// SessionCompletedPayload ends the session. Status distinguishes COMPLETED
// from MAX_ROUNDS_REACHED. BestOffers maps each context to its lowest offer
// across all rounds (auction only); no winner is selected.
type SessionCompletedPayload struct {
	Status     SessionStatus    `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	BestOffers map[string]Offer `json:"best_offers,omitempty"`
}

// SessionAbortedPayload ends the session abnormally.
type SessionAbortedPayload struct {
	Reason string `json:"reason"`
}

// TimeoutPayload records the deadline that elapsed.
type TimeoutPayload struct {
	Deadline Duration `json:"deadline"`
}

// CounterpartyJoinedPayload adds a late-joining seller to an auction.
type CounterpartyJoinedPayload struct {
	Context Context `json:"context"`
}
