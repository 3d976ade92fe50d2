package domain_test

import (
	"testing"

	"github.com/shaket-dev/shaket/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitOnlyAllowsSessionStarted(t *testing.T) {
	state := domain.NewSessionState("t1")

	err := state.CanAppend(domain.NewEvent("t1", domain.EventTypeOfferReceived, "ctx",
		domain.OfferReceivedPayload{Offer: domain.NewOffer("ctx", 1, 100, nil, "")}))
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)

	buyer, seller := negotiationParties()
	assert.NoError(t, state.CanAppend(startedEvent("t1", domain.SessionKindNegotiation, 3, buyer, seller)))
}

func TestTerminalStatusRejectsEverything(t *testing.T) {
	buyer, seller := negotiationParties()
	offer := domain.NewOffer(buyer.ContextID, 1, 100, nil, "")
	events := withSeqs([]domain.Event{
		startedEvent("t2", domain.SessionKindNegotiation, 3, buyer, seller),
		domain.NewEvent("t2", domain.EventTypeOfferReceived, buyer.ContextID, domain.OfferReceivedPayload{Offer: offer}),
		domain.NewEvent("t2", domain.EventTypeOfferAccepted, seller.ContextID, domain.OfferAcceptedPayload{OfferID: offer.OfferID}),
	})
	state := domain.Derive("t2", events)
	require.True(t, state.Status.Terminal())

	for _, typ := range []domain.EventType{
		domain.EventTypeSessionStarted,
		domain.EventTypeOfferReceived,
		domain.EventTypeOfferAccepted,
		domain.EventTypeSessionAborted,
		domain.EventTypeTimeout,
	} {
		err := state.CanAppend(domain.NewEvent("t2", typ, "", nil))
		var vErr *domain.ValidationError
		assert.ErrorAs(t, err, &vErr, "event %s should be rejected", typ)
	}
}

func TestRoundBarrier(t *testing.T) {
	buyer := domain.Context{ContextID: "ctx_b", Role: domain.RoleBuyer, Endpoint: "b"}
	seller := domain.Context{ContextID: "ctx_s", Role: domain.RoleSeller, Endpoint: "s"}
	events := withSeqs([]domain.Event{
		startedEvent("t3", domain.SessionKindAuction, 3, buyer, seller),
		domain.NewEvent("t3", domain.EventTypeBiddingRoundStart, "", domain.BiddingRoundStartedPayload{Number: 1}),
	})
	state := domain.Derive("t3", events)

	// Round 2 cannot open while round 1 is still open.
	err := state.CanAppend(domain.NewEvent("t3", domain.EventTypeBiddingRoundStart, "",
		domain.BiddingRoundStartedPayload{Number: 2}))
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)

	// Closing the wrong round number is rejected too.
	err = state.CanAppend(domain.NewEvent("t3", domain.EventTypeBiddingRoundEnded, "",
		domain.BiddingRoundEndedPayload{Number: 2}))
	require.ErrorAs(t, err, &vErr)

	// Closing round 1 then opening round 2 is the only legal order.
	closeEv := domain.NewEvent("t3", domain.EventTypeBiddingRoundEnded, "",
		domain.BiddingRoundEndedPayload{Number: 1, Feedback: domain.RoundFeedback{Round: 1}})
	require.NoError(t, state.CanAppend(closeEv))
	closeEv.Seq = 2
	state.Apply(closeEv)

	assert.NoError(t, state.CanAppend(domain.NewEvent("t3", domain.EventTypeBiddingRoundStart, "",
		domain.BiddingRoundStartedPayload{Number: 2})))
	err = state.CanAppend(domain.NewEvent("t3", domain.EventTypeBiddingRoundStart, "",
		domain.BiddingRoundStartedPayload{Number: 3}))
	assert.ErrorAs(t, err, &vErr)
}

func TestLateAuctionOfferRejected(t *testing.T) {
	buyer := domain.Context{ContextID: "ctx_b", Role: domain.RoleBuyer, Endpoint: "b"}
	seller := domain.Context{ContextID: "ctx_s", Role: domain.RoleSeller, Endpoint: "s"}
	events := withSeqs([]domain.Event{
		startedEvent("t4", domain.SessionKindAuction, 3, buyer, seller),
		domain.NewEvent("t4", domain.EventTypeBiddingRoundStart, "", domain.BiddingRoundStartedPayload{Number: 1}),
		domain.NewEvent("t4", domain.EventTypeBiddingRoundEnded, "", domain.BiddingRoundEndedPayload{
			Number: 1, Feedback: domain.RoundFeedback{Round: 1},
		}),
	})
	state := domain.Derive("t4", events)

	// Straggler for the closed round.
	err := state.CanAppend(domain.NewEvent("t4", domain.EventTypeOfferReceived, seller.ContextID,
		domain.OfferReceivedPayload{Offer: domain.NewOffer(seller.ContextID, 1, 90, nil, "")}))
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestJoinWindowClosesWithFirstRound(t *testing.T) {
	buyer := domain.Context{ContextID: "ctx_b", Role: domain.RoleBuyer, Endpoint: "b"}
	seller := domain.Context{ContextID: "ctx_s", Role: domain.RoleSeller, Endpoint: "s"}
	late := domain.Context{ContextID: "ctx_late", Role: domain.RoleSeller, Endpoint: "late"}

	events := withSeqs([]domain.Event{
		startedEvent("t5", domain.SessionKindAuction, 3, buyer, seller),
		domain.NewEvent("t5", domain.EventTypeBiddingRoundStart, "", domain.BiddingRoundStartedPayload{Number: 1}),
	})
	state := domain.Derive("t5", events)

	joinEv := domain.NewEvent("t5", domain.EventTypeCounterpartyJoined, late.ContextID,
		domain.CounterpartyJoinedPayload{Context: late})
	assert.NoError(t, state.CanAppend(joinEv))

	closeEv := domain.NewEvent("t5", domain.EventTypeBiddingRoundEnded, "",
		domain.BiddingRoundEndedPayload{Number: 1, Feedback: domain.RoundFeedback{Round: 1}})
	closeEv.Seq = 2
	state.Apply(closeEv)

	err := state.CanAppend(joinEv)
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
}
