package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shaket-dev/shaket/internal/agent"
	"github.com/shaket-dev/shaket/internal/coordinator"
	"github.com/shaket-dev/shaket/internal/domain"
	"github.com/shaket-dev/shaket/internal/eventlog"
	"github.com/shaket-dev/shaket/internal/messenger"
	"github.com/shaket-dev/shaket/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envelopeRecorder registers loopback endpoints and remembers everything
// delivered to them.
type envelopeRecorder struct {
	mu        sync.Mutex
	delivered map[string][]transport.Envelope
}

func newEnvelopeRecorder() *envelopeRecorder {
	return &envelopeRecorder{delivered: make(map[string][]transport.Envelope)}
}

func (r *envelopeRecorder) register(lb *transport.Loopback, endpoint string) {
	lb.Register(endpoint, func(_ context.Context, env transport.Envelope) (*transport.Envelope, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.delivered[endpoint] = append(r.delivered[endpoint], env)
		return nil, nil
	})
}

func (r *envelopeRecorder) envelopes(endpoint string) []transport.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Envelope(nil), r.delivered[endpoint]...)
}

func newNegotiationFixture(t *testing.T) (*coordinator.NegotiationCoordinator, *eventlog.StateManager, *envelopeRecorder) {
	t.Helper()

	manager := eventlog.NewStateManager(eventlog.NewMemoryStore(), nil)
	lb := transport.NewLoopback()
	rec := newEnvelopeRecorder()
	rec.register(lb, "buyer")
	rec.register(lb, "seller")
	m := messenger.New(lb, nil)
	return coordinator.NewNegotiation(manager, m, nil, nil), manager, rec
}

func negotiationParties() (domain.Context, domain.Context) {
	buyer := domain.Context{ContextID: "ctx_buyer", Role: domain.RoleBuyer, Endpoint: "buyer"}
	seller := domain.Context{ContextID: "ctx_seller", Role: domain.RoleSeller, Endpoint: "seller"}
	return buyer, seller
}

func TestNegotiationOfferCounterAccept(t *testing.T) {
	ctx := context.Background()
	neg, manager, rec := newNegotiationFixture(t)
	buyer, seller := negotiationParties()

	sessionID, err := neg.Start(ctx, buyer, seller, coordinator.NegotiationConfig{MaxRounds: 5})
	require.NoError(t, err)

	_, err = neg.SubmitOffer(ctx, buyer.ContextID, 80, nil, "opening")
	require.NoError(t, err)

	state, err := neg.SubmitOffer(ctx, seller.ContextID, 90, nil, "counter")
	require.NoError(t, err)
	counter := state.LastOffer()
	require.NotNil(t, counter)

	state, err = neg.Accept(ctx, buyer.ContextID, counter.OfferID, "deal")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAccepted, state.Status)
	require.NotNil(t, state.AcceptedOffer)
	assert.Equal(t, 90.0, state.AcceptedOffer.Price)

	events, err := manager.History(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, domain.EventTypeSessionStarted, events[0].Type)
	assert.Equal(t, domain.EventTypeOfferReceived, events[1].Type)
	assert.Equal(t, domain.EventTypeOfferReceived, events[2].Type)
	assert.Equal(t, domain.EventTypeOfferAccepted, events[3].Type)

	// Each side heard about the other's moves.
	sellerInbox := rec.envelopes("seller")
	require.NotEmpty(t, sellerInbox)
	assert.Equal(t, transport.MessageOffer, sellerInbox[0].EventType)
	buyerInbox := rec.envelopes("buyer")
	require.NotEmpty(t, buyerInbox)
}

func TestNegotiationEnforcesTurnOrder(t *testing.T) {
	ctx := context.Background()
	neg, manager, _ := newNegotiationFixture(t)
	buyer, seller := negotiationParties()

	sessionID, err := neg.Start(ctx, buyer, seller, coordinator.NegotiationConfig{MaxRounds: 5})
	require.NoError(t, err)

	// The initiator moves first; the seller jumping in is rejected without
	// consuming a sequence number.
	_, err = neg.SubmitOffer(ctx, seller.ContextID, 120, nil, "")
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)

	events, err := manager.History(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Same side twice in a row is rejected too.
	_, err = neg.SubmitOffer(ctx, buyer.ContextID, 80, nil, "")
	require.NoError(t, err)
	_, err = neg.SubmitOffer(ctx, buyer.ContextID, 85, nil, "")
	assert.ErrorAs(t, err, &vErr)
}

func TestNegotiationMaxRoundsReached(t *testing.T) {
	ctx := context.Background()
	neg, manager, _ := newNegotiationFixture(t)
	buyer, seller := negotiationParties()

	sessionID, err := neg.Start(ctx, buyer, seller, coordinator.NegotiationConfig{MaxRounds: 2})
	require.NoError(t, err)

	_, err = neg.SubmitOffer(ctx, buyer.ContextID, 80, nil, "")
	require.NoError(t, err)
	_, err = neg.SubmitOffer(ctx, seller.ContextID, 110, nil, "")
	require.NoError(t, err)

	// The exchange is exhausted; the next submit completes the session
	// instead of recording an offer.
	state, err := neg.SubmitOffer(ctx, buyer.ContextID, 85, nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMaxRoundsReached, state.Status)
	assert.Len(t, state.Offers, 2)

	events, err := manager.History(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, domain.EventTypeSessionCompleted, events[3].Type)

	// Terminal now; further submits fail.
	_, err = neg.SubmitOffer(ctx, seller.ContextID, 100, nil, "")
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestNegotiationReject(t *testing.T) {
	ctx := context.Background()
	neg, _, _ := newNegotiationFixture(t)
	buyer, seller := negotiationParties()

	_, err := neg.Start(ctx, buyer, seller, coordinator.NegotiationConfig{MaxRounds: 5})
	require.NoError(t, err)
	_, err = neg.SubmitOffer(ctx, buyer.ContextID, 80, nil, "")
	require.NoError(t, err)

	state, err := neg.Reject(ctx, seller.ContextID, "too low")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, state.Status)
	assert.Equal(t, "too low", state.FinalReason)
}

func TestNegotiationCannotAcceptOwnOffer(t *testing.T) {
	ctx := context.Background()
	neg, _, _ := newNegotiationFixture(t)
	buyer, seller := negotiationParties()

	_, err := neg.Start(ctx, buyer, seller, coordinator.NegotiationConfig{MaxRounds: 5})
	require.NoError(t, err)
	state, err := neg.SubmitOffer(ctx, buyer.ContextID, 80, nil, "")
	require.NoError(t, err)
	mine := state.LastOffer()
	require.NotNil(t, mine)

	_, err = neg.Accept(ctx, buyer.ContextID, mine.OfferID, "")
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestNegotiationTurnDeadlineExpires(t *testing.T) {
	ctx := context.Background()
	neg, _, _ := newNegotiationFixture(t)
	buyer, seller := negotiationParties()

	_, err := neg.Start(ctx, buyer, seller, coordinator.NegotiationConfig{
		MaxRounds:    5,
		TurnDeadline: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	// Deadline not yet reached: no-op.
	expired, err := neg.OnTimeout(ctx, time.Now())
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = neg.OnTimeout(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, expired)

	state, err := neg.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, state.Status)

	// Expiring twice is a no-op, not an error.
	expired, err = neg.OnTimeout(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestNegotiationAbort(t *testing.T) {
	ctx := context.Background()
	neg, _, _ := newNegotiationFixture(t)
	buyer, seller := negotiationParties()

	_, err := neg.Start(ctx, buyer, seller, coordinator.NegotiationConfig{MaxRounds: 5})
	require.NoError(t, err)

	require.NoError(t, neg.Abort(ctx, "operator intervention"))

	state, err := neg.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAborted, state.Status)
	assert.Equal(t, "operator intervention", state.FinalReason)

	assert.Error(t, neg.Abort(ctx, "again"))
}

func TestNegotiationRunWithRuleAgents(t *testing.T) {
	ctx := context.Background()
	neg, _, _ := newNegotiationFixture(t)
	buyer, seller := negotiationParties()

	_, err := neg.Start(ctx, buyer, seller, coordinator.NegotiationConfig{MaxRounds: 10})
	require.NoError(t, err)

	agents := map[string]agent.Agent{
		buyer.ContextID:  &agent.ConcessionBuyer{ContextID: buyer.ContextID, Target: 100},
		seller.ContextID: &agent.HoldoutSeller{ContextID: seller.ContextID, Asking: 120, Floor: 90, Step: 10},
	}

	state, err := neg.Run(ctx, agents)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, state.Status)
	require.NotNil(t, state.AcceptedOffer)
	assert.LessOrEqual(t, state.AcceptedOffer.Price, 120.0)
	assert.GreaterOrEqual(t, state.AcceptedOffer.Price, 80.0)
}

func TestNegotiationRunSkipsFailingAgent(t *testing.T) {
	ctx := context.Background()
	neg, _, _ := newNegotiationFixture(t)
	buyer, seller := negotiationParties()

	_, err := neg.Start(ctx, buyer, seller, coordinator.NegotiationConfig{MaxRounds: 3})
	require.NoError(t, err)

	agents := map[string]agent.Agent{
		buyer.ContextID: agent.Func(func(context.Context, string, domain.SessionState) (agent.Action, error) {
			return nil, assert.AnError
		}),
		seller.ContextID: &agent.HoldoutSeller{ContextID: seller.ContextID, Asking: 120, Floor: 90, Step: 10},
	}

	// The buyer's agent never produces an action; the loop must terminate
	// anyway instead of spinning, with the session still ACTIVE.
	state, err := neg.Run(ctx, agents)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, state.Status)
	assert.Empty(t, state.Offers)
}
