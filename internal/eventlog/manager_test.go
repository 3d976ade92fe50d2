package eventlog_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shaket-dev/shaket/internal/domain"
	"github.com/shaket-dev/shaket/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParties() (domain.Context, domain.Context) {
	buyer := domain.Context{ContextID: "ctx_buyer", Role: domain.RoleBuyer, Endpoint: "buyer"}
	seller := domain.Context{ContextID: "ctx_seller", Role: domain.RoleSeller, Endpoint: "seller"}
	return buyer, seller
}

func startSession(t *testing.T, m *eventlog.StateManager, sessionID string, kind domain.SessionKind) {
	t.Helper()
	buyer, seller := testParties()
	ev := domain.NewEvent(sessionID, domain.EventTypeSessionStarted, "", domain.SessionStartedPayload{
		Kind:        kind,
		InitiatorID: buyer.ContextID,
		Contexts:    []domain.Context{buyer, seller},
		MaxRounds:   5,
	})
	_, err := m.Append(context.Background(), sessionID, 0, ev)
	require.NoError(t, err)
}

func TestManagerValidatesBeforeSeqCheck(t *testing.T) {
	ctx := context.Background()
	m := eventlog.NewStateManager(eventlog.NewMemoryStore(), nil)
	startSession(t, m, "m1", domain.SessionKindNegotiation)

	// Event forbidden by the transition table, presented with a stale seq:
	// the validation error wins and no sequence is consumed.
	_, err := m.Append(ctx, "m1", 0, domain.NewEvent("m1", domain.EventTypeSessionStarted, "", nil))
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)

	state, err := m.DeriveState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Seq)
}

func TestManagerStaleSeqConflicts(t *testing.T) {
	ctx := context.Background()
	m := eventlog.NewStateManager(eventlog.NewMemoryStore(), nil)
	startSession(t, m, "m2", domain.SessionKindNegotiation)

	buyer, _ := testParties()
	offer := domain.NewEvent("m2", domain.EventTypeOfferReceived, buyer.ContextID,
		domain.OfferReceivedPayload{Offer: domain.NewOffer(buyer.ContextID, 1, 100, nil, "")})
	_, err := m.Append(ctx, "m2", 0, offer)
	var conflict *domain.ConcurrencyConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.ActualSeq)
}

func TestManagerRejectsAppendAfterTerminal(t *testing.T) {
	ctx := context.Background()
	m := eventlog.NewStateManager(eventlog.NewMemoryStore(), nil)
	startSession(t, m, "m3", domain.SessionKindNegotiation)

	_, err := m.Append(ctx, "m3", 1, domain.NewEvent("m3", domain.EventTypeSessionAborted, "",
		domain.SessionAbortedPayload{Reason: "test"}))
	require.NoError(t, err)

	buyer, _ := testParties()
	_, err = m.Append(ctx, "m3", 2, domain.NewEvent("m3", domain.EventTypeOfferReceived, buyer.ContextID,
		domain.OfferReceivedPayload{Offer: domain.NewOffer(buyer.ContextID, 1, 100, nil, "")}))
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)

	events, err := m.History(ctx, "m3")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

// Two writers race on the same expected seq; exactly one wins and the log
// stays gapless.
func TestManagerConcurrentAppendsOneWinner(t *testing.T) {
	ctx := context.Background()
	m := eventlog.NewStateManager(eventlog.NewMemoryStore(), nil)
	startSession(t, m, "m4", domain.SessionKindNegotiation)

	buyer, _ := testParties()
	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := domain.NewEvent("m4", domain.EventTypeOfferReceived, buyer.ContextID,
				domain.OfferReceivedPayload{Offer: domain.NewOffer(buyer.ContextID, 1, float64(100+i), nil, "")})
			_, errs[i] = m.Append(ctx, "m4", 1, ev)
		}(i)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		var conflict *domain.ConcurrencyConflict
		assert.ErrorAs(t, err, &conflict)
	}
	assert.Equal(t, 1, won)

	events, err := m.History(ctx, "m4")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, i, ev.Seq)
	}
}

func TestManagerDeriveMatchesHistory(t *testing.T) {
	ctx := context.Background()
	m := eventlog.NewStateManager(newTestSQLiteStore(t), nil)
	startSession(t, m, "m5", domain.SessionKindAuction)

	_, err := m.Append(ctx, "m5", 1, domain.NewEvent("m5", domain.EventTypeBiddingRoundStart, "",
		domain.BiddingRoundStartedPayload{Number: 1}))
	require.NoError(t, err)

	state, err := m.DeriveState(ctx, "m5")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, state.Status)
	assert.Equal(t, 2, state.Seq)
	assert.Equal(t, 1, state.CurrentRound)
	assert.True(t, state.RoundOpen)

	events, err := m.History(ctx, "m5")
	require.NoError(t, err)
	assert.Equal(t, state, domain.Derive("m5", events))
}
