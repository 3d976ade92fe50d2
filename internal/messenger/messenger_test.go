package messenger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaket-dev/shaket/internal/domain"
	"github.com/shaket-dev/shaket/internal/messenger"
	"github.com/shaket-dev/shaket/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sellerContext(id string) domain.Context {
	return domain.Context{ContextID: id, Role: domain.RoleSeller, Endpoint: id}
}

func replyHandler(price float64) transport.Handler {
	return func(_ context.Context, env transport.Envelope) (*transport.Envelope, error) {
		resp, err := transport.NewEnvelope(env.SessionID, "", env.Round, transport.MessageOffer,
			domain.Offer{Price: price})
		if err != nil {
			return nil, err
		}
		return &resp, nil
	}
}

func TestSendToWrapsDeliveryFailure(t *testing.T) {
	lb := transport.NewLoopback()
	m := messenger.New(lb, nil)

	env, err := transport.NewEnvelope("s1", "ctx_a", 0, transport.MessageStateUpdate, nil)
	require.NoError(t, err)

	_, err = m.SendTo(context.Background(), sellerContext("ctx_a"), env)
	var dErr *domain.DeliveryError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, "ctx_a", dErr.ContextID)
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	lb := transport.NewLoopback()
	lb.Register("ctx_ok", replyHandler(100))
	lb.Register("ctx_bad", func(context.Context, transport.Envelope) (*transport.Envelope, error) {
		return nil, errors.New("connection refused")
	})
	m := messenger.New(lb, nil)

	env, err := transport.NewEnvelope("s2", "", 1, transport.MessageBidRequest, nil)
	require.NoError(t, err)

	results := m.Broadcast(context.Background(),
		[]domain.Context{sellerContext("ctx_ok"), sellerContext("ctx_bad"), sellerContext("ctx_missing")}, env)
	require.Len(t, results, 3)
	assert.NoError(t, results["ctx_ok"].Err)
	assert.Error(t, results["ctx_bad"].Err)
	assert.Error(t, results["ctx_missing"].Err)
}

func TestCollectReturnsPartialResultsAtDeadline(t *testing.T) {
	lb := transport.NewLoopback()
	lb.Register("ctx_fast", replyHandler(90))
	lb.Register("ctx_silent", func(context.Context, transport.Envelope) (*transport.Envelope, error) {
		return nil, nil // fire-and-forget, never answers
	})
	m := messenger.New(lb, nil)

	env, err := transport.NewEnvelope("s3", "", 1, transport.MessageBidRequest, nil)
	require.NoError(t, err)

	targets := []domain.Context{sellerContext("ctx_fast"), sellerContext("ctx_silent")}
	m.Broadcast(context.Background(), targets, env)

	results := m.Collect(context.Background(), "s3", 1,
		[]string{"ctx_fast", "ctx_silent"}, 50*time.Millisecond)

	require.Len(t, results, 2)
	assert.Equal(t, messenger.CollectReceived, results["ctx_fast"].Status)
	require.NotNil(t, results["ctx_fast"].Response)
	assert.Equal(t, messenger.CollectTimeout, results["ctx_silent"].Status)
}

func TestCollectRecordsDeliveryErrors(t *testing.T) {
	lb := transport.NewLoopback()
	m := messenger.New(lb, nil)

	env, err := transport.NewEnvelope("s4", "", 1, transport.MessageBidRequest, nil)
	require.NoError(t, err)

	m.Broadcast(context.Background(), []domain.Context{sellerContext("ctx_gone")}, env)
	results := m.Collect(context.Background(), "s4", 1, []string{"ctx_gone"}, 50*time.Millisecond)

	assert.Equal(t, messenger.CollectError, results["ctx_gone"].Status)
	assert.Error(t, results["ctx_gone"].Err)
}

func TestCollectFinishesEarlyWhenAllRespond(t *testing.T) {
	lb := transport.NewLoopback()
	lb.Register("ctx_a", replyHandler(95))
	lb.Register("ctx_b", replyHandler(90))
	m := messenger.New(lb, nil)

	env, err := transport.NewEnvelope("s5", "", 1, transport.MessageBidRequest, nil)
	require.NoError(t, err)

	targets := []domain.Context{sellerContext("ctx_a"), sellerContext("ctx_b")}
	m.Broadcast(context.Background(), targets, env)

	start := time.Now()
	results := m.Collect(context.Background(), "s5", 1, []string{"ctx_a", "ctx_b"}, 5*time.Second)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, messenger.CollectReceived, results["ctx_a"].Status)
	assert.Equal(t, messenger.CollectReceived, results["ctx_b"].Status)
}

func TestLateResponseIsDiscarded(t *testing.T) {
	lb := transport.NewLoopback()
	m := messenger.New(lb, nil)

	env, err := transport.NewEnvelope("s6", "", 1, transport.MessageBidRequest, nil)
	require.NoError(t, err)
	m.Broadcast(context.Background(), []domain.Context{sellerContext("ctx_slow")}, env)

	results := m.Collect(context.Background(), "s6", 1, []string{"ctx_slow"}, 10*time.Millisecond)
	assert.NotEqual(t, messenger.CollectReceived, results["ctx_slow"].Status)

	// The round's collector is gone; the straggler is a no-op.
	late, err := transport.NewEnvelope("s6", "ctx_slow", 1, transport.MessageOffer, domain.Offer{Price: 80})
	require.NoError(t, err)
	m.Receive("s6", 1, "ctx_slow", &late)

	// A fresh collect for the same round does not see the stale response as
	// RECEIVED-before-broadcast leftovers.
	fresh := m.Collect(context.Background(), "s6", 2, []string{"ctx_slow"}, 10*time.Millisecond)
	assert.Equal(t, messenger.CollectTimeout, fresh["ctx_slow"].Status)
}

func TestReceiveFeedsOpenCollector(t *testing.T) {
	lb := transport.NewLoopback()
	lb.Register("ctx_async", func(context.Context, transport.Envelope) (*transport.Envelope, error) {
		return nil, nil
	})
	m := messenger.New(lb, nil)

	env, err := transport.NewEnvelope("s7", "", 1, transport.MessageBidRequest, nil)
	require.NoError(t, err)
	m.Broadcast(context.Background(), []domain.Context{sellerContext("ctx_async")}, env)

	go func() {
		time.Sleep(20 * time.Millisecond)
		resp, _ := transport.NewEnvelope("s7", "ctx_async", 1, transport.MessageOffer, domain.Offer{Price: 85})
		m.Receive("s7", 1, "ctx_async", &resp)
	}()

	results := m.Collect(context.Background(), "s7", 1, []string{"ctx_async"}, time.Second)
	require.Equal(t, messenger.CollectReceived, results["ctx_async"].Status)
	require.NotNil(t, results["ctx_async"].Response)
}
