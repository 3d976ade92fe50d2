package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shaket-dev/shaket/internal/domain"
	"github.com/shaket-dev/shaket/internal/eventlog"
	"github.com/shaket-dev/shaket/internal/messenger"
	"github.com/shaket-dev/shaket/internal/policy"
	"github.com/shaket-dev/shaket/internal/transport"
)

// AuctionConfig configures a reverse auction.
type AuctionConfig struct {
	MaxRounds     int
	RoundDeadline time.Duration
}

// BidRequest is the payload broadcast to sellers at the start of each round.
// Feedback carries the previous round's aggregate from round two on; sellers
// see the field, never each other's individual bids.
type BidRequest struct {
	Round       int                   `json:"round"`
	TotalRounds int                   `json:"total_rounds"`
	Feedback    *domain.RoundFeedback `json:"feedback,omitempty"`
	Message     string                `json:"message,omitempty"`
}

// ReverseAuctionCoordinator drives one reverse auction: the initiator
// broadcasts a bid request each round, collects seller offers under the
// round deadline, closes the round with aggregate feedback, and completes
// with the best offer per seller after the final round.
type ReverseAuctionCoordinator struct {
	state     *eventlog.StateManager
	messenger *messenger.SessionMessenger
	guard     *policy.Engine
	logger    *slog.Logger

	sessionID string
}

// NewReverseAuction creates a coordinator. The policy guard is optional.
func NewReverseAuction(state *eventlog.StateManager, m *messenger.SessionMessenger, guard *policy.Engine, logger *slog.Logger) *ReverseAuctionCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReverseAuctionCoordinator{
		state:     state,
		messenger: m,
		guard:     guard,
		logger:    logger.With("component", "auction"),
	}
}

// SessionID returns the session this coordinator drives, empty before Start.
func (c *ReverseAuctionCoordinator) SessionID() string { return c.sessionID }

// Start creates the session and opens round one. At least one seller must be
// present at start; more may join until round one closes.
func (c *ReverseAuctionCoordinator) Start(ctx context.Context, initiator domain.Context, sellers []domain.Context, cfg AuctionConfig) (string, error) {
	if cfg.MaxRounds <= 0 {
		return "", &domain.ValidationError{Reason: "max rounds must be positive"}
	}
	if len(sellers) == 0 {
		return "", &domain.ValidationError{Reason: "an auction needs at least one seller"}
	}

	sessionID := domain.NewSessionID()
	contexts := append([]domain.Context{initiator}, sellers...)
	started := domain.NewEvent(sessionID, domain.EventTypeSessionStarted, "", domain.SessionStartedPayload{
		Kind:          domain.SessionKindAuction,
		InitiatorID:   initiator.ContextID,
		Contexts:      contexts,
		MaxRounds:     cfg.MaxRounds,
		RoundDeadline: domain.Duration(cfg.RoundDeadline),
	})
	if _, err := c.state.Append(ctx, sessionID, 0, started); err != nil {
		return "", err
	}

	opened := domain.NewEvent(sessionID, domain.EventTypeBiddingRoundStart, "", domain.BiddingRoundStartedPayload{Number: 1})
	if _, err := c.state.Append(ctx, sessionID, 1, opened); err != nil {
		return "", err
	}

	c.sessionID = sessionID
	c.logger.Info("auction started",
		"session_id", sessionID,
		"initiator", initiator.ContextID,
		"sellers", len(sellers),
		"max_rounds", cfg.MaxRounds)
	return sessionID, nil
}

// Join adds a seller to a running auction. The event log rejects joins once
// the first round has closed.
func (c *ReverseAuctionCoordinator) Join(ctx context.Context, seller domain.Context) error {
	for attempt := 0; ; attempt++ {
		state, err := c.state.DeriveState(ctx, c.sessionID)
		if err != nil {
			return err
		}
		if _, exists := state.Contexts[seller.ContextID]; exists {
			return &domain.ValidationError{
				SessionID: c.sessionID,
				Reason:    fmt.Sprintf("context %s already joined", seller.ContextID),
			}
		}

		ev := domain.NewEvent(c.sessionID, domain.EventTypeCounterpartyJoined, seller.ContextID, domain.CounterpartyJoinedPayload{Context: seller})
		if _, err := c.state.Append(ctx, c.sessionID, state.Seq, ev); err != nil {
			if retryable(err, attempt) {
				continue
			}
			return err
		}
		c.logger.Info("seller joined", "session_id", c.sessionID, "context_id", seller.ContextID)
		return nil
	}
}

// Run executes the round loop until the session is terminal and returns the
// final state. Every seller is solicited each round, including earlier
// non-responders; a round in which nobody responds aborts the auction.
func (c *ReverseAuctionCoordinator) Run(ctx context.Context) (domain.SessionState, error) {
	for {
		state, err := c.state.DeriveState(ctx, c.sessionID)
		if err != nil {
			return domain.SessionState{}, err
		}
		if state.Status != domain.StatusActive {
			return state, nil
		}
		if !state.RoundOpen {
			return state, &domain.ValidationError{
				SessionID: c.sessionID,
				Reason:    fmt.Sprintf("session active but round %d is not open", state.CurrentRound),
			}
		}

		state, err = c.runRound(ctx, state)
		if err != nil {
			return state, err
		}
	}
}

// runRound drives one open round start to close: solicit, collect, record,
// aggregate, then either open the next round or complete the session.
func (c *ReverseAuctionCoordinator) runRound(ctx context.Context, state domain.SessionState) (domain.SessionState, error) {
	round := state.CurrentRound
	targets, ids := c.sellerTargets(state)

	req := BidRequest{Round: round, TotalRounds: state.MaxRounds}
	if prev, ok := state.Rounds[round-1]; ok && prev.Feedback != nil {
		req.Feedback = prev.Feedback
	}
	env, err := transport.NewEnvelope(c.sessionID, "", round, transport.MessageBidRequest, req)
	if err != nil {
		return state, err
	}

	c.logger.Info("bidding round opened",
		"session_id", c.sessionID, "round", round, "sellers", len(targets))

	c.messenger.Broadcast(ctx, targets, env)
	results := c.messenger.Collect(ctx, c.sessionID, round, ids, state.RoundDeadline.Std())

	responded, missing := c.recordOffers(ctx, round, ids, results)

	state, err = c.state.DeriveState(ctx, c.sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}
	offers := state.RoundOffers(round)

	if len(offers) == 0 {
		reason := fmt.Sprintf("no seller responded in round %d", round)
		if err := AbortSession(ctx, c.state, c.messenger, c.logger, c.sessionID, reason); err != nil {
			return state, err
		}
		return c.state.DeriveState(ctx, c.sessionID)
	}

	fb := aggregate(round, offers)
	ended := domain.NewEvent(c.sessionID, domain.EventTypeBiddingRoundEnded, "", domain.BiddingRoundEndedPayload{
		Number:    round,
		Feedback:  fb,
		Responded: responded,
		Missing:   missing,
	})
	if _, err := c.appendWithRetry(ctx, ended); err != nil {
		return state, err
	}
	c.logger.Info("bidding round closed",
		"session_id", c.sessionID,
		"round", round,
		"offers", len(offers),
		"min", fb.Min, "max", fb.Max, "avg", fb.Avg)

	if round < state.MaxRounds {
		opened := domain.NewEvent(c.sessionID, domain.EventTypeBiddingRoundStart, "", domain.BiddingRoundStartedPayload{
			Number:        round + 1,
			PriorFeedback: &fb,
		})
		if _, err := c.appendWithRetry(ctx, opened); err != nil {
			return state, err
		}
		return c.state.DeriveState(ctx, c.sessionID)
	}

	return c.complete(ctx)
}

// recordOffers appends an OFFER_RECEIVED per collected response, in stable
// context-id order so reruns of the same responses produce the same log.
func (c *ReverseAuctionCoordinator) recordOffers(ctx context.Context, round int, ids []string, results map[string]messenger.CollectResult) (responded, missing []string) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	for _, id := range sorted {
		res := results[id]
		if res.Status != messenger.CollectReceived || res.Response == nil {
			missing = append(missing, id)
			continue
		}
		offer, err := parseOffer(res.Response, id, round)
		if err != nil {
			c.logger.Warn("seller response unparseable",
				"session_id", c.sessionID, "round", round, "context_id", id, "error", err)
			missing = append(missing, id)
			continue
		}
		if err := c.checkBidPolicy(ctx, id, round, offer.Price); err != nil {
			c.logger.Warn("bid blocked by policy",
				"session_id", c.sessionID, "round", round, "context_id", id, "error", err)
			missing = append(missing, id)
			continue
		}

		ev := domain.NewEvent(c.sessionID, domain.EventTypeOfferReceived, id, domain.OfferReceivedPayload{Offer: offer})
		if _, err := c.appendWithRetry(ctx, ev); err != nil {
			c.logger.Warn("bid not recorded",
				"session_id", c.sessionID, "round", round, "context_id", id, "error", err)
			missing = append(missing, id)
			continue
		}
		responded = append(responded, id)
	}
	return responded, missing
}

// complete closes the auction with the best offer per seller. No winner is
// chosen; selection is the initiator's business after the fact.
func (c *ReverseAuctionCoordinator) complete(ctx context.Context) (domain.SessionState, error) {
	state, err := c.state.DeriveState(ctx, c.sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}

	ev := domain.NewEvent(c.sessionID, domain.EventTypeSessionCompleted, "", domain.SessionCompletedPayload{
		Status:     domain.StatusCompleted,
		Reason:     "all bidding rounds finished",
		BestOffers: state.ComputeBestOffers(),
	})
	if _, err := c.appendWithRetry(ctx, ev); err != nil {
		return state, err
	}

	final, err := c.state.DeriveState(ctx, c.sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}
	c.logger.Info("auction completed",
		"session_id", c.sessionID, "rounds", final.CurrentRound, "offers", len(final.Offers))

	targets, _ := c.sellerTargets(final)
	closed := domain.SessionCompletedPayload{Status: final.Status, BestOffers: final.BestOffers}
	for _, target := range targets {
		env, envErr := transport.NewEnvelope(c.sessionID, target.ContextID, final.CurrentRound, transport.MessageSessionClosed, closed)
		if envErr != nil {
			continue
		}
		if _, sendErr := c.messenger.SendTo(ctx, target, env); sendErr != nil {
			c.logger.Warn("close notification not delivered",
				"session_id", c.sessionID, "context_id", target.ContextID, "error", sendErr)
		}
	}
	return final, nil
}

// Abort force-terminates the auction.
func (c *ReverseAuctionCoordinator) Abort(ctx context.Context, reason string) error {
	return AbortSession(ctx, c.state, c.messenger, c.logger, c.sessionID, reason)
}

// State re-derives the current session state.
func (c *ReverseAuctionCoordinator) State(ctx context.Context) (domain.SessionState, error) {
	return c.state.DeriveState(ctx, c.sessionID)
}

func (c *ReverseAuctionCoordinator) appendWithRetry(ctx context.Context, ev domain.Event) (domain.Event, error) {
	for attempt := 0; ; attempt++ {
		state, err := c.state.DeriveState(ctx, c.sessionID)
		if err != nil {
			return domain.Event{}, err
		}
		stored, err := c.state.Append(ctx, c.sessionID, state.Seq, ev)
		if err != nil {
			if retryable(err, attempt) {
				continue
			}
			return domain.Event{}, err
		}
		return stored, nil
	}
}

func (c *ReverseAuctionCoordinator) checkBidPolicy(ctx context.Context, contextID string, round int, price float64) error {
	if c.guard == nil {
		return nil
	}
	decision, reason, err := c.guard.Evaluate(ctx, policy.Input{
		SessionKind: string(domain.SessionKindAuction),
		Action:      "send_offer",
		Role:        string(domain.RoleSeller),
		ContextID:   contextID,
		Round:       round,
		Price:       price,
	})
	if err != nil {
		return fmt.Errorf("policy evaluation: %w", err)
	}
	if decision == "block" {
		if reason == "" {
			reason = "blocked by policy"
		}
		return &domain.ValidationError{SessionID: c.sessionID, Reason: reason}
	}
	return nil
}

func (c *ReverseAuctionCoordinator) sellerTargets(state domain.SessionState) ([]domain.Context, []string) {
	ids := state.Counterparties()
	sort.Strings(ids)
	targets := make([]domain.Context, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, state.Contexts[id])
	}
	return targets, ids
}

// parseOffer normalizes a seller's reply envelope into an offer bound to the
// round it answers, regardless of what the seller stamped on it.
func parseOffer(env *transport.Envelope, contextID string, round int) (domain.Offer, error) {
	var offer domain.Offer
	if len(env.Payload) == 0 {
		return domain.Offer{}, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(env.Payload, &offer); err != nil {
		return domain.Offer{}, fmt.Errorf("decode offer: %w", err)
	}
	if offer.OfferID == "" {
		offer = domain.NewOffer(contextID, round, offer.Price, offer.Terms, offer.Message)
	}
	offer.ContextID = contextID
	offer.Round = round
	if offer.Timestamp.IsZero() {
		offer.Timestamp = env.Timestamp
	}
	return offer, nil
}

// aggregate computes the round feedback over received offers.
func aggregate(round int, offers []domain.Offer) domain.RoundFeedback {
	fb := domain.RoundFeedback{Round: round, Count: len(offers)}
	if len(offers) == 0 {
		return fb
	}
	fb.Min = offers[0].Price
	fb.Max = offers[0].Price
	var sum float64
	for _, o := range offers {
		if o.Price < fb.Min {
			fb.Min = o.Price
		}
		if o.Price > fb.Max {
			fb.Max = o.Price
		}
		sum += o.Price
	}
	fb.Avg = sum / float64(len(offers))
	return fb
}
