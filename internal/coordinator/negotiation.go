// Package coordinator drives sessions through their state machines. A
// coordinator validates inbound actions against derived state, appends the
// resulting events, and notifies the affected counterparties through the
// session messenger. It performs no outbound I/O anywhere else.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaket-dev/shaket/internal/agent"
	"github.com/shaket-dev/shaket/internal/domain"
	"github.com/shaket-dev/shaket/internal/eventlog"
	"github.com/shaket-dev/shaket/internal/messenger"
	"github.com/shaket-dev/shaket/internal/policy"
	"github.com/shaket-dev/shaket/internal/transport"
)

// appendRetries bounds the re-read/retry loop on optimistic-append
// conflicts.
const appendRetries = 3

// NegotiationConfig configures a two-party negotiation.
type NegotiationConfig struct {
	MaxRounds    int
	TurnDeadline time.Duration
}

// NegotiationCoordinator drives one two-party negotiation session:
// INIT -> ACTIVE -> {ACCEPTED, REJECTED, MAX_ROUNDS_REACHED, EXPIRED}.
type NegotiationCoordinator struct {
	state     *eventlog.StateManager
	messenger *messenger.SessionMessenger
	guard     *policy.Engine
	logger    *slog.Logger

	sessionID string
}

// NewNegotiation creates a coordinator. The policy guard is optional.
func NewNegotiation(state *eventlog.StateManager, m *messenger.SessionMessenger, guard *policy.Engine, logger *slog.Logger) *NegotiationCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &NegotiationCoordinator{
		state:     state,
		messenger: m,
		guard:     guard,
		logger:    logger.With("component", "negotiation"),
	}
}

// SessionID returns the session this coordinator drives, empty before Start.
func (c *NegotiationCoordinator) SessionID() string { return c.sessionID }

// Start creates the session and appends SESSION_STARTED. Exactly two
// contexts; the initiator moves first.
func (c *NegotiationCoordinator) Start(ctx context.Context, initiator, counterparty domain.Context, cfg NegotiationConfig) (string, error) {
	if cfg.MaxRounds <= 0 {
		return "", &domain.ValidationError{Reason: "max rounds must be positive"}
	}

	sessionID := domain.NewSessionID()
	ev := domain.NewEvent(sessionID, domain.EventTypeSessionStarted, "", domain.SessionStartedPayload{
		Kind:         domain.SessionKindNegotiation,
		InitiatorID:  initiator.ContextID,
		Contexts:     []domain.Context{initiator, counterparty},
		MaxRounds:    cfg.MaxRounds,
		TurnDeadline: domain.Duration(cfg.TurnDeadline),
	})
	if _, err := c.state.Append(ctx, sessionID, 0, ev); err != nil {
		return "", err
	}
	c.sessionID = sessionID

	c.logger.Info("negotiation started",
		"session_id", sessionID,
		"initiator", initiator.ContextID,
		"counterparty", counterparty.ContextID,
		"max_rounds", cfg.MaxRounds)
	return sessionID, nil
}

// SubmitOffer validates the turn, appends OFFER_RECEIVED, and forwards the
// offer to the other context. If the exchange would exceed max rounds it
// appends SESSION_COMPLETED with MAX_ROUNDS_REACHED instead.
func (c *NegotiationCoordinator) SubmitOffer(ctx context.Context, contextID string, price float64, terms json.RawMessage, message string) (domain.SessionState, error) {
	for attempt := 0; ; attempt++ {
		state, err := c.state.DeriveState(ctx, c.sessionID)
		if err != nil {
			return domain.SessionState{}, err
		}
		if state.Status != domain.StatusActive {
			return state, &domain.ValidationError{
				SessionID: c.sessionID,
				Reason:    fmt.Sprintf("cannot submit an offer in status %s", state.Status),
			}
		}
		if turn := state.NextTurn(); turn != contextID {
			return state, &domain.ValidationError{
				SessionID: c.sessionID,
				Reason:    fmt.Sprintf("it is context %s's turn, not %s's", turn, contextID),
			}
		}
		if err := c.checkPolicy(ctx, state, contextID, "send_offer", price); err != nil {
			return state, err
		}

		if len(state.Offers) >= state.MaxRounds {
			ev := domain.NewEvent(c.sessionID, domain.EventTypeSessionCompleted, "", domain.SessionCompletedPayload{
				Status: domain.StatusMaxRoundsReached,
				Reason: "maximum rounds reached without agreement",
			})
			if _, err := c.state.Append(ctx, c.sessionID, state.Seq, ev); err != nil {
				if retryable(err, attempt) {
					continue
				}
				return state, err
			}
			c.notifyAll(ctx, state, transport.MessageSessionClosed, domain.SessionCompletedPayload{
				Status: domain.StatusMaxRoundsReached,
			})
			return c.state.DeriveState(ctx, c.sessionID)
		}

		offer := domain.NewOffer(contextID, state.CurrentRound+1, price, terms, message)
		ev := domain.NewEvent(c.sessionID, domain.EventTypeOfferReceived, contextID, domain.OfferReceivedPayload{Offer: offer})
		if _, err := c.state.Append(ctx, c.sessionID, state.Seq, ev); err != nil {
			if retryable(err, attempt) {
				continue
			}
			return state, err
		}

		c.notify(ctx, state, state.CounterpartyOf(contextID), offer.Round, transport.MessageOffer, offer)
		return c.state.DeriveState(ctx, c.sessionID)
	}
}

// Accept accepts a previously received offer; terminal.
func (c *NegotiationCoordinator) Accept(ctx context.Context, contextID, offerID, message string) (domain.SessionState, error) {
	for attempt := 0; ; attempt++ {
		state, err := c.state.DeriveState(ctx, c.sessionID)
		if err != nil {
			return domain.SessionState{}, err
		}
		if state.Status != domain.StatusActive {
			return state, &domain.ValidationError{
				SessionID: c.sessionID,
				Reason:    fmt.Sprintf("cannot accept in status %s", state.Status),
			}
		}
		offer := state.OfferByID(offerID)
		if offer == nil {
			return state, &domain.ValidationError{
				SessionID: c.sessionID,
				Reason:    fmt.Sprintf("unknown offer %s", offerID),
			}
		}
		if offer.ContextID == contextID {
			return state, &domain.ValidationError{
				SessionID: c.sessionID,
				Reason:    "a context cannot accept its own offer",
			}
		}
		if err := c.checkPolicy(ctx, state, contextID, "accept", offer.Price); err != nil {
			return state, err
		}

		ev := domain.NewEvent(c.sessionID, domain.EventTypeOfferAccepted, contextID, domain.OfferAcceptedPayload{
			OfferID: offerID,
			Message: message,
		})
		if _, err := c.state.Append(ctx, c.sessionID, state.Seq, ev); err != nil {
			if retryable(err, attempt) {
				continue
			}
			return state, err
		}

		c.notify(ctx, state, state.CounterpartyOf(contextID), offer.Round, transport.MessageOfferAccepted, domain.OfferAcceptedPayload{OfferID: offerID, Message: message})
		c.logger.Info("offer accepted", "session_id", c.sessionID, "offer_id", offerID, "price", offer.Price)
		return c.state.DeriveState(ctx, c.sessionID)
	}
}

// Reject ends the negotiation without agreement; terminal.
func (c *NegotiationCoordinator) Reject(ctx context.Context, contextID, reason string) (domain.SessionState, error) {
	for attempt := 0; ; attempt++ {
		state, err := c.state.DeriveState(ctx, c.sessionID)
		if err != nil {
			return domain.SessionState{}, err
		}
		if state.Status != domain.StatusActive {
			return state, &domain.ValidationError{
				SessionID: c.sessionID,
				Reason:    fmt.Sprintf("cannot reject in status %s", state.Status),
			}
		}

		ev := domain.NewEvent(c.sessionID, domain.EventTypeOfferRejected, contextID, domain.OfferRejectedPayload{Reason: reason})
		if _, err := c.state.Append(ctx, c.sessionID, state.Seq, ev); err != nil {
			if retryable(err, attempt) {
				continue
			}
			return state, err
		}

		c.notify(ctx, state, state.CounterpartyOf(contextID), state.CurrentRound, transport.MessageOfferRejected, domain.OfferRejectedPayload{Reason: reason})
		return c.state.DeriveState(ctx, c.sessionID)
	}
}

// Abort force-terminates the session from either side or the operator.
func (c *NegotiationCoordinator) Abort(ctx context.Context, reason string) error {
	return AbortSession(ctx, c.state, c.messenger, c.logger, c.sessionID, reason)
}

// OnTimeout expires the session when the per-turn deadline has elapsed with
// no action. It is a no-op when the session is terminal or the deadline has
// not passed; a missed deadline is a normal transition, never an error.
func (c *NegotiationCoordinator) OnTimeout(ctx context.Context, now time.Time) (bool, error) {
	for attempt := 0; ; attempt++ {
		state, err := c.state.DeriveState(ctx, c.sessionID)
		if err != nil {
			return false, err
		}
		if state.Status != domain.StatusActive || state.TurnDeadline == 0 {
			return false, nil
		}
		if now.Sub(state.LastEventAt) < state.TurnDeadline.Std() {
			return false, nil
		}

		ev := domain.NewEvent(c.sessionID, domain.EventTypeTimeout, "", domain.TimeoutPayload{Deadline: state.TurnDeadline})
		if _, err := c.state.Append(ctx, c.sessionID, state.Seq, ev); err != nil {
			if retryable(err, attempt) {
				continue
			}
			return false, err
		}
		c.notifyAll(ctx, state, transport.MessageSessionClosed, domain.TimeoutPayload{Deadline: state.TurnDeadline})
		c.logger.Info("negotiation expired", "session_id", c.sessionID)
		return true, nil
	}
}

// Watch expires the session if its turn deadline elapses. It returns when
// the session reaches a terminal status or ctx is cancelled.
func (c *NegotiationCoordinator) Watch(ctx context.Context) {
	state, err := c.state.DeriveState(ctx, c.sessionID)
	if err != nil || state.TurnDeadline == 0 {
		return
	}
	interval := state.TurnDeadline.Std() / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired, err := c.OnTimeout(ctx, now)
			if err != nil {
				c.logger.Warn("timeout check failed", "session_id", c.sessionID, "error", err)
				continue
			}
			if expired {
				return
			}
			if state, err := c.state.DeriveState(ctx, c.sessionID); err == nil && state.Status.Terminal() {
				return
			}
		}
	}
}

// Run drives the negotiation with the given per-context agents until a
// terminal status. A failed or invalid decision yields no action for that
// turn (AgentDecisionError is recoverable); the iteration cap keeps an
// undecided pair from spinning.
func (c *NegotiationCoordinator) Run(ctx context.Context, agents map[string]agent.Agent) (domain.SessionState, error) {
	state, err := c.state.DeriveState(ctx, c.sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}
	maxIterations := 2*state.MaxRounds + 4

	for i := 0; i < maxIterations; i++ {
		state, err = c.state.DeriveState(ctx, c.sessionID)
		if err != nil {
			return domain.SessionState{}, err
		}
		if state.Status != domain.StatusActive {
			return state, nil
		}

		turn := state.NextTurn()
		a, ok := agents[turn]
		if !ok {
			return state, &domain.ValidationError{
				SessionID: c.sessionID,
				Reason:    fmt.Sprintf("no agent for context %s", turn),
			}
		}

		action, err := a.DecideNextAction(ctx, c.sessionID, state)
		if err != nil {
			decErr := &domain.AgentDecisionError{ContextID: turn, Err: err}
			c.logger.Warn("agent decision failed, skipping turn",
				"session_id", c.sessionID, "context_id", turn, "error", decErr)
			continue
		}

		switch act := action.(type) {
		case agent.SendOffer:
			if _, err := c.SubmitOffer(ctx, turn, act.Price, act.Terms, act.Message); err != nil {
				c.logger.Warn("offer not applied", "session_id", c.sessionID, "context_id", turn, "error", err)
			}
		case agent.Accept:
			if _, err := c.Accept(ctx, turn, act.OfferID, act.Message); err != nil {
				c.logger.Warn("accept not applied", "session_id", c.sessionID, "context_id", turn, "error", err)
			}
		case agent.Reject:
			if _, err := c.Reject(ctx, turn, act.Reason); err != nil {
				c.logger.Warn("reject not applied", "session_id", c.sessionID, "context_id", turn, "error", err)
			}
		case agent.NoOp:
			// Nothing this turn.
		}
	}

	return c.state.DeriveState(ctx, c.sessionID)
}

// State re-derives the current session state.
func (c *NegotiationCoordinator) State(ctx context.Context) (domain.SessionState, error) {
	return c.state.DeriveState(ctx, c.sessionID)
}

func (c *NegotiationCoordinator) checkPolicy(ctx context.Context, state domain.SessionState, contextID, action string, price float64) error {
	if c.guard == nil {
		return nil
	}
	role := state.Contexts[contextID].Role
	decision, reason, err := c.guard.Evaluate(ctx, policy.Input{
		SessionKind: string(state.Kind),
		Action:      action,
		Role:        string(role),
		ContextID:   contextID,
		Round:       state.CurrentRound,
		Price:       price,
	})
	if err != nil {
		return fmt.Errorf("policy evaluation: %w", err)
	}
	if decision == "block" {
		if reason == "" {
			reason = "blocked by policy"
		}
		return &domain.ValidationError{SessionID: state.SessionID, Reason: reason}
	}
	return nil
}

// notify delivers a payload to one context. Delivery failure is surfaced in
// the log stream, not escalated: a counterparty that cannot be reached does
// not invalidate a committed event.
func (c *NegotiationCoordinator) notify(ctx context.Context, state domain.SessionState, contextID string, round int, eventType string, payload any) {
	target, ok := state.Contexts[contextID]
	if !ok {
		return
	}
	env, err := transport.NewEnvelope(c.sessionID, contextID, round, eventType, payload)
	if err != nil {
		c.logger.Warn("envelope build failed", "session_id", c.sessionID, "error", err)
		return
	}
	if _, err := c.messenger.SendTo(ctx, target, env); err != nil {
		var dErr *domain.DeliveryError
		if errors.As(err, &dErr) {
			c.logger.Warn("notification not delivered",
				"session_id", c.sessionID, "context_id", contextID, "error", dErr)
		}
	}
}

func (c *NegotiationCoordinator) notifyAll(ctx context.Context, state domain.SessionState, eventType string, payload any) {
	for id := range state.Contexts {
		c.notify(ctx, state, id, state.CurrentRound, eventType, payload)
	}
}

// retryable reports whether err is a ConcurrencyConflict with retries left.
func retryable(err error, attempt int) bool {
	var conflict *domain.ConcurrencyConflict
	return errors.As(err, &conflict) && attempt < appendRetries
}

// AbortSession appends SESSION_ABORTED and tells everyone; shared by both
// coordinators.
func AbortSession(ctx context.Context, sm *eventlog.StateManager, m *messenger.SessionMessenger, logger *slog.Logger, sessionID, reason string) error {
	for attempt := 0; ; attempt++ {
		state, err := sm.DeriveState(ctx, sessionID)
		if err != nil {
			return err
		}
		if state.Status.Terminal() {
			return &domain.ValidationError{
				SessionID: sessionID,
				Reason:    fmt.Sprintf("cannot abort in status %s", state.Status),
			}
		}

		ev := domain.NewEvent(sessionID, domain.EventTypeSessionAborted, "", domain.SessionAbortedPayload{Reason: reason})
		if _, err := sm.Append(ctx, sessionID, state.Seq, ev); err != nil {
			if retryable(err, attempt) {
				continue
			}
			return err
		}

		logger.Info("session aborted", "session_id", sessionID, "reason", reason)
		for id, target := range state.Contexts {
			env, envErr := transport.NewEnvelope(sessionID, id, state.CurrentRound, transport.MessageSessionClosed, domain.SessionAbortedPayload{Reason: reason})
			if envErr != nil {
				continue
			}
			if _, sendErr := m.SendTo(ctx, target, env); sendErr != nil {
				logger.Warn("abort notification not delivered",
					"session_id", sessionID, "context_id", id, "error", sendErr)
			}
		}
		return nil
	}
}
