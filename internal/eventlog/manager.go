package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shaket-dev/shaket/internal/domain"
)

// StateManager is the single source of truth for session state. Appends are
// validated against the derived status (transition table, round barrier)
// before the sequence check, so an invalid event never consumes a sequence
// number. A per-session lock gives the append path single-writer discipline
// while different sessions proceed fully in parallel.
type StateManager struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStateManager wraps a Store.
func NewStateManager(store Store, logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{
		store:  store,
		logger: logger.With("component", "eventlog"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *StateManager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// Append validates ev against the current derived state and commits it at
// expectedSeq. All-or-nothing: on any error the log is untouched.
func (m *StateManager) Append(ctx context.Context, sessionID string, expectedSeq int, ev domain.Event) (domain.Event, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	events, err := m.store.Events(ctx, sessionID)
	if err != nil {
		return domain.Event{}, err
	}
	state := domain.Derive(sessionID, events)

	// Status validation first: an event forbidden by the transition table is
	// rejected regardless of the sequence the caller presented.
	if err := state.CanAppend(ev); err != nil {
		return domain.Event{}, err
	}
	if expectedSeq != state.Seq {
		return domain.Event{}, &domain.ConcurrencyConflict{
			SessionID:   sessionID,
			ExpectedSeq: expectedSeq,
			ActualSeq:   state.Seq,
		}
	}

	stored, err := m.store.Append(ctx, ev, expectedSeq)
	if err != nil {
		return domain.Event{}, err
	}

	m.logger.Debug("event appended",
		"session_id", sessionID,
		"seq", stored.Seq,
		"type", string(stored.Type),
		"context_id", stored.ContextID)
	return stored, nil
}

// DeriveState recomputes the session state from its full log. Deterministic
// for a given log prefix.
func (m *StateManager) DeriveState(ctx context.Context, sessionID string) (domain.SessionState, error) {
	events, err := m.store.Events(ctx, sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}
	return domain.Derive(sessionID, events), nil
}

// History returns the ordered audit trail, read-only.
func (m *StateManager) History(ctx context.Context, sessionID string) ([]domain.Event, error) {
	return m.store.Events(ctx, sessionID)
}

// Sessions lists all session ids known to the store.
func (m *StateManager) Sessions(ctx context.Context) ([]string, error) {
	return m.store.Sessions(ctx)
}
