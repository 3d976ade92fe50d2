package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaket-dev/shaket/internal/domain"
	"github.com/shaket-dev/shaket/internal/eventlog"
)

// Coordinator is the registry's view of a session driver, whatever its kind.
type Coordinator interface {
	SessionID() string
	State(ctx context.Context) (domain.SessionState, error)
	Abort(ctx context.Context, reason string) error
}

// Registry tracks live coordinators by session id. Archiving removes a
// terminal session's coordinator; the event log keeps the session's history
// either way.
type Registry struct {
	state *eventlog.StateManager

	mu       sync.RWMutex
	sessions map[string]Coordinator
}

// NewRegistry creates an empty registry over the given state manager.
func NewRegistry(state *eventlog.StateManager) *Registry {
	return &Registry{
		state:    state,
		sessions: make(map[string]Coordinator),
	}
}

// Add registers a started coordinator.
func (r *Registry) Add(c Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[c.SessionID()] = c
}

// Get returns the coordinator for a session, or nil if none is registered.
func (r *Registry) Get(sessionID string) Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// List returns all known session ids, live and archived, sorted.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	ids, err := r.state.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Archive drops the coordinator of a terminal session. Archiving a live
// session is an error; the events stay in the store regardless.
func (r *Registry) Archive(ctx context.Context, sessionID string) error {
	state, err := r.state.DeriveState(ctx, sessionID)
	if err != nil {
		return err
	}
	if !state.Status.Terminal() {
		return &domain.ValidationError{
			SessionID: sessionID,
			Reason:    fmt.Sprintf("cannot archive session in status %s", state.Status),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}
