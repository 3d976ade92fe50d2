// Package eventlog persists per-session, append-only event logs and derives
// session state from them. The log is the sole persisted state of the
// system; everything else is a fold over it.
package eventlog

import (
	"context"

	"github.com/shaket-dev/shaket/internal/domain"
)

// Store is the persistence interface for event logs.
type Store interface {
	// Append writes ev with seq == expectedSeq. It fails with
	// *domain.ConcurrencyConflict when expectedSeq does not equal the log's
	// current length, and writes nothing in that case.
	Append(ctx context.Context, ev domain.Event, expectedSeq int) (domain.Event, error)

	// Events returns the full ordered log for a session. An unknown session
	// yields an empty slice, not an error.
	Events(ctx context.Context, sessionID string) ([]domain.Event, error)

	// Sessions lists every session id present in the store.
	Sessions(ctx context.Context) ([]string, error)

	Close() error
}
