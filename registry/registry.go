package registry

import (
	"context"
	"errors"

	"github.com/johanste/lightningapi/notify"
)

var (
	// ErrHandleClosed is returned when unregistering a handle that has
	// already been released.
	ErrHandleClosed = errors.New("listener handle already closed")
)

// Listener is one live duplex connection's delivery surface. Deliver must be
// safe for concurrent use and must not block indefinitely: implementations
// enqueue and return, or fail fast when the connection is no longer writable.
// A Deliver error means that one delivery to that one listener is lost;
// callers drop it without retry.
type Listener interface {
	Deliver(ctx context.Context, frame []byte) error
}

// Handle references one registered listener. Closing it removes the listener
// from its session's set; the underlying connection is untouched.
type Handle interface {
	// SessionID reports the session the listener was registered under.
	SessionID() string
	// Close removes the listener from the registry. Idempotent via
	// ErrHandleClosed on repeat calls.
	Close(ctx context.Context) error
}

// Registry is the session bookkeeping contract. Multiple listeners per
// session are explicitly supported; registering a second listener under an
// existing session id is not an error.
type Registry interface {
	// Register adds a listener under the session named by subject, creating
	// the session entry if absent. The subject's subscription scope is
	// retained so completion envelopes can be addressed later.
	Register(ctx context.Context, subject notify.Subject, l Listener) (Handle, error)

	// Unregister releases the handle. Equivalent to h.Close(ctx).
	Unregister(ctx context.Context, h Handle) error

	// AddSubscription records that a completion for (sessionID,
	// notificationID) is expected. Idempotent: repeating the same pair
	// leaves the registry state unchanged.
	AddSubscription(ctx context.Context, sessionID, notificationID string) error

	// HasSubscription reports whether the pair is currently outstanding.
	HasSubscription(ctx context.Context, sessionID, notificationID string) (bool, error)

	// RemoveSubscription forgets an outstanding pair, typically after its
	// completion has been fanned out. Unknown pairs are a no-op.
	RemoveSubscription(ctx context.Context, sessionID, notificationID string) error

	// ListenersFor snapshots the current listener set for the session. An
	// empty slice means nobody is connected right now; it is not an error.
	ListenersFor(ctx context.Context, sessionID string) ([]Listener, error)

	// SubjectFor reports the full subject recorded for a session, if the
	// session is known.
	SubjectFor(ctx context.Context, sessionID string) (notify.Subject, bool, error)
}
