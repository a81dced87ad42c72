// Package memoryregistry provides the in-process registry.Registry
// implementation. It is the reference backend for tests and single-node
// deployments; state is local and lost on restart, which is acceptable for a
// best-effort channel.
package memoryregistry

import (
	"context"
	"sync"
	"time"

	"github.com/johanste/lightningapi/notify"
	"github.com/johanste/lightningapi/registry"
)

const (
	// DefaultLinger is how long an empty session entry survives to allow a
	// client to reconnect under the same session id before it is evicted.
	DefaultLinger = 30 * time.Second

	// DefaultSubscriptionTTL bounds how long an unfulfilled subscription is
	// remembered. The protocol leaves an operation that never completes
	// unspecified; the TTL prevents that case from leaking entries forever.
	DefaultSubscriptionTTL = 24 * time.Hour
)

// Option configures a Registry.
type Option func(*Registry)

// WithLinger overrides the empty-session linger window. Zero drops empty
// sessions immediately.
func WithLinger(d time.Duration) Option {
	return func(r *Registry) { r.linger = d }
}

// WithSubscriptionTTL overrides the outstanding-subscription lifetime.
func WithSubscriptionTTL(d time.Duration) Option {
	return func(r *Registry) { r.subTTL = d }
}

// Registry is an in-memory implementation of registry.Registry. All methods
// are safe for concurrent use; a single mutex serializes mutations so that
// listener snapshots are atomic with respect to register/unregister.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	linger   time.Duration
	subTTL   time.Duration
}

type sessionEntry struct {
	subject   notify.Subject
	listeners map[*handle]registry.Listener
	subs      map[string]time.Time // notificationID -> expiry
	emptiedAt time.Time
}

type handle struct {
	r         *Registry
	sessionID string
	closed    bool
}

func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*sessionEntry),
		linger:   DefaultLinger,
		subTTL:   DefaultSubscriptionTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(ctx context.Context, subject notify.Subject, l registry.Listener) (registry.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.ensureLocked(subject.SessionID)
	// The subject's subscription scope is recorded on first contact; later
	// registrations under the same session id keep the original scope.
	if e.subject.SubscriptionID == "" {
		e.subject = subject
	}
	h := &handle{r: r, sessionID: subject.SessionID}
	e.listeners[h] = l
	e.emptiedAt = time.Time{}
	return h, nil
}

func (r *Registry) Unregister(ctx context.Context, h registry.Handle) error {
	return h.Close(ctx)
}

func (r *Registry) AddSubscription(ctx context.Context, sessionID, notificationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.ensureLocked(sessionID)
	// Idempotent: re-adding the same pair refreshes the expiry and nothing
	// else. A duplicate id reused by a misbehaving client is still just one
	// subscription here; misattribution is the client's problem to avoid.
	e.subs[notificationID] = time.Now().Add(r.subTTL)
	e.emptiedAt = time.Time{}
	return nil
}

func (r *Registry) HasSubscription(ctx context.Context, sessionID, notificationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return false, nil
	}
	r.pruneLocked(sessionID, e)
	_, ok = e.subs[notificationID]
	return ok, nil
}

func (r *Registry) RemoveSubscription(ctx context.Context, sessionID, notificationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(e.subs, notificationID)
	r.pruneLocked(sessionID, e)
	return nil
}

func (r *Registry) ListenersFor(ctx context.Context, sessionID string) ([]registry.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]registry.Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, l)
	}
	return out, nil
}

func (r *Registry) SubjectFor(ctx context.Context, sessionID string) (notify.Subject, bool, error) {
	if err := ctx.Err(); err != nil {
		return notify.Subject{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || e.subject.SubscriptionID == "" {
		return notify.Subject{}, false, nil
	}
	return e.subject, true, nil
}

// ensureLocked returns the session entry, creating it if absent. Callers hold
// r.mu.
func (r *Registry) ensureLocked(sessionID string) *sessionEntry {
	e, ok := r.sessions[sessionID]
	if !ok {
		e = &sessionEntry{
			listeners: make(map[*handle]registry.Listener),
			subs:      make(map[string]time.Time),
		}
		r.sessions[sessionID] = e
	}
	return e
}

// pruneLocked drops expired subscriptions and schedules eviction once the
// entry holds neither listeners nor outstanding subscriptions. Callers hold
// r.mu.
func (r *Registry) pruneLocked(sessionID string, e *sessionEntry) {
	now := time.Now()
	for nid, exp := range e.subs {
		if now.After(exp) {
			delete(e.subs, nid)
		}
	}
	if len(e.listeners) > 0 || len(e.subs) > 0 {
		return
	}
	if r.linger <= 0 {
		delete(r.sessions, sessionID)
		return
	}
	e.emptiedAt = now
	time.AfterFunc(r.linger, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur, ok := r.sessions[sessionID]
		if ok && cur == e && len(cur.listeners) == 0 && len(cur.subs) == 0 && !cur.emptiedAt.IsZero() {
			delete(r.sessions, sessionID)
		}
	})
}

func (h *handle) SessionID() string { return h.sessionID }

func (h *handle) Close(ctx context.Context) error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.closed {
		return registry.ErrHandleClosed
	}
	h.closed = true
	e, ok := h.r.sessions[h.sessionID]
	if !ok {
		return nil
	}
	delete(e.listeners, h)
	if len(e.listeners) > 0 {
		e.emptiedAt = time.Time{}
	}
	h.r.pruneLocked(h.sessionID, e)
	return nil
}

var (
	_ registry.Registry = (*Registry)(nil)
	_ registry.Handle   = (*handle)(nil)
)
