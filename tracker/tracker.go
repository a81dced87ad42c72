package tracker

import (
	"context"
	"log/slog"

	"github.com/johanste/lightningapi/notify"
	"github.com/johanste/lightningapi/registry"
)

// Sink is the surface the operation subsystem calls into when an operation
// completes. It is consumed, not implemented, by that subsystem.
type Sink interface {
	Fulfil(ctx context.Context, ev notify.CompletionEvent) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the slog logger used by the tracker. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// WithCache attaches a completion cache used when a fulfilment finds no
// listeners. Optional; without it such events are dropped.
func WithCache(c CompletionCache) Option {
	return func(t *Tracker) { t.cache = c }
}

// Tracker fans completion events out to a session's current listeners.
type Tracker struct {
	reg   registry.Registry
	log   *slog.Logger
	cache CompletionCache
}

func New(reg registry.Registry, opts ...Option) *Tracker {
	t := &Tracker{
		reg: reg,
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fulfil delivers a completion to every listener currently registered under
// the event's session. Individual delivery failures are dropped silently and
// never propagate to the operation subsystem; a session with no listeners is
// a no-op apart from optional caching. Duplicate or unknown notification ids
// are not detected here: the frame is fanned out as-is and the client's id
// uniqueness contract decides what it means.
func (t *Tracker) Fulfil(ctx context.Context, ev notify.CompletionEvent) error {
	subject, ok, err := t.reg.SubjectFor(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if !ok {
		// Session never seen by this gateway. The subject keeps its session
		// component so a cached replay still correlates.
		subject = notify.Subject{SessionID: ev.SessionID}
	}

	env := notify.NewEnvelope(subject, ev.NotificationID, ev.OperationURL)
	frame, err := env.Encode()
	if err != nil {
		return err
	}

	listeners, err := t.reg.ListenersFor(ctx, ev.SessionID)
	if err != nil {
		return err
	}

	if len(listeners) == 0 {
		if t.cache != nil {
			if err := t.cache.Put(ctx, ev.SessionID, frame); err != nil {
				t.log.WarnContext(ctx, "fulfil.cache.fail", slog.String("err", err.Error()))
			} else {
				t.log.InfoContext(ctx, "fulfil.cached", slog.String("session_id", ev.SessionID))
			}
		} else {
			t.log.InfoContext(ctx, "fulfil.drop.no_listeners", slog.String("session_id", ev.SessionID))
		}
		return nil
	}

	delivered := 0
	for _, l := range listeners {
		if err := l.Deliver(ctx, frame); err != nil {
			t.log.WarnContext(ctx, "fulfil.deliver.fail", slog.String("err", err.Error()))
			continue
		}
		delivered++
	}

	if err := t.reg.RemoveSubscription(ctx, ev.SessionID, ev.NotificationID); err != nil {
		t.log.WarnContext(ctx, "fulfil.subscription.forget.fail", slog.String("err", err.Error()))
	}

	t.log.InfoContext(ctx, "fulfil.fanout",
		slog.String("session_id", ev.SessionID),
		slog.Int("listeners", len(listeners)),
		slog.Int("delivered", delivered),
	)
	return nil
}

// ReplayCached delivers any cached completions for the session to a single
// newly-registered listener, evicting them from the cache. A no-op without a
// cache.
func (t *Tracker) ReplayCached(ctx context.Context, sessionID string, l registry.Listener) {
	if t.cache == nil {
		return
	}
	frames, err := t.cache.Take(ctx, sessionID)
	if err != nil {
		t.log.WarnContext(ctx, "replay.cache.fail", slog.String("err", err.Error()))
		return
	}
	for _, frame := range frames {
		if err := l.Deliver(ctx, frame); err != nil {
			t.log.WarnContext(ctx, "replay.deliver.fail", slog.String("err", err.Error()))
			return
		}
		// A replayed completion answers its subscription the same way a live
		// delivery does; the pair must not stay outstanding for its full TTL.
		env, err := notify.DecodeEnvelope(frame)
		if err != nil || env.Data.SubscriptionNotificationID == "" {
			continue
		}
		if err := t.reg.RemoveSubscription(ctx, sessionID, env.Data.SubscriptionNotificationID); err != nil {
			t.log.WarnContext(ctx, "replay.subscription.forget.fail", slog.String("err", err.Error()))
		}
	}
	if len(frames) > 0 {
		t.log.InfoContext(ctx, "replay.ok",
			slog.String("session_id", sessionID),
			slog.Int("frames", len(frames)),
		)
	}
}

var _ Sink = (*Tracker)(nil)
