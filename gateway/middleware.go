package gateway

import (
	"log/slog"
	"net/http"

	"github.com/johanste/lightningapi/registry"
)

const (
	// SessionIDHeader names the request header carrying the client-chosen
	// session id on operation requests.
	SessionIDHeader = "notification-session-id"
	// NotificationIDHeader names the request header carrying the freshly
	// generated notification id for one operation request.
	NotificationIDHeader = "notification-id"
	// ResultHeader is the response header acknowledging that push will be
	// attempted for this request. Its absence is the sole signal that the
	// client must rely on polling alone.
	ResultHeader = "notification-session-result"
	// ResultAccepted is the only defined ResultHeader value.
	ResultAccepted = "accepted"
)

// AsyncPredicate reports whether a request starts an asynchronous
// long-running operation. Only such requests are eligible for a push
// acknowledgment; synchronous operations never carry the result header.
type AsyncPredicate func(*http.Request) bool

// SubscribeMiddleware records notification subscriptions on operation
// requests. A request carrying both notification headers on an asynchronous
// operation is acknowledged with "notification-session-result: accepted" and
// its (sessionId, notificationId) pair becomes outstanding in the registry.
//
// Failure to record the pair withholds the acknowledgment instead of failing
// the request: the operation proceeds and the client falls back to polling,
// which is the fail-open behavior the protocol requires in every ambiguous
// case.
func SubscribeMiddleware(reg registry.Registry, isAsync AsyncPredicate, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.Header.Get(SessionIDHeader)
			notificationID := r.Header.Get(NotificationIDHeader)

			if sessionID != "" && notificationID != "" && isAsync != nil && isAsync(r) {
				ctx := r.Context()
				if err := reg.AddSubscription(ctx, sessionID, notificationID); err != nil {
					log.WarnContext(ctx, "subscribe.record.fail", slog.String("err", err.Error()))
				} else {
					w.Header().Set(ResultHeader, ResultAccepted)
					log.InfoContext(ctx, "subscribe.accepted",
						slog.String("session_id", sessionID),
						slog.String("notification_id", notificationID),
					)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
