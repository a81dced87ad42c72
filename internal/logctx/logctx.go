// Package logctx enriches slog records with request- and connection-scoped
// attributes carried on the context, so handlers can log terse event names
// while still producing correlated output.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("subscription_id", cd.SubscriptionID),
			slog.String("session_id", cd.SessionID),
			slog.Int("hops", cd.Hops),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

// ConnData identifies one duplex connection attempt: its subject and the
// redirect hop count that produced it.
type ConnData struct {
	SubscriptionID string
	SessionID      string
	Hops           int
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}
