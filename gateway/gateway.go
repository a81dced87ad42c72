package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/johanste/lightningapi/auth"
	"github.com/johanste/lightningapi/internal/logctx"
	"github.com/johanste/lightningapi/notify"
	"github.com/johanste/lightningapi/redirect"
	"github.com/johanste/lightningapi/registry"
	"github.com/johanste/lightningapi/tracker"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// ConnectPath is the duplex connect endpoint served by the handler.
const ConnectPath = "/notifications"

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger           *slog.Logger
	resolver         redirect.Resolver
	authorizer       auth.Authorizer
	tracker          *tracker.Tracker
	keepaliveTimeout time.Duration
	idleTimeout      time.Duration
}

// WithLogger sets the slog logger used by the handler. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithResolver installs a redirect policy. Default accepts every attempt
// locally.
func WithResolver(r redirect.Resolver) Option {
	return func(c *newConfig) { c.resolver = r }
}

// WithAuthorizer installs a connect-time authorization hook. The channel
// itself establishes no authorization model; the hook validates whatever
// credential already governs the underlying HTTP API.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(c *newConfig) { c.authorizer = a }
}

// WithTracker lets the handler replay cached completions to listeners as
// they register. Optional.
func WithTracker(t *tracker.Tracker) Option {
	return func(c *newConfig) { c.tracker = t }
}

// WithKeepaliveTimeout overrides how long the handler tolerates ping
// silence before it may close a connection. The client contract is a ping
// every 20s; the default of one minute tolerates jitter.
func WithKeepaliveTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.keepaliveTimeout = d }
}

// WithIdleTimeout overrides how long a connection may go without a
// completion sent before the handler may close it. Production configurations
// should exceed ten minutes.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.idleTimeout = d }
}

// Handler serves the notification connect endpoint.
type Handler struct {
	mux        *http.ServeMux
	log        *slog.Logger
	reg        registry.Registry
	resolver   redirect.Resolver
	authorizer auth.Authorizer
	tracker    *tracker.Tracker
	upgrader   websocket.Upgrader
	connCfg    connConfig
}

// New constructs a Handler backed by the given session registry.
func New(reg registry.Registry, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}

	cfg := &newConfig{
		logger:           slog.New(slog.DiscardHandler),
		resolver:         redirect.AcceptAll(),
		keepaliveTimeout: defaultKeepaliveTimeout,
		idleTimeout:      defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.keepaliveTimeout <= 0 {
		return nil, fmt.Errorf("keepalive timeout must be positive")
	}
	if cfg.idleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}

	h := &Handler{
		log:        slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		reg:        reg,
		resolver:   cfg.resolver,
		authorizer: cfg.authorizer,
		tracker:    cfg.tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.connCfg = defaultConnConfig()
	h.connCfg.keepaliveTimeout = cfg.keepaliveTimeout
	h.connCfg.idleTimeout = cfg.idleTimeout

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", ConnectPath), h.handleConnect)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeError emits an error body for HTTP-layer rejections before any
// upgrade has happened. JSON when the client accepts it, plain text
// otherwise. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType}); err != nil {
			http.Error(w, msg, status)
			return
		}
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// handleConnect handles GET /notifications: validate, resolve placement,
// upgrade, register, and pump until the connection dies. Protocol violations
// are rejected before any session state is created.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "ws.connect.start")

	q := r.URL.Query()
	if src := q.Get("source"); src != notify.QuerySource {
		writeError(w, r, http.StatusBadRequest, "unsupported source")
		h.log.WarnContext(ctx, "connect.source.invalid", slog.String("source", src))
		return
	}
	if !eventTypesInclude(q.Get("eventTypes"), notify.TypeOperationCompletion) {
		writeError(w, r, http.StatusBadRequest, "unsupported event types")
		h.log.WarnContext(ctx, "connect.event_types.invalid", slog.String("event_types", q.Get("eventTypes")))
		return
	}
	subject, err := notify.ParseSubject(q.Get("subject"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		h.log.WarnContext(ctx, "connect.subject.invalid", slog.String("err", err.Error()))
		return
	}

	hops, err := redirect.HopsFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		h.log.WarnContext(ctx, "connect.hops.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		SubscriptionID: subject.SubscriptionID,
		SessionID:      subject.SessionID,
		Hops:           hops,
	})

	if h.authorizer != nil {
		if err := h.authorizer.Authorize(ctx, r, subject); err != nil {
			status := http.StatusUnauthorized
			if auth.IsForbidden(err) {
				status = http.StatusForbidden
			}
			writeError(w, r, status, "not authorized for subject")
			h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "auth.ok")
	}

	decision, err := h.resolver.Resolve(ctx, redirect.Attempt{Subject: subject, Hops: hops})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "placement resolution failed")
		h.log.ErrorContext(ctx, "connect.resolve.fail", slog.String("err", err.Error()))
		return
	}
	if loc, isRedirect := decision.Redirect(); isRedirect {
		if hops >= redirect.MaxHops {
			// Fail closed: an exhausted attempt gets an explicit error,
			// never an eleventh redirect.
			writeError(w, r, http.StatusMisdirectedRequest, redirect.ErrTooManyRedirects.Error())
			h.log.WarnContext(ctx, "connect.redirect.exhausted")
			return
		}
		loc = withConnectQuery(loc, r.URL.RawQuery)
		w.Header().Set("Location", loc)
		w.Header().Set(redirect.HopsHeader, strconv.Itoa(hops+1))
		w.WriteHeader(http.StatusTemporaryRedirect)
		h.log.InfoContext(ctx, "connect.redirect", slog.String("location", loc))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error; handshake failure means
		// the connection goes straight to closed with no state created.
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	c := newConn(ws, h.log, h.connCfg, hops)
	c.open()

	handle, err := h.reg.Register(ctx, subject, c)
	if err != nil {
		h.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		_ = ws.Close()
		return
	}
	h.log.InfoContext(ctx, "session.register.ok")

	if h.tracker != nil {
		h.tracker.ReplayCached(ctx, subject.SessionID, c)
	}

	c.run(ctx)

	// No further delivery attempts after teardown: release the listener
	// first, then the registry can no longer hand this conn to a fan-out.
	if err := handle.Close(context.WithoutCancel(ctx)); err != nil {
		h.log.WarnContext(ctx, "session.unregister.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "ws.close", slog.Duration("dur", time.Since(start)))
}

// withConnectQuery carries the connect request's query over to a redirect
// target that does not set its own. Resolvers typically name a peer's bare
// connect endpoint; the client follows Location verbatim, so the target must
// still carry source, eventTypes, and subject or the peer rejects the attempt.
func withConnectQuery(loc, rawQuery string) string {
	if rawQuery == "" {
		return loc
	}
	u, err := url.Parse(loc)
	if err != nil || u.RawQuery != "" {
		return loc
	}
	u.RawQuery = rawQuery
	return u.String()
}

func eventTypesInclude(raw, want string) bool {
	for _, t := range strings.Split(raw, ",") {
		if strings.TrimSpace(t) == want {
			return true
		}
	}
	return false
}
