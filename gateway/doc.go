// Package gateway terminates the duplex notification channel. It mounts as a
// standard net/http handler serving the connect endpoint
//
//	GET /notifications?source=...&eventTypes=...&subject={subscriptionId}/{sessionId}
//
// and upgrades accepted requests to a WebSocket on which completion frames
// are pushed. Before upgrading, a pluggable redirect.Resolver may steer the
// attempt to another node with a 307; hop counts are enforced on both ends.
//
// Responsibilities
//   - Connect request validation (source, event types, subject shape)
//   - Redirect resolution with bounded hop counts
//   - Connection lifecycle: Connecting -> Open -> Closing -> Closed
//   - Keepalive enforcement (client pings; >1m silence may close)
//   - Idle enforcement (no completion sent for the configured period)
//   - Listener registration against the session registry
//
// Completion delivery rides the registry: the correlation tracker snapshots
// a session's listeners and calls Deliver on each, which enqueues the frame
// onto the connection's serialized write pump. Losing a connection loses only
// that connection's pending deliveries; other listeners and the session's
// subscriptions are untouched.
//
// The package also ships SubscribeMiddleware, which wraps a service's own
// operation endpoints to record notification subscriptions and acknowledge
// them with the notification-session-result response header.
package gateway
