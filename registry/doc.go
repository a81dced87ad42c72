// Package registry defines the session registry abstraction shared by the
// gateway and the correlation tracker. A registry maps a session id to the
// set of live duplex connections listening on it ("listeners") and to the set
// of outstanding notification subscriptions awaiting completion.
//
// Layers & Roles
//
//	Gateway    -> registers/unregisters one listener per duplex connection
//	Tracker    -> snapshots ListenersFor at fulfilment time and fans out
//	Registry   -> bookkeeping only; never owns connection lifecycles
//
// Listener sets are non-owning references: a connection owns its own
// transport and teardown, the registry merely addresses it. All mutations are
// atomic with respect to concurrent reads, so a fan-out observes exactly the
// listener set present at the moment it snapshots.
//
// Implementations
//
//	memoryregistry : in-process reference used for tests and single-node runs
//	redisregistry  : Redis backed membership + pub/sub bridging across nodes
//
// A session entry is created implicitly on first Register or AddSubscription
// and evicted once it has no listeners and no outstanding subscriptions,
// after a short linger window that tolerates client reconnection.
package registry
