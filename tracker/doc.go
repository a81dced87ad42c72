// Package tracker binds operation completions to notification sessions and
// fans them out. The operation subsystem calls Fulfil when a long-running
// operation finishes; the tracker snapshots the session's listener set at
// that instant and delivers one CloudEvents frame to each listener.
//
// Delivery is fan-out, not load-balancing: every listener registered at
// fulfilment time gets the event, and duplication across listeners is
// expected. There is no acknowledgment channel; clients deduplicate by
// notification id.
//
// When nobody is listening the event is dropped, unless an optional
// completion cache is attached (WithCache). The cache is a bounded, TTL'd
// convenience for quickly-reconnecting clients and is never something a
// client may rely on.
package tracker
