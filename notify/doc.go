// Package notify defines the wire-level vocabulary of the operation
// completion channel: the subject addressing scheme, the completion event
// payload, and the CloudEvents v1.0 envelope in which completions are
// delivered over a duplex connection.
//
// The channel is strictly best-effort. A completion may reach a client zero,
// one, or many times; clients correlate by notification id and fall back to
// polling whenever in doubt. Nothing in this package implies a delivery
// guarantee.
package notify
