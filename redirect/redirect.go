// Package redirect decides, per inbound connection attempt, whether this node
// accepts the duplex connection or steers it elsewhere with an HTTP 307.
// Policy is pluggable; the wire contract is fixed: the hop count travels in a
// request header, strictly increases per hop, and an attempt that has already
// been redirected MaxHops times fails closed instead of bouncing again.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"

	"github.com/johanste/lightningapi/notify"
)

const (
	// MaxHops bounds redirects per connection attempt, enforced by both
	// ends.
	MaxHops = 10

	// HopsHeader carries the attempt's redirect count. Absent means zero.
	HopsHeader = "notification-redirect-hops"
)

var (
	// ErrTooManyRedirects marks an attempt that has exhausted its hop
	// budget. The handler surfaces it as an explicit client error, never as
	// another redirect.
	ErrTooManyRedirects = errors.New("connection attempt exceeded redirect limit")
)

// Attempt describes one inbound connection-establishment request.
type Attempt struct {
	Subject notify.Subject
	// Hops already taken by this attempt, parsed from HopsHeader. Carried
	// in request state, never shared between attempts.
	Hops int
}

// Decision is either an acceptance or a redirect to another node.
type Decision struct {
	location string
}

// Accept keeps the connection on this node.
func Accept() Decision { return Decision{} }

// RedirectTo steers the attempt to another node's connect endpoint.
func RedirectTo(location string) Decision { return Decision{location: location} }

// Redirect reports the target location if the decision is a redirect.
func (d Decision) Redirect() (string, bool) { return d.location, d.location != "" }

// Resolver is the pluggable placement policy, invoked once per connection
// attempt before any registry interaction.
type Resolver interface {
	Resolve(ctx context.Context, att Attempt) (Decision, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, att Attempt) (Decision, error)

func (f ResolverFunc) Resolve(ctx context.Context, att Attempt) (Decision, error) {
	return f(ctx, att)
}

// AcceptAll is the single-node policy: every attempt is handled locally.
func AcceptAll() Resolver {
	return ResolverFunc(func(ctx context.Context, att Attempt) (Decision, error) {
		return Accept(), nil
	})
}

// HashShard places sessions on peers by hashing the attempt's subscription
// id, so all sessions of one subscription land on the same node. Peers are
// base URLs of the peers' connect endpoints; Self must appear in Peers.
type HashShard struct {
	Peers []string
	Self  string
}

func (s *HashShard) Resolve(ctx context.Context, att Attempt) (Decision, error) {
	if len(s.Peers) == 0 {
		return Accept(), nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(att.Subject.SubscriptionID))
	target := s.Peers[int(h.Sum32())%len(s.Peers)]
	if target == s.Self {
		return Accept(), nil
	}
	return RedirectTo(target), nil
}

// HopsFromRequest parses the attempt's hop count from its header. A missing
// header is hop zero; garbage is a protocol violation.
func HopsFromRequest(r *http.Request) (int, error) {
	raw := r.Header.Get(HopsHeader)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s header %q", HopsHeader, raw)
	}
	return n, nil
}

var (
	_ Resolver = (ResolverFunc)(nil)
	_ Resolver = (*HashShard)(nil)
)
