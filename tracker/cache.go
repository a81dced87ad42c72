package tracker

import (
	"context"
	"sync"
	"time"
)

// CompletionCache briefly retains completion frames that found no listener,
// keyed by session id. Both capacity and lifetime are bounded; clients must
// never rely on a cached completion being replayed.
type CompletionCache interface {
	// Put stores a frame for the session. Frames beyond the per-session
	// bound may displace the oldest ones.
	Put(ctx context.Context, sessionID string, frame []byte) error
	// Take returns all cached frames for the session in insertion order and
	// evicts them.
	Take(ctx context.Context, sessionID string) ([][]byte, error)
}

const (
	// DefaultCacheTTL is how long an undelivered completion is retained.
	DefaultCacheTTL = 2 * time.Minute
	// DefaultCachePerSession bounds frames retained per session.
	DefaultCachePerSession = 16
)

// MemoryCache is an in-process CompletionCache with TTL and per-session
// capacity eviction.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string][]cachedFrame
	ttl        time.Duration
	perSession int
}

type cachedFrame struct {
	frame   []byte
	expires time.Time
}

// CacheOption configures a MemoryCache.
type CacheOption func(*MemoryCache)

// WithCacheTTL overrides the retention period.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(c *MemoryCache) { c.ttl = d }
}

// WithCachePerSession overrides the per-session frame bound.
func WithCachePerSession(n int) CacheOption {
	return func(c *MemoryCache) { c.perSession = n }
}

func NewMemoryCache(opts ...CacheOption) *MemoryCache {
	c := &MemoryCache{
		entries:    make(map[string][]cachedFrame),
		ttl:        DefaultCacheTTL,
		perSession: DefaultCachePerSession,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Put(ctx context.Context, sessionID string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := pruneExpired(c.entries[sessionID])
	frames = append(frames, cachedFrame{
		frame:   append([]byte(nil), frame...),
		expires: time.Now().Add(c.ttl),
	})
	if len(frames) > c.perSession {
		frames = frames[len(frames)-c.perSession:]
	}
	c.entries[sessionID] = frames
	return nil
}

func (c *MemoryCache) Take(ctx context.Context, sessionID string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := pruneExpired(c.entries[sessionID])
	delete(c.entries, sessionID)

	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.frame)
	}
	return out, nil
}

func pruneExpired(frames []cachedFrame) []cachedFrame {
	now := time.Now()
	kept := frames[:0]
	for _, f := range frames {
		if now.Before(f.expires) {
			kept = append(kept, f)
		}
	}
	return kept
}

var _ CompletionCache = (*MemoryCache)(nil)
