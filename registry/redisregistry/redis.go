// Package redisregistry provides a Redis backed registry.Registry for
// multi-node deployments. Listener membership is local to each node;
// subscription state and the subject record live in Redis, and completions
// fanned out on one node reach listeners on other nodes over Redis pub/sub.
//
// Membership across nodes is advisory: a node that dies without cleaning up
// leaves a stale member record until its TTL lapses, and deliveries addressed
// to it are simply lost. That is within the channel's best-effort contract.
package redisregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/johanste/lightningapi/notify"
	"github.com/johanste/lightningapi/registry"
)

// Config for the Redis-backed registry. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: NOTIFY_KEY_PREFIX
	KeyPrefix string `env:"NOTIFY_KEY_PREFIX,default=notify:"`
	// SubscriptionTTL bounds how long an unfulfilled subscription is
	// remembered. ENV: NOTIFY_SUBSCRIPTION_TTL
	SubscriptionTTL time.Duration `env:"NOTIFY_SUBSCRIPTION_TTL,default=24h"`
}

type Registry struct {
	client *redis.Client
	prefix string
	nodeID string
	subTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	subject   notify.Subject
	listeners map[*handle]registry.Listener
	cancel    context.CancelFunc
}

type handle struct {
	r         *Registry
	sessionID string
	closed    bool
}

// relay is the pub/sub payload bridging completions between nodes. Origin
// lets a node skip frames it published itself, since those were already
// delivered to its local listeners directly.
type relay struct {
	Origin string `json:"origin"`
	Frame  []byte `json:"frame"`
}

func New(cfg Config) (*Registry, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "notify:"
	}
	ttl := cfg.SubscriptionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{
		client:   cl,
		prefix:   prefix,
		nodeID:   uuid.NewString(),
		subTTL:   ttl,
		sessions: make(map[string]*sessionState),
	}, nil
}

// NewFromEnv builds a Registry using envdecode to populate Config.
func NewFromEnv() (*Registry, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client. Listeners registered at close time keep
// their local membership but lose cross-node delivery.
func (r *Registry) Close() error { return r.client.Close() }

// --- Key helpers ---

func (r *Registry) subKey(sessionID, nid string) string {
	return r.prefix + "sub:" + sessionID + ":" + nid
}
func (r *Registry) subjectKey(sessionID string) string { return r.prefix + "subject:" + sessionID }
func (r *Registry) membersKey(sessionID string) string { return r.prefix + "members:" + sessionID }
func (r *Registry) channel(sessionID string) string    { return r.prefix + "chan:" + sessionID }

// --- Registry implementation ---

func (r *Registry) Register(ctx context.Context, subject notify.Subject, l registry.Listener) (registry.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := context.WithoutCancel(ctx)
	if err := r.client.Set(c, r.subjectKey(subject.SessionID), subject.String(), r.subTTL).Err(); err != nil {
		return nil, fmt.Errorf("record subject: %w", err)
	}
	if err := r.client.HIncrBy(c, r.membersKey(subject.SessionID), r.nodeID, 1).Err(); err != nil {
		return nil, fmt.Errorf("record membership: %w", err)
	}
	_ = r.client.Expire(c, r.membersKey(subject.SessionID), r.subTTL).Err()

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[subject.SessionID]
	if !ok {
		st = &sessionState{subject: subject, listeners: make(map[*handle]registry.Listener)}
		r.sessions[subject.SessionID] = st

		// First local listener for this session: bridge in completions
		// published by other nodes.
		pumpCtx, cancel := context.WithCancel(context.Background())
		st.cancel = cancel
		ps := r.client.Subscribe(pumpCtx, r.channel(subject.SessionID))
		go r.pump(pumpCtx, subject.SessionID, ps)
	}

	h := &handle{r: r, sessionID: subject.SessionID}
	st.listeners[h] = l
	return h, nil
}

// pump forwards relayed frames from other nodes to this node's local
// listeners for the session.
func (r *Registry) pump(ctx context.Context, sessionID string, ps *redis.PubSub) {
	defer func() { _ = ps.Close() }()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var rl relay
			if err := json.Unmarshal([]byte(msg.Payload), &rl); err != nil {
				continue
			}
			if rl.Origin == r.nodeID {
				continue
			}
			r.mu.Lock()
			st, ok := r.sessions[sessionID]
			var ls []registry.Listener
			if ok {
				ls = make([]registry.Listener, 0, len(st.listeners))
				for _, l := range st.listeners {
					ls = append(ls, l)
				}
			}
			r.mu.Unlock()
			for _, l := range ls {
				// Best-effort; a failed local delivery is dropped.
				_ = l.Deliver(ctx, rl.Frame)
			}
		}
	}
}

func (r *Registry) Unregister(ctx context.Context, h registry.Handle) error {
	return h.Close(ctx)
}

func (r *Registry) AddSubscription(ctx context.Context, sessionID, notificationID string) error {
	// SET refreshes the expiry on repeat adds; the pair is still a single
	// subscription.
	if err := r.client.Set(ctx, r.subKey(sessionID, notificationID), "1", r.subTTL).Err(); err != nil {
		return fmt.Errorf("add subscription: %w", err)
	}
	return nil
}

func (r *Registry) HasSubscription(ctx context.Context, sessionID, notificationID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.subKey(sessionID, notificationID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Registry) RemoveSubscription(ctx context.Context, sessionID, notificationID string) error {
	c := context.WithoutCancel(ctx)
	_, err := r.client.Del(c, r.subKey(sessionID, notificationID)).Result()
	return err
}

func (r *Registry) ListenersFor(ctx context.Context, sessionID string) ([]registry.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	var out []registry.Listener
	if st, ok := r.sessions[sessionID]; ok {
		out = make([]registry.Listener, 0, len(st.listeners)+1)
		for _, l := range st.listeners {
			out = append(out, l)
		}
	}
	r.mu.Unlock()

	// If another node holds listeners for this session, represent them as a
	// single relaying listener so a fan-out reaches them too.
	members, err := r.client.HGetAll(ctx, r.membersKey(sessionID)).Result()
	if err != nil && err != redis.Nil {
		return out, err
	}
	if hasRemoteMembers(members, r.nodeID) {
		out = append(out, &remoteFan{r: r, sessionID: sessionID})
	}
	return out, nil
}

// hasRemoteMembers reports whether another node currently counts at least one
// listener. A node that died mid-decrement can leave a zero or negative count
// behind; those records are stale, not members.
func hasRemoteMembers(members map[string]string, self string) bool {
	for node, raw := range members {
		if node == self {
			continue
		}
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return true
		}
	}
	return false
}

func (r *Registry) SubjectFor(ctx context.Context, sessionID string) (notify.Subject, bool, error) {
	r.mu.Lock()
	if st, ok := r.sessions[sessionID]; ok {
		subj := st.subject
		r.mu.Unlock()
		return subj, true, nil
	}
	r.mu.Unlock()

	raw, err := r.client.Get(ctx, r.subjectKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return notify.Subject{}, false, nil
		}
		return notify.Subject{}, false, err
	}
	subj, err := notify.ParseSubject(raw)
	if err != nil {
		return notify.Subject{}, false, err
	}
	return subj, true, nil
}

// remoteFan publishes a frame to the session's channel so that other nodes'
// pumps can deliver it to their local listeners.
type remoteFan struct {
	r         *Registry
	sessionID string
}

func (f *remoteFan) Deliver(ctx context.Context, frame []byte) error {
	payload, err := json.Marshal(relay{Origin: f.r.nodeID, Frame: frame})
	if err != nil {
		return err
	}
	return f.r.client.Publish(ctx, f.r.channel(f.sessionID), payload).Err()
}

func (h *handle) SessionID() string { return h.sessionID }

func (h *handle) Close(ctx context.Context) error {
	h.r.mu.Lock()
	if h.closed {
		h.r.mu.Unlock()
		return registry.ErrHandleClosed
	}
	h.closed = true
	st, ok := h.r.sessions[h.sessionID]
	if ok {
		delete(st.listeners, h)
		if len(st.listeners) == 0 {
			if st.cancel != nil {
				st.cancel()
			}
			delete(h.r.sessions, h.sessionID)
		}
	}
	h.r.mu.Unlock()

	c := context.WithoutCancel(ctx)
	n, err := h.r.client.HIncrBy(c, h.r.membersKey(h.sessionID), h.r.nodeID, -1).Result()
	if err == nil && n <= 0 {
		_ = h.r.client.HDel(c, h.r.membersKey(h.sessionID), h.r.nodeID).Err()
	}
	return nil
}

var (
	_ registry.Registry = (*Registry)(nil)
	_ registry.Handle   = (*handle)(nil)
	_ registry.Listener = (*remoteFan)(nil)
)
