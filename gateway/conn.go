package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState tracks one connection's lifecycle. Transitions are one-way:
// Connecting -> Open -> Closing -> Closed, with handshake failure jumping
// straight to Closed.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrConnNotOpen is returned by Deliver once the connection has left
	// the Open state. The delivery is simply lost; that is within contract.
	ErrConnNotOpen = errors.New("connection is not open")
)

const (
	defaultKeepaliveTimeout = time.Minute
	defaultIdleTimeout      = 15 * time.Minute
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 16
	maxFrameSize            = 1 << 16
)

type connConfig struct {
	keepaliveTimeout time.Duration
	idleTimeout      time.Duration
	writeTimeout     time.Duration
	sendBuffer       int
}

func defaultConnConfig() connConfig {
	return connConfig{
		keepaliveTimeout: defaultKeepaliveTimeout,
		idleTimeout:      defaultIdleTimeout,
		writeTimeout:     defaultWriteTimeout,
		sendBuffer:       defaultSendBuffer,
	}
}

// superviseInterval picks a timer-check cadence fine enough for the
// configured thresholds; tests shrink the thresholds to subseconds.
func (c connConfig) superviseInterval() time.Duration {
	min := c.keepaliveTimeout
	if c.idleTimeout < min {
		min = c.idleTimeout
	}
	tick := min / 4
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	return tick
}

// conn owns one upgraded WebSocket. It is the registry.Listener for its
// session: Deliver enqueues a frame onto the serialized write pump. The conn
// exclusively owns the transport; the registry only ever references it.
type conn struct {
	ws  *websocket.Conn
	log *slog.Logger
	cfg connConfig

	state atomic.Int32
	send  chan []byte
	done  chan struct{}
	once  sync.Once

	lastPing atomic.Int64 // unix nanos of most recent client ping
	lastSent atomic.Int64 // unix nanos of most recent completion write

	hops int
}

func newConn(ws *websocket.Conn, log *slog.Logger, cfg connConfig, hops int) *conn {
	c := &conn{
		ws:   ws,
		log:  log,
		cfg:  cfg,
		send: make(chan []byte, cfg.sendBuffer),
		done: make(chan struct{}),
		hops: hops,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *conn) State() ConnState { return ConnState(c.state.Load()) }

// open marks the handshake complete. The keepalive and idle clocks start
// now; a connection that never pings or never receives a completion is
// measured from this instant.
func (c *conn) open() {
	now := time.Now().UnixNano()
	c.lastPing.Store(now)
	c.lastSent.Store(now)
	c.state.Store(int32(StateOpen))
}

// Deliver implements registry.Listener. Frames are enqueued for the write
// pump; concurrent deliveries are serialized there, in no guaranteed order.
func (c *conn) Deliver(ctx context.Context, frame []byte) error {
	if c.State() != StateOpen {
		return ErrConnNotOpen
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives the connection until it closes. It blocks; the caller
// unregisters the listener afterwards.
func (c *conn) run(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetPingHandler(func(appData string) error {
		c.lastPing.Store(time.Now().UnixNano())
		deadline := time.Now().Add(c.cfg.writeTimeout)
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), deadline)
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	go c.writePump()
	go c.supervise(ctx)

	// Read loop: the client contract defines no client->server data frames
	// beyond ping/pong, so inbound messages are drained and discarded. A
	// read error is terminal for this connection only.
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}

	c.close(websocket.CloseNormalClosure, "")
	c.state.Store(int32(StateClosed))
	_ = c.ws.Close()
}

func (c *conn) writePump() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				// In-flight deliveries fail silently; the client falls
				// back to polling.
				c.log.WarnContext(context.Background(), "ws.write.fail", slog.String("err", err.Error()))
				c.close(websocket.CloseAbnormalClosure, "write failure")
				return
			}
			c.lastSent.Store(time.Now().UnixNano())
		case <-c.done:
			return
		}
	}
}

func (c *conn) supervise(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.superviseInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			if now.Sub(time.Unix(0, c.lastPing.Load())) > c.cfg.keepaliveTimeout {
				c.close(websocket.CloseGoingAway, "keepalive timeout")
				return
			}
			if now.Sub(time.Unix(0, c.lastSent.Load())) > c.cfg.idleTimeout {
				c.close(websocket.CloseGoingAway, "idle timeout")
				return
			}
		}
	}
}

// close initiates Closing exactly once: no further delivery attempts are
// accepted, a close frame is offered to the peer, and the read loop is
// unblocked shortly after.
func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		c.state.Store(int32(StateClosing))
		deadline := time.Now().Add(c.cfg.writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		close(c.done)
		if reason != "" {
			c.log.InfoContext(context.Background(), "ws.closing", slog.String("reason", reason))
		}
		// Give the peer a moment to finish the close handshake before the
		// transport is torn down under the read loop.
		time.AfterFunc(c.cfg.writeTimeout, func() { _ = c.ws.Close() })
	})
}
