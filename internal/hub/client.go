package hub

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/net/websocket"
)

// outboundBuffer is the per-client send queue depth. A client that cannot
// drain this many messages is dropped rather than allowed to block others.
const outboundBuffer = 64

// Client is one live connection. Each client owns an outbound queue drained
// by a dedicated writer goroutine, plus zero or more raw engine-stream
// subscriptions keyed by the client-chosen id.
type Client struct {
	id string
	ws *websocket.Conn

	out  chan Message
	done chan struct{}

	mu        sync.Mutex
	subs      map[string]context.CancelFunc
	saturated bool
	closeOnce sync.Once
}

func newClient(id string, ws *websocket.Conn) *Client {
	return &Client{
		id:   id,
		ws:   ws,
		out:  make(chan Message, outboundBuffer),
		done: make(chan struct{}),
		subs: make(map[string]context.CancelFunc),
	}
}

// ID returns the connection identity.
func (c *Client) ID() string { return c.id }

// writeLoop serializes all outbound traffic for this connection.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := websocket.JSON.Send(c.ws, msg); err != nil {
				slog.Debug("client write failed", "client", c.id, "error", err)
				return
			}
		}
	}
}

// trySend queues a message without blocking. Reports false when the client's
// queue is full or the client is closed.
func (c *Client) trySend(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// strikeSaturated records whether the outbound queue is currently full and
// reports true when it was also full on the previous call.
func (c *Client) strikeSaturated() bool {
	full := len(c.out) == cap(c.out)
	c.mu.Lock()
	defer c.mu.Unlock()
	second := full && c.saturated
	c.saturated = full
	return second
}

// addSubscription registers a raw subscription cancel capability under the
// client-chosen id. Returns false when the id is already subscribed.
func (c *Client) addSubscription(id string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subs[id]; exists {
		return false
	}
	c.subs[id] = cancel
	return true
}

// cancelSubscription cancels and forgets the raw subscription for id.
func (c *Client) cancelSubscription(id string) {
	c.mu.Lock()
	cancel := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// close tears the connection down and cancels every raw subscription the
// client owns. Disconnect always releases tier-2 subscriptions; tier-1
// unit subscriptions are unaffected.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(c.subs))
		for _, cancel := range c.subs {
			cancels = append(cancels, cancel)
		}
		c.subs = make(map[string]context.CancelFunc)
		c.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}
		_ = c.ws.Close()
	})
}
