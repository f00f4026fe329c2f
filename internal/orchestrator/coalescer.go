package orchestrator

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/devserve/internal/hub"
	"git.home.luguber.info/inful/devserve/internal/metrics"
)

// DefaultCoalesceWindow is the debounce applied to outbound notifications. A
// burst of enqueues inside the window produces exactly one flush.
const DefaultCoalesceWindow = 2 * time.Millisecond

// Coalescer batches notification-producing events into coalesced wire
// messages.
//
// Keyed payloads are last-write-wins per key; unkeyed payloads accumulate and
// flush as one combined batch message. Flushing is gated: while any unit has
// outstanding errors, nothing is sent and pending payloads are held until the
// errors clear. Ordering across distinct keys within one flush is arbitrary;
// ordering of successive flushes is FIFO.
type Coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	keyed   map[string]hub.Message
	unkeyed []json.RawMessage
	closed  bool

	// flushMu serializes drain-and-send so a timer-fired flush and an
	// explicit flush can never interleave their sends.
	flushMu sync.Mutex

	// gate reports whether flushing is currently allowed.
	gate func() bool
	// send delivers one wire message to all clients.
	send    func(hub.Message)
	metrics metrics.Recorder
}

// NewCoalescer creates a coalescer with the given debounce window (0 means
// DefaultCoalesceWindow). gate and send must be non-nil.
func NewCoalescer(window time.Duration, gate func() bool, send func(hub.Message), rec metrics.Recorder) *Coalescer {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Coalescer{
		window:  window,
		keyed:   make(map[string]hub.Message),
		gate:    gate,
		send:    send,
		metrics: rec,
	}
}

// EnqueueKeyed stores the payload under key, overwriting any earlier payload
// for the same key, and (re)arms the debounce timer.
func (c *Coalescer) EnqueueKeyed(key string, msg hub.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.keyed[key] = msg
	c.rescheduleLocked()
}

// EnqueueUnkeyed appends a low-level engine update to the batch. Unkeyed
// payloads are never overwritten.
func (c *Coalescer) EnqueueUnkeyed(payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.unkeyed = append(c.unkeyed, payload)
	c.rescheduleLocked()
}

// Only the most recent scheduled flush survives a burst.
func (c *Coalescer) rescheduleLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, c.Flush)
}

// Flush performs the gate check and drains pending payloads. A gated flush is
// a no-op that keeps everything pending; the next enqueue (or explicit Flush
// call once the ledger clears) will retry.
func (c *Coalescer) Flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.keyed) == 0 && len(c.unkeyed) == 0 {
		c.mu.Unlock()
		c.metrics.IncCoalescerFlush(metrics.FlushEmpty)
		return
	}
	if !c.gate() {
		c.mu.Unlock()
		c.metrics.IncCoalescerFlush(metrics.FlushGated)
		slog.Debug("coalescer flush held back, outstanding errors")
		return
	}

	keyed := c.keyed
	unkeyed := c.unkeyed
	c.keyed = make(map[string]hub.Message)
	c.unkeyed = nil
	c.mu.Unlock()

	for _, msg := range keyed {
		c.send(msg)
	}
	if len(unkeyed) > 0 {
		c.send(hub.NewUpdateBatch(unkeyed))
	}
	c.metrics.IncCoalescerFlush(metrics.FlushSent)
	slog.Debug("coalescer flushed", "keyed", len(keyed), "unkeyed", len(unkeyed))
}

// PendingKeys returns the number of distinct keyed payloads waiting, for
// diagnostics and tests.
func (c *Coalescer) PendingKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keyed)
}

// Close stops the timer and drops pending payloads.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.keyed = make(map[string]hub.Message)
	c.unkeyed = nil
}
