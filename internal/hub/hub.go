// Package hub fans coalesced build events out to live client connections and
// services per-client raw engine-stream subscriptions.
//
// Two subscription tiers exist deliberately: tier 1 (server-owned, unit
// scoped) lives in the orchestrator and survives client disconnects; tier 2
// (client-owned, connection scoped) lives here and dies with its connection.
// The registries are never merged because their lifetimes differ.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"git.home.luguber.info/inful/devserve/internal/engine"
	"git.home.luguber.info/inful/devserve/internal/events"
	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
	"git.home.luguber.info/inful/devserve/internal/issues"
	"git.home.luguber.info/inful/devserve/internal/metrics"
	"git.home.luguber.info/inful/devserve/internal/observability"
)

// HMRSource opens raw engine update streams for tier-2 subscriptions.
type HMRSource interface {
	HMREvents(ctx context.Context, id string) (*engine.Stream[json.RawMessage], error)
}

// StateSource provides the current state embedded in the sync event sent to
// newly-connected clients.
type StateSource interface {
	CurrentHash() string
}

// Hub manages the set of live client connections.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	closed  bool

	ledger  *issues.Ledger
	hmr     HMRSource
	state   StateSource
	version VersionInfo
	metrics metrics.Recorder
	bus     *events.Bus

	baseCtx context.Context
}

// New creates a hub. baseCtx bounds the lifetime of all tier-2 subscriptions.
func New(baseCtx context.Context, ledger *issues.Ledger, hmr HMRSource, state StateSource, version VersionInfo, rec metrics.Recorder, bus *events.Bus) *Hub {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Hub{
		clients: make(map[string]*Client),
		ledger:  ledger,
		hmr:     hmr,
		state:   state,
		version: version,
		metrics: rec,
		bus:     bus,
		baseCtx: baseCtx,
	}
}

// Handler returns the websocket endpoint handler.
func (h *Hub) Handler() websocket.Handler {
	return websocket.Handler(h.serve)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues the message on every connected client, fire-and-forget.
// Clients whose outbound queue is full are dropped so one slow consumer
// never blocks the rest.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	snapshot := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	dropped := 0
	for _, c := range snapshot {
		if !c.trySend(msg) {
			dropped++
			h.drop(c, "outbound queue overflow")
		}
	}
	h.metrics.IncBroadcast(msg.Action())
	if dropped > 0 {
		slog.Debug("broadcast dropped slow clients", "action", msg.Action(), "dropped", dropped)
	}
}

// SweepStalled drops clients whose outbound queue has stayed full across two
// consecutive sweeps. Broadcast already drops clients that overflow mid-send;
// the sweep catches connections that stall between broadcasts.
func (h *Hub) SweepStalled() int {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	snapshot := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	dropped := 0
	for _, c := range snapshot {
		if c.strikeSaturated() {
			dropped++
			h.drop(c, "stalled outbound queue")
		}
	}
	return dropped
}

// Shutdown closes all clients and prevents future broadcasts.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.metrics.SetClients(0)
}

func (h *Hub) serve(ws *websocket.Conn) {
	client := newClient(uuid.NewString(), ws)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.clients[client.id] = client
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetClients(n)
	h.publish(events.ClientConnected{ClientID: client.id, ConnectedAt: time.Now()})
	observability.DebugContext(h.clientCtx(client), "client connected", slog.Int("clients", n))

	go client.writeLoop()

	// Connection ack first, then a full-state sync so the new client is
	// caught up without waiting for the next flush.
	client.trySend(NewConnected())
	client.trySend(h.syncMessage())

	h.readLoop(client)
	h.drop(client, "connection closed")
}

func (h *Hub) syncMessage() Sync {
	return NewSync(
		h.state.CurrentHash(),
		issues.FormatEntries(h.ledger.Snapshot()),
		issues.FormatEntries(h.ledger.WarningSnapshot()),
		h.version,
	)
}

func (h *Hub) readLoop(client *Client) {
	for {
		var raw json.RawMessage
		if err := websocket.JSON.Receive(client.ws, &raw); err != nil {
			return
		}
		if err := h.handleMessage(client, raw); err != nil {
			if ferrors.IsProtocol(err) {
				h.metrics.IncProtocolViolation()
				slog.Warn("protocol violation, closing client", "client", client.id, "error", err)
				return
			}
			slog.Debug("client message failed", "client", client.id, "error", err)
		}
	}
}

// handleMessage dispatches the two inbound message families. A payload with
// neither discriminant, or an unrecognized discriminant value, is a protocol
// violation that costs the client its connection.
func (h *Hub) handleMessage(client *Client, raw json.RawMessage) error {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryProtocol, "malformed client message").Build()
	}

	switch {
	case msg.Event != "":
		return h.handleTelemetry(client, msg)
	case msg.Type != "":
		return h.handleSubscription(client, msg)
	default:
		return ferrors.ProtocolError("message has neither event nor type discriminant").Build()
	}
}

// handleTelemetry records session pings and latency reports. These are
// observability-only; none are required for correctness.
func (h *Hub) handleTelemetry(client *Client, msg clientMessage) error {
	switch msg.Event {
	case eventPing:
		slog.Debug("client ping", "client", client.id)
	case eventSpanEnd:
		if msg.EndTime >= msg.StartTime && msg.SpanName != "" {
			slog.Debug("client span", "client", client.id,
				"span", msg.SpanName, "duration_ms", msg.EndTime-msg.StartTime)
		}
	case eventHMRLatency:
		h.metrics.ObserveClientHMRLatency(time.Duration(msg.LatencyMS * float64(time.Millisecond)))
	default:
		return ferrors.ProtocolError("unrecognized event").WithContext("event", msg.Event).Build()
	}
	return nil
}

func (h *Hub) handleSubscription(client *Client, msg clientMessage) error {
	switch msg.Type {
	case typeSubscribe:
		return h.startRawSubscription(client, msg.Path)
	case typeUnsubscribe:
		client.cancelSubscription(msg.Path)
		return nil
	default:
		return ferrors.ProtocolError("unrecognized type").WithContext("type", msg.Type).Build()
	}
}

// startRawSubscription opens a tier-2 engine stream for this client only.
// The engine always emits an initial "current state" item on subscribe that
// is not a real change; it is swallowed before forwarding.
func (h *Hub) startRawSubscription(client *Client, id string) error {
	ctx, cancel := context.WithCancel(h.clientCtx(client))
	if !client.addSubscription(id, cancel) {
		cancel()
		return nil
	}

	stream, err := h.hmr.HMREvents(ctx, id)
	if err != nil {
		client.cancelSubscription(id)
		return ferrors.WrapError(err, ferrors.CategoryEngine, "open raw engine stream").
			WithContext("id", id).Build()
	}

	go func() {
		defer stream.Close()

		first := true
		for item := range stream.C {
			if first {
				first = false
				continue
			}
			client.trySend(NewEngineUpdate(id, item))
		}

		if streamErr := stream.Err(); streamErr != nil && ctx.Err() == nil {
			// The subscription references a stale server incarnation; only
			// this client reloads, others are unaffected.
			client.trySend(NewReloadPage("stale subscription: " + id))
			h.drop(client, "raw subscription failed")
		}
	}()
	return nil
}

func (h *Hub) drop(client *Client, reason string) {
	h.mu.Lock()
	_, present := h.clients[client.id]
	delete(h.clients, client.id)
	n := len(h.clients)
	h.mu.Unlock()

	client.close()
	if present {
		h.metrics.SetClients(n)
		h.publish(events.ClientDisconnected{
			ClientID:       client.id,
			Reason:         reason,
			DisconnectedAt: time.Now(),
		})
		observability.DebugContext(h.clientCtx(client), "client disconnected", slog.String("reason", reason))
	}
}

// clientCtx tags the hub's base context with the client identity so every log
// line of a connection names it.
func (h *Hub) clientCtx(client *Client) context.Context {
	return observability.WithClientID(h.baseCtx, client.id)
}

func (h *Hub) publish(evt any) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.bus.Publish(ctx, evt); err != nil {
		slog.Debug("event publish failed", "error", err)
	}
}
