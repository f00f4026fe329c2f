package hub

import "encoding/json"

// Message is an outbound wire event. Concrete messages are plain structs with
// an "action" discriminant so clients can switch on one field.
type Message interface {
	Action() string
}

// Connected acknowledges a new client connection.
type Connected struct {
	Kind string `json:"action"`
}

func NewConnected() Connected { return Connected{Kind: "connected"} }

func (m Connected) Action() string { return m.Kind }

// VersionInfo describes the server build embedded in the sync event.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

// Sync carries the full current state to a newly-connected client so it is
// caught up without waiting for the next flush.
type Sync struct {
	Kind        string      `json:"action"`
	Hash        string      `json:"hash"`
	Errors      []string    `json:"errors"`
	Warnings    []string    `json:"warnings"`
	VersionInfo VersionInfo `json:"versionInfo"`
}

func NewSync(hash string, errors, warnings []string, vi VersionInfo) Sync {
	if errors == nil {
		errors = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	return Sync{Kind: "sync", Hash: hash, Errors: errors, Warnings: warnings, VersionInfo: vi}
}

func (m Sync) Action() string { return m.Kind }

// Building signals that at least one unit started compiling.
type Building struct {
	Kind string `json:"action"`
}

func NewBuilding() Building { return Building{Kind: "building"} }

func (m Building) Action() string { return m.Kind }

// Built signals a completed build round with the current diagnostic state.
type Built struct {
	Kind     string   `json:"action"`
	Hash     string   `json:"hash"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func NewBuilt(hash string, errors, warnings []string) Built {
	if errors == nil {
		errors = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	return Built{Kind: "built", Hash: hash, Errors: errors, Warnings: warnings}
}

func (m Built) Action() string { return m.Kind }

// ServerOnlyChanged tells clients a unit changed on the server side only; no
// client bundle reload is needed, but data must be refetched.
type ServerOnlyChanged struct {
	Kind  string   `json:"action"`
	Pages []string `json:"pages"`
}

func NewServerOnlyChanged(pages ...string) ServerOnlyChanged {
	return ServerOnlyChanged{Kind: "serverOnlyChanges", Pages: pages}
}

func (m ServerOnlyChanged) Action() string { return m.Kind }

// ClientChanged tells clients a unit's client bundle was invalidated.
type ClientChanged struct {
	Kind  string   `json:"action"`
	Pages []string `json:"pages"`
}

func NewClientChanged(pages ...string) ClientChanged {
	return ClientChanged{Kind: "clientChanges", Pages: pages}
}

func (m ClientChanged) Action() string { return m.Kind }

// ServerComponentChanged tells clients to refetch server components.
type ServerComponentChanged struct {
	Kind string `json:"action"`
}

func NewServerComponentChanged() ServerComponentChanged {
	return ServerComponentChanged{Kind: "serverComponentChanges"}
}

func (m ServerComponentChanged) Action() string { return m.Kind }

// MiddlewareChanged tells clients the middleware presence or matcher set
// changed and route matching must be reloaded.
type MiddlewareChanged struct {
	Kind    string `json:"action"`
	Present bool   `json:"present"`
}

func NewMiddlewareChanged(present bool) MiddlewareChanged {
	return MiddlewareChanged{Kind: "middlewareChanges", Present: present}
}

func (m MiddlewareChanged) Action() string { return m.Kind }

// ReloadPage directs one client to perform a full reload, typically because
// its subscriptions reference a stale server incarnation.
type ReloadPage struct {
	Kind   string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

func NewReloadPage(reason string) ReloadPage {
	return ReloadPage{Kind: "reloadPage", Reason: reason}
}

func (m ReloadPage) Action() string { return m.Kind }

// UpdateBatch is the combined unkeyed batch of low-level engine updates
// flushed as a single message.
type UpdateBatch struct {
	Kind    string            `json:"action"`
	Updates []json.RawMessage `json:"updates"`
}

func NewUpdateBatch(updates []json.RawMessage) UpdateBatch {
	return UpdateBatch{Kind: "updateBatch", Updates: updates}
}

func (m UpdateBatch) Action() string { return m.Kind }

// EngineUpdate forwards one raw engine update to the client that subscribed
// to it.
type EngineUpdate struct {
	Kind string          `json:"action"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func NewEngineUpdate(id string, data json.RawMessage) EngineUpdate {
	return EngineUpdate{Kind: "engineUpdate", ID: id, Data: data}
}

func (m EngineUpdate) Action() string { return m.Kind }

// clientMessage is the inbound envelope. The two message families are
// discriminated by which field is set: "event" for session/telemetry
// messages, "type" for engine-stream subscribe requests. Neither set is a
// protocol violation.
type clientMessage struct {
	Event string `json:"event,omitempty"`
	Type  string `json:"type,omitempty"`

	// Telemetry family.
	SpanName   string         `json:"spanName,omitempty"`
	StartTime  int64          `json:"startTime,omitempty"`
	EndTime    int64          `json:"endTime,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	// LatencyMS is reported by client-hmr-latency events.
	LatencyMS float64 `json:"latencyMs,omitempty"`

	// Subscription family.
	Path string `json:"path,omitempty"`
}

const (
	eventPing       = "ping"
	eventSpanEnd    = "span-end"
	eventHMRLatency = "client-hmr-latency"

	typeSubscribe   = "turbopack-subscribe"
	typeUnsubscribe = "turbopack-unsubscribe"
)
