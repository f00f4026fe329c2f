package engine

import "time"

// UnitKind classifies an entrypoint. Unknown kinds received from the engine
// are skipped by consumers, keeping the protocol forward-compatible.
type UnitKind string

const (
	KindPage            UnitKind = "page"
	KindPageAPI         UnitKind = "page-api"
	KindAppPage         UnitKind = "app-page"
	KindAppRoute        UnitKind = "app-route"
	KindMiddleware      UnitKind = "middleware"
	KindInstrumentation UnitKind = "instrumentation"
)

// Phase distinguishes the two invalidation streams of a unit.
type Phase string

const (
	PhaseServer Phase = "server"
	PhaseClient Phase = "client"
)

// Severity of an engine-reported issue.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Blocking reports whether this severity aborts a throw-on-issue caller.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityFatal
}

// Issue is a single diagnostic reported by the engine for a unit.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	FilePath string   `json:"filePath,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// Key returns the stable de-duplication identity of the issue.
func (i Issue) Key() string {
	return i.FilePath + ":" + i.Message
}

// ChangeEvent is one invalidation fired on a unit's change stream.
type ChangeEvent struct {
	Issues []Issue
}

// Runtime identifies where a materialized server output executes.
type Runtime string

const (
	RuntimeNodeJS Runtime = "nodejs"
	RuntimeEdge   Runtime = "edge"
)

// ServerPath is one content-addressed file produced by materialization.
type ServerPath struct {
	Path        string `json:"path"`
	ContentHash string `json:"contentHash"`
}

// WrittenEndpoint is the result of materializing one compilation handle.
type WrittenEndpoint struct {
	ServerPaths []ServerPath
	Runtime     Runtime
	// Issues are the diagnostics from the compile that produced this output.
	Issues []Issue
}

// Route is one entry in the entrypoint graph, classified by kind. Only the
// fields matching the kind are populated.
type Route struct {
	Kind UnitKind

	// Endpoint is the single handle of page-api and app-route units.
	Endpoint UnitDescriptor
	// LogicalName is the app-route's original name (e.g. "/blog/route").
	LogicalName string

	// HTML and Data are the two handles of a pages-router page.
	HTML UnitDescriptor
	Data UnitDescriptor

	// Variants are the app-page renderings sharing this route path; each has
	// its own logical name (parallel routes, interception).
	Variants []AppPageVariant
}

// AppPageVariant is one app-router page rendering of a shared route path.
type AppPageVariant struct {
	LogicalName string
	HTML        UnitDescriptor
	RSC         UnitDescriptor
}

// MiddlewareEndpoint is the optional middleware unit of the graph.
type MiddlewareEndpoint struct {
	Endpoint UnitDescriptor
}

// InstrumentationEndpoints are the optional instrumentation hooks.
type InstrumentationEndpoints struct {
	NodeJS UnitDescriptor
	Edge   UnitDescriptor
}

// EntrypointsSnapshot is one complete entrypoint graph emitted by the engine.
type EntrypointsSnapshot struct {
	Routes          map[string]Route
	Middleware      *MiddlewareEndpoint
	Instrumentation *InstrumentationEndpoints
}

// UpdateInfoKind discriminates update-timing reports.
type UpdateInfoKind string

const (
	UpdateStart UpdateInfoKind = "start"
	UpdateEnd   UpdateInfoKind = "end"
)

// UpdateInfo is one aggregated update-timing report from the engine.
type UpdateInfo struct {
	Kind     UpdateInfoKind
	Duration time.Duration
	Tasks    int
}
