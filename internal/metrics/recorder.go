// Package metrics defines the observability hooks of the dev server and a
// Prometheus-backed implementation.
package metrics

import "time"

// FlushResult enumerates coalescer flush outcomes for counters.
type FlushResult string

const (
	FlushSent  FlushResult = "sent"
	FlushGated FlushResult = "gated"
	FlushEmpty FlushResult = "empty"
)

// Recorder defines observability hooks for orchestration and fan-out metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. The
// NoopRecorder allows optional injection.
type Recorder interface {
	ObserveBuildDuration(unitKey string, d time.Duration)
	IncBuildOutcome(outcome string) // outcome: success|failed|short_circuit
	SetBuildingUnits(n int)
	SetReadyUnits(n int)

	IncCoalescerFlush(result FlushResult)
	IncBroadcast(action string)
	SetClients(n int)
	IncProtocolViolation()
	ObserveClientHMRLatency(d time.Duration)
	ObserveEngineUpdateDuration(d time.Duration)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) SetBuildingUnits(int)                       {}
func (NoopRecorder) SetReadyUnits(int)                          {}
func (NoopRecorder) IncCoalescerFlush(FlushResult)              {}
func (NoopRecorder) IncBroadcast(string)                        {}
func (NoopRecorder) SetClients(int)                             {}
func (NoopRecorder) IncProtocolViolation()                      {}
func (NoopRecorder) ObserveClientHMRLatency(time.Duration)      {}
func (NoopRecorder) ObserveEngineUpdateDuration(time.Duration)  {}
