// Package engine defines the contract devserve consumes from an incremental
// build engine. The engine owns compilation, caching, and dependency tracking;
// devserve only asks it which entrypoints exist, subscribes to their change
// streams, and tells it when to materialize outputs to disk.
package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Engine creates long-lived projects from a project configuration.
type Engine interface {
	CreateProject(ctx context.Context, cfg ProjectConfig) (Project, error)
}

// ProjectConfig describes the project handed to the engine.
type ProjectConfig struct {
	// RootDir is the project root the engine compiles from.
	RootDir string
	// OutputDir is where materialized unit outputs are written.
	OutputDir string
	// DevMode enables the engine's incremental development pipeline.
	DevMode bool
}

// Project is a live engine-side compilation session.
//
// All streams are infinite until the context is canceled, the stream is
// closed, or the engine terminates it. Stream termination is observable via
// channel close; a non-nil Err() afterwards means the stream died abnormally.
type Project interface {
	// Entrypoints subscribes to the engine's entrypoint graph. The engine
	// emits a full snapshot on every graph change, starting with the current
	// graph shortly after subscribing.
	Entrypoints(ctx context.Context) (*Stream[EntrypointsSnapshot], error)

	// UpdateInfo subscribes to the engine's aggregated update-timing reports,
	// batched at the given interval.
	UpdateInfo(ctx context.Context, interval time.Duration) (*Stream[UpdateInfo], error)

	// HMREvents subscribes to low-level incremental update payloads for an
	// arbitrary engine-defined identifier. The first emitted item is always an
	// initial state snapshot, not a real change; consumers must discard it.
	HMREvents(ctx context.Context, id string) (*Stream[json.RawMessage], error)

	Close() error
}

// UnitDescriptor is a compilation handle for one output of a unit.
type UnitDescriptor interface {
	// Key identifies the handle for logging and diagnostics.
	Key() string

	// ServerChanged subscribes to server-side invalidations of this handle.
	// When includeIssues is true, change events carry the full diagnostic set
	// from the compile that produced them.
	ServerChanged(ctx context.Context, includeIssues bool) (*Stream[ChangeEvent], error)

	// ClientChanged subscribes to client-side invalidations of this handle.
	ClientChanged(ctx context.Context) (*Stream[ChangeEvent], error)

	// WriteToDisk compiles the handle if needed and writes its outputs,
	// returning content-addressed paths plus any diagnostics from the compile.
	WriteToDisk(ctx context.Context) (*WrittenEndpoint, error)
}

// Stream is a live sequence of items produced by the engine.
//
// Receive from C until it closes. Close releases the engine-side subscription
// and is safe to call more than once; it returns only after the engine stops
// producing, so a re-subscribe never observes the old stream still firing.
type Stream[T any] struct {
	C <-chan T

	closeFn func()
	errFn   func() error
}

// NewStream builds a Stream from a receive channel, a close capability, and an
// error accessor. closeFn and errFn may be nil.
func NewStream[T any](c <-chan T, closeFn func(), errFn func() error) *Stream[T] {
	return &Stream[T]{C: c, closeFn: closeFn, errFn: errFn}
}

// Close terminates the engine-side subscription.
func (s *Stream[T]) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// Err reports why the stream ended. It is meaningful only after C is closed;
// nil means a clean end (unsubscribed or engine shutdown).
func (s *Stream[T]) Err() error {
	if s.errFn != nil {
		return s.errFn()
	}
	return nil
}
