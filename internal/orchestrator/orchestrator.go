// Package orchestrator coordinates the incremental build engine with the
// client fan-out layer: it tracks which entrypoints exist, lazily triggers
// compilation, re-arms change subscriptions across graph changes, and
// coalesces build notifications into client-visible events.
package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/devserve/internal/engine"
	"git.home.luguber.info/inful/devserve/internal/events"
	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
	"git.home.luguber.info/inful/devserve/internal/hub"
	"git.home.luguber.info/inful/devserve/internal/issues"
	"git.home.luguber.info/inful/devserve/internal/manifest"
	"git.home.luguber.info/inful/devserve/internal/metrics"
)

// Broadcaster delivers one wire message to every connected client.
type Broadcaster interface {
	Broadcast(msg hub.Message)
}

// Special unit keys used for presence-tracked entrypoints that are not
// addressed by route path.
const (
	middlewareKey      = "middleware"
	instrumentationKey = "instrumentation"
)

// Options tune an Orchestrator. Zero values select defaults.
type Options struct {
	CoalesceWindow     time.Duration
	UpdateInfoInterval time.Duration
	Metrics            metrics.Recorder
	Bus                *events.Bus
}

// Orchestrator is the single logical owner of one project instance's mutable
// registries. All cross-cutting mutation happens through it; snapshot apply
// and the ensure path serialize on its lock.
type Orchestrator struct {
	project   engine.Project
	ledger    *issues.Ledger
	manifests *manifest.Aggregator
	fanout    Broadcaster

	directory *Directory
	readiness *ReadinessTracker
	subs      *SubscriptionManager
	coalescer *Coalescer

	bus     *events.Bus
	metrics metrics.Recorder

	updateInterval time.Duration

	// mu serializes snapshot application against ensure-driven map access.
	mu sync.Mutex

	hashCounter atomic.Int64
}

// New wires an orchestrator for one engine project.
func New(project engine.Project, ledger *issues.Ledger, manifests *manifest.Aggregator, fanout Broadcaster, opts Options) *Orchestrator {
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	interval := opts.UpdateInfoInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	o := &Orchestrator{
		project:        project,
		ledger:         ledger,
		manifests:      manifests,
		fanout:         fanout,
		directory:      NewDirectory(),
		bus:            opts.Bus,
		metrics:        rec,
		updateInterval: interval,
	}

	o.readiness = NewReadinessTracker(
		func(requestor string) {
			slog.Debug("build round started", "requestor", requestor)
			o.fanout.Broadcast(hub.NewBuilding())
		},
		o.enqueueBuilt,
		func(building, ready int) {
			rec.SetBuildingUnits(building)
			rec.SetReadyUnits(ready)
		},
	)
	o.coalescer = NewCoalescer(opts.CoalesceWindow, ledger.Empty, o.fanout.Broadcast, rec)
	o.subs = NewSubscriptionManager(ledger, o.coalescer, o.issuesRecorded)

	return o
}

// Directory exposes the entrypoint directory (read paths only).
func (o *Orchestrator) Directory() *Directory { return o.directory }

// Readiness exposes the readiness tracker for status reporting.
func (o *Orchestrator) Readiness() *ReadinessTracker { return o.readiness }

// Coalescer exposes the event coalescer; the hub uses it for telemetry-driven
// retries and tests drive flushes through it.
func (o *Orchestrator) Coalescer() *Coalescer { return o.coalescer }

// CurrentHash returns the latest issued build hash, used for the sync event.
func (o *Orchestrator) CurrentHash() string {
	return strconv.FormatInt(o.hashCounter.Load(), 10)
}

func (o *Orchestrator) nextHash() string {
	return strconv.FormatInt(o.hashCounter.Add(1), 10)
}

// Run consumes the engine's entrypoint graph stream until ctx is canceled.
// The graph stream dying is unrecoverable for the whole project instance: Run
// returns a fatal error and the caller is expected to terminate.
func (o *Orchestrator) Run(ctx context.Context) error {
	entry, err := o.project.Entrypoints(ctx)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryEngine, "subscribe to entrypoint graph").Fatal().Build()
	}
	defer entry.Close()

	update, err := o.project.UpdateInfo(ctx, o.updateInterval)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryEngine, "subscribe to update info").Fatal().Build()
	}
	defer update.Close()

	go o.updateLoop(ctx, update)

	for snap := range entry.C {
		o.applySnapshot(ctx, snap)
	}

	if streamErr := entry.Err(); streamErr != nil && ctx.Err() == nil {
		return ferrors.WrapError(streamErr, ferrors.CategoryDaemon, "entrypoint graph stream failed").Fatal().Build()
	}
	return nil
}

// Shutdown drains subscriptions and stops the coalescer.
func (o *Orchestrator) Shutdown() {
	o.subs.Shutdown()
	o.coalescer.Close()
}

func (o *Orchestrator) updateLoop(ctx context.Context, stream *engine.Stream[engine.UpdateInfo]) {
	for info := range stream.C {
		switch info.Kind {
		case engine.UpdateStart:
			o.fanout.Broadcast(hub.NewBuilding())
		case engine.UpdateEnd:
			o.metrics.ObserveEngineUpdateDuration(info.Duration)
			o.publish(ctx, events.UpdateTiming{Duration: info.Duration, ReportedAt: time.Now()})
		}
	}
}

// applySnapshot rebuilds the directory and prunes state keyed to vanished
// units. The clear-then-repopulate must not interleave with a concurrent
// ensure, hence the owner lock.
func (o *Orchestrator) applySnapshot(ctx context.Context, snap engine.EntrypointsSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	res := o.directory.Apply(snap)

	pruned := 0
	for _, unit := range o.subs.Units() {
		if res.Keys.Has(unit) {
			continue
		}
		if unit == middlewareKey && res.MiddlewarePresent {
			continue
		}
		if unit == instrumentationKey && res.InstrumentationPresent {
			continue
		}
		o.subs.UnsubscribeUnit(unit)
		pruned++
	}
	for _, key := range o.ledger.Keys() {
		if res.Keys.Has(key) {
			continue
		}
		if key == middlewareKey && res.MiddlewarePresent {
			continue
		}
		if key == instrumentationKey && res.InstrumentationPresent {
			continue
		}
		o.ledger.Clear(key)
		o.readiness.Forget(key)
		o.manifests.Remove(key)
	}

	if res.MiddlewareChanged {
		// Presence transitions reload client route matching without a rebuild.
		o.coalescer.EnqueueKeyed(middlewareKey, hub.NewMiddlewareChanged(res.MiddlewarePresent))
		if !res.MiddlewarePresent {
			o.readiness.Forget(middlewareKey)
			o.manifests.Remove(middlewareKey)
		}
	}
	if res.InstrumentationChanged {
		slog.Info("instrumentation presence changed", "present", res.InstrumentationPresent)
		if !res.InstrumentationPresent {
			o.readiness.Forget(instrumentationKey)
		}
	}

	slog.Debug("entrypoints applied",
		"routes", res.Routes, "skipped", res.SkippedKinds, "pruned_subscriptions", pruned)
	o.publish(ctx, events.EntrypointsApplied{
		Routes:          res.Routes,
		Pruned:          pruned,
		Middleware:      res.MiddlewarePresent,
		Instrumentation: res.InstrumentationPresent,
		AppliedAt:       time.Now(),
	})
}

// issuesRecorded runs after a change subscription replaces a unit's bucket.
// When the last error clears, pending notifications held back by the gate are
// released without waiting for another enqueue.
//
// The publish is bounded: snapshot apply synchronously waits for subscription
// goroutines, so blocking here on a full subscriber buffer would wedge the
// whole graph-apply path.
func (o *Orchestrator) issuesRecorded(unitKey string, issueCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o.publish(ctx, events.IssuesUpdated{
		UnitKey:   unitKey,
		Errors:    issueCount,
		UpdatedAt: time.Now(),
	})
	if o.ledger.Empty() {
		o.coalescer.Flush()
	}
}

// enqueueBuilt queues the build-complete notification once the last building
// unit finishes.
func (o *Orchestrator) enqueueBuilt() {
	errs := issues.FormatEntries(o.ledger.Snapshot())
	warns := issues.FormatEntries(o.ledger.WarningSnapshot())
	o.coalescer.EnqueueKeyed("build-complete", hub.NewBuilt(o.nextHash(), errs, warns))
}

func (o *Orchestrator) publish(ctx context.Context, evt any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, evt); err != nil {
		slog.Debug("event publish failed", "error", err)
	}
}
