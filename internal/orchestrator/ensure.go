package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/devserve/internal/engine"
	"git.home.luguber.info/inful/devserve/internal/events"
	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
	"git.home.luguber.info/inful/devserve/internal/hub"
	"git.home.luguber.info/inful/devserve/internal/issues"
	"git.home.luguber.info/inful/devserve/internal/manifest"
	"git.home.luguber.info/inful/devserve/internal/observability"
	"git.home.luguber.info/inful/devserve/internal/util/sets"
)

// Expectation constrains which router family an ensure request may resolve to.
type Expectation int

const (
	ExpectAny Expectation = iota
	ExpectPagesRouter
	ExpectAppRouter
)

// EnsureOptions tune one ensure request.
type EnsureOptions struct {
	// Requestor identifies the triggering request, attached to the loading
	// indicator for observability only.
	Requestor string
	// ForceRebuild evicts the unit from ready first so a change-driven
	// rebuild is always reported as a fresh build.
	ForceRebuild bool
	Expect       Expectation
}

// exemptAliases are special-named units whose absence from the directory is
// not an error: requests for them are silently accepted as no-ops because the
// corresponding source files are optional.
var exemptAliases = sets.New(
	"_app", "_document", "_error",
	"/_app", "/_document", "/_error",
	middlewareKey, instrumentationKey,
	"src/middleware", "src/instrumentation",
)

// Ensure makes sure the identified unit is compiled, its manifests merged,
// and its change subscriptions armed. Safe to call concurrently for the same
// unit: already-ready units short-circuit and the engine de-duplicates
// identical concurrent compiles.
func (o *Orchestrator) Ensure(ctx context.Context, identifier string, opts EnsureOptions) error {
	// A directory rebuild may be in flight; resolution waits for the first
	// snapshot.
	if err := o.directory.Await(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryRuntime, "waiting for entrypoint directory").Build()
	}

	o.mu.Lock()
	unit := o.directory.Lookup(identifier)
	o.mu.Unlock()

	if unit == nil {
		if isExemptAlias(identifier) {
			return o.ensureSpecial(ctx, identifier, opts)
		}
		return ferrors.NotFoundError("entrypoint not found").
			WithContext("identifier", identifier).Build()
	}

	if err := checkExpectation(unit, opts.Expect); err != nil {
		return err
	}

	finish, started := o.readiness.StartBuilding(unit.Key, opts.Requestor, opts.ForceRebuild)
	if !started {
		o.metrics.IncBuildOutcome("short_circuit")
		return nil
	}
	// Bookkeeping must never leak a permanently-building unit, so the handle
	// runs on every exit path. Throws below leave the unit out of ready, so
	// the next ensure for it builds again instead of short-circuiting.
	defer finish(false)

	buildID := uuid.NewString()
	ctx = observability.WithBuildID(observability.WithUnitKey(ctx, unit.Key), buildID)
	start := time.Now()
	o.publish(ctx, events.BuildStarted{
		BuildID:   buildID,
		UnitKey:   unit.Key,
		Requestor: opts.Requestor,
		Forced:    opts.ForceRebuild,
		StartedAt: start,
	})

	partial, collected, err := o.materialize(ctx, unit)
	if err != nil {
		o.metrics.IncBuildOutcome("failed")
		observability.ErrorContext(ctx, "materialization failed", slog.Any("error", err))
		o.publish(ctx, events.BuildFailed{BuildID: buildID, UnitKey: unit.Key, FailedAt: time.Now()})
		return err
	}

	blocking := o.ledger.Record(unit.Key, collected)
	if blocking {
		blockingIssues := o.ledger.Blocking(unit.Key)
		o.metrics.IncBuildOutcome("failed")
		o.publish(ctx, events.BuildFailed{
			BuildID:  buildID,
			UnitKey:  unit.Key,
			Blocking: len(blockingIssues),
			FailedAt: time.Now(),
		})
		observability.WarnContext(ctx, "build blocked by issues", slog.Int("blocking", len(blockingIssues)))
		msgs := make([]string, 0, len(blockingIssues))
		for _, issue := range blockingIssues {
			msgs = append(msgs, issues.Format(issue))
		}
		return ferrors.BuildError("materialization failed with blocking issues").
			WithContext("unit", unit.Key).
			WithContext("issues", msgs).Build()
	}

	o.manifests.Merge(partial)
	if err := o.manifests.WriteAll(); err != nil {
		o.metrics.IncBuildOutcome("failed")
		return err
	}

	o.armSubscriptions(ctx, unit)

	finish(true)
	o.metrics.IncBuildOutcome("success")
	o.metrics.ObserveBuildDuration(unit.Key, time.Since(start))
	observability.InfoContext(ctx, "unit built", slog.Duration("duration", time.Since(start)))
	o.publish(ctx, events.BuildCompleted{
		BuildID:     buildID,
		UnitKey:     unit.Key,
		Duration:    time.Since(start),
		CompletedAt: time.Now(),
	})
	return nil
}

func isExemptAlias(identifier string) bool {
	return exemptAliases.Has(strings.TrimSuffix(identifier, "/"))
}

func checkExpectation(unit *Unit, expect Expectation) error {
	pagesRouter := unit.Kind == engine.KindPage || unit.Kind == engine.KindPageAPI
	switch expect {
	case ExpectPagesRouter:
		if !pagesRouter {
			return ferrors.ValidationError("unit is not a pages-router entrypoint").
				WithContext("unit", unit.Key).WithContext("kind", string(unit.Kind)).Build()
		}
	case ExpectAppRouter:
		if pagesRouter {
			return ferrors.ValidationError("unit is not an app-router entrypoint").
				WithContext("unit", unit.Key).WithContext("kind", string(unit.Kind)).Build()
		}
	}
	return nil
}

// materialize writes every compilation handle of the unit and folds the
// results into one manifest partial plus the collected diagnostics.
func (o *Orchestrator) materialize(ctx context.Context, unit *Unit) (manifest.Partial, []engine.Issue, error) {
	partial := manifest.Partial{UnitKey: unit.Key, Kind: unit.Kind}
	var collected []engine.Issue

	write := func(ep engine.UnitDescriptor) error {
		if ep == nil {
			return nil
		}
		written, err := ep.WriteToDisk(ctx)
		if err != nil {
			return ferrors.WrapError(err, ferrors.CategoryEngine, "materialize endpoint").
				WithContext("unit", unit.Key).WithContext("endpoint", ep.Key()).Build()
		}
		for _, sp := range written.ServerPaths {
			partial.Files = append(partial.Files, sp.Path)
		}
		if written.Runtime != "" {
			partial.Runtime = written.Runtime
		}
		collected = append(collected, written.Issues...)
		return nil
	}

	var endpoints []engine.UnitDescriptor
	switch unit.Kind {
	case engine.KindPage:
		endpoints = []engine.UnitDescriptor{unit.Route.HTML, unit.Route.Data}
	case engine.KindPageAPI, engine.KindAppRoute:
		endpoints = []engine.UnitDescriptor{unit.Route.Endpoint}
	case engine.KindAppPage:
		for _, v := range unit.Route.Variants {
			endpoints = append(endpoints, v.HTML, v.RSC)
		}
	}
	for _, ep := range endpoints {
		if err := write(ep); err != nil {
			return partial, collected, err
		}
	}
	return partial, collected, nil
}

// armSubscriptions opens the server and client change streams of the unit.
// Subscribing an already-armed pair is a no-op, so re-ensure is cheap.
func (o *Orchestrator) armSubscriptions(ctx context.Context, unit *Unit) {
	serverEp, clientEp := changeEndpoints(unit)

	appRouter := unit.Kind == engine.KindAppPage || unit.Kind == engine.KindAppRoute
	serverChange := func(unitKey string, _ engine.ChangeEvent) (hub.Message, bool) {
		if appRouter {
			return hub.NewServerComponentChanged(), true
		}
		return hub.NewServerOnlyChanged(unitKey), true
	}
	clientChange := func(unitKey string, _ engine.ChangeEvent) (hub.Message, bool) {
		return hub.NewClientChanged(unitKey), true
	}

	if serverEp != nil {
		o.subs.Subscribe(ctx, unit.Key, engine.PhaseServer, true, serverEp, serverChange)
	}
	if clientEp != nil {
		o.subs.Subscribe(ctx, unit.Key, engine.PhaseClient, false, clientEp, clientChange)
	}
}

func changeEndpoints(unit *Unit) (server, client engine.UnitDescriptor) {
	switch unit.Kind {
	case engine.KindPage:
		server, client = unit.Route.Data, unit.Route.HTML
		if server == nil {
			server = unit.Route.HTML
		}
	case engine.KindPageAPI, engine.KindAppRoute:
		server = unit.Route.Endpoint
	case engine.KindAppPage:
		if len(unit.Route.Variants) > 0 {
			server, client = unit.Route.Variants[0].RSC, unit.Route.Variants[0].HTML
		}
	}
	return server, client
}

// ensureSpecial materializes the optional middleware/instrumentation units
// when present. Diagnostics are recorded but never abort these builds.
func (o *Orchestrator) ensureSpecial(ctx context.Context, identifier string, opts EnsureOptions) error {
	alias := strings.TrimSuffix(identifier, "/")
	switch alias {
	case middlewareKey, "src/middleware":
		mw := o.directory.Middleware()
		if mw == nil {
			return nil
		}
		return o.ensureMiddleware(ctx, mw, opts)
	case instrumentationKey, "src/instrumentation":
		inst := o.directory.Instrumentation()
		if inst == nil {
			return nil
		}
		return o.ensureInstrumentation(ctx, inst, opts)
	default:
		// Optional shell pages (_app, _document, _error) with no source file.
		return nil
	}
}

func (o *Orchestrator) ensureMiddleware(ctx context.Context, mw *engine.MiddlewareEndpoint, opts EnsureOptions) error {
	finish, started := o.readiness.StartBuilding(middlewareKey, opts.Requestor, opts.ForceRebuild)
	if !started {
		return nil
	}
	defer finish(false)

	written, err := mw.Endpoint.WriteToDisk(ctx)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryEngine, "materialize middleware").Build()
	}
	o.ledger.Record(middlewareKey, written.Issues)

	files := make([]string, 0, len(written.ServerPaths))
	for _, sp := range written.ServerPaths {
		files = append(files, sp.Path)
	}
	o.manifests.Merge(manifest.Partial{
		UnitKey: middlewareKey,
		Kind:    engine.KindMiddleware,
		Runtime: written.Runtime,
		Files:   files,
	})
	if err := o.manifests.WriteAll(); err != nil {
		return err
	}

	// Content changes to live middleware also require a route-matching reload.
	o.subs.Subscribe(ctx, middlewareKey, engine.PhaseServer, true, mw.Endpoint,
		func(string, engine.ChangeEvent) (hub.Message, bool) {
			return hub.NewMiddlewareChanged(true), true
		})

	finish(true)
	return nil
}

func (o *Orchestrator) ensureInstrumentation(ctx context.Context, inst *engine.InstrumentationEndpoints, opts EnsureOptions) error {
	finish, started := o.readiness.StartBuilding(instrumentationKey, opts.Requestor, opts.ForceRebuild)
	if !started {
		return nil
	}
	defer finish(false)

	var collected []engine.Issue
	for _, ep := range []engine.UnitDescriptor{inst.NodeJS, inst.Edge} {
		if ep == nil {
			continue
		}
		written, err := ep.WriteToDisk(ctx)
		if err != nil {
			return ferrors.WrapError(err, ferrors.CategoryEngine, "materialize instrumentation").
				WithContext("endpoint", ep.Key()).Build()
		}
		collected = append(collected, written.Issues...)
	}
	o.ledger.Record(instrumentationKey, collected)

	finish(true)
	return nil
}
