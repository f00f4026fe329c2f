package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/text/unicode/norm"

	"git.home.luguber.info/inful/devserve/internal/engine"
	"git.home.luguber.info/inful/devserve/internal/util/sets"
)

// Unit is one entrypoint currently known to the directory.
type Unit struct {
	Key   string
	Kind  engine.UnitKind
	Route engine.Route
}

// Directory is the authoritative map from route identity to compilation
// handles. It is rebuilt wholesale on every engine snapshot and never
// partially mutated outside a snapshot application.
type Directory struct {
	mu     sync.RWMutex
	byPath map[string]*Unit
	byName map[string]*Unit

	middleware      *engine.MiddlewareEndpoint
	instrumentation *engine.InstrumentationEndpoints
	hasMiddleware   bool
	hasInstrument   bool

	readyOnce sync.Once
	ready     chan struct{}
}

// NewDirectory creates an empty directory. Lookups block via Await until the
// first snapshot is applied.
func NewDirectory() *Directory {
	return &Directory{
		byPath: make(map[string]*Unit),
		byName: make(map[string]*Unit),
		ready:  make(chan struct{}),
	}
}

// ApplyResult describes the effects of one snapshot application.
type ApplyResult struct {
	// Keys are the unit keys present after the rebuild.
	Keys sets.Set[string]
	// Routes is the number of accepted routes.
	Routes int
	// SkippedKinds counts entries dropped because their kind was unknown.
	SkippedKinds int

	MiddlewareChanged      bool
	MiddlewarePresent      bool
	InstrumentationChanged bool
	InstrumentationPresent bool
}

// normalizeKey canonicalizes route identity. Filesystem-derived paths can
// arrive in decomposed form on some platforms.
func normalizeKey(key string) string {
	return norm.NFC.String(key)
}

// Apply clears and repopulates both maps from the snapshot. Unknown kinds are
// logged and skipped, keeping the directory forward-compatible with new
// entrypoint kinds.
func (d *Directory) Apply(snap engine.EntrypointsSnapshot) ApplyResult {
	d.mu.Lock()

	d.byPath = make(map[string]*Unit, len(snap.Routes))
	d.byName = make(map[string]*Unit, len(snap.Routes))
	res := ApplyResult{Keys: sets.New[string]()}

	for path, route := range snap.Routes {
		key := normalizeKey(path)
		unit := &Unit{Key: key, Kind: route.Kind, Route: route}

		switch route.Kind {
		case engine.KindPage:
			d.byPath[key] = unit
			d.byName[key] = unit
		case engine.KindPageAPI:
			d.byPath[key] = unit
			d.byName[key] = unit
		case engine.KindAppPage:
			d.byPath[key] = unit
			for _, variant := range route.Variants {
				d.byName[normalizeKey(variant.LogicalName)] = unit
			}
		case engine.KindAppRoute:
			d.byPath[key] = unit
			if route.LogicalName != "" {
				d.byName[normalizeKey(route.LogicalName)] = unit
			}
		default:
			slog.Warn("skipping entrypoint with unknown kind", "path", path, "kind", route.Kind)
			res.SkippedKinds++
			continue
		}
		res.Keys.Add(key)
		res.Routes++
	}

	// Middleware and instrumentation are presence-tracked, not path-addressed.
	hadMiddleware, hadInstrument := d.hasMiddleware, d.hasInstrument
	d.middleware = snap.Middleware
	d.instrumentation = snap.Instrumentation
	d.hasMiddleware = snap.Middleware != nil
	d.hasInstrument = snap.Instrumentation != nil

	res.MiddlewarePresent = d.hasMiddleware
	res.MiddlewareChanged = hadMiddleware != d.hasMiddleware
	res.InstrumentationPresent = d.hasInstrument
	res.InstrumentationChanged = hadInstrument != d.hasInstrument

	d.mu.Unlock()

	d.readyOnce.Do(func() { close(d.ready) })
	return res
}

// Await blocks until the first snapshot has been applied or ctx is done.
func (d *Directory) Await(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup resolves an identifier against the route-path map first, then the
// logical-name map. Returns nil when the identifier is unknown.
func (d *Directory) Lookup(identifier string) *Unit {
	key := normalizeKey(identifier)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if unit, ok := d.byPath[key]; ok {
		return unit
	}
	return d.byName[key]
}

// Middleware returns the middleware endpoint when present.
func (d *Directory) Middleware() *engine.MiddlewareEndpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.middleware
}

// Instrumentation returns the instrumentation endpoints when present.
func (d *Directory) Instrumentation() *engine.InstrumentationEndpoints {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.instrumentation
}

// Len returns the number of path-addressed units.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byPath)
}
