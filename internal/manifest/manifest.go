// Package manifest folds per-unit partial build outputs into the global
// manifest files consumed by the runtime. Every write replaces the whole file
// atomically so readers never observe a partial manifest.
package manifest

import (
	"sort"
	"sync"

	"git.home.luguber.info/inful/devserve/internal/engine"
)

// Manifest file names, one per distinct output kind.
const (
	RoutesManifestFile          = "routes-manifest.json"
	BuildManifestFile           = "build-manifest.json"
	ServerReferenceManifestFile = "server-reference-manifest.json"
	FontManifestFile            = "font-manifest.json"
	LazyComponentManifestFile   = "lazy-component-manifest.json"
	MiddlewareManifestFile      = "middleware-manifest.json"
)

const manifestVersion = 1

// Partial is the manifest contribution of one materialized unit.
type Partial struct {
	UnitKey          string
	Kind             engine.UnitKind
	Runtime          engine.Runtime
	Files            []string
	ServerReferences map[string]string
	Fonts            []string
	LazyComponents   map[string][]string
	// MiddlewareMatchers is set only for the middleware unit.
	MiddlewareMatchers []string
}

// Aggregator merges partials and renders the global manifests.
type Aggregator struct {
	mu       sync.Mutex
	dir      string
	partials map[string]Partial
}

// NewAggregator creates an aggregator writing manifests into dir.
func NewAggregator(dir string) *Aggregator {
	return &Aggregator{dir: dir, partials: make(map[string]Partial)}
}

// Merge replaces the unit's contribution. Later merges for the same unit win.
func (a *Aggregator) Merge(p Partial) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partials[p.UnitKey] = p
}

// Remove discards the unit's contribution, typically when the unit vanishes
// from the entrypoint graph.
func (a *Aggregator) Remove(unitKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.partials, unitKey)
}

// routesManifest is the routing table consumed by the runtime router.
type routesManifest struct {
	Version int          `json:"version"`
	Routes  []routeEntry `json:"routes"`
}

type routeEntry struct {
	Page    string `json:"page"`
	Kind    string `json:"kind"`
	Runtime string `json:"runtime,omitempty"`
}

type buildManifest struct {
	Version int                 `json:"version"`
	Pages   map[string][]string `json:"pages"`
}

type serverReferenceManifest struct {
	Version    int               `json:"version"`
	References map[string]string `json:"references"`
}

type fontManifest struct {
	Version int      `json:"version"`
	Fonts   []string `json:"fonts"`
}

type lazyComponentManifest struct {
	Version    int                 `json:"version"`
	Components map[string][]string `json:"components"`
}

type middlewareManifest struct {
	Version    int      `json:"version"`
	Present    bool     `json:"present"`
	Matchers   []string `json:"matchers,omitempty"`
	RuntimeTag string   `json:"runtime,omitempty"`
}

// WriteAll regenerates every manifest file from the current partials.
func (a *Aggregator) WriteAll() error {
	a.mu.Lock()
	snapshot := make(map[string]Partial, len(a.partials))
	for k, v := range a.partials {
		snapshot[k] = v
	}
	dir := a.dir
	a.mu.Unlock()

	routes := routesManifest{Version: manifestVersion}
	build := buildManifest{Version: manifestVersion, Pages: map[string][]string{}}
	refs := serverReferenceManifest{Version: manifestVersion, References: map[string]string{}}
	fonts := fontManifest{Version: manifestVersion}
	lazy := lazyComponentManifest{Version: manifestVersion, Components: map[string][]string{}}
	mw := middlewareManifest{Version: manifestVersion}

	fontSet := map[string]struct{}{}

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		p := snapshot[key]
		if p.Kind == engine.KindMiddleware {
			mw.Present = true
			mw.Matchers = append([]string(nil), p.MiddlewareMatchers...)
			mw.RuntimeTag = string(p.Runtime)
			continue
		}
		routes.Routes = append(routes.Routes, routeEntry{
			Page:    p.UnitKey,
			Kind:    string(p.Kind),
			Runtime: string(p.Runtime),
		})
		if len(p.Files) > 0 {
			build.Pages[p.UnitKey] = append([]string(nil), p.Files...)
		}
		for id, target := range p.ServerReferences {
			refs.References[id] = target
		}
		for _, f := range p.Fonts {
			fontSet[f] = struct{}{}
		}
		for component, chunks := range p.LazyComponents {
			lazy.Components[component] = append([]string(nil), chunks...)
		}
	}

	for f := range fontSet {
		fonts.Fonts = append(fonts.Fonts, f)
	}
	sort.Strings(fonts.Fonts)

	files := []struct {
		name string
		doc  any
	}{
		{RoutesManifestFile, routes},
		{BuildManifestFile, build},
		{ServerReferenceManifestFile, refs},
		{FontManifestFile, fonts},
		{LazyComponentManifestFile, lazy},
		{MiddlewareManifestFile, mw},
	}
	for _, f := range files {
		if err := writeJSONAtomic(dir, f.name, f.doc); err != nil {
			return err
		}
	}
	return nil
}
