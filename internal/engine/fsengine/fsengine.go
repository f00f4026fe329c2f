// Package fsengine is a filesystem-backed build engine used for demos and
// integration testing. Source files under the project root map directly to
// entrypoints, "compilation" copies content-hashed files into the output
// directory, and fsnotify drives the change streams. It implements the same
// contract a real incremental compiler would sit behind.
//
// Layout convention:
//
//	pages/**            pages-router pages (pages/api/** are API handlers)
//	app/**/page.*       app-router pages
//	app/**/route.*      app-router handlers
//	middleware.*        optional middleware
//	instrumentation.*   optional instrumentation hooks
package fsengine

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/devserve/internal/engine"
	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
)

// Engine builds projects whose entrypoints are plain files.
type Engine struct{}

// New creates the filesystem engine.
func New() *Engine { return &Engine{} }

// CreateProject scans cfg.RootDir and starts watching it for changes.
func (e *Engine) CreateProject(ctx context.Context, cfg engine.ProjectConfig) (engine.Project, error) {
	info, err := os.Stat(cfg.RootDir)
	if err != nil || !info.IsDir() {
		return nil, ferrors.FileSystemError("project root is not a directory").
			WithContext("root", cfg.RootDir).Build()
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "create output directory").
			WithContext("dir", cfg.OutputDir).Build()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryEngine, "create filesystem watcher").Build()
	}
	if err := watchRecursive(watcher, cfg.RootDir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	p := newProject(cfg, watcher)
	go p.run(ctx)
	return p, nil
}

func watchRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name != "." && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
			return filepath.SkipDir
		}
		if addErr := watcher.Add(path); addErr != nil {
			return ferrors.WrapError(addErr, ferrors.CategoryEngine, "watch directory").
				WithContext("dir", path).Build()
		}
		return nil
	})
}

// scan walks the project root and builds the entrypoint graph.
func scan(p *project) engine.EntrypointsSnapshot {
	snap := engine.EntrypointsSnapshot{Routes: make(map[string]engine.Route)}

	_ = filepath.WalkDir(p.cfg.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name != "." && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(p.cfg.RootDir, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		classify(p, &snap, rel, path)
		return nil
	})

	return snap
}

func classify(p *project, snap *engine.EntrypointsSnapshot, rel, abs string) {
	stem := strings.TrimSuffix(rel, filepath.Ext(rel))

	switch {
	case stem == "middleware" || stem == "src/middleware":
		snap.Middleware = &engine.MiddlewareEndpoint{
			Endpoint: p.descriptor("middleware", abs),
		}
	case stem == "instrumentation" || stem == "src/instrumentation":
		snap.Instrumentation = &engine.InstrumentationEndpoints{
			NodeJS: p.descriptor("instrumentation.nodejs", abs),
			Edge:   p.descriptor("instrumentation.edge", abs),
		}
	case strings.HasPrefix(rel, "pages/api/"):
		route := routePath(strings.TrimPrefix(stem, "pages"))
		snap.Routes[route] = engine.Route{
			Kind:     engine.KindPageAPI,
			Endpoint: p.descriptor(route+".endpoint", abs),
		}
	case strings.HasPrefix(rel, "pages/"):
		route := routePath(strings.TrimPrefix(stem, "pages"))
		snap.Routes[route] = engine.Route{
			Kind: engine.KindPage,
			HTML: p.descriptor(route+".html", abs),
			Data: p.descriptor(route+".data", abs),
		}
	case strings.HasPrefix(rel, "app/") && isAppFile(stem, "page"):
		route := routePath(strings.TrimSuffix(strings.TrimPrefix(stem, "app"), "/page"))
		snap.Routes[route] = engine.Route{
			Kind: engine.KindAppPage,
			Variants: []engine.AppPageVariant{{
				LogicalName: route + "/page",
				HTML:        p.descriptor(route+".html", abs),
				RSC:         p.descriptor(route+".rsc", abs),
			}},
		}
	case strings.HasPrefix(rel, "app/") && isAppFile(stem, "route"):
		route := routePath(strings.TrimSuffix(strings.TrimPrefix(stem, "app"), "/route"))
		snap.Routes[route] = engine.Route{
			Kind:        engine.KindAppRoute,
			Endpoint:    p.descriptor(route+".endpoint", abs),
			LogicalName: route + "/route",
		}
	}
}

func isAppFile(stem, base string) bool {
	return stem == "app/"+base || strings.HasSuffix(stem, "/"+base)
}

// routePath normalizes a path stem into a route: index files collapse to
// their directory, everything is rooted at "/".
func routePath(stem string) string {
	stem = strings.TrimSuffix(stem, "/index")
	if stem == "" || stem == "/" || stem == "index" {
		return "/"
	}
	if !strings.HasPrefix(stem, "/") {
		stem = "/" + stem
	}
	return stem
}
