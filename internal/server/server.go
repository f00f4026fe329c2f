// Package server exposes the dev server's HTTP surface: the live-update
// websocket, page requests that lazily trigger builds, the diagnostics
// overlay, and the status/metrics endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/devserve/internal/config"
	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
	"git.home.luguber.info/inful/devserve/internal/hub"
	"git.home.luguber.info/inful/devserve/internal/issues"
	"git.home.luguber.info/inful/devserve/internal/journal"
	"git.home.luguber.info/inful/devserve/internal/metrics"
	"git.home.luguber.info/inful/devserve/internal/orchestrator"
)

// Server wires the HTTP routes over the orchestrator and fan-out hub.
type Server struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	hub     *hub.Hub
	ledger  *issues.Ledger
	journal *journal.Store
	reg     *prom.Registry

	httpServer *http.Server
}

// New constructs the server. journal and reg may be nil; the corresponding
// endpoints then report unavailable.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, h *hub.Hub, ledger *issues.Ledger, store *journal.Store, reg *prom.Registry) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		hub:     h,
		ledger:  ledger,
		journal: store,
		reg:     reg,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/errors", s.handleErrorOverlay)
	r.Handle("/hmr", s.hub.Handler())
	if s.reg != nil {
		r.Handle("/metrics", metrics.HTTPHandler(s.reg))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
	})

	// Everything else resolves as a page request against the directory.
	r.NotFound(s.handlePage)

	return r
}

// Start binds the listener and serves until ctx is canceled, then drains.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryNetwork, "bind listen address").
			WithContext("listen", s.cfg.Listen).Build()
	}
	slog.Info("HTTP server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if serveErr := s.httpServer.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryDaemon, "shut down HTTP server").Build()
		}
		return nil
	case serveErr, ok := <-errCh:
		if !ok || serveErr == nil {
			return nil
		}
		return ferrors.WrapError(serveErr, ferrors.CategoryNetwork, "serve HTTP").Build()
	}
}

// handlePage treats the request path as a unit identifier: the unit is built
// on demand and a placeholder document referencing its outputs is returned.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identifier := r.URL.Path
	err := s.orch.Ensure(r.Context(), identifier, orchestrator.EnsureOptions{
		Requestor: "http " + r.URL.Path,
	})
	switch {
	case err == nil:
		s.renderPage(w, identifier)
	case ferrors.IsNotFound(err):
		http.NotFound(w, r)
	case ferrors.CategoryOf(err) == ferrors.CategoryBuild:
		// The overlay shows full diagnostics; the page response stays terse.
		http.Error(w, "build failed; see /errors", http.StatusInternalServerError)
	case errors.Is(err, context.Canceled):
		// Client went away mid-build; nothing to write.
	default:
		slog.Error("page request failed", "path", identifier, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) renderPage(w http.ResponseWriter, identifier string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	// Minimal shell; the real document comes from the materialized outputs.
	// The client runtime connects back to /hmr for live updates.
	_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>` + identifier + `</title></head>
<body data-unit="` + identifier + `">
<script>new WebSocket("ws://" + location.host + "/hmr")</script>
</body>
</html>
`))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// requestLogger logs completed requests at debug so page traffic does not
// drown the build log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", strconv.Itoa(ww.Status()),
			"duration", time.Since(start),
		)
	})
}
