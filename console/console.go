// Package console exposes a small read-only HTTP surface: a JSON /status
// endpoint reporting per-site queue depth and proxy health, and a /metrics
// endpoint for Prometheus scraping. It carries none of the session/HTML
// admin UI of walker's console package -- pystemon has no link graph
// to browse, only a running pipeline to observe.
//
// Grounded on walker's console/rest.go (Route/Routes, JSON response
// shape) and console/rendering.go (render.Render setup), generalized from
// walker's crawl-admin REST API to a stats-only surface.
package console

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"

	"github.com/rs/zerolog/log"
)

// Route pairs a path with its handler, mirroring walker's console.Route.
type Route struct {
	Path       string
	Controller func(w http.ResponseWriter, req *http.Request)
}

// Server serves the status/metrics surface on a single listener.
type Server struct {
	addr           string
	statsFunc      func() any
	metricsHandler http.Handler
	render         *render.Render

	srv *http.Server
}

// NewServer builds a Server bound to addr (e.g. ":8080"). statsFunc supplies
// the value rendered at /status (normally *pystemon.Supervisor's Stats
// method); pass nil to disable it and serve /metrics only. reg is the
// registry /metrics serves; pass nil to fall back to the global Prometheus
// registry.
func NewServer(addr string, statsFunc func() any, reg *prometheus.Registry) *Server {
	var handler http.Handler
	if reg != nil {
		handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	} else {
		handler = promhttp.Handler()
	}
	return &Server{
		addr:           addr,
		statsFunc:      statsFunc,
		metricsHandler: handler,
		render: render.New(render.Options{
			IndentJSON: true,
		}),
	}
}

func (s *Server) routes() []Route {
	return []Route{
		{Path: "/status", Controller: s.statusController},
		{Path: "/metrics", Controller: s.metricsHandler.ServeHTTP},
	}
}

func (s *Server) statusController(w http.ResponseWriter, req *http.Request) {
	if s.statsFunc == nil {
		s.render.JSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no supervisor attached"})
		return
	}
	s.render.JSON(w, http.StatusOK, s.statsFunc())
}

// Start binds addr and serves in a background goroutine, logging and
// discarding any post-startup error (matching walker's cmd.go
// fire-and-forget pprof listener at ":6060").
func (s *Server) Start() {
	router := mux.NewRouter()
	for _, route := range s.routes() {
		router.HandleFunc(route.Path, route.Controller)
	}
	s.srv = &http.Server{Addr: s.addr, Handler: router}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", s.addr).Msg("console server stopped")
		}
	}()
	log.Info().Str("addr", s.addr).Msg("console listening")
}

// Stop shuts the listener down, ignoring errors the way Start logs-only.
func (s *Server) Stop() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}
