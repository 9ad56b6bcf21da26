// Package api exposes the orchestrator over HTTP: scan submission, session
// control, video and cue control, the state snapshot, and the websocket
// attach point.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alnlabs/aln-orchestrator/internal/catalog"
	"github.com/alnlabs/aln-orchestrator/internal/config"
	"github.com/alnlabs/aln-orchestrator/internal/cue"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/offline"
	"github.com/alnlabs/aln-orchestrator/internal/scoring"
	"github.com/alnlabs/aln-orchestrator/internal/session"
	"github.com/alnlabs/aln-orchestrator/internal/state"
	"github.com/alnlabs/aln-orchestrator/internal/video"
)

// Server routes HTTP traffic to the core services.
type Server struct {
	cfg      config.Config
	sessions *session.Service
	scores   *scoring.Service
	offline  *offline.Service
	playback *video.Queue
	cues     *cue.Engine
	catalog  *catalog.Catalog
	stateAgg *state.Aggregator
	ws       http.Handler
	logger   zerolog.Logger

	version   string
	startTime time.Time
}

// SetVersion stamps health responses with the build version.
func (s *Server) SetVersion(v string) { s.version = v }

// New wires the server. ws may be nil when the websocket layer is disabled.
func New(cfg config.Config, sessions *session.Service, scores *scoring.Service, off *offline.Service, playback *video.Queue, cues *cue.Engine, cat *catalog.Catalog, stateAgg *state.Aggregator, ws http.Handler) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		scores:    scores,
		offline:   off,
		playback:  playback,
		cues:      cues,
		catalog:   cat,
		stateAgg:  stateAgg,
		ws:        ws,
		logger:    log.WithComponent("api"),
		version:   "dev",
		startTime: time.Now(),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	if s.cfg.RequestsPerMinute > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RequestsPerMinute, time.Minute))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/tokens", s.handleTokens)
		r.Post("/scan", s.handleScan)
		r.Post("/scan/batch", s.handleScanBatch)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/admin/auth", s.handleAdminAuth)

		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/transaction/submit", s.handleTransactionSubmit)
			r.Delete("/transaction/{id}", s.handleTransactionDelete)

			r.Post("/session", s.handleSessionCreate)
			r.Get("/session", s.handleSessionGet)
			r.Put("/session", s.handleSessionUpdate)
			r.Post("/session/team", s.handleTeamAdd)

			r.Post("/video/control", s.handleVideoControl)

			r.Post("/cue/fire", s.handleCueFire)
			r.Post("/cue/{id}/resolve", s.handleCueResolve)
			r.Post("/cue/{id}/enable", s.handleCueEnable)
			r.Post("/cue/{id}/disable", s.handleCueDisable)
			r.Post("/cue/{id}/stop", s.handleCueStop)

			r.Post("/admin/score/adjust", s.handleScoreAdjust)
			r.Post("/admin/offline", s.handleOfflineToggle)
			r.Post("/admin/reset", s.handleAdminReset)
		})
	})
	return r
}

// Run serves until ctx is done, then drains with a shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	handler := otelhttp.NewHandler(s.Router(), "aln-orchestrator")
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSCertFile != "" {
			s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("https server listening")
			errCh <- srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
			return
		}
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// requestLogger emits one structured line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// handleHealth reports liveness plus coarse queue depths; consoles poll it
// as their connectivity probe. HTTP-only devices identify themselves with
// deviceId/type query params and get a presence heartbeat recorded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if deviceID := r.URL.Query().Get("deviceId"); deviceID != "" {
		if dt := model.DeviceType(r.URL.Query().Get("type")); dt.Valid() {
			s.sessions.Heartbeat(r.Context(), deviceID, dt)
		}
	}
	players, gms := s.offline.QueueSizes()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  int(time.Since(s.startTime).Seconds()),
		"offline": s.offline.IsOffline(),
		"queues": map[string]int{
			"player": players,
			"gm":     gms,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleTokens serves the token catalog for console-side caching.
func (s *Server) handleTokens(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  s.catalog.Size(),
		"tokens": s.catalog.All(),
	})
}

// handleState serves the composed snapshot with a strong ETag so pollers
// can cheaply confirm nothing changed.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, etag := s.stateAgg.BuildWithETag()
	if etag != "" {
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleHeartbeat lets HTTP-only devices report presence.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID   string           `json:"deviceId"`
		DeviceType model.DeviceType `json:"deviceType"`
	}
	if err := decodeJSON(r, &req); err != nil || req.DeviceID == "" || !req.DeviceType.Valid() {
		writeError(w, http.StatusBadRequest, "deviceId and valid deviceType required")
		return
	}
	s.sessions.Heartbeat(r.Context(), req.DeviceID, req.DeviceType)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
