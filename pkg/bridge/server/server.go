// Package server assembles the bridge's HTTP surface and its background
// pieces.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/vango-go/callbridge/pkg/bridge/config"
	"github.com/vango-go/callbridge/pkg/bridge/convai"
	"github.com/vango-go/callbridge/pkg/bridge/handlers"
	"github.com/vango-go/callbridge/pkg/bridge/mw"
	"github.com/vango-go/callbridge/pkg/bridge/schedule"
	"github.com/vango-go/callbridge/pkg/bridge/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	tracker    *sessions.Tracker
	stats      *schedule.Scheduler
	signedURLs *convai.SignedURLClient
	httpClient *http.Client
	draining   atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.SignedURLTimeout,
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		tracker:    sessions.NewTracker(),
		httpClient: httpClient,
		signedURLs: convai.NewSignedURLClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsAPIBaseURL, httpClient),
	}

	statsInterval := cfg.StatsInterval
	if statsInterval <= 0 {
		statsInterval = 30 * time.Second
	}
	s.stats, _ = schedule.New(statsInterval, s.logStats)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})

	s.mux.Handle("/media-stream", handlers.StreamHandler{
		Config:     s.cfg,
		Logger:     s.logger,
		Sessions:   s.tracker,
		SignedURLs: s.signedURLs,
		IsDraining: s.draining.Load,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Start launches the periodic stats logger.
func (s *Server) Start() {
	s.stats.Start()
}

// Stop halts the background pieces. Live bridges are handled by the drain
// helpers, not here.
func (s *Server) Stop() {
	s.stats.Stop()
}

// SetDraining makes the media-stream endpoint refuse new calls.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// ActiveSessions reports how many bridges are live.
func (s *Server) ActiveSessions() int {
	return s.tracker.Count()
}

// WaitSessions blocks until all live bridges finish or ctx ends, reporting
// whether the server fully drained.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelSessions force-cancels every live bridge and returns how many were
// told to stop.
func (s *Server) CancelSessions() int {
	return s.tracker.CancelAll()
}

func (s *Server) logStats() {
	s.logger.Info("bridge stats", "active_sessions", s.tracker.Count())
}
