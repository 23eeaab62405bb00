package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/handlers"
	"github.com/voxgate/voxgate/pkg/gateway/mw"
	"github.com/voxgate/voxgate/pkg/gateway/store"
	"github.com/voxgate/voxgate/pkg/gateway/voice/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store    store.Store
	tracker  *sessions.Tracker
	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		tracker: sessions.NewTracker(cfg.MaxSessions),
	}

	if cfg.SupabaseURL != "" {
		supa, err := store.NewSupabase(store.SupabaseConfig{
			URL:    cfg.SupabaseURL,
			APIKey: cfg.SupabaseAPIKey,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		s.store = supa

		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:         cfg.RedisAddr,
				Password:     cfg.RedisPassword,
				DB:           cfg.RedisDB,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			})
			s.store = store.NewCache(supa, client, cfg.ProfileCacheTTL, logger)
		}
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/v1/voice", handlers.VoiceHandler{
		Config:   s.cfg,
		Logger:   s.logger,
		Store:    s.store,
		Sessions: s.tracker,
		Draining: s.draining.Load,
	})
	s.mux.Handle("/v1/assistants/", handlers.AssistantsHandler{
		Store:  s.store,
		Logger: s.logger,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the admission gate; /v1/voice refuses new sessions once
// draining is set.
func (s *Server) SetDraining(v bool) {
	s.draining.Store(v)
}

func (s *Server) LiveSessionCount() int {
	return s.tracker.Count()
}

// WarnLiveSessions notifies every connected client that the gateway is
// about to drain.
func (s *Server) WarnLiveSessions(code, message string) int {
	return s.tracker.WarnAll(code, message)
}

func (s *Server) CancelLiveSessions() int {
	return s.tracker.CancelAll()
}

// WaitLiveSessions blocks until every live session has ended or ctx expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}
