package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"blockrelay-server/internal/config"
	"blockrelay-server/internal/oauth"
)

const (
	rateLimitCleanupInterval = time.Minute
	matchCleanupInterval     = time.Hour
)

type Server struct {
	cfg         config.Config
	logger      *zap.Logger
	hub         *Hub
	connections *ConnectionManager
	rateLimiter *RateLimiter
	health      *ConnectionHealth
	metrics     *Metrics
	gatherer    prometheus.Gatherer
	matches     MatchStore
	exchanger   *oauth.Exchanger

	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

type options struct {
	registerer     prometheus.Registerer
	gatherer       prometheus.Gatherer
	matches        MatchStore
	registryOpts   []RegistryOption
	tracerProvider trace.TracerProvider
}

type Option func(*options)

// WithPrometheus registers metrics on reg instead of a private registry.
func WithPrometheus(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(o *options) {
		o.registerer = reg
		o.gatherer = gatherer
	}
}

// WithMatchStore uses store instead of connecting to DATABASE_URL.
func WithMatchStore(store MatchStore) Option {
	return func(o *options) {
		o.matches = store
	}
}

func WithRegistryOptions(opts ...RegistryOption) Option {
	return func(o *options) {
		o.registryOpts = append(o.registryOpts, opts...)
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// NewServer wires the relay and starts its hub and background tasks. Call
// Shutdown to stop them.
func NewServer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Server, *http.Server, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerer == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		o.registerer, o.gatherer = reg, reg
	}

	if o.matches == nil && cfg.DatabaseURL != "" {
		store, err := NewPostgresMatchStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("match store: %w", err)
		}
		o.matches = store
		logger.Info("match history enabled")
	}

	metrics := NewMetrics(o.registerer)
	connections := NewConnectionManager()

	hubCfg := HubConfig{
		ReplayDelay:         cfg.HelloReplayDelay,
		ValidateTransitions: cfg.RoomStateValidation,
		LegacyClients:       cfg.LegacyClients,
		TracerProvider:      o.tracerProvider,
	}
	if o.matches != nil {
		hubCfg.Recorder = o.matches
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		hub:         NewHub(NewRegistry(o.registryOpts...), connections, metrics, logger.Named("hub"), hubCfg),
		connections: connections,
		rateLimiter: NewRateLimiter(cfg.RateLimitMessages, cfg.RateLimitWindow),
		health:      NewConnectionHealth(),
		metrics:     metrics,
		gatherer:    o.gatherer,
		matches:     o.matches,
		exchanger:   oauth.NewExchanger(cfg.DiscordClientID, cfg.DiscordClientSecret, cfg.OAuthTokenURL),
		cancel:      cancel,
	}

	s.goTask(func() { s.hub.Run(runCtx) })
	s.goTask(func() { s.idleReaperTask(runCtx) })
	s.goTask(func() { s.rateLimitCleanupTask(runCtx) })
	if s.matches != nil {
		s.goTask(func() { s.matchCleanupTask(runCtx) })
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.RegisterRoutes(),
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, httpServer, nil
}

// Shutdown stops the hub, closes every client with StatusGoingAway, waits
// for background tasks and pending match writes, then closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	var err error
	err = multierr.Append(err, s.hub.Wait(ctx))

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("background tasks: %w", ctx.Err()))
	}

	if s.matches != nil {
		s.matches.Close()
	}
	return err
}

func (s *Server) goTask(fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

// idleReaperTask closes connections silent for longer than IdleTimeout.
// Their read loops then run the normal disconnect path.
func (s *Server) idleReaperTask(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, connID := range s.health.GetInactiveConnections(s.cfg.IdleTimeout) {
				if client := s.connections.GetConnection(connID); client != nil {
					s.logger.Info("closing idle connection", zap.String("connection_id", connID))
					client.Close(websocket.StatusPolicyViolation, "idle timeout")
				}
			}
		}
	}
}

func (s *Server) rateLimitCleanupTask(ctx context.Context) {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.Cleanup()
		}
	}
}

// matchCleanupTask deletes matches older than MatchRetention every hour.
func (s *Server) matchCleanupTask(ctx context.Context) {
	ticker := time.NewTicker(matchCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.matches.CleanupOldMatches(ctx, s.cfg.MatchRetention)
			if err != nil {
				s.logger.Warn("match cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				s.logger.Info("match cleanup", zap.Int64("deleted", deleted))
			}
		}
	}
}
