package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Server owns every long-lived component and their lifecycle.
type Server struct {
	cfg        *Config
	store      *Store
	registry   Registry
	fileRules  *FileRules
	rules      *CachedRules
	stats      StatsSink
	dispatcher *StatsDispatcher
	metrics    *Metrics
	tracker    *Tracker
	udp        *UDPServer
	closeOnce  sync.Once
}

// NewServer opens the store and builds the tracker from cfg.
func NewServer(cfg *Config) (*Server, error) {
	store, err := OpenStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, store: store, metrics: NewMetrics()}

	switch cfg.Registry.Backend {
	case "sqlite":
		s.registry = NewSQLiteRegistry(store)
	default:
		mem := NewMemoryRegistry(cfg.Registry.Shards, stalePeerThreshold)
		mem.StartJanitor(janitorInterval)
		s.registry = mem
	}

	var src RuleSource = store
	if cfg.Rules.File != "" {
		s.fileRules = NewFileRules(cfg.Rules.File)
		src = s.fileRules
	}
	s.rules = NewCachedRules(src, cfg.Rules.TTL)

	switch cfg.Stats.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Stats.Redis.Addr,
			Password: cfg.Stats.Redis.Password,
			DB:       cfg.Stats.Redis.DB,
		})
		s.stats = NewRedisStats(client)
	case "memory":
		s.stats = NewMemoryStats()
	}
	if s.stats != nil {
		s.dispatcher = NewStatsDispatcher(s.stats, cfg.Stats.Workers, cfg.Stats.Queue, s.metrics)
	}

	s.tracker = NewTracker(s.registry, store, s.rules, s.dispatcher, s.metrics)
	if cfg.UDP.Port > 0 {
		s.udp = NewUDPServer(s.tracker, cfg.UDP.Secret, s.metrics)
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.UDP.Secret == fallbackSecret && s.udp != nil {
		log.Warn().Msg("using insecure default secret key, set udp.secret for production use")
	}
	log.Info().Str("version", version).
		Str("registry", s.cfg.Registry.Backend).
		Str("stats", s.cfg.Stats.Backend).
		Msg("starting pico-announce")

	if s.stats != nil {
		if rs, ok := s.stats.(*RedisStats); ok {
			if err := rs.client.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Str("addr", s.cfg.Stats.Redis.Addr).Msg("redis unreachable, stats writes will fail until it is back")
			}
		}
	}

	var conns []*net.UDPConn
	if s.udp != nil {
		conn4, err := listenUDP("udp4", s.cfg.UDP.Port)
		if err != nil {
			s.Close()
			return errors.Wrap(err, "listen udp4")
		}
		log.Info().Int("port", s.cfg.UDP.Port).Msg("UDP tracker listening (IPv4)")
		conns = append(conns, conn4)

		conn6, err := listenUDP("udp6", s.cfg.UDP.Port)
		if err != nil {
			log.Warn().Err(err).Msg("IPv6 not available")
		} else {
			log.Info().Int("port", s.cfg.UDP.Port).Msg("UDP tracker listening (IPv6)")
			conns = append(conns, conn6)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.fileRules != nil {
		if err := s.fileRules.Watch(ctx, s.rules.Invalidate); err != nil {
			log.Warn().Err(err).Msg("rules file will not be reloaded on change")
		}
	}

	httpSrv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           NewHTTPHandler(s.tracker, s.stats, s.metrics, s.cfg.HTTP.TrustProxy).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error { return serveHTTP(ctx, httpSrv, "tracker") })

	if s.cfg.Metrics.Addr != "" {
		metricsSrv := &http.Server{
			Addr:              s.cfg.Metrics.Addr,
			Handler:           metricsHandler(s.metrics, s.cfg.Metrics.Users),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return serveHTTP(ctx, metricsSrv, "metrics") })
	}

	for _, conn := range conns {
		g.Go(func() error { return s.udp.Serve(ctx, conn) })
	}

	err := g.Wait()
	log.Info().Msg("shutting down")
	s.Close()
	return err
}

// serveHTTP runs srv until ctx is done and then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, name string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s on %s", name, srv.Addr)
	}
	log.Info().Str("addr", ln.Addr().String()).Msgf("%s HTTP listening", name)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "serve %s", name)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msgf("forcing %s shutdown after timeout", name)
		return errors.Wrapf(err, "shutdown %s", name)
	}
	return nil
}

// Close flushes queued stats and releases every component. Run calls it on
// exit; calling it again is a no-op.
func (s *Server) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Server) close() {
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.stats != nil {
		if err := s.stats.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close stats sink")
		}
	}
	if s.udp != nil {
		s.udp.Close()
	}
	if err := s.registry.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close registry")
	}
	if err := s.store.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close store")
	}
	log.Info().Msg("shutdown complete")
}

// setupSignalHandling creates a context that cancels on SIGINT/SIGTERM
func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
