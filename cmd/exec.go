package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/redis/go-redis/v9"

	"ticket-queue/config"
	"ticket-queue/internal/notify"
	"ticket-queue/internal/services"
	"ticket-queue/internal/store"
	"ticket-queue/internal/worker"
	_ "ticket-queue/migrations"
	"ticket-queue/monitoring"
	"ticket-queue/security"
	"ticket-queue/utils"
)

const metricsInterval = 15 * time.Second

func Start() error {
	app := pocketbase.New()

	cfg := config.LoadConfig()

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})
	app.RootCmd.AddCommand(hashTokenCommand())

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		srv, err := newServer(e.App, cfg)
		if err != nil {
			return err
		}
		if err := srv.start(); err != nil {
			srv.stop()
			return err
		}

		registerRoutes(e, srv)

		app.OnTerminate().BindFunc(func(te *core.TerminateEvent) error {
			srv.stop()
			return te.Next()
		})

		e.App.Logger().Info("Server routes registered")
		return e.Next()
	})

	return app.Start()
}

// server owns every long-lived dependency of a serving process.
type server struct {
	app    core.App
	cfg    *config.Config
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	redis   *redis.Client
	store   *store.RedisStore
	monitor *monitoring.Monitor
	hub     *notify.Hub

	queue        *services.QueueService
	locks        *services.SeatLockService
	reservations *services.ReservationService

	sweeper   *worker.Sweeper
	scheduled *worker.Scheduled
	metrics   *http.Server

	rateLimiter  *security.RateLimiter
	internalAuth *security.InternalAuth
}

func newServer(app core.App, cfg *config.Config) (*server, error) {
	logger := app.Logger()
	ctx, cancel := context.WithCancel(context.Background())

	redisClient, err := utils.NewRedisClient(ctx, utils.RedisOptions{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	s := &server{
		app:    app,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		redis:  redisClient,
	}

	settings := store.BreakerSettings("redis")
	settings.FailureRatio = cfg.BreakerFailureRatio
	settings.MinRequests = uint32(cfg.BreakerMinRequests)
	settings.OpenTimeout = cfg.BreakerOpenTimeout
	settings.OnStateChange = func(name string, from, to utils.State) {
		logger.Warn("Store circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		s.monitor.SetBreakerState(name, int(to))
	}
	s.store = store.NewRedisStore(redisClient, utils.NewCircuitBreaker(settings))
	s.monitor = monitoring.NewMonitor(s.store, metricsInterval, logger)

	db, ok := app.NonconcurrentDB().(services.DB)
	if !ok {
		s.stop()
		return nil, errors.New("database does not support transactions")
	}
	catalog := services.NewCatalog(app.DB(), cfg.ActiveCapacityPerEvent)

	notifier, err := s.notifier()
	if err != nil {
		s.stop()
		return nil, err
	}

	s.queue = services.NewQueueService(s.store, notifier, catalog, s.monitor, cfg, logger)
	s.locks = services.NewSeatLockService(s.store, s.monitor, cfg, logger)
	s.reservations = services.NewReservationService(db, catalog, s.locks, s.queue, s.monitor, cfg, logger)

	jobs := []worker.Job{
		{Name: "queue", Interval: cfg.QueueSweepInterval, Sweep: s.queue.Sweep},
		{Name: "locks", Interval: cfg.LockSweepInterval, Sweep: s.locks.Sweep},
		{Name: "reservations", Interval: cfg.ReservationSweepInterval, Sweep: s.reservations.Sweep},
	}
	s.sweeper = worker.NewSweeper(logger, jobs...)
	if cfg.SweepBackend == config.SweepBackendAsynq {
		s.scheduled, err = worker.NewScheduled(worker.RedisOpt(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB), logger, jobs...)
		if err != nil {
			s.stop()
			return nil, err
		}
	}

	s.rateLimiter = security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute, logger)
	s.internalAuth = security.NewInternalAuth(cfg.InternalTokenHash)
	if cfg.InternalTokenHash == "" {
		logger.Warn("INTERNAL_TOKEN_HASH is empty, internal endpoints will reject every request")
	}

	return s, nil
}

// notifier fans queue messages out to every transport listed in NOTIFY_BACKENDS.
func (s *server) notifier() (notify.Notifier, error) {
	fanout := notify.NewFanout(s.monitor)

	if s.cfg.HasNotifyBackend(notify.TransportWebSocket) {
		s.hub = notify.NewHub(s.logger)
		fanout.Add(notify.TransportWebSocket, notify.NewRedisPublisher(s.redis))
	}
	if s.cfg.HasNotifyBackend(notify.TransportPubNub) {
		if s.cfg.PubNubPublishKey == "" {
			return nil, errors.New("NOTIFY_BACKENDS includes pubnub but PUBNUB_PUBLISH_KEY is empty")
		}
		pn := notify.NewPubNubClient(s.pubNubConfig())
		fanout.Add(notify.TransportPubNub, notify.NewPubNub(notify.NewPubNubPublisher(pn)))
	}

	if fanout.Len() == 0 {
		s.logger.Warn("No notification transport configured, clients must poll queue status")
		return notify.Nop{}, nil
	}
	return fanout, nil
}

func (s *server) pubNubConfig() notify.PubNubConfig {
	return notify.PubNubConfig{
		PublishKey:   s.cfg.PubNubPublishKey,
		SubscribeKey: s.cfg.PubNubSubscribeKey,
		SecretKey:    s.cfg.PubNubSecretKey,
		UserID:       s.cfg.PubNubUserID,
	}
}

func (s *server) start() error {
	// Recover state left behind by a previous process before accepting traffic.
	if err := s.sweeper.RunOnce(s.ctx); err != nil {
		s.logger.Error("Startup sweep incomplete", "error", err)
	}

	if s.scheduled != nil {
		if err := s.scheduled.Start(); err != nil {
			return err
		}
	} else {
		s.sweeper.Start(s.ctx)
	}

	if s.hub != nil {
		relay := notify.NewRelay(s.redis, s.hub, s.logger)
		go relay.Run(s.ctx)
	}

	if s.cfg.PubNubSubscribeKey != "" && s.cfg.PubNubPaymentChannel != "" {
		listener := services.NewPaymentListener(s.reservations, s.logger)
		pn := notify.NewPubNubClient(s.pubNubConfig())
		go listener.Listen(s.ctx, pn, s.cfg.PubNubPaymentChannel)
	}

	if s.cfg.EnableMetrics {
		s.monitor.Start(s.ctx)

		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.Handler())
		s.metrics = &http.Server{
			Addr:              ":" + s.cfg.MetricsPort,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	return nil
}

func (s *server) stop() {
	s.stopOnce.Do(s.shutdown)
}

func (s *server) shutdown() {
	s.logger.Info("Shutting down queue services")
	s.cancel()

	if s.scheduled != nil {
		s.scheduled.Shutdown()
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	s.monitor.Stop()

	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.logger.Warn("Metrics server shutdown", "error", err)
		}
	}

	if err := s.redis.Close(); err != nil {
		s.logger.Warn("Redis close", "error", err)
	}
}
