package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jengzang/geofence-backend-go/internal/api"
	"github.com/jengzang/geofence-backend-go/internal/config"
	"github.com/jengzang/geofence-backend-go/internal/database"
	"github.com/jengzang/geofence-backend-go/internal/geofence"
	"github.com/jengzang/geofence-backend-go/internal/handler"
	"github.com/jengzang/geofence-backend-go/internal/logging"
	"github.com/jengzang/geofence-backend-go/internal/middleware"
	"github.com/jengzang/geofence-backend-go/internal/observability"
	"github.com/jengzang/geofence-backend-go/internal/repository"
	"github.com/jengzang/geofence-backend-go/internal/service"
	"github.com/jengzang/geofence-backend-go/internal/source"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logging.New(logging.Config{}).Error(context.Background(), "server exited", logging.Err(err))
		os.Exit(1)
	}
}

func run() error {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	location, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化数据库
	if err := database.Init(database.Config{Path: cfg.DBPath}); err != nil {
		return err
	}
	defer database.Close()
	db := database.GetDB()
	if err := database.Migrate(ctx, db, logging.Component(log, "migrations")); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewGeofenceCollector(registry)
	if err != nil {
		return err
	}

	store := geofence.NewZoneStore()
	evaluator := geofence.NewEvaluator(store, geofence.WithLocation(location))
	pushSource := source.NewPushSource()
	monitor := geofence.NewMonitor(pushSource, evaluator,
		geofence.WithRetryPolicy(geofence.RetryPolicy{
			MaxAttempts:     cfg.AcquireMaxAttempts,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
			Timeout:         cfg.AcquireTimeout,
			CachedMaxAge:    cfg.CachedPositionMaxAge,
		}),
		geofence.WithLogger(logging.Component(log, "geofence")),
		geofence.WithMetrics(metrics),
	)

	monitorService := service.NewMonitorService(ctx, monitor, pushSource, repository.NewTransitionRepository(db), log)
	zoneService := service.NewZoneService(repository.NewZoneRepository(db), store, location, monitorService, log)
	if err := zoneService.Bootstrap(ctx, cfg.ZoneCatalog); err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx.Done())

	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(api.Handlers{
		Zones:       handler.NewZoneHandler(zoneService),
		Monitor:     handler.NewMonitorHandler(monitorService),
		Transitions: handler.NewTransitionHandler(service.NewTransitionService(repository.NewTransitionRepository(db))),
	}, api.Options{
		Logger:       logging.Component(log, "http"),
		Validator:    middleware.NewJWTValidator(cfg.JWTSecret),
		AuthDisabled: cfg.AuthDisabled,
		RateLimiter:  limiter,
		Metrics:      metrics.Handler(),
	})
	if cfg.AuthDisabled {
		log.Warn(ctx, "authentication disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so open alert streams close on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "server starting", logging.String("addr", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	monitorService.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	select {
	case <-monitor.Done():
	case <-shutdownCtx.Done():
	}
	return nil
}
