package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/sync/errgroup"

	"sheetwatch/internal/broker"
	"sheetwatch/internal/config"
	"sheetwatch/internal/constants"
	"sheetwatch/internal/ingress"
	"sheetwatch/internal/logger"
	"sheetwatch/internal/publisher"
	"sheetwatch/internal/scan"
	"sheetwatch/internal/sheets"
	"sheetwatch/internal/snapshot"
	"sheetwatch/pkg/bootstrap"
	"sheetwatch/pkg/cel"
	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/health"
	"sheetwatch/pkg/metrics"
	"sheetwatch/pkg/middleware"
	"sheetwatch/pkg/models"
	"sheetwatch/pkg/ratelimit"
	"sheetwatch/pkg/tracing"
)

const serviceName = "scan-service"

type App struct {
	*bootstrap.Base
	stores *bootstrap.Stores

	storeBreaker  *snapshot.CircuitBreakerStore
	sheetsBreaker *sheets.CircuitBreakerClient
	publisher     *publisher.Publisher
	scheduler     *scan.Scheduler
	forwarder     *broker.Forwarder
	recent        ingress.RecentRepository

	health         *health.CheckerRegistry
	router         *gin.Engine
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base: bootstrap.NewBase(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	stores, err := bootstrap.OpenStores(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}
	a.stores = stores

	if err := a.initScheduler(ctx); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	if err := a.InitBroker(serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	a.forwarder = broker.NewForwarder(a.Producer, a.Config.Broker.Kafka, clock.WallClock, a.Logger).AckWith(a.publisher)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	a.initHealth()
	a.initRouter(ctx)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	return nil
}

// snapshotStore layers the accepted snapshot store: Postgres is the source of
// truth, guarded by a breaker, archived to MongoDB and fronted by Redis.
func (a *App) snapshotStore() snapshot.Store {
	a.storeBreaker = snapshot.NewCircuitBreakerStore(snapshot.NewPostgresRepository(a.stores.Postgres), a.Config.CircuitBreaker)

	var store snapshot.Store = a.storeBreaker
	if a.stores.History != nil {
		store = snapshot.NewArchivingStore(store, snapshot.NewMongoHistory(a.stores.History), a.Logger)
	}
	if a.stores.Redis != nil {
		ttl := time.Duration(a.Config.Database.Redis.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = constants.DefaultTTLSeconds * time.Second
		}
		store = snapshot.NewCachedStore(store, a.stores.Redis, ttl, a.Logger)
	}
	return store
}

func (a *App) sheetsClient(ctx context.Context) (sheets.Client, error) {
	google, err := sheets.NewGoogleClient(ctx, a.Config.Sheets, a.Config.Sources, a.Logger)
	if err != nil {
		return nil, err
	}

	a.sheetsBreaker = sheets.NewCircuitBreakerClient(google, a.Config.CircuitBreaker)

	var client sheets.Client = a.sheetsBreaker
	if a.Config.Sheets.RequestsPerSecond > 0 {
		client = sheets.NewRateLimitedClient(client, a.Config.Sheets.RequestsPerSecond, a.Config.Sheets.Burst)
	}
	return client, nil
}

func (a *App) initScheduler(ctx context.Context) error {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	client, err := a.sheetsClient(ctx)
	if err != nil {
		return err
	}

	a.publisher = publisher.New(a.snapshotStore(), a.Config.Scan.OutboundBuffer, clock.WallClock, a.Logger)

	scheduler, err := scan.New(a.Config.Scan, a.Config.Sources, client, a.publisher, evaluator, a.Logger)
	if err != nil {
		return err
	}
	a.scheduler = scheduler

	if a.stores.Redis != nil {
		a.recent = ingress.NewRedisRecentRepository(a.stores.Redis, a.Config.Ingress.RecentEventsLimit)
	} else {
		a.recent = ingress.NewMemoryRecentRepository(a.Config.Ingress.RecentEventsLimit)
	}

	return nil
}

func (a *App) initHealth() {
	a.health = health.NewCheckerRegistry()
	a.health.Register(health.NewPostgreSQLChecker(a.stores.Postgres))
	if a.stores.Redis != nil {
		a.health.Register(health.NewRedisChecker(a.stores.Redis))
	}
	if a.stores.Mongo != nil {
		a.health.Register(health.NewMongoDBChecker(a.stores.Mongo))
	}
	a.health.Register(health.NewCircuitBreakerChecker(a.sheetsBreaker))
	a.health.Register(health.NewCircuitBreakerChecker(a.storeBreaker))
	a.health.Register(health.NewSourcesChecker(a.scheduler))
}

func (a *App) initRouter(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger))

	if a.Config.Ingress.RateLimit.Enabled {
		limiter := ratelimit.New(a.Config.Ingress.RateLimit, clock.WallClock)
		go limiter.Run(ctx)
		router.Use(limiter.Middleware())
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", limiter.RPS(), "burst", limiter.Burst())
	}

	ingress.NewHandler(a.scheduler, a.recent, clock.WallClock, a.Logger).RegisterRoutes(router)

	router.GET("/health", a.health.Handler())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
}

// handleChange feeds a Kafka change notification into the scheduler.
// Poisoned sources drop the event; unknown sources are dead-lettered.
func (a *App) handleChange(ctx context.Context, event models.ChangeEvent) error {
	err := a.scheduler.Notify(event)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pkgerrors.ErrSourcePoisoned):
		a.Logger.WarnwCtx(ctx, "Dropping change for poisoned source", "source_id", event.SourceID)
		return nil
	default:
		return err
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The forwarder outlives the scheduler so events committed during
	// shutdown still reach Kafka, up to ShutdownTimeout.
	fwdCtx, fwdCancel := context.WithCancel(context.WithoutCancel(gctx))
	defer fwdCancel()

	g.Go(func() error {
		defer a.publisher.Close()
		return a.scheduler.Run(gctx)
	})

	g.Go(func() error {
		defer fwdCancel()
		return a.forwarder.Run(fwdCtx, a.publisher.Events())
	})

	g.Go(func() error {
		<-gctx.Done()
		timer := time.NewTimer(constants.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-fwdCtx.Done():
		case <-timer.C:
			a.Logger.Warnw("Outbound events still pending at shutdown")
			fwdCancel()
		}
		return nil
	})

	if a.Consumer != nil {
		g.Go(func() error {
			if err := a.Consumer.Consume(gctx, a.Config.Broker.Kafka.InputTopic, a.handleChange); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		a.Logger.InfowCtx(gctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
	defer cancel()

	return a.Base.Shutdown(shutdownCtx,
		func(ctx context.Context) error {
			if a.tracerProvider == nil {
				return nil
			}
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				return fmt.Errorf("tracer provider shutdown: %w", err)
			}
			return nil
		},
		a.stores.Close,
	)
}
