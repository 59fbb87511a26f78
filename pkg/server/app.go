package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"TrapLine/internal/events"
	mid "TrapLine/internal/middleware"
	"TrapLine/internal/service/authority"
	"TrapLine/internal/usecase"
	pkgcache "TrapLine/pkg/cache"
	pkgch "TrapLine/pkg/clickhouse"
	"TrapLine/pkg/config"
	xhttp "TrapLine/pkg/http"
	pkgkafka "TrapLine/pkg/kafka"
	applogger "TrapLine/pkg/logger"
	"TrapLine/pkg/queue"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg         *config.Config
	l           *applogger.Logger
	generator   *usecase.Generator
	ingest      *usecase.MarketIngest
	budget      *usecase.BudgetHandler
	consumer    *pkgkafka.Consumer
	authClient  *authority.Client
	router      *mid.SymbolRouter
	relay       *events.Relay
	bus         *events.Bus
	notifyQueue *queue.RedisQueue
	cacheSvc    pkgcache.Service
	redisCache  *pkgcache.RedisCache
	producer    *pkgkafka.Producer
	chClient    *pkgch.Client
	httpHandler xhttp.Handler
	httpServer  *xhttp.Server
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	generator *usecase.Generator,
	ingest *usecase.MarketIngest,
	budget *usecase.BudgetHandler,
	consumer *pkgkafka.Consumer,
	authClient *authority.Client,
	router *mid.SymbolRouter,
	relay *events.Relay,
	bus *events.Bus,
	notifyQueue *queue.RedisQueue,
	cacheSvc pkgcache.Service,
	redisCache *pkgcache.RedisCache,
	producer *pkgkafka.Producer,
	chClient *pkgch.Client,
	httpHandler xhttp.Handler,
) *App {
	return &App{
		cfg:         cfg,
		l:           l,
		generator:   generator,
		ingest:      ingest,
		budget:      budget,
		consumer:    consumer,
		authClient:  authClient,
		router:      router,
		relay:       relay,
		bus:         bus,
		notifyQueue: notifyQueue,
		cacheSvc:    cacheSvc,
		redisCache:  redisCache,
		producer:    producer,
		chClient:    chClient,
		httpHandler: httpHandler,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.router.Start(ctx)
	a.relay.Start(ctx)

	if a.authClient != nil {
		go a.authClient.Run(ctx)
		a.l.Info("authority link starting", applogger.String("url", a.cfg.Authority.WebSocketURL))
	}

	if a.notifyQueue != nil {
		if err := a.notifyQueue.Start(); err != nil {
			a.l.Warn("notify queue start error", applogger.Error(err))
		}
	}

	if err := a.ingest.Start(ctx); err != nil {
		return fmt.Errorf("market ingest: %w", err)
	}
	a.l.Info("market ingest started")

	go a.generator.Start(ctx)
	a.l.Info("generator started",
		applogger.Duration("interval", a.cfg.Pipeline.Generator.Interval),
		applogger.Bool("ghost", a.cfg.Pipeline.Ghost))

	if a.consumer != nil && a.budget != nil {
		a.consumer.RegisterHandler(a.budget)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.l.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.l.Info("budget feed started", applogger.String("topic", a.budget.Topic()))
	}

	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	a.httpServer = xhttp.NewServer(a.l, a.httpHandler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(metricsPath),
	)
	if err := a.httpServer.Start(); err != nil {
		a.l.Error("http server start error", applogger.Error(err))
		return err
	}

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.l.Info("shutdown signal received")
	return a.shutdown(cancel)
}

// shutdown gracefully stops all services. The feeds stop first, then the
// relay drains what the pipeline already produced, then the clients close.
func (a *App) shutdown(cancel context.CancelFunc) error {
	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancelTimeout()

	if a.httpServer != nil {
		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			a.l.Error("http shutdown error", applogger.Error(err))
		}
	}

	if err := a.ingest.Shutdown(shutdownCtx); err != nil {
		a.l.Warn("ingest stop error", applogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(shutdownCtx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	a.router.Stop()

	a.bus.Close()
	a.relay.Wait()

	cancel()

	if a.notifyQueue != nil {
		if err := a.notifyQueue.Stop(shutdownCtx); err != nil {
			a.l.Warn("notify queue stop error", applogger.Error(err))
		}
	}

	if a.cacheSvc != nil {
		if err := a.cacheSvc.Close(); err != nil {
			a.l.Warn("cache close error", applogger.Error(err))
		}
	}

	// The log collector flushes its last batch through the producer, so
	// the logger must close before it.
	a.l.Close()

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.l.Warn("kafka producer close error", applogger.Error(err))
		}
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			a.l.Warn("redis close error", applogger.Error(err))
		}
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.l.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	a.l.Info("shutdown complete")
	return nil
}
