// Package app wires the settlement worker together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/commerce-settlement/internal/domain/discount"
	"github.com/xenking/commerce-settlement/internal/domain/giftcard"
	"github.com/xenking/commerce-settlement/internal/eventbus"
	"github.com/xenking/commerce-settlement/internal/repository"
	"github.com/xenking/commerce-settlement/internal/settlement"
	"github.com/xenking/commerce-settlement/pkg/health"
)

// Run creates all dependencies, subscribes the settlement orchestrator to the
// bus, and handles graceful shutdown. It is the single wiring point for the
// worker.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("health_addr", cfg.HealthAddr),
		zap.String("bus_driver", cfg.Bus.Driver))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health probes.
	healthSvc := health.NewService()
	healthSvc.Register("postgres", health.Readiness, 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.Register("goroutines", health.Liveness, time.Second, health.GoroutineCount(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// Event bus.
	var bus eventbus.Bus
	switch cfg.Bus.Driver {
	case BusDriverKafka:
		kafkaBus := eventbus.NewKafka(cfg.Bus.Brokers, cfg.Bus.Group, lg.Named("kafka"),
			eventbus.WithDeliveryRetry(cfg.Bus.RetryDelay, cfg.Bus.MaxAttempts))
		defer func() {
			if err := kafkaBus.Close(); err != nil {
				lg.Error("Close kafka bus", zap.Error(err))
			}
		}()
		bus = kafkaBus
	default:
		memBus := eventbus.NewMemory(lg.Named("bus"),
			eventbus.WithRetry(cfg.Bus.RetryDelay, cfg.Bus.MaxAttempts))
		defer memBus.Close()
		bus = memBus
	}

	// Orchestrator over repositories and domain services.
	orch, err := settlement.New(settlement.Config{
		Orders:  repository.NewOrderRepository(pool),
		Regions: repository.NewRegionRepository(pool),
		Ledger:  discount.NewLedger(repository.NewDiscountRepository(pool)),
		Issuer:  giftcard.NewIssuer(repository.NewGiftCardRepository(pool)),
		Drafts:  repository.NewDraftOrderRepository(pool),
		States:  repository.NewSettlementStateRepository(pool),
		Bus:     bus,
		Logger:  lg.Named("settlement"),
		Meter:   m.MeterProvider().Meter("settlement"),
		Tracer:  m.TracerProvider().Tracer("settlement"),
	})
	if err != nil {
		return errors.Wrap(err, "create orchestrator")
	}
	orch.Register()
	defer orch.Close()

	healthSvc.SetReady(true)

	// Health endpoints.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		Addr:              cfg.HealthAddr,
		Handler:           mux,
	}

	// Graceful shutdown: stop taking readiness traffic, let in-flight
	// deliveries finish, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Worker running", zap.String("health_addr", cfg.HealthAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "health server")
	}
	<-shutdownDone
	return nil
}
