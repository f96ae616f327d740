package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/r3e-network/investment-core/infrastructure/config"
	"github.com/r3e-network/investment-core/infrastructure/database"
	"github.com/r3e-network/investment-core/infrastructure/logging"
	"github.com/r3e-network/investment-core/infrastructure/metrics"
	"github.com/r3e-network/investment-core/infrastructure/middleware"
	"github.com/r3e-network/investment-core/internal/aggregation"
	"github.com/r3e-network/investment-core/internal/api"
	"github.com/r3e-network/investment-core/internal/broker"
	"github.com/r3e-network/investment-core/internal/broker/simbroker"
	"github.com/r3e-network/investment-core/internal/custodian"
	"github.com/r3e-network/investment-core/internal/custodian/manual"
	"github.com/r3e-network/investment-core/internal/custodian/plaidlike"
	"github.com/r3e-network/investment-core/internal/eventbus"
	"github.com/r3e-network/investment-core/internal/idempotency"
	"github.com/r3e-network/investment-core/internal/monitor"
	"github.com/r3e-network/investment-core/internal/orders"
	"github.com/r3e-network/investment-core/internal/scheduler"
	"github.com/r3e-network/investment-core/internal/store"
	"github.com/r3e-network/investment-core/internal/streaming"
)

// Dependency order mirrors the layering the system is built against:
// reliability substrate (logging, metrics, config) → portfolio store →
// job scheduler → order engine & aggregation engine → streaming hub →
// HTTP surface.
func main() {
	if err := run(); err != nil {
		logging.NewFromEnv("investment-core").WithError(err).Fatal("server exited")
	}
}

func run() error {
	// A missing .env is fine in production, where configuration comes
	// from the real environment; godotenv only fills gaps for local runs.
	_ = godotenv.Load()

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New("investment-core", settings.LogLevel, settings.LogFormat)
	var m *metrics.Metrics
	if settings.MetricsEnabled {
		m = metrics.New("investment-core")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, settings.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    settings.DatabaseMaxOpen,
		MaxIdleConns:    settings.DatabaseMaxIdle,
		ConnMaxLifetime: settings.DatabaseConnLife,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	portfolioStore := store.NewPostgresStore(db)
	priceCache := store.NewPriceCache()
	bus := eventbus.New()

	custodianAdapters := buildCustodianAdapters(settings, logger)

	brk := buildBroker(settings)

	ordersEngine := orders.New(orders.Config{
		Store:  portfolioStore,
		Broker: brk,
		Bus:    bus,
		Logger: logger,
	})

	aggregationEngine := aggregation.New(aggregation.Config{
		Store:    portfolioStore,
		Adapters: custodianAdapters,
		Bus:      bus,
		Logger:   logger,
	})

	jobScheduler := scheduler.New(scheduler.Config{Logger: logger, Concurrency: 8})
	registerJobs(jobScheduler, aggregationEngine, ordersEngine, priceCache, portfolioStore)
	if err := scheduleJobs(jobScheduler); err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}
	jobScheduler.Start()
	defer jobScheduler.Stop()

	hub := streaming.New(streaming.Config{Aggregator: aggregationEngine, Prices: priceCache, Logger: logger, QueueSize: 256})
	go hub.Run(ctx, bus)

	idempotencyStore := idempotency.New(settings.RedisURL, logger)

	hostMonitor := monitor.New(monitor.Config{Hub: hub, Logger: logger, AlertUser: "ops"})
	jobScheduler.Register("monitor_host_resources", hostMonitor.Sample, true)
	if err := jobScheduler.AddCron("*/5 * * * *", "monitor_host_resources"); err != nil {
		return fmt.Errorf("schedule host monitor: %w", err)
	}

	webhookSecrets := map[string]string{}
	for name, c := range settings.Custodians {
		if c.WebhookKey != "" {
			webhookSecrets[name] = c.WebhookKey
		}
	}

	router := api.NewRouter(api.Config{
		Store:          portfolioStore,
		Orders:         ordersEngine,
		Aggregation:    aggregationEngine,
		Scheduler:      jobScheduler,
		Hub:            hub,
		PriceCache:     priceCache,
		Custodians:     custodianAdapters,
		Idempotency:    idempotencyStore,
		Logger:         logger,
		Metrics:        m,
		ServiceName:    "investment-core",
		CORSOrigins:    settings.CORSOrigins,
		WebhookSecrets: webhookSecrets,
		JWTSigningKey:  settings.JWTSigningKey,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		MaxBodyBytes:   1 << 20,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(cancel)
	shutdown.ListenForSignals()

	logger.WithFields(map[string]interface{}{"port": settings.Port}).Info("investment-core server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}

	shutdown.Wait()
	return nil
}

func buildCustodianAdapters(settings *config.Settings, logger *logging.Logger) map[string]custodian.Adapter {
	adapters := map[string]custodian.Adapter{"manual": manual.New()}
	for name, c := range settings.Custodians {
		if c.BaseURL == "" {
			continue
		}
		adapter, err := plaidlike.New(plaidlike.Config{
			Name:         name,
			BaseURL:      c.BaseURL,
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
		})
		if err != nil {
			logger.WithFields(map[string]interface{}{"custodian": name}).WithError(err).Warn("skipping misconfigured custodian adapter")
			continue
		}
		adapters[name] = adapter
	}
	return adapters
}

func buildBroker(settings *config.Settings) broker.Broker {
	return simbroker.New(simbroker.Config{
		ReferencePrices: map[string]decimal.Decimal{},
		BuyingPower:     decimal.NewFromInt(0),
		Currency:        "USD",
	})
}

func registerJobs(s *scheduler.Scheduler, agg *aggregation.Engine, ord *orders.Engine, prices *store.PriceCache, st store.Store) {
	s.Register("reconcile_all_accounts", func(ctx context.Context, runID string) (interface{}, error) {
		return agg.SyncAll(ctx)
	}, false)

	s.Register("refresh_market_data", func(ctx context.Context, runID string) (interface{}, error) {
		// A real feed would populate this from a market-data adapter; absent
		// one in this deployment, the job is a no-op placeholder that still
		// participates in the run registry and retention sweep.
		return prices.Snapshot(), nil
	}, false)

	s.Register("expire_day_orders", func(ctx context.Context, runID string) (interface{}, error) {
		users, err := listDistinctUsers(ctx, st)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, userID := range users {
			n, err := ord.ExpireDayOrders(ctx, userID)
			if err != nil {
				return nil, err
			}
			total += n
		}
		return total, nil
	}, false)
}

func listDistinctUsers(ctx context.Context, st store.Store) ([]string, error) {
	accounts, err := st.ListActiveNonManualAccounts(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var users []string
	for _, a := range accounts {
		if !seen[a.UserID] {
			seen[a.UserID] = true
			users = append(users, a.UserID)
		}
	}
	return users, nil
}

func scheduleJobs(s *scheduler.Scheduler) error {
	if err := s.AddCron("0 1 * * *", "reconcile_all_accounts"); err != nil {
		return err
	}
	if err := s.AddCron("0 * * * *", "refresh_market_data"); err != nil {
		return err
	}
	if err := s.AddCron("0 16 * * 1-5", "expire_day_orders"); err != nil {
		return err
	}
	return nil
}
