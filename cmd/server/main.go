package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/botfleet/backend/internal/api"
	"github.com/botfleet/backend/internal/auth"
	"github.com/botfleet/backend/internal/billing"
	"github.com/botfleet/backend/internal/config"
	"github.com/botfleet/backend/internal/credits"
	"github.com/botfleet/backend/internal/deletion"
	"github.com/botfleet/backend/internal/events"
	"github.com/botfleet/backend/internal/fleet"
	"github.com/botfleet/backend/internal/gateway"
	"github.com/botfleet/backend/internal/metering"
	"github.com/botfleet/backend/internal/metrics"
	"github.com/botfleet/backend/internal/notify"
	"github.com/botfleet/backend/internal/payments"
	"github.com/botfleet/backend/internal/snapshots"
	"github.com/botfleet/backend/internal/store"
	"github.com/botfleet/backend/internal/vault"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("config load failed", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.EnsureSchema(ctx, db); err != nil {
		slog.Error("schema setup failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	bus := events.NewBus()
	ledger := credits.NewLedger(db)

	meter, err := metering.NewPipeline(db, cfg.Metering)
	if err != nil {
		slog.Error("meter pipeline init failed", "error", err)
		os.Exit(1)
	}
	meter.OnEmit = m.MeterEventsEmitted.Inc
	meter.OnFlushFailure = m.MeterFlushFailures.Inc
	meter.OnAggregate = m.AggregatePasses.Inc

	cache, err := gateway.NewBalanceCache(cfg.Redis, time.Duration(cfg.Gateway.BalanceCacheTTL)*time.Second)
	if err != nil {
		// Redis is an accelerator, not a dependency.
		slog.Warn("balance cache unavailable, gate reads go to the ledger", "error", err)
	}
	margins, err := gateway.NewMarginTable(cfg.Gateway.MarginRules, cfg.Gateway.Margin())
	if err != nil {
		slog.Error("margin table invalid", "error", err)
		os.Exit(1)
	}
	gate := gateway.NewGate(ledger, meter, bus, cache, margins, cfg.Gateway.GraceBuffer())

	var processor payments.Processor
	if cfg.Payments.BridgeURL != "" {
		processor = payments.NewHTTPProcessor(cfg.Payments.BridgeURL, cfg.Payments.BridgeAPIKey)
	} else {
		slog.Warn("no payment bridge configured, auto-topup and checkout disabled")
	}
	reconciler := payments.NewReconciler(db, ledger, cfg.Payments.WebhookSecret)
	topup := payments.NewTopupScheduler(db, processor, bus, cfg.Payments.MaxTopupFailures(), cfg.Payments.TopupInterval())

	snaps := snapshots.NewManager(db, nil, cfg.Snapshot)

	registry := fleet.NewRegistry(db)
	breakers := fleet.NewBreakerSet(3, 30*time.Second)
	hub := fleet.NewAgentHub(registry, breakers)
	orchestrator := fleet.NewOrchestrator(db, registry, hub)
	drainer := fleet.NewDrainer(db, registry, hub, bus)
	watchdog := fleet.NewWatchdog(db, registry, orchestrator, bus,
		cfg.Fleet.WatchdogInterval(), cfg.Fleet.HeartbeatTimeout())

	var authManager *auth.Manager
	if cfg.Server.AuthEnabled {
		authManager = auth.NewManager(db)
	} else {
		slog.Warn("api key auth disabled, admin surface is open")
	}

	cipher, err := vault.NewCipher(cfg.Vault.PlatformSecret)
	if err != nil {
		slog.Error("vault init failed", "error", err)
		os.Exit(1)
	}
	credStore := vault.NewStore(db, cipher)

	notifier := notify.NewNotifier(db, nil)
	notifier.SubscribeTo(bus)

	executor := deletion.NewExecutor(db, processor, snaps, nil)
	sweeper := billing.NewSweeper(db, ledger, bus,
		cfg.Billing.SeatPriceCents, cfg.Billing.DeductionDayUTC, cfg.Billing.SuspendAfterDays)

	// Background loops. Each runs one iteration at a time and stops on
	// the shutdown signal.
	go meter.Start(ctx)
	go watchdog.Run(ctx)
	go snaps.RunSweeper(ctx, cfg.Snapshot.SweepInterval())
	go sweeper.Run(ctx)
	if processor != nil {
		go topup.Run(ctx)
	}
	go sampleFleetGauges(ctx, db, registry, m)

	server := &api.Server{
		Ledger:     ledger,
		Meter:      meter,
		Gate:       gate,
		Reconciler: reconciler,
		Topup:      topup,
		Snapshots:  snaps,
		Registry:   registry,
		Drainer:    drainer,
		Recovery:   orchestrator,
		AgentHub:   hub,
		Vault:      credStore,
		Deletion:   executor,
		Notifier:   notifier,
		Metrics:    m,

		Auth:         authManager,
		BootstrapKey: cfg.Server.BootstrapAPIKey,
	}
	if cfg.Server.RateLimitPerMin > 0 {
		server.Limits = api.NewRateLimiter(cfg.Server.RateLimitPerMin)
	}

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("control plane listening", "port", port, "env", cfg.Server.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	// One final flush so the WAL is as empty as possible on exit.
	if err := meter.Flush(shutdownCtx); err != nil {
		slog.Error("final meter flush failed", "error", err)
	}
	if cache != nil {
		cache.Close()
	}
	slog.Info("shutdown complete")
}

// sampleFleetGauges refreshes the node and recovery-item gauges every
// 30 seconds from the registry and the recovery tables.
func sampleFleetGauges(ctx context.Context, db *sql.DB, registry *fleet.Registry, m *metrics.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			nodes, err := registry.List(ctx)
			if err != nil {
				slog.Warn("fleet gauge sample failed", "error", err)
				continue
			}
			byStatus := make(map[string]int)
			for _, n := range nodes {
				byStatus[n.Status]++
			}
			m.NodesByStatus.Reset()
			for status, count := range byStatus {
				m.NodesByStatus.WithLabelValues(status).Set(float64(count))
			}

			rows, err := db.QueryContext(ctx,
				`SELECT status, COUNT(*) FROM recovery_items GROUP BY status`)
			if err != nil {
				slog.Warn("recovery gauge sample failed", "error", err)
				continue
			}
			m.RecoveryItemState.Reset()
			for rows.Next() {
				var status string
				var count int
				if err := rows.Scan(&status, &count); err != nil {
					break
				}
				m.RecoveryItemState.WithLabelValues(status).Set(float64(count))
			}
			rows.Close()
		case <-ctx.Done():
			return
		}
	}
}
