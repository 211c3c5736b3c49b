package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"consult-system/config"
	"consult-system/internal/handlers"
	"consult-system/internal/realtime"
	"consult-system/internal/services"
	"consult-system/internal/session"
	"consult-system/internal/store"
	_ "consult-system/migrations"
	"consult-system/monitoring"
	"consult-system/security"
	"consult-system/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Wallet ledger
	var (
		redisClient *redis.Client
		ledger      services.Ledger
	)
	switch cfg.WalletBackend {
	case "redis":
		client, err := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client
		ledger = services.NewRedisLedger(client)
	case "memory":
		slog.Warn("wallet balances are kept in memory and lost on restart")
		ledger = services.NewMemoryLedger()
	default:
		return fmt.Errorf("unknown WALLET_BACKEND %q", cfg.WalletBackend)
	}

	// Consultation store
	var st store.Store
	switch cfg.StoreBackend {
	case "pocketbase":
		st = store.NewPocketBaseStore(app)
	case "memory":
		st = store.NewMemoryStore()
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	// Initialize PubNub
	var pn *pubnub.PubNub
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		pnConfig.UUID = cfg.PubNubUserID
		pn = pubnub.NewPubNub(pnConfig)
	} else {
		slog.Warn("pubnub keys not set, user mirror and top-up subscription disabled")
	}

	monitor := monitoring.NewMonitor(prometheus.NewRegistry(), monitoring.Limits{
		IdleTimeout:           cfg.ConnectionIdleTimeout,
		SweepInterval:         cfg.MonitorSweepInterval,
		MaxHeapMB:             cfg.MaxHeapMB,
		MaxConnections:        cfg.MaxConnections,
		MaxAvgResponseTime:    cfg.MaxAvgResponseTime,
		SpamMessagesPerSecond: cfg.SpamMessagesPerSecond,
	})

	mirror := realtime.NewPubNubMirror(pn, "user-", cfg.SocketSendBuffer)
	mirror.OnDrop(monitor.FrameDropped)

	// Initialize services
	billing := services.NewBillingService(ledger, st, services.PerMinuteCost{}, cfg.LowBalanceMinutes)
	router := realtime.NewRouter(realtime.Config{
		MessagesPerSecond: cfg.SocketMessagesPerSec,
		Burst:             cfg.SocketBurst,
		EditWindow:        cfg.MessageEditWindow,
		Currency:          cfg.Currency,
	}, nil, ledger, billing, st, mirror)
	engine := services.NewSessionService(services.SessionConfig{
		Thresholds: session.Thresholds{
			Warning: cfg.WarningThreshold,
			Final:   cfg.FinalThreshold,
		},
		TickInterval:     cfg.SessionTickInterval,
		PositionInterval: cfg.QueuePositionUpdate,
	}, st, billing, router)
	router.Bind(engine)
	router.Observe(monitor)
	engine.Observe(monitor)
	monitor.Attach(router)

	paymentService := services.NewPaymentService(pn, redisClient, ledger, engine, router, cfg.TopUpChannel, cfg.Currency)

	// Initialize handlers
	consultationHandler := handlers.NewConsultationHandler(engine)
	queueHandler := handlers.NewQueueHandler(engine)
	paymentHandler := handlers.NewPaymentHandler(ledger, paymentService, cfg.Currency)
	adminHandler := handlers.NewAdminHandler(engine, monitor)
	wsHandler := handlers.NewWSHandler(ctx, router, cfg.SocketSendBuffer)
	healthHandler := handlers.NewHealthHandler(redisClient)
	rateLimiter := security.NewRateLimiter(redisClient, cfg.HTTPRateLimit, cfg.HTTPRateWindow)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	g, gctx := errgroup.WithContext(ctx)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		restored, err := engine.Restore(gctx)
		if err != nil {
			return err
		}
		slog.Info("engine ready", "restored", restored, "wallet", cfg.WalletBackend, "store", cfg.StoreBackend)

		g.Go(func() error { return engine.Run(gctx) })
		g.Go(func() error { return paymentService.Subscribe(gctx) })
		g.Go(func() error { return mirror.Run(gctx) })
		g.Go(func() error { return monitor.Run(gctx) })
		if cfg.EnableMetrics {
			g.Go(func() error { return monitor.Serve(gctx, ":"+cfg.MetricsPort) })
		}

		// Consultation endpoints
		e.Router.POST("/api/v1/consultations", consultationHandler.Join).BindFunc(rateLimiter.Middleware)
		e.Router.GET("/api/v1/consultations/{id}", consultationHandler.Get)
		e.Router.POST("/api/v1/consultations/{id}/cancel", consultationHandler.Cancel)
		e.Router.POST("/api/v1/consultations/{id}/end", consultationHandler.End)
		e.Router.POST("/api/v1/consultations/{id}/extend", consultationHandler.Extend).BindFunc(rateLimiter.Middleware)

		// Provider queue endpoints
		e.Router.GET("/api/v1/providers/{providerId}/queue", queueHandler.GetQueue)
		e.Router.GET("/api/v1/providers/{providerId}/active", queueHandler.GetActive)
		e.Router.POST("/api/v1/providers/{providerId}/availability", queueHandler.SetAvailability)

		// Wallet endpoints
		e.Router.GET("/api/v1/wallet/balance", paymentHandler.GetBalance)

		// Realtime
		e.Router.GET("/api/v1/ws", wsHandler.Connect).BindFunc(rateLimiter.Middleware)

		// Admin endpoints
		e.Router.GET("/api/v1/admin/dashboard", adminHandler.GetDashboard)
		e.Router.POST("/api/v1/admin/consultations/{id}/end", adminHandler.ForceEnd)
		e.Router.POST("/api/v1/admin/consultations/{id}/reroute", adminHandler.Reroute)
		e.Router.POST("/api/v1/admin/consultations/{id}/override", adminHandler.Override)
		e.Router.POST("/api/v1/admin/users/{userId}/popup", adminHandler.SendPopup)

		// Test endpoint for top-up simulation
		if cfg.Environment == "development" {
			e.Router.POST("/api/v1/test/simulate-topup", paymentHandler.SimulateTopUp)
		}

		e.Router.GET("/health", healthHandler.Check)

		slog.Info("Server routes registered")

		return e.Next()
	})

	setupProviderHooks(app, engine)

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		slog.Info("Shutdown signal received, cleaning up...")
		cancel()
		return e.Next()
	})

	// Start server
	startErr := app.Start()
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("background task", "error", err)
	}
	return startErr
}

// setupProviderHooks keeps the engine in step with availability changes made
// through the PocketBase records API or dashboard.
func setupProviderHooks(app *pocketbase.PocketBase, engine *services.SessionService) {
	app.OnRecordUpdateRequest(store.CollectionProviders).BindFunc(func(e *core.RecordRequestEvent) error {
		before := e.Record.Original()
		if err := e.Next(); err != nil {
			return err
		}

		providerID, available, changed := availabilityChange(before, e.Record)
		if !changed {
			return nil
		}
		if err := engine.SetProviderAvailability(e.Request.Context(), providerID, available); err != nil {
			// The record is already saved; the next queue event retries promotion.
			slog.Error("Failed to apply provider availability",
				"provider", providerID,
				"available", available,
				"error", err,
				"hook", "OnRecordUpdateRequest",
			)
			return nil
		}
		slog.Info("Provider availability changed", "provider", providerID, "available", available)
		return nil
	})
}

// availabilityChange reports the provider a record update concerns and its
// new availability. Providers are keyed by their "ref" field, not the record id.
func availabilityChange(before, after *core.Record) (providerID string, available bool, changed bool) {
	providerID = after.GetString("ref")
	if providerID == "" {
		providerID = before.GetString("ref")
	}
	available = after.GetBool("available")
	changed = providerID != "" && available != before.GetBool("available")
	return providerID, available, changed
}
