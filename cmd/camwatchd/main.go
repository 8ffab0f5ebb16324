package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"camwatch-backend/config"
	"camwatch-backend/internal/api"
	"camwatch-backend/internal/db"
	"camwatch-backend/internal/dispatch"
	"camwatch-backend/internal/hub"
	"camwatch-backend/internal/identity"
	"camwatch-backend/internal/metrics"
	"camwatch-backend/internal/notification"
	"camwatch-backend/internal/presence"
	"camwatch-backend/internal/reconcile"
	"camwatch-backend/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "camwatch ", log.LstdFlags)

	configPath := pflag.StringP("config", "c", "", "path to the YAML config file (default $CONFIG_PATH or ./config/config.yaml)")
	pflag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", path, err)
	}
	logger.Printf("configuration loaded successfully from %s", path)

	if cfg.Auth.JWTSecret == "" {
		logger.Fatalf("auth.jwt_secret must be configured")
	}

	metrics.Init(prometheus.DefaultRegisterer)

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	groups := hub.New(cfg.Transport.PresenceGroup, cfg.Transport.BufferSize)

	var webpushOptions *webpush.Options
	var notifier presence.Notifier
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		pool.Start(ctx)
		notifier = pool
	} else {
		logger.Println("VAPID keys are not configured; supervisor push notifications are disabled")
	}

	presenceSvc := presence.NewService(appStore, groups, notifier)
	dispatcher := dispatch.NewDispatcher(appStore, appStore, groups, cfg.Transport.PushTimeout)
	reconciler := reconcile.NewService(groups, appStore, presenceSvc, cfg.Reconcile.Debounce)
	resolver := identity.NewResolver(appStore, time.Duration(cfg.Identity.CacheTTLSeconds)*time.Second)

	groups.OnDisconnect(func(string) { reconciler.Trigger() })

	if cfg.Reconcile.RunOnStartup {
		// Rows left online by a previous crash have no live connection now.
		report, err := reconciler.Reconcile(ctx)
		if err != nil {
			logger.Printf("startup reconciliation failed: %v", err)
		} else {
			logger.Printf("startup reconciliation: %d checked, %d went offline", report.Checked, report.WentOffline)
		}
	}
	go reconciler.Run(ctx, cfg.Reconcile.Interval)

	handler := api.NewHandler(api.Deps{
		Store:      appStore,
		Dispatcher: dispatcher,
		Presence:   presenceSvc,
		Reconciler: reconciler,
		Resolver:   resolver,
		Hub:        groups,
		WebPush:    webpushOptions,
		CommandTTL: time.Duration(cfg.Commands.DefaultTTLSeconds) * time.Second,
		KeepAlive:  cfg.Transport.KeepAlive,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(handler, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	// Event streams run on ctx and would otherwise hold Shutdown until its deadline.
	server.RegisterOnShutdown(cancel)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
