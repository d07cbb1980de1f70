package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/internal/agent"
	"github.com/shehryarbajwa/devpool-mini/internal/api"
	"github.com/shehryarbajwa/devpool-mini/internal/events"
	"github.com/shehryarbajwa/devpool-mini/internal/filesync"
	"github.com/shehryarbajwa/devpool-mini/internal/machine"
	"github.com/shehryarbajwa/devpool-mini/internal/orchestrator"
	"github.com/shehryarbajwa/devpool-mini/internal/pool"
	"github.com/shehryarbajwa/devpool-mini/internal/proxy"
	"github.com/shehryarbajwa/devpool-mini/internal/ratelimit"
	"github.com/shehryarbajwa/devpool-mini/internal/store"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting devpool-mini")

	db, err := store.Open(getenv("DATA_DIR", "./data"))
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()
	fileStore := store.NewFileStore(db)
	sessionStore := store.NewSessionStore(db)
	logger.Info("durable stores ready")

	provider, err := machine.NewDockerProvider(
		getenv("WORKSPACE_IMAGE", "devpool/workspace:latest"),
		getenv("REGION", "local"),
		logger.Named("provider"),
	)
	if err != nil {
		logger.Fatal("failed to create machine provider", zap.Error(err))
	}
	defer provider.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := provider.EnsureImage(ctx); err != nil {
		cancel()
		logger.Fatal("failed to ensure workspace image", zap.Error(err))
	}
	cancel()
	logger.Info("workspace image ready")

	agentClient := agent.NewClient(os.Getenv("INGRESS_URL"), logger.Named("agent"))

	var publisher events.Publisher = events.Noop{}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		np, err := events.NewNATSPublisher(natsURL, logger.Named("events"))
		if err != nil {
			logger.Warn("event publisher unavailable, continuing without", zap.Error(err))
		} else {
			publisher = np
			defer np.Close()
		}
	}

	syncEngine := filesync.NewEngine(fileStore, agentClient, logger.Named("filesync"))

	poolMgr := pool.NewManager(provider, agentClient, sessionStore, publisher, pool.DefaultConfig(), logger.Named("pool"))

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.PublicURL = getenv("PUBLIC_URL", orchCfg.PublicURL)
	orch := orchestrator.NewManager(provider, agentClient, poolMgr, sessionStore, fileStore, syncEngine, publisher, orchCfg, logger.Named("orchestrator"))

	// Background loops: pool replenishment and crash reconciliation.
	// They log and continue; they never terminate the process.
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	go poolMgr.Run(loopCtx)
	go orch.RunReconciler(loopCtx)

	proxyServer := proxy.NewServer(orch, logger.Named("proxy"))
	rateLimiter := ratelimit.NewLimiter(60, 10)

	handler := api.NewHandler(orch, fileStore, logger.Named("api"))
	router := handler.SetupRoutes(proxyServer, rateLimiter)

	addr := getenv("LISTEN_ADDR", ":8080")
	// Acquisition and preview requests can legitimately hold the
	// connection for minutes (cold boot, dependency install), so slow
	// clients are bounded at the header-read stage rather than with a
	// whole-request write deadline.
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopLoops()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("stopped cleanly")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
