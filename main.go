package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mylo-james/myloware/internal/adapter/notify"
	"github.com/mylo-james/myloware/internal/bus"
	"github.com/mylo-james/myloware/internal/config"
	"github.com/mylo-james/myloware/internal/domain"
	"github.com/mylo-james/myloware/internal/gateway"
	store "github.com/mylo-james/myloware/internal/repository"
	"github.com/mylo-james/myloware/internal/service"
	"github.com/mylo-james/myloware/internal/token"
	v1 "github.com/mylo-james/myloware/internal/transport/http/v1"
	"github.com/mylo-james/myloware/internal/transport/ws"
	"github.com/mylo-james/myloware/policy"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting orchestrator...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Spec dir: %s", cfg.SpecDir)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Load pipeline specs
	specs, err := domain.LoadSpecDir(cfg.SpecDir)
	if err != nil {
		log.Fatalf("Failed to load pipeline specs: %v", err)
	}
	log.Printf("Loaded %d pipeline specs", len(specs))

	// Initialize provider gateway
	gw := gateway.New(buildProviders(cfg), cfg.ProviderMaxAttempts, cfg.WebhookDedupTTL)

	// Initialize gate token signer
	signer, err := token.NewSigner(cfg.TokenSecret)
	if err != nil {
		log.Fatalf("Failed to initialize token signer: %v", err)
	}

	// Initialize policy engine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize notification channel
	notifier := notify.NewClient(cfg.NotifyURL)
	if notifier.Enabled() {
		log.Printf("Notifications enabled: %s", cfg.NotifyURL)
	}

	// Initialize service and stage handlers
	registry := service.NewStageRegistry()
	service.RegisterBuiltinHandlers(registry, gw)
	svc := service.New(db, gw, notifier, signer, policyEngine, cfg, specs, registry)

	// Initialize event bus and outbox publisher
	b := bus.New(8, cfg.ConsumerMaxAttempts, svc.DeadLetterSink())
	svc.RegisterConsumers(b)

	hub := ws.NewHub()
	wsServer := ws.NewServer(hub)
	b.Subscribe(service.TopicRunEvents, service.GroupWatchers, wsServer.Consume)

	go b.Run(ctx)
	go bus.NewPublisher(db, b, cfg.OutboxPollInterval).Run(ctx)

	// Background sweeps
	go svc.RunGateSweep(ctx)
	go svc.RunWebhookRedrive(ctx)
	go svc.RunAdmissionPurge(ctx)

	// Resume any runs interrupted by the last shutdown
	if err := svc.ResumeAll(ctx); err != nil {
		log.Printf("ERROR: resume failed: %v", err)
	}

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register routes
	h := v1.NewHandler(svc, gw, b, cfg)
	h.RegisterRoutes(e)
	e.GET("/ws/runs/:run_id", wsServer.HandleWatch)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down orchestrator...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}
	cancel()

	log.Println("Orchestrator stopped")
}

// buildProviders wires the configured provider endpoints. Endpoints left
// unset are omitted; runs that need them fail at submission with a clear
// error instead of at startup.
func buildProviders(cfg *config.Config) []gateway.Provider {
	var providers []gateway.Provider
	add := func(name, url, secret string) {
		if url == "" {
			return
		}
		providers = append(providers, gateway.NewHTTPProvider(name, url, secret, cfg.ProviderTimeout))
	}
	add("generation", cfg.GenerationURL, cfg.GenerationSecret)
	add("editing", cfg.EditingURL, cfg.EditingSecret)
	add("publishing", cfg.PublishingURL, cfg.PublishingSecret)
	return providers
}
