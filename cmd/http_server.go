package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/expert-payments/api"
	"github.com/frahmantamala/expert-payments/internal/auth"
	"github.com/frahmantamala/expert-payments/internal/payment"
	"github.com/frahmantamala/expert-payments/internal/transport/middleware"
	"github.com/frahmantamala/expert-payments/internal/transport/rest"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server. With worker.embedded the sync task pool and the reconciliation sweep run in the same process.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := startHTTPServer(); err != nil {
			fmt.Fprintf(os.Stderr, "server: %v\n", err)
			os.Exit(1)
		}
	},
}

func startHTTPServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	router, err := setupRoutes(deps)
	if err != nil {
		return err
	}

	cfg := deps.Config.Server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	if deps.Config.Worker.Embedded {
		deps.Worker.Start(ctx)
		defer deps.Worker.Shutdown()
		go deps.Sweeper.RunEvery(ctx, deps.Config.Worker.SweepInterval)
	}

	serverErrChan := make(chan error, 1)
	go func() {
		deps.Logger.Info("Starting HTTP server", "address", server.Addr, "embedded_worker", deps.Config.Worker.Embedded)
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		deps.Logger.Info("Received signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			deps.Logger.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	deps.Logger.Info("Server stopped")
	return nil
}

func setupRoutes(deps *Dependencies) (*chi.Mux, error) {
	publicKey, err := deps.Config.Security.GetPublicKey()
	if err != nil {
		return nil, err
	}

	routes := rest.Routes{
		AuthHandler:    auth.NewHandler(auth.NewVerifier(publicKey, deps.Config.Security.JWTIssuer), deps.Logger),
		PaymentHandler: payment.NewHandler(deps.Service, deps.Logger),
		WebhookHandler: payment.NewWebhookHandler(nil, deps.Reconciler, deps.Logger),
		Health:         rest.NewHealthHandler(deps.HealthChecks),
		OpenAPISpec:    api.OpenAPISpec,
		AllowedOrigins: deps.allowedOrigins(),
	}
	if deps.Config.Server.ValidateRequests {
		validator, err := middleware.NewOpenAPIValidator(api.OpenAPISpec, deps.Logger)
		if err != nil {
			return nil, err
		}
		routes.Validator = validator
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, routes, deps.Logger)
	return router, nil
}
