// Package cmd is the process entrypoint's cobra command tree, wiring
// config loading, the sandbox engine, the worker pool, and the HTTP
// front-end together (grounded on
// audit-scanner/cmd/root.go's flag/RunE layout).
package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/kubewarden/policy-server/internal/api"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/telemetry"
	"github.com/kubewarden/policy-server/internal/workerpool"
)

var level Level

var (
	configPath            string
	address               string
	certFile              string
	keyFile               string
	workerCount           int
	queueSize             int
	otlpEndpoint          string
	alwaysAcceptNamespace string
	readinessProbe        bool
)

var rootCmd = &cobra.Command{
	Use:   "policy-server",
	Short: "Serves Kubernetes ValidatingWebhookConfiguration callbacks against Kubewarden policies",
	Long: `policy-server evaluates AdmissionReview requests against a static
set of Kubewarden policies, each running inside its own sandboxed
evaluator, and shapes the verdict according to each policy's mode,
mutation permission, and namespace overrides.`,

	RunE: func(cmd *cobra.Command, _ []string) error {
		level.SetZeroLogLevel()
		return run(cmd.Context())
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called by main.main() exactly once.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("policy-server exited with an error")
	}
}

func run(ctx context.Context) error {
	policies, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading policy config: %w", err)
	}
	log.Info().Int("policies", len(policies)).Str("config", configPath).Msg("policy config loaded")

	tracerProvider := telemetry.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shut down tracer provider cleanly")
		}
	}()

	var metrics *telemetry.Metrics
	if otlpEndpoint != "" {
		metrics, err = telemetry.NewMetrics(ctx, otlpEndpoint)
		if err != nil {
			return fmt.Errorf("setting up metrics: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("failed to shut down metrics provider cleanly")
			}
		}()
	}

	logger := log.Logger

	pool, buildErrors, err := workerpool.Build(ctx, policies, workerCount, queueSize, metrics, alwaysAcceptNamespace, logger)
	if err != nil {
		return fmt.Errorf("building worker pool: %w", err)
	}
	if buildErrors != nil {
		for id, buildErr := range buildErrors {
			log.Warn().Str("policy_id", id).Err(buildErr).Msg("policy failed to build, it will answer as not known")
		}
	}
	defer pool.Shutdown()

	var ready func() bool
	if readinessProbe {
		allFailed := len(policies) > 0 && len(buildErrors) == len(policies)
		ready = func() bool { return !allFailed }
	}

	server := api.NewServer(pool, ready, logger)

	httpServer := &http.Server{
		Addr:              address,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if certFile != "" && keyFile != "" {
			httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			errCh <- httpServer.ListenAndServeTLS(certFile, keyFile)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	log.Info().Str("address", address).Msg("policy-server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "policies.yml", "path to the YAML file listing the policies to serve")
	rootCmd.Flags().StringVar(&address, "address", ":8443", "address the server listens on")
	rootCmd.Flags().StringVar(&certFile, "cert-file", "", "path to the TLS certificate; when empty the server runs over plain HTTP")
	rootCmd.Flags().StringVar(&keyFile, "key-file", "", "path to the TLS private key")
	rootCmd.Flags().IntVar(&workerCount, "workers", 0, "number of policy workers; defaults to one per CPU when 0")
	rootCmd.Flags().IntVar(&queueSize, "queue-size", 100, "capacity of the shared evaluation queue")
	rootCmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "gRPC OTLP endpoint to export metrics to; metrics are disabled when empty")
	rootCmd.Flags().StringVar(&alwaysAcceptNamespace, "always-accept-admission-reviews-on-namespace", "", "namespace for which every policy's verdict is forced to allowed=true, applied after normal evaluation")
	rootCmd.Flags().BoolVar(&readinessProbe, "readiness-probe", false, "make /readiness reflect whether the worker pool has at least one working policy, instead of always answering 200")
	rootCmd.Flags().VarP(&level, "log-level", "l", fmt.Sprintf("level of the logs. Supported values are: %v", supportedLevels))
}
