// Command fhirserver is the in-memory, multi-tenant FHIR RESTful server's
// entry point: cobra root + serve subcommand, grounded on
// cmd/ehr-server/main.go's cobra wiring and graceful-shutdown pattern,
// rebuilt around the Tenant Registry (httpapi.Registry) instead of one
// process-wide Postgres-backed domain graph.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nimbusfhir/server/internal/config"
	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/httpapi"
	"github.com/nimbusfhir/server/internal/notify"
	"github.com/nimbusfhir/server/internal/pathcompiler"
	"github.com/nimbusfhir/server/internal/tenant"
)

func main() {
	root := &cobra.Command{
		Use:   "fhirserver",
		Short: "An in-memory, multi-tenant FHIR RESTful server with topic-based subscriptions",
	}
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Level(zerolog.DebugLevel)
	}

	compiler := pathcompiler.New()
	dispatch := notify.New(nil, nil, logger)

	reg := httpapi.NewRegistry(compiler, dispatch)
	signingKey := []byte(cfg.SMARTSigningKey)
	if len(signingKey) == 0 {
		signingKey = []byte("development-only-signing-key")
	}
	reg.Register(tenant.Config{
		Name:             cfg.DefaultTenant,
		BaseURL:          "http://localhost:" + cfg.Port + "/" + cfg.DefaultTenant,
		FHIRVersion:      fhirmodel.VersionR4,
		SupportedFormats: []fhirmodel.MimeType{fhirmodel.MimeJSON},
		SmartRequired:    cfg.ResolvedAuthMode() == "standalone",
	}, signingKey)

	app := httpapi.New(reg, logger, cfg.CORSOrigins)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, name := range reg.Names() {
		bound, _ := reg.Lookup(name)
		go dispatch.RunHeartbeats(ctx, bound.Tenant.Sub)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting fhir server")
		if err := app.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return app.Shutdown(shutdownCtx)
}
