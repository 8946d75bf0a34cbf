package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"librastock/internal/audit"
	"librastock/internal/domain"
	"librastock/internal/server"
	"librastock/internal/telemetry"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background count auditor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdown, err := telemetry.Setup(ctx, telemetry.Options{
			ServiceName:    "librastock",
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()

		s, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		if serveMigrate {
			if err := migrateStore(ctx, s); err != nil {
				return err
			}
		}
		svc := buildServices(cfg, s)

		router := server.NewRouter(server.Deps{
			Circulation: svc.circulation,
			Catalog:     svc.catalog,
			Membership:  svc.membership,
			Clock:       domain.SystemClock{},
			Admin:       server.AdminToken{Hash: cfg.Admin.TokenHash, Salt: cfg.Admin.TokenSalt},
			Logger:      logger,
		})

		g, ctx := errgroup.WithContext(ctx)
		if cfg.Audit.Interval > 0 {
			g.Go(func() error {
				logger.Info("count auditor scheduled", "interval", cfg.Audit.Interval)
				return audit.NewScheduler(svc.auditor, cfg.Audit.Interval).Run(ctx)
			})
		}
		g.Go(func() error {
			return server.Serve(ctx, cfg.HTTP.Addr, router, logger)
		})
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("shut down")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "create the schema before serving")
}
