package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tagpipe/hashtag-importer/internal/app"
	"github.com/tagpipe/hashtag-importer/internal/config"
)

// newRunCmd creates the 'run' subcommand, which starts the ingestion
// loop and the operational HTTP server and blocks until a signal or a
// fatal error stops them.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the hashtag ingestion daemon",
		Long: `Loads the persisted cursor, then repeatedly fetches, normalizes,
and writes hashtag batches until interrupted. SIGINT and SIGTERM
trigger a graceful shutdown after the in-flight batch completes.`,
		RunE: runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer application.Close()

	logger := application.Logger
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("daemon starting", zap.String("ops_addr", addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return application.Ops.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		return application.Pump.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ingestion halted: %w", err)
	}

	logger.Info("daemon stopped")
	return nil
}
