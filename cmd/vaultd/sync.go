package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	written, err := a.nav.Sync(ctx)
	if err != nil {
		return err
	}
	pool, err := a.ledger.Snapshot(ctx)
	if err != nil {
		return err
	}
	logger.Info("nav sync done", zap.Bool("written", written), zap.String("nav", pool.NAV.String()))
	return printJSON(pool)
}
