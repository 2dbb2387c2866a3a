package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"vaultBridge/internal/api"
	"vaultBridge/internal/contracts"
	"vaultBridge/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
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
	if err := a.withRegistrar(ctx); err != nil {
		return err
	}

	server := api.New(a.registrar, a.coord, a.ledger, api.Config{
		DepositRate:  rate.Limit(cfg.DepositRate),
		DepositBurst: cfg.DepositBurst,
		Logger:       logger.Named("api"),
	}).HTTPServer(cfg.Listen)

	logger.Info("vaultd start",
		zap.String("listen", cfg.Listen),
		zap.String("ledger_mode", cfg.LedgerMode),
		zap.String("coordinator", a.coordAddr.Hex()),
		zap.String("nav_schedule", cfg.NAVSchedule),
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.Bool("redis_lease", cfg.RedisURL != ""),
	)

	g, gctx := errgroup.WithContext(ctx)

	if a.local != nil {
		a.local.Subscribe(a.coord.OnThreshold(gctx))
	} else {
		w, err := a.watcher()
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		n, err := a.registrar.ResumeOpen(gctx)
		if err != nil {
			logger.Warn("resume deposit jobs", zap.Error(err))
		} else if n > 0 {
			logger.Info("deposit jobs resumed", zap.Int("count", n))
		}
		return nil
	})

	g.Go(func() error {
		cycle, started, err := a.coord.Recover(gctx)
		switch {
		case err != nil:
			logger.Warn("deployment recovery failed", zap.String("cycle_id", cycle.ID), zap.Error(err))
		case started:
			logger.Info("deployment recovered", zap.String("cycle_id", cycle.ID), zap.String("phase", string(cycle.Phase)))
		}
		return nil
	})

	if err := a.nav.Start(gctx, cfg.NAVSchedule); err != nil {
		return err
	}

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		if a.local != nil {
			a.local.DetachAll()
		}
		a.nav.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.coord.Wait()
	a.registrar.Wait()
	return err
}

func (a *app) watcher() (*watcher.Watcher, error) {
	checkpoint := a.cfg.WatchCheckpoint
	if checkpoint == "" {
		checkpoint = filepath.Join(a.cfg.DataDir, "watcher.json")
	}
	return watcher.New(watcher.Config{
		Contract:       a.contract.Address(),
		FromBlock:      a.cfg.WatchFromBlock,
		Confirmations:  a.cfg.Confirmations,
		BatchSize:      a.cfg.WatchBatchSize,
		PollInterval:   a.cfg.WatchInterval,
		CheckpointPath: checkpoint,
		MaxRetries:     a.cfg.MaxRetries,
		RetryBackoff:   a.cfg.RetryBackoff,
	}, a.ledgerChain, func(ctx context.Context, e contracts.ThresholdReachedEvent) {
		if e.Deployable == nil || e.Deployable.Sign() <= 0 {
			return
		}
		a.coord.Trigger(ctx, e.Deployable)
	}, a.logger.Named("watcher"))
}
