package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vaultBridge/internal/config"
)

func runJob(cmd *cobra.Command, args []string) error {
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

	txRef := args[0]
	rawAmount, _ := cmd.Flags().GetString("amount")
	if strings.TrimSpace(rawAmount) == "" {
		job, ok, err := a.registrar.Job(ctx, txRef)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no deposit job for %s", txRef)
		}
		return printJSON(job)
	}

	amount, err := a.parseAmount(ctx, rawAmount, a.sourceChain, a.sourceToken)
	if err != nil {
		return err
	}
	var beneficiary common.Address
	if raw, _ := cmd.Flags().GetString("beneficiary"); raw != "" {
		if beneficiary, err = config.ParseAddress("beneficiary", raw); err != nil {
			return err
		}
	}

	logger.Info("processing deposit",
		zap.String("source_tx", txRef),
		zap.String("amount", amount.String()),
	)
	job, err := a.registrar.ProcessDeposit(ctx, txRef, beneficiary, amount)
	if job.ID != "" {
		if printErr := printJSON(job); printErr != nil {
			return printErr
		}
	}
	return err
}
