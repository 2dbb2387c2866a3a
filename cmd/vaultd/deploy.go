package main

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vaultBridge/internal/model"
)

func runDeploy(cmd *cobra.Command, _ []string) error {
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

	rawAmount, _ := cmd.Flags().GetString("amount")
	minorUnits, _ := cmd.Flags().GetBool("minor-units")
	var amount *big.Int
	if strings.TrimSpace(rawAmount) != "" {
		if minorUnits {
			amount, err = model.ParseMinorUnits(rawAmount)
		} else {
			amount, err = a.parseAmount(ctx, rawAmount, a.venueChain, a.venue.Asset())
		}
		if err != nil {
			return err
		}
	}

	logger.Info("deployment cycle start",
		zap.String("amount", model.AmountString(amount)),
		zap.Bool("resume", amount == nil),
	)
	cycle, err := a.coord.RunDeploymentCycle(ctx, amount)
	if cycle.ID != "" {
		if printErr := printJSON(cycle); printErr != nil {
			return printErr
		}
	}
	a.coord.Wait()
	return err
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
