package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vaultBridge/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:          "vaultd",
		Short:        "Pooled vault coordinator",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface, NAV schedule and deployment triggers",
		RunE:  runServe,
	}
	addCommonFlags(serveCmd.Flags())
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().Float64("deposit-rate", 5, "POST /deposit requests per second per client")
	serveCmd.Flags().Int("deposit-burst", 10, "POST /deposit burst per client")
	serveCmd.Flags().String("nav-schedule", "@every 5m", "cron schedule for NAV sync")
	serveCmd.Flags().Uint64("watch-from-block", 0, "first block scanned for ThresholdReached (contract mode)")
	serveCmd.Flags().Uint64("watch-batch-size", 2000, "blocks per log query")
	serveCmd.Flags().Duration("watch-interval", 15*time.Second, "log poll interval")
	serveCmd.Flags().String("watch-checkpoint", "", "watcher checkpoint file (default <data-dir>/watcher.json)")
	root.AddCommand(serveCmd)

	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run or resume one deployment cycle",
		RunE:  runDeploy,
	}
	addCommonFlags(deployCmd.Flags())
	deployCmd.Flags().String("amount", "", "token amount to deploy, e.g. 1250.5 (empty resumes the open cycle)")
	deployCmd.Flags().Bool("minor-units", false, "read --amount as integer minor units")
	root.AddCommand(deployCmd)

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the ledger NAV with the venue once",
		RunE:  runSync,
	}
	addCommonFlags(syncCmd.Flags())
	root.AddCommand(syncCmd)

	jobCmd := &cobra.Command{
		Use:   "job <source-tx-hash>",
		Short: "Show a deposit job, or process it with --amount",
		Args:  cobra.ExactArgs(1),
		RunE:  runJob,
	}
	addCommonFlags(jobCmd.Flags())
	jobCmd.Flags().String("amount", "", "process the deposit: token amount transferred on the source chain")
	jobCmd.Flags().String("beneficiary", "", "ledger address to credit (default: resolved through the lookup service)")
	root.AddCommand(jobCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("ledger-mode", config.LedgerLocal, "ledger backend: local or contract")
	flags.String("ledger-rpc", "", "ledger chain RPC URL")
	flags.String("ledger-address", "", "vault contract address (contract mode)")
	flags.String("venue-rpc", "", "venue chain RPC URL")
	flags.String("venue-vault", "", "ERC-4626 vault address on the venue chain")
	flags.String("source-rpc", "", "inbound deposit chain RPC URL")
	flags.String("attestation-url", "", "attestation service base URL")
	flags.String("data-dir", "./data", "directory for file stores")
	flags.String("pg-dsn", "", "Postgres DSN (replaces file stores)")
	flags.String("redis-url", "", "Redis URL for the deployment lease (default: process-local lease)")
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
