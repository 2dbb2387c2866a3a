package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Ledger modes.
const (
	LedgerLocal    = "local"
	LedgerContract = "contract"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel string
	Listen   string

	// Ledger
	LedgerMode      string
	LedgerRPC       string
	LedgerAddress   string
	LedgerDomain    uint32
	LedgerMinter    string
	PoolCap         string
	WithdrawDelay   time.Duration
	Reusable        bool
	Owner           string
	NAVUpdaters     []string
	// TokenDecimals of -1 reads decimals from the token contract.
	TokenDecimals   int32
	SnapshotName    string
	WatchFromBlock  uint64
	WatchBatchSize  uint64
	WatchInterval   time.Duration
	WatchCheckpoint string

	// Venue chain
	VenueRPC           string
	VenueDomain        uint32
	VenueVault         string
	VenueMinter        string
	PlacementTolerance string

	// Inbound deposits
	SourceRPC      string
	SourceDomain   uint32
	SourceToken    string
	DepositAddress string
	BeneficiaryURL string

	// Keys are hex-encoded secp256k1 private keys.
	CoordinatorKey string
	RelayerKey     string

	AttestationURL     string
	AttestationTimeout time.Duration

	Confirmations  uint64
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration

	NAVSchedule string

	DataDir  string
	PGDSN    string
	Migrate  bool
	RedisURL string
	LeaseKey string
	LeaseTTL time.Duration

	DepositRate  float64
	DepositBurst int
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("listen", ":8080")
	v.SetDefault("ledger-mode", LedgerLocal)
	v.SetDefault("withdraw-delay", 24*time.Hour)
	v.SetDefault("token-decimals", -1)
	v.SetDefault("snapshot-name", "default")
	v.SetDefault("watch-batch-size", uint64(2000))
	v.SetDefault("watch-interval", 15*time.Second)
	v.SetDefault("placement-tolerance", "0")
	v.SetDefault("attestation-timeout", 30*time.Second)
	v.SetDefault("confirmations", uint64(1))
	v.SetDefault("poll-interval", 3*time.Second)
	v.SetDefault("confirm-timeout", 2*time.Minute)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("nav-schedule", "@every 5m")
	v.SetDefault("data-dir", "./data")
	v.SetDefault("migrate", true)
	v.SetDefault("lease-key", "vaultbridge:deployment-cycle")
	v.SetDefault("lease-ttl", 30*time.Second)
	v.SetDefault("deposit-rate", 5.0)
	v.SetDefault("deposit-burst", 10)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		LogLevel:           v.GetString("log-level"),
		Listen:             v.GetString("listen"),
		LedgerMode:         strings.ToLower(v.GetString("ledger-mode")),
		LedgerRPC:          v.GetString("ledger-rpc"),
		LedgerAddress:      v.GetString("ledger-address"),
		LedgerDomain:       v.GetUint32("ledger-domain"),
		LedgerMinter:       v.GetString("ledger-minter"),
		PoolCap:            v.GetString("pool-cap"),
		WithdrawDelay:      v.GetDuration("withdraw-delay"),
		Reusable:           v.GetBool("reusable"),
		Owner:              v.GetString("owner"),
		NAVUpdaters:        getStringSlice(v, "nav-updaters"),
		TokenDecimals:      v.GetInt32("token-decimals"),
		SnapshotName:       v.GetString("snapshot-name"),
		WatchFromBlock:     v.GetUint64("watch-from-block"),
		WatchBatchSize:     v.GetUint64("watch-batch-size"),
		WatchInterval:      v.GetDuration("watch-interval"),
		WatchCheckpoint:    v.GetString("watch-checkpoint"),
		VenueRPC:           v.GetString("venue-rpc"),
		VenueDomain:        v.GetUint32("venue-domain"),
		VenueVault:         v.GetString("venue-vault"),
		VenueMinter:        v.GetString("venue-minter"),
		PlacementTolerance: v.GetString("placement-tolerance"),
		SourceRPC:          v.GetString("source-rpc"),
		SourceDomain:       v.GetUint32("source-domain"),
		SourceToken:        v.GetString("source-token"),
		DepositAddress:     v.GetString("deposit-address"),
		BeneficiaryURL:     v.GetString("beneficiary-url"),
		CoordinatorKey:     v.GetString("coordinator-key"),
		RelayerKey:         v.GetString("relayer-key"),
		AttestationURL:     v.GetString("attestation-url"),
		AttestationTimeout: v.GetDuration("attestation-timeout"),
		Confirmations:      v.GetUint64("confirmations"),
		PollInterval:       v.GetDuration("poll-interval"),
		ConfirmTimeout:     v.GetDuration("confirm-timeout"),
		MaxRetries:         v.GetInt("max-retries"),
		RetryBackoff:       v.GetDuration("retry-backoff"),
		NAVSchedule:        v.GetString("nav-schedule"),
		DataDir:            v.GetString("data-dir"),
		PGDSN:              v.GetString("pg-dsn"),
		Migrate:            v.GetBool("migrate"),
		RedisURL:           v.GetString("redis-url"),
		LeaseKey:           v.GetString("lease-key"),
		LeaseTTL:           v.GetDuration("lease-ttl"),
		DepositRate:        v.GetFloat64("deposit-rate"),
		DepositBurst:       v.GetInt("deposit-burst"),
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.LedgerMode {
	case LedgerLocal, LedgerContract:
	default:
		return fmt.Errorf("unknown ledger mode %q", c.LedgerMode)
	}
	if c.TokenDecimals < -1 || c.TokenDecimals > 36 {
		return fmt.Errorf("token decimals out of range: %d", c.TokenDecimals)
	}
	if c.WatchBatchSize == 0 {
		return fmt.Errorf("watch batch size must be greater than zero")
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
