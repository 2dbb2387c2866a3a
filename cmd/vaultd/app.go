package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vaultBridge/internal/bridge"
	"vaultBridge/internal/chain"
	"vaultBridge/internal/config"
	"vaultBridge/internal/contracts"
	"vaultBridge/internal/coordinator"
	"vaultBridge/internal/lease"
	"vaultBridge/internal/model"
	"vaultBridge/internal/navsync"
	"vaultBridge/internal/registrar"
	"vaultBridge/internal/storage"
	"vaultBridge/internal/storage/postgres"
	"vaultBridge/internal/vault"
	"vaultBridge/internal/venue"
)

// poolLedger is the ledger surface shared by the in-process and contract
// ledgers.
type poolLedger interface {
	Snapshot(ctx context.Context) (model.Pool, error)
	UpdateNAV(ctx context.Context, caller common.Address, value *big.Int) error
	ReleaseToCustody(ctx context.Context, caller common.Address, amount *big.Int) error
	ConfirmPlacement(ctx context.Context, caller common.Address, amount *big.Int) error
	DepositFor(ctx context.Context, caller, beneficiary common.Address, amount *big.Int, sourceRef string) (vault.Receipt, error)
}

type jobCycleStore interface {
	storage.JobStore
	storage.CycleStore
	vault.CreditStore
}

type app struct {
	cfg    config.Config
	logger *zap.Logger

	lanes       *chain.Lanes
	wait        chain.WaitConfig
	coordKey    *ecdsa.PrivateKey
	coordAddr   common.Address
	store       jobCycleStore
	audit       storage.AuditLog
	ledgerChain *chain.Client
	venueChain  *chain.Client
	tokens      *contracts.TokenMetaCache

	// local is set in local mode, contract in contract mode.
	local    *vault.Ledger
	contract *vault.ContractLedger
	ledger   poolLedger

	venue     *venue.ERC4626
	coord     *coordinator.Coordinator
	nav       *navsync.Synchronizer
	registrar *registrar.Registrar

	sourceChain *chain.Client
	sourceToken common.Address

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires storage, ledger, venue, coordinator and NAV sync. The
// registrar is added by withRegistrar.
func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		lanes:  chain.NewLanes(),
		tokens: contracts.NewTokenMetaCache(),
		wait: chain.WaitConfig{
			PollInterval:  cfg.PollInterval,
			Timeout:       cfg.ConfirmTimeout,
			Confirmations: cfg.Confirmations,
		},
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	var err error

	a.coordKey, err = config.ParseKey("coordinator-key", cfg.CoordinatorKey)
	if err != nil {
		return err
	}
	a.coordAddr = crypto.PubkeyToAddress(a.coordKey.PublicKey)

	snapshots, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	if cfg.LedgerRPC != "" {
		a.ledgerChain, err = a.dial(ctx, cfg.LedgerRPC)
		if err != nil {
			return fmt.Errorf("connect ledger rpc: %w", err)
		}
	}
	if err := a.openLedger(ctx, snapshots); err != nil {
		return err
	}

	venueClient, err := a.dial(ctx, cfg.VenueRPC)
	if err != nil {
		return fmt.Errorf("connect venue rpc: %w", err)
	}
	a.venueChain = venueClient
	venueSender, err := a.sender(ctx, venueClient, a.coordKey)
	if err != nil {
		return err
	}
	vaultAddr, err := config.ParseAddress("venue-vault", cfg.VenueVault)
	if err != nil {
		return err
	}
	a.venue, err = venue.NewERC4626(ctx, venueClient, venueSender, vaultAddr, a.logger.Named("venue"))
	if err != nil {
		return fmt.Errorf("bind venue: %w", err)
	}

	minterAddr, err := config.ParseAddress("venue-minter", cfg.VenueMinter)
	if err != nil {
		return err
	}
	outbound, err := a.pipeline(venueSender, venueClient, minterAddr, bridge.Route{
		SourceDomain:      cfg.LedgerDomain,
		DestinationDomain: cfg.VenueDomain,
	}, a.coordKey, "coordinator")
	if err != nil {
		return err
	}

	tolerance, err := model.ParseMinorUnits(cfg.PlacementTolerance)
	if err != nil {
		return fmt.Errorf("placement tolerance: %w", err)
	}

	var l lease.Lease
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		l = lease.NewRedis(client, cfg.LeaseKey, cfg.LeaseTTL, a.logger.Named("lease"))
	} else {
		l = lease.NewLocal(cfg.LeaseKey)
	}

	a.coord, err = coordinator.New(a.ledger, a.venue, outbound, a.store, l, coordinator.Config{
		Identity:           a.coordAddr,
		PlacementTolerance: tolerance,
		Logger:             a.logger.Named("coordinator"),
	})
	if err != nil {
		return err
	}
	a.nav = navsync.New(a.ledger, a.venue, a.store, a.coordAddr, a.logger.Named("navsync"))
	a.coord.SetSyncer(a.nav)
	return nil
}

func (a *app) openStores(ctx context.Context) (vault.SnapshotStore, error) {
	cfg := a.cfg
	if cfg.PGDSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.store = pg
		a.audit = pg
		a.logger.Info("postgres stores", zap.String("pg_dsn", redactDSN(cfg.PGDSN)))
		return &vault.DBSnapshotStore{Store: pg, Name: cfg.SnapshotName}, nil
	}

	fs, err := storage.OpenFileStore(filepath.Join(cfg.DataDir, "state.json"))
	if err != nil {
		return nil, err
	}
	a.store = fs
	a.audit = storage.NewJSONLAuditLog(filepath.Join(cfg.DataDir, "transfers.jsonl"))
	a.logger.Info("file stores", zap.String("data_dir", cfg.DataDir))
	return &vault.FileSnapshotStore{Path: filepath.Join(cfg.DataDir, "pool.json")}, nil
}

func (a *app) openLedger(ctx context.Context, snapshots vault.SnapshotStore) error {
	cfg := a.cfg
	if cfg.LedgerMode == config.LedgerContract {
		if a.ledgerChain == nil {
			return fmt.Errorf("ledger-rpc is required in contract mode")
		}
		addr, err := config.ParseAddress("ledger-address", cfg.LedgerAddress)
		if err != nil {
			return err
		}
		tx, err := a.sender(ctx, a.ledgerChain, a.coordKey)
		if err != nil {
			return err
		}
		a.contract, err = vault.NewContractLedger(ctx, a.ledgerChain, tx, addr, a.logger.Named("ledger"))
		if err != nil {
			return err
		}
		a.ledger = a.contract
		return nil
	}

	capacity, err := model.ParseMinorUnits(cfg.PoolCap)
	if err != nil {
		return fmt.Errorf("pool cap: %w", err)
	}
	owner := a.coordAddr
	if cfg.Owner != "" {
		if owner, err = config.ParseAddress("owner", cfg.Owner); err != nil {
			return err
		}
	}
	updaters, err := config.ParseAddresses(cfg.NAVUpdaters)
	if err != nil {
		return err
	}
	roles := vault.Roles{Owner: owner, Coordinator: a.coordAddr, NAVUpdaters: updaters}
	if cfg.RelayerKey != "" {
		key, err := config.ParseKey("relayer-key", cfg.RelayerKey)
		if err != nil {
			return err
		}
		roles.Relayers = []common.Address{crypto.PubkeyToAddress(key.PublicKey)}
	}

	a.local, err = vault.Open(ctx, vault.Config{
		Cap:           capacity,
		WithdrawDelay: cfg.WithdrawDelay,
		Reusable:      cfg.Reusable,
		Roles:         roles,
	}, snapshots, a.logger.Named("ledger"))
	if err != nil {
		return err
	}
	a.ledger = a.local
	return nil
}

// withRegistrar adds the inbound deposit path. The relayer verifies on the
// source chain, mints on the ledger chain and credits through DepositFor.
func (a *app) withRegistrar(ctx context.Context) error {
	cfg := a.cfg
	relayerKey, err := config.ParseKey("relayer-key", cfg.RelayerKey)
	if err != nil {
		return err
	}
	relayer := crypto.PubkeyToAddress(relayerKey.PublicKey)
	if a.ledgerChain == nil {
		return fmt.Errorf("ledger-rpc is required for inbound deposits")
	}
	ledgerSender, err := a.sender(ctx, a.ledgerChain, relayerKey)
	if err != nil {
		return err
	}
	minterAddr, err := config.ParseAddress("ledger-minter", cfg.LedgerMinter)
	if err != nil {
		return err
	}
	inbound, err := a.pipeline(ledgerSender, a.ledgerChain, minterAddr, bridge.Route{
		SourceDomain:      cfg.SourceDomain,
		DestinationDomain: cfg.LedgerDomain,
	}, relayerKey, "registrar")
	if err != nil {
		return err
	}

	sourceClient, err := a.dial(ctx, cfg.SourceRPC)
	if err != nil {
		return fmt.Errorf("connect source rpc: %w", err)
	}
	token, err := config.ParseAddress("source-token", cfg.SourceToken)
	if err != nil {
		return err
	}
	a.sourceChain = sourceClient
	a.sourceToken = token
	depositAddr, err := config.ParseAddress("deposit-address", cfg.DepositAddress)
	if err != nil {
		return err
	}
	verifier := &registrar.TransferVerifier{
		Reader:         sourceClient,
		Token:          token,
		DepositAddress: depositAddr,
		Wait:           a.wait,
	}

	var resolver registrar.Resolver
	if cfg.BeneficiaryURL != "" {
		resolver = registrar.NewHTTPResolver(cfg.BeneficiaryURL, 0)
	}

	ledger := registrar.Ledger(a.ledger)
	if a.contract != nil {
		// DepositFor is signed by the relayer, not the coordinator.
		relayed, err := vault.NewContractLedger(ctx, a.ledgerChain, ledgerSender, a.contract.Address(), a.logger.Named("ledger"))
		if err != nil {
			return err
		}
		relayed.SetCreditStore(a.store)
		ledger = relayed
	}

	a.registrar, err = registrar.New(a.store, verifier, resolver, inbound, ledger, registrar.Config{
		Relayer: relayer,
		Logger:  a.logger.Named("registrar"),
	})
	return err
}

// parseAmount reads a human token amount using the configured decimals, or
// the token's own decimals when none are configured.
func (a *app) parseAmount(ctx context.Context, input string, caller contracts.Caller, token common.Address) (*big.Int, error) {
	decimals := a.cfg.TokenDecimals
	symbol := ""
	if decimals < 0 {
		meta, err := a.tokens.Get(ctx, caller, token)
		if err != nil {
			return nil, fmt.Errorf("token metadata %s: %w", token.Hex(), err)
		}
		decimals = int32(meta.Decimals)
		symbol = meta.Symbol
	}
	amount, err := model.ParseAmount(input, decimals)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("amount parsed",
		zap.String("token", token.Hex()),
		zap.String("symbol", symbol),
		zap.String("tokens", model.FormatAmount(amount, decimals)),
		zap.String("minor_units", amount.String()),
	)
	return amount, nil
}

func (a *app) dial(ctx context.Context, rpcURL string) (*chain.Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	client, err := chain.NewClient(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *app) sender(ctx context.Context, client *chain.Client, key *ecdsa.PrivateKey) (*chain.Sender, error) {
	chainID, err := client.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	return chain.NewSender(client, a.lanes, chainID, key, a.wait, a.logger.Named("sender"))
}

func (a *app) pipeline(tx bridge.Transactor, reader chain.ReceiptReader, minter common.Address, route bridge.Route, key *ecdsa.PrivateKey, owner string) (*bridge.Pipeline, error) {
	if a.cfg.AttestationURL == "" {
		return nil, fmt.Errorf("attestation-url is required")
	}
	m, err := bridge.NewGatewayMinter(tx, reader, minter)
	if err != nil {
		return nil, err
	}
	return bridge.NewPipeline(bridge.PipelineConfig{
		Route:    route,
		Key:      key,
		Attester: bridge.NewHTTPAttester(a.cfg.AttestationURL, a.cfg.AttestationTimeout, a.logger.Named("attester")),
		Minter:   m,
		Audit:    a.audit,
		Owner:    owner,
		Logger:   a.logger.Named("bridge").With(zap.String("route", owner)),
	})
}
