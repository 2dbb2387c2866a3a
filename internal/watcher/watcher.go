// Package watcher follows ThresholdReached logs of a vault contract.
package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"vaultBridge/internal/chain"
	"vaultBridge/internal/contracts"
)

// LogSource is the chain read surface the watcher needs.
type LogSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// Handler receives each decoded event once.
type Handler func(ctx context.Context, e contracts.ThresholdReachedEvent)

type Config struct {
	Contract  common.Address
	FromBlock uint64
	// Confirmations keeps the scan this many blocks behind the head.
	Confirmations  uint64
	BatchSize      uint64
	PollInterval   time.Duration
	CheckpointPath string
	MaxRetries     int
	RetryBackoff   time.Duration
}

// Watcher scans the contract in block batches and checkpoints progress.
type Watcher struct {
	cfg        Config
	source     LogSource
	handler    Handler
	logger     *zap.Logger
	topic0     common.Hash
	seen       map[string]struct{}
	checkpoint *CheckpointStore
}

func New(cfg Config, source LogSource, handler Handler, logger *zap.Logger) (*Watcher, error) {
	if source == nil {
		return nil, fmt.Errorf("log source is nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is nil")
	}
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed, err := contracts.VaultABI()
	if err != nil {
		return nil, err
	}
	topic0, err := contracts.EventID(parsed, "ThresholdReached")
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:        cfg,
		source:     source,
		handler:    handler,
		logger:     logger.With(zap.String("contract", cfg.Contract.Hex())),
		topic0:     topic0,
		seen:       make(map[string]struct{}),
		checkpoint: NewCheckpointStore(cfg.CheckpointPath, cfg.Contract.Hex()),
	}, nil
}

// Run scans until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.Scan(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("threshold scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan processes every confirmed block after the checkpoint.
func (w *Watcher) Scan(ctx context.Context) error {
	var latest uint64
	err := chain.Retry(ctx, w.cfg.MaxRetries, w.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		latest, err = w.source.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}
	if latest < w.cfg.Confirmations {
		return nil
	}
	to := latest - w.cfg.Confirmations

	from := w.cfg.FromBlock
	cp, ok, err := w.checkpoint.Load()
	if err != nil {
		return err
	}
	if ok && cp.LastProcessedBlock >= from {
		from = cp.LastProcessedBlock + 1
	}
	if from > to {
		return nil
	}

	ranges, err := SplitRange(from, to, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		logs, err := w.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}
		for _, log := range logs {
			if log.Removed || w.isDuplicate(log) {
				continue
			}
			event, err := contracts.DecodeThresholdReached(log)
			if err != nil {
				w.logger.Warn("skip undecodable log", zap.Error(err), zap.String("tx", log.TxHash.Hex()))
				continue
			}
			w.logger.Info("threshold reached",
				zap.Uint64("block", event.BlockNumber),
				zap.String("nav", event.NAV.String()),
				zap.String("deployable", event.Deployable.String()),
			)
			w.handler(ctx, event)
		}

		if err := w.checkpoint.Save(blockRange.To); err != nil {
			return err
		}
		// The checkpoint now excludes this range, so only a failed save
		// leaves entries behind for the retry to dedupe against.
		clear(w.seen)
		w.logger.Debug("batch complete", zap.Int("logs", len(logs)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}
	return nil
}

func (w *Watcher) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := chain.Retry(ctx, w.cfg.MaxRetries, w.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = w.source.FilterLogs(ctx, fromBlock, toBlock, []common.Address{w.cfg.Contract}, []common.Hash{w.topic0})
		if err != nil {
			w.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func (w *Watcher) isDuplicate(log types.Log) bool {
	id := fmt.Sprintf("%d:%s:%d", log.BlockNumber, log.TxHash.Hex(), log.Index)
	if _, ok := w.seen[id]; ok {
		return true
	}
	w.seen[id] = struct{}{}
	return false
}
