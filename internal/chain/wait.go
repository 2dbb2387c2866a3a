package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"vaultBridge/internal/vaulterr"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultConfirmTimeout = 2 * time.Minute
)

// ReceiptReader is the read side needed to observe transaction inclusion.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// WaitConfig bounds a confirmation wait.
type WaitConfig struct {
	PollInterval  time.Duration
	Timeout       time.Duration
	Confirmations uint64
}

func (c WaitConfig) withDefaults() WaitConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfirmTimeout
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	return c
}

// WaitMined polls for the receipt of hash until it has cfg.Confirmations
// confirmations. It gives up after cfg.Timeout with a ConfirmationTimeout
// error; it never waits indefinitely.
func WaitMined(ctx context.Context, r ReceiptReader, hash common.Hash, cfg WaitConfig) (*types.Receipt, error) {
	const op = "chain.waitMined"
	cfg = cfg.withDefaults()

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := r.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			ok, confErr := confirmed(waitCtx, r, receipt, cfg.Confirmations)
			if ok {
				return receipt, nil
			}
			lastErr = confErr
		} else if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCtx.Done():
			if lastErr != nil {
				return nil, vaulterr.ConfirmationTimeout(op, "tx %s not confirmed within %s: %v", hash.Hex(), cfg.Timeout, lastErr)
			}
			return nil, vaulterr.ConfirmationTimeout(op, "tx %s not confirmed within %s", hash.Hex(), cfg.Timeout)
		case <-ticker.C:
		}
	}
}

func confirmed(ctx context.Context, r ReceiptReader, receipt *types.Receipt, confirmations uint64) (bool, error) {
	if confirmations <= 1 {
		return true, nil
	}
	if receipt.BlockNumber == nil {
		return false, nil
	}
	latest, err := r.LatestBlockNumber(ctx)
	if err != nil {
		return false, err
	}
	included := receipt.BlockNumber.Uint64()
	if latest < included {
		return false, nil
	}
	return latest-included+1 >= confirmations, nil
}

// VerifyReceipt re-reads the receipt of hash and checks it succeeded. It is
// the independent read that backs every reported success.
func VerifyReceipt(ctx context.Context, r ReceiptReader, hash common.Hash) (*types.Receipt, error) {
	const op = "chain.verifyReceipt"
	receipt, err := r.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, vaulterr.OnChainVerification(op, "tx %s not found", hash.Hex())
		}
		return nil, err
	}
	if receipt == nil {
		return nil, vaulterr.OnChainVerification(op, "tx %s not found", hash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, vaulterr.OnChainVerification(op, "tx %s reverted", hash.Hex())
	}
	return receipt, nil
}
