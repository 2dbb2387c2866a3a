package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"vaultBridge/internal/model"
)

// Reader is the read surface shared by the in-process and contract ledgers.
type Reader interface {
	Snapshot(ctx context.Context) (model.Pool, error)
	State(ctx context.Context) (model.PoolState, error)
	NAV(ctx context.Context) (*big.Int, error)
	Cap(ctx context.Context) (*big.Int, error)
	TotalShares(ctx context.Context) (*big.Int, error)
	SharesOf(ctx context.Context, holder common.Address) (*big.Int, error)
}

// Snapshot returns a deep copy of the pool.
func (l *Ledger) Snapshot(ctx context.Context) (model.Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool.Clone(), nil
}

func (l *Ledger) State(ctx context.Context) (model.PoolState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool.State, nil
}

func (l *Ledger) NAV(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.pool.NAV), nil
}

func (l *Ledger) Cap(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.pool.Cap), nil
}

func (l *Ledger) TotalShares(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.pool.TotalShares), nil
}

func (l *Ledger) SharesOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool.SharesOf(holder), nil
}

// IsWithdrawOpen reports whether redemptions are allowed now.
func (l *Ledger) IsWithdrawOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool.WithdrawOpen(l.now())
}
