// Package venue wraps the yield-bearing position the coordinator places
// bridged capital into.
package venue

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"vaultBridge/internal/model"
)

// Adapter is one external yield position controlled by a single address.
type Adapter interface {
	// Deposit supplies amount from the controller's idle balance. It fails
	// with an InsufficientFunds error when the idle balance is short.
	Deposit(ctx context.Context, amount *big.Int) (string, error)
	// Balance is the position's current value, read fresh on every call.
	Balance(ctx context.Context) (*big.Int, error)
	// Idle is the underlying asset held by the controller outside the position.
	Idle(ctx context.Context) (*big.Int, error)
	Position(ctx context.Context) (model.YieldPosition, error)
	Controller() common.Address
}
