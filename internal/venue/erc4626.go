package venue

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"vaultBridge/internal/chain"
	"vaultBridge/internal/contracts"
	"vaultBridge/internal/model"
	"vaultBridge/internal/vaulterr"
)

// Reader is the read side of the venue chain.
type Reader interface {
	contracts.Caller
	chain.ReceiptReader
}

// Transactor submits transactions through the controller's sender lane.
type Transactor interface {
	From() common.Address
	Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error)
}

// ERC4626 is an Adapter over an ERC-4626 tokenized vault.
type ERC4626 struct {
	reader Reader
	tx     Transactor
	vault  common.Address
	asset  common.Address
	logger *zap.Logger

	vaultABI abi.ABI
	erc20ABI abi.ABI

	mu        sync.Mutex
	principal *big.Int
}

// NewERC4626 resolves the vault's underlying asset and binds the adapter to
// the transactor's address.
func NewERC4626(ctx context.Context, reader Reader, tx Transactor, vault common.Address, logger *zap.Logger) (*ERC4626, error) {
	if reader == nil || tx == nil {
		return nil, fmt.Errorf("venue reader and transactor are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	vaultABI, err := contracts.ERC4626ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc4626 abi: %w", err)
	}
	erc20ABI, err := contracts.ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	asset, err := contracts.CallAddress(ctx, reader, vault, vaultABI, "asset")
	if err != nil {
		return nil, fmt.Errorf("read venue asset: %w", err)
	}
	return &ERC4626{
		reader:    reader,
		tx:        tx,
		vault:     vault,
		asset:     asset,
		logger:    logger.With(zap.String("venue", vault.Hex())),
		vaultABI:  vaultABI,
		erc20ABI:  erc20ABI,
		principal: new(big.Int),
	}, nil
}

func (v *ERC4626) Controller() common.Address { return v.tx.From() }

func (v *ERC4626) Asset() common.Address { return v.asset }

func (v *ERC4626) Idle(ctx context.Context) (*big.Int, error) {
	return contracts.CallUint(ctx, v.reader, v.asset, v.erc20ABI, "balanceOf", v.Controller())
}

func (v *ERC4626) Balance(ctx context.Context) (*big.Int, error) {
	shares, err := contracts.CallUint(ctx, v.reader, v.vault, v.vaultABI, "balanceOf", v.Controller())
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return shares, nil
	}
	return contracts.CallUint(ctx, v.reader, v.vault, v.vaultABI, "convertToAssets", shares)
}

func (v *ERC4626) Position(ctx context.Context) (model.YieldPosition, error) {
	current, err := v.Balance(ctx)
	if err != nil {
		return model.YieldPosition{}, err
	}
	v.mu.Lock()
	principal := new(big.Int).Set(v.principal)
	v.mu.Unlock()
	return model.YieldPosition{Principal: principal, CurrentValue: current}, nil
}

func (v *ERC4626) Deposit(ctx context.Context, amount *big.Int) (string, error) {
	const op = "venue.deposit"
	if amount == nil || amount.Sign() <= 0 {
		return "", vaulterr.Validation(op, "amount must be positive")
	}

	idle, err := v.Idle(ctx)
	if err != nil {
		return "", fmt.Errorf("read idle balance: %w", err)
	}
	if idle.Cmp(amount) < 0 {
		return "", vaulterr.InsufficientFunds(op, "idle balance %s below deposit %s", idle, amount)
	}

	allowance, err := contracts.CallUint(ctx, v.reader, v.asset, v.erc20ABI, "allowance", v.Controller(), v.vault)
	if err != nil {
		return "", fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		data, err := contracts.Pack(v.erc20ABI, "approve", v.vault, amount)
		if err != nil {
			return "", err
		}
		if _, err := v.tx.Transact(ctx, v.asset, data, nil); err != nil {
			return "", fmt.Errorf("approve venue: %w", err)
		}
	}

	data, err := contracts.Pack(v.vaultABI, "deposit", amount, v.Controller())
	if err != nil {
		return "", err
	}
	receipt, err := v.tx.Transact(ctx, v.vault, data, nil)
	if err != nil {
		return "", fmt.Errorf("venue deposit: %w", err)
	}
	if _, err := chain.VerifyReceipt(ctx, v.reader, receipt.TxHash); err != nil {
		return "", err
	}

	v.mu.Lock()
	v.principal.Add(v.principal, amount)
	v.mu.Unlock()

	v.logger.Info("venue deposit confirmed", zap.String("amount", amount.String()), zap.String("tx", receipt.TxHash.Hex()))
	return receipt.TxHash.Hex(), nil
}
