package vault

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"vaultBridge/internal/contracts"
	"vaultBridge/internal/model"
	"vaultBridge/internal/vaulterr"
)

// Dialect is the contract interface generation a pool speaks.
type Dialect int

const (
	// DialectLegacy pools expose a WITHDRAW_WINDOW state and release
	// capital through withdrawForDeployment.
	DialectLegacy Dialect = 1
	// DialectCustody pools use releaseToCustody and the four-state enum.
	DialectCustody Dialect = 2
)

func (d Dialect) String() string {
	switch d {
	case DialectLegacy:
		return "legacy"
	case DialectCustody:
		return "custody"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// Transactor sends mutating calls through the signer's lane.
type Transactor interface {
	From() common.Address
	Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error)
	// TransactRecorded hands the signed hash to record before broadcast. A
	// record error aborts the send.
	TransactRecorded(ctx context.Context, to common.Address, data []byte, value *big.Int, record func(context.Context, common.Hash) error) (*types.Receipt, error)
	// WaitReceipt waits, bounded, for a transaction sent earlier.
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// CreditStore maps the source ref of a relayed deposit to the depositFor
// transaction carrying it.
type CreditStore interface {
	CreditTx(ctx context.Context, sourceRef string) (common.Hash, bool, error)
	SaveCreditTx(ctx context.Context, sourceRef string, tx common.Hash) error
}

// ContractLedger is the ledger surface of a deployed vault contract.
type ContractLedger struct {
	caller  contracts.Caller
	tx      Transactor
	address common.Address
	parsed  abi.ABI
	dialect Dialect
	release string
	states  map[uint64]model.PoolState
	credits CreditStore
	logger  *zap.Logger
}

// NewContractLedger queries version() once and binds the matching dialect.
// A failed query is returned; it never selects a dialect by trial.
func NewContractLedger(ctx context.Context, caller contracts.Caller, tx Transactor, address common.Address, logger *zap.Logger) (*ContractLedger, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed, err := contracts.VaultABI()
	if err != nil {
		return nil, err
	}
	version, err := contracts.CallUint(ctx, caller, address, parsed, "version")
	if err != nil {
		return nil, fmt.Errorf("read ledger version: %w", err)
	}

	l := &ContractLedger{caller: caller, tx: tx, address: address, parsed: parsed, logger: logger}
	switch {
	case version.IsUint64() && version.Uint64() == uint64(DialectLegacy):
		l.dialect = DialectLegacy
		l.release = "withdrawForDeployment"
		l.states = map[uint64]model.PoolState{0: model.PoolCollecting, 1: model.PoolDeployed, 2: model.PoolWithdrawOpen}
	case version.IsUint64() && version.Uint64() == uint64(DialectCustody):
		l.dialect = DialectCustody
		l.release = "releaseToCustody"
		l.states = map[uint64]model.PoolState{0: model.PoolCollecting, 1: model.PoolDeployed, 2: model.PoolWithdrawOpen, 3: model.PoolClosed}
	default:
		return nil, fmt.Errorf("unsupported ledger version %s", version)
	}
	logger.Info("contract ledger bound", zap.String("address", address.Hex()), zap.String("dialect", l.dialect.String()))
	return l, nil
}

// SetCreditStore enables DepositFor. Without it relayed credits are refused.
func (l *ContractLedger) SetCreditStore(store CreditStore) {
	l.credits = store
}

func (l *ContractLedger) Dialect() Dialect { return l.dialect }

func (l *ContractLedger) Address() common.Address { return l.address }

func (l *ContractLedger) uint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	return contracts.CallUint(ctx, l.caller, l.address, l.parsed, method, args...)
}

func (l *ContractLedger) State(ctx context.Context) (model.PoolState, error) {
	raw, err := l.uint(ctx, "state")
	if err != nil {
		return "", err
	}
	if !raw.IsUint64() {
		return "", fmt.Errorf("unknown %s pool state %s", l.dialect, raw)
	}
	state, ok := l.states[raw.Uint64()]
	if !ok {
		return "", fmt.Errorf("unknown %s pool state %s", l.dialect, raw)
	}
	return state, nil
}

func (l *ContractLedger) NAV(ctx context.Context) (*big.Int, error) { return l.uint(ctx, "nav") }

func (l *ContractLedger) Cap(ctx context.Context) (*big.Int, error) { return l.uint(ctx, "cap") }

func (l *ContractLedger) TotalShares(ctx context.Context) (*big.Int, error) {
	return l.uint(ctx, "totalShares")
}

func (l *ContractLedger) SharesOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	return l.uint(ctx, "sharesOf", holder)
}

// Snapshot assembles the pool from individual view calls. Per-holder shares
// are not enumerable on chain and are left empty.
func (l *ContractLedger) Snapshot(ctx context.Context) (model.Pool, error) {
	state, err := l.State(ctx)
	if err != nil {
		return model.Pool{}, err
	}
	pool := model.Pool{State: state, Shares: map[common.Address]*big.Int{}}
	reads := []struct {
		method string
		dst    **big.Int
	}{
		{"nav", &pool.NAV},
		{"cap", &pool.Cap},
		{"totalShares", &pool.TotalShares},
		{"custody", &pool.Custody},
		{"placed", &pool.Placed},
	}
	for _, r := range reads {
		v, err := l.uint(ctx, r.method)
		if err != nil {
			return model.Pool{}, err
		}
		*r.dst = v
	}

	deployedAt, err := l.uint(ctx, "deployedAt")
	if err != nil {
		return model.Pool{}, err
	}
	delay, err := l.uint(ctx, "withdrawDelay")
	if err != nil {
		return model.Pool{}, err
	}
	if deployedAt.Sign() > 0 {
		pool.DeployedAt = time.Unix(deployedAt.Int64(), 0).UTC()
	}
	pool.WithdrawDelay = time.Duration(delay.Int64()) * time.Second
	return pool, nil
}

// DepositFor credits beneficiary through the contract's relayer entry point.
// The transaction hash is stored against sourceRef before broadcast; a later
// call for the same ref waits on that transaction instead of sending again,
// and only a reverted one is replaced. The share count is read from the
// Deposited log of the receipt.
func (l *ContractLedger) DepositFor(ctx context.Context, caller, beneficiary common.Address, amount *big.Int, sourceRef string) (Receipt, error) {
	const op = "contractLedger.depositFor"
	if err := l.checkCaller(op, caller); err != nil {
		return Receipt{}, err
	}
	if beneficiary == (common.Address{}) || beneficiary == caller {
		return Receipt{}, vaulterr.Validation(op, "beneficiary %s is not valid for caller %s", beneficiary.Hex(), caller.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, vaulterr.Validation(op, "amount must be positive")
	}
	if sourceRef == "" {
		return Receipt{}, vaulterr.Validation(op, "source ref is required")
	}
	if l.credits == nil {
		return Receipt{}, vaulterr.State(op, "no credit store configured")
	}

	hash, ok, err := l.credits.CreditTx(ctx, sourceRef)
	if err != nil {
		return Receipt{}, fmt.Errorf("load credit tx: %w", err)
	}
	if ok {
		receipt, err := l.tx.WaitReceipt(ctx, hash)
		if err != nil {
			return Receipt{}, fmt.Errorf("credit tx %s for %s: %w", hash.Hex(), sourceRef, err)
		}
		if receipt.Status == types.ReceiptStatusSuccessful {
			l.logger.Info("source already credited", zap.String("source", sourceRef), zap.String("tx", hash.Hex()))
			return l.creditReceipt(receipt, beneficiary, amount), nil
		}
		l.logger.Warn("credit tx reverted, sending again", zap.String("source", sourceRef), zap.String("tx", hash.Hex()))
	}

	data, err := contracts.Pack(l.parsed, "depositFor", beneficiary, amount)
	if err != nil {
		return Receipt{}, err
	}
	record := func(ctx context.Context, h common.Hash) error {
		return l.credits.SaveCreditTx(ctx, sourceRef, h)
	}
	receipt, err := l.tx.TransactRecorded(ctx, l.address, data, nil, record)
	if err != nil {
		return Receipt{}, fmt.Errorf("depositFor: %w", err)
	}
	l.logger.Info("ledger transaction confirmed", zap.String("method", "depositFor"), zap.String("tx", receipt.TxHash.Hex()))
	return l.creditReceipt(receipt, beneficiary, amount), nil
}

func (l *ContractLedger) creditReceipt(receipt *types.Receipt, beneficiary common.Address, amount *big.Int) Receipt {
	out := Receipt{Ref: receipt.TxHash.Hex(), Amount: new(big.Int).Set(amount)}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != l.address {
			continue
		}
		if e, err := contracts.DecodeDeposited(*log); err == nil && e.Beneficiary == beneficiary {
			out.Shares = e.Shares
			break
		}
	}
	return out
}

func (l *ContractLedger) UpdateNAV(ctx context.Context, caller common.Address, value *big.Int) error {
	const op = "contractLedger.updateNAV"
	if err := l.checkCaller(op, caller); err != nil {
		return err
	}
	if value == nil || value.Sign() < 0 {
		return vaulterr.Validation(op, "nav must be non-negative")
	}
	_, err := l.send(ctx, "updateNAV", value)
	return err
}

// ReleaseToCustody calls the dialect's release entry point.
func (l *ContractLedger) ReleaseToCustody(ctx context.Context, caller common.Address, amount *big.Int) error {
	const op = "contractLedger.releaseToCustody"
	if err := l.checkCaller(op, caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return vaulterr.Validation(op, "amount must be positive")
	}
	_, err := l.send(ctx, l.release, amount)
	return err
}

func (l *ContractLedger) ConfirmPlacement(ctx context.Context, caller common.Address, amount *big.Int) error {
	const op = "contractLedger.confirmPlacement"
	if err := l.checkCaller(op, caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return vaulterr.Validation(op, "amount must be positive")
	}
	_, err := l.send(ctx, "confirmPlacement", amount)
	return err
}

func (l *ContractLedger) checkCaller(op string, caller common.Address) error {
	if l.tx == nil {
		return vaulterr.Validation(op, "ledger bound read-only")
	}
	if caller != l.tx.From() {
		return vaulterr.Validation(op, "caller %s does not match signer %s", caller.Hex(), l.tx.From().Hex())
	}
	return nil
}

func (l *ContractLedger) send(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := contracts.Pack(l.parsed, method, args...)
	if err != nil {
		return nil, err
	}
	receipt, err := l.tx.Transact(ctx, l.address, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	l.logger.Info("ledger transaction confirmed", zap.String("method", method), zap.String("tx", receipt.TxHash.Hex()))
	return receipt, nil
}
