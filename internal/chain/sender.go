package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"vaultBridge/internal/vaulterr"
)

// Backend is the chain surface a Sender needs.
type Backend interface {
	ReceiptReader
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// LaneKey identifies one execution lane.
type LaneKey struct {
	ChainID uint64
	Signer  common.Address
}

type lane struct {
	mu        sync.Mutex
	nextNonce uint64
	known     bool
}

// Lanes hands out one exclusive lane per (chain id, signer). Senders built
// from the same Lanes for the same key share the lane.
type Lanes struct {
	mu    sync.Mutex
	lanes map[LaneKey]*lane
}

func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[LaneKey]*lane)}
}

func (l *Lanes) get(key LaneKey) *lane {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{}
		l.lanes[key] = ln
	}
	return ln
}

// Sender signs and submits transactions for one signer on one chain. Every
// transaction holds the lane from nonce assignment until it is mined.
type Sender struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer
	lane    *lane
	wait    WaitConfig
	logger  *zap.Logger
}

// NewSender binds key to its lane in lanes.
func NewSender(backend Backend, lanes *Lanes, chainID *big.Int, key *ecdsa.PrivateKey, wait WaitConfig, logger *zap.Logger) (*Sender, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain backend is nil")
	}
	if key == nil {
		return nil, fmt.Errorf("signing key is nil")
	}
	if chainID == nil || !chainID.IsUint64() {
		return nil, fmt.Errorf("invalid chain id %v", chainID)
	}
	if lanes == nil {
		lanes = NewLanes()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Sender{
		backend: backend,
		key:     key,
		from:    from,
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
		lane:    lanes.get(LaneKey{ChainID: chainID.Uint64(), Signer: from}),
		wait:    wait,
		logger:  logger.With(zap.String("signer", from.Hex()), zap.Uint64("chain_id", chainID.Uint64())),
	}, nil
}

func (s *Sender) From() common.Address { return s.from }

func (s *Sender) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// Backend exposes the reader used for independent verification.
func (s *Sender) Backend() Backend { return s.backend }

// Transact sends a call to `to` and waits for it to be mined successfully.
func (s *Sender) Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	return s.TransactRecorded(ctx, to, data, value, nil)
}

// TransactRecorded is Transact with a hook that sees the signed hash before
// the transaction leaves the process. If record fails nothing is sent.
func (s *Sender) TransactRecorded(ctx context.Context, to common.Address, data []byte, value *big.Int, record func(context.Context, common.Hash) error) (*types.Receipt, error) {
	const op = "chain.transact"
	if value == nil {
		value = new(big.Int)
	}

	s.lane.mu.Lock()
	defer s.lane.mu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	if s.lane.known && s.lane.nextNonce > nonce {
		nonce = s.lane.nextNonce
	}

	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if record != nil {
		if err := record(ctx, signed.Hash()); err != nil {
			return nil, fmt.Errorf("record tx %s: %w", signed.Hash().Hex(), err)
		}
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	s.lane.nextNonce = nonce + 1
	s.lane.known = true

	s.logger.Info("tx sent", zap.String("tx", signed.Hash().Hex()), zap.Uint64("nonce", nonce), zap.String("to", to.Hex()))

	receipt, err := WaitMined(ctx, s.backend, signed.Hash(), s.wait)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, vaulterr.OnChainVerification(op, "tx %s reverted", signed.Hash().Hex())
	}
	return receipt, nil
}

// WaitReceipt waits for a transaction sent earlier, within the sender's
// confirmation bounds. The receipt is returned whatever its status.
func (s *Sender) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return WaitMined(ctx, s.backend, hash, s.wait)
}
