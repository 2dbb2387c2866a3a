package chain

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultBridge/internal/vaulterr"
)

func TestSenderSignsAndAdvancesNonce(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := newFakeBackend()
	chainID := big.NewInt(8453)

	sender, err := NewSender(backend, NewLanes(), chainID, key, WaitConfig{PollInterval: time.Millisecond, Timeout: time.Second}, nil)
	require.NoError(t, err)

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	for i := 0; i < 3; i++ {
		receipt, err := sender.Transact(context.Background(), to, []byte{0x01}, nil)
		require.NoError(t, err)
		assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	}

	require.Len(t, backend.sent, 3)
	signer := types.LatestSignerForChainID(chainID)
	for i, tx := range backend.sent {
		assert.Equal(t, uint64(i), tx.Nonce())
		from, err := types.Sender(signer, tx)
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), from)
		assert.Equal(t, uint64(60_000), tx.Gas())
	}
}

func TestSenderRevertIsVerificationError(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := newFakeBackend()
	backend.revert = true

	sender, err := NewSender(backend, nil, big.NewInt(1), key, WaitConfig{PollInterval: time.Millisecond, Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = sender.Transact(context.Background(), common.Address{}, nil, nil)
	assert.ErrorIs(t, err, vaulterr.ErrOnChainVerification)
}

func TestSendersShareLanePerSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := newFakeBackend()
	lanes := NewLanes()
	wait := WaitConfig{PollInterval: time.Millisecond, Timeout: time.Second}

	a, err := NewSender(backend, lanes, big.NewInt(10), key, wait, nil)
	require.NoError(t, err)
	b, err := NewSender(backend, lanes, big.NewInt(10), key, wait, nil)
	require.NoError(t, err)
	assert.Same(t, a.lane, b.lane)

	other, err := NewSender(backend, lanes, big.NewInt(11), key, wait, nil)
	require.NoError(t, err)
	assert.NotSame(t, a.lane, other.lane)

	var wg sync.WaitGroup
	for _, s := range []*Sender{a, b, a, b} {
		wg.Add(1)
		go func(s *Sender) {
			defer wg.Done()
			_, err := s.Transact(context.Background(), common.Address{}, nil, nil)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, tx := range backend.sent {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 4)
}

func TestTransactRecordedRecordsBeforeSend(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := newFakeBackend()
	sender, err := NewSender(backend, nil, big.NewInt(1), key, WaitConfig{PollInterval: time.Millisecond, Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = sender.TransactRecorded(ctx, common.Address{}, nil, nil, func(context.Context, common.Hash) error {
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, backend.sent)

	var recorded common.Hash
	var sentAtRecord int
	receipt, err := sender.TransactRecorded(ctx, common.Address{}, nil, nil, func(_ context.Context, h common.Hash) error {
		recorded = h
		sentAtRecord = len(backend.sent)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, sentAtRecord)
	assert.Equal(t, recorded, receipt.TxHash)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, uint64(0), backend.sent[0].Nonce())

	again, err := sender.WaitReceipt(ctx, recorded)
	require.NoError(t, err)
	assert.Equal(t, recorded, again.TxHash)

	_, err = sender.WaitReceipt(ctx, common.HexToHash("0xdead"))
	assert.ErrorIs(t, err, vaulterr.ErrConfirmationTimeout)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return vaulterr.Validation("test", "bad input")
	})
	assert.ErrorIs(t, err, vaulterr.ErrValidation)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
