package navsync

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultBridge/internal/model"
	"vaultBridge/internal/storage"
	"vaultBridge/internal/vault"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	coord  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	syncer = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type countingLedger struct {
	*vault.Ledger
	mu     sync.Mutex
	writes int
}

func (l *countingLedger) UpdateNAV(ctx context.Context, caller common.Address, value *big.Int) error {
	l.mu.Lock()
	l.writes++
	l.mu.Unlock()
	return l.Ledger.UpdateNAV(ctx, caller, value)
}

type staticVenue struct {
	mu      sync.Mutex
	balance *big.Int
}

func (v *staticVenue) Balance(ctx context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance), nil
}

func (v *staticVenue) set(n int64) {
	v.mu.Lock()
	v.balance = big.NewInt(n)
	v.mu.Unlock()
}

func newLedger(t *testing.T) *countingLedger {
	t.Helper()
	l, err := vault.Open(context.Background(), vault.Config{
		Cap:           big.NewInt(1_000_000),
		WithdrawDelay: time.Hour,
		Roles:         vault.Roles{Owner: owner, Coordinator: coord, NAVUpdaters: []common.Address{syncer}},
	}, nil, nil)
	require.NoError(t, err)
	return &countingLedger{Ledger: l}
}

func deploy(t *testing.T, l *countingLedger) {
	t.Helper()
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, big.NewInt(600_000))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, bob, big.NewInt(400_000))
	require.NoError(t, err)
	require.NoError(t, l.ReleaseToCustody(ctx, coord, big.NewInt(1_000_000)))
	require.NoError(t, l.ConfirmPlacement(ctx, coord, big.NewInt(1_000_000)))
}

func TestSyncWritesOnceForChangedValue(t *testing.T) {
	l := newLedger(t)
	deploy(t, l)
	venue := &staticVenue{balance: big.NewInt(1_050_000)}
	s := New(l, venue, nil, syncer, nil)
	ctx := context.Background()

	wrote, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 1, l.writes)

	nav, err := l.NAV(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1050000", nav.String())

	require.NoError(t, l.OpenWithdrawWindow(ctx, owner))
	r, err := l.Withdraw(ctx, alice, big.NewInt(600_000))
	require.NoError(t, err)
	assert.Equal(t, "630000", r.Amount.String())
}

func TestSyncConcurrentCallsWriteOnce(t *testing.T) {
	l := newLedger(t)
	deploy(t, l)
	s := New(l, &staticVenue{balance: big.NewInt(1_010_000)}, nil, syncer, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Sync(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, l.writes)
}

func TestSyncSkipsWhileCollecting(t *testing.T) {
	l := newLedger(t)
	_, err := l.Deposit(context.Background(), alice, big.NewInt(10))
	require.NoError(t, err)

	s := New(l, &staticVenue{balance: big.NewInt(99)}, nil, syncer, nil)
	wrote, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 0, l.writes)
}

func TestSyncSkipsWhileCycleOpen(t *testing.T) {
	l := newLedger(t)
	deploy(t, l)
	store, err := storage.OpenFileStore("")
	require.NoError(t, err)
	require.NoError(t, store.SaveCycle(context.Background(), model.Cycle{
		ID:     "c1",
		Amount: big.NewInt(1),
		Phase:  model.PhaseBridged,
		Status: model.CycleFailed,
	}))

	venue := &staticVenue{balance: big.NewInt(900_000)}
	s := New(l, venue, store, syncer, nil)
	wrote, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, wrote)

	require.NoError(t, store.SaveCycle(context.Background(), model.Cycle{
		ID:     "c1",
		Amount: big.NewInt(1),
		Phase:  model.PhaseSynced,
		Status: model.CycleCompleted,
	}))
	wrote, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, wrote)
	nav, _ := l.NAV(context.Background())
	assert.Equal(t, "900000", nav.String())
}

func TestSyncFollowsRepeatedYield(t *testing.T) {
	l := newLedger(t)
	deploy(t, l)
	venue := &staticVenue{balance: big.NewInt(1_020_000)}
	s := New(l, venue, nil, syncer, nil)
	ctx := context.Background()

	_, err := s.Sync(ctx)
	require.NoError(t, err)
	venue.set(1_030_000)
	_, err = s.Sync(ctx)
	require.NoError(t, err)

	pool, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1030000", pool.NAV.String())
	assert.Equal(t, "1030000", pool.Placed.String())
	assert.Equal(t, 2, l.writes)
}

func TestObservedKeepsUnplacedCapital(t *testing.T) {
	pool := model.NewPool(big.NewInt(1_000), time.Hour, false)
	pool.NAV = big.NewInt(1_000)
	pool.Custody = big.NewInt(200)
	pool.Placed = big.NewInt(500)

	assert.Equal(t, "1010", Observed(pool, big.NewInt(510)).String())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(newLedger(t), &staticVenue{balance: big.NewInt(0)}, nil, syncer, nil)
	assert.Error(t, s.Start(context.Background(), "not a schedule"))

	require.NoError(t, s.Start(context.Background(), ""))
	assert.Error(t, s.Start(context.Background(), DefaultSchedule))
	s.Stop()
	s.Stop()
}
