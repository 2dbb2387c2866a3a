package vault

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultBridge/internal/model"
	"vaultBridge/internal/vaulterr"
)

var (
	owner       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	coordinator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	syncer      = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	relayer     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice       = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	userX       = common.HexToAddress("0x0000000000000000000000000000000000000f00")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, capacity int64, reusable bool) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, err := Open(context.Background(), Config{
		Cap:           big.NewInt(capacity),
		WithdrawDelay: time.Hour,
		Reusable:      reusable,
		Roles: Roles{
			Owner:       owner,
			Coordinator: coordinator,
			NAVUpdaters: []common.Address{syncer},
			Relayers:    []common.Address{relayer},
		},
		Now: clock.Now,
	}, nil, nil)
	require.NoError(t, err)
	return l, clock
}

func shares(t *testing.T, l *Ledger, holder common.Address) int64 {
	t.Helper()
	v, err := l.SharesOf(context.Background(), holder)
	require.NoError(t, err)
	return v.Int64()
}

func TestBootstrapDepositMintsOneToOne(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, false)
	r, err := l.Deposit(context.Background(), alice, big.NewInt(12_345))
	require.NoError(t, err)
	assert.Equal(t, int64(12_345), r.Shares.Int64())
	assert.Equal(t, "ledger:1", r.Ref)
	assert.Equal(t, int64(12_345), shares(t, l, alice))
}

func TestScenarioATwoHoldersReachCap(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, false)
	ctx := context.Background()

	var thresholds int
	l.Subscribe(func(e model.LedgerEvent) {
		if e.Kind == model.EventThresholdReached {
			thresholds++
		}
	})

	_, err := l.Deposit(ctx, alice, big.NewInt(600_000))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, bob, big.NewInt(400_000))
	require.NoError(t, err)

	state, _ := l.State(ctx)
	total, _ := l.TotalShares(ctx)
	assert.Equal(t, model.PoolDeployed, state)
	assert.Equal(t, int64(1_000_000), total.Int64())
	assert.Equal(t, int64(600_000), shares(t, l, alice))
	assert.Equal(t, int64(400_000), shares(t, l, bob))
	assert.Equal(t, 1, thresholds)

	_, err = l.Deposit(ctx, alice, big.NewInt(1))
	assert.ErrorIs(t, err, vaulterr.ErrState)
}

func TestScenarioBDepositForCreditsBeneficiary(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, false)
	ctx := context.Background()

	r, err := l.DepositFor(ctx, relayer, userX, big.NewInt(100_000), "0xsrc1")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), r.Shares.Int64())
	assert.Equal(t, int64(100_000), shares(t, l, userX))
	assert.Equal(t, int64(0), shares(t, l, relayer))
}

func TestDepositForRejectsBadCallers(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, false)
	ctx := context.Background()

	_, err := l.DepositFor(ctx, alice, userX, big.NewInt(10), "0xsrc1")
	assert.ErrorIs(t, err, vaulterr.ErrValidation)

	_, err = l.DepositFor(ctx, relayer, relayer, big.NewInt(10), "0xsrc1")
	assert.ErrorIs(t, err, vaulterr.ErrValidation)

	_, err = l.DepositFor(ctx, relayer, common.Address{}, big.NewInt(10), "0xsrc1")
	assert.ErrorIs(t, err, vaulterr.ErrValidation)

	_, err = l.DepositFor(ctx, relayer, userX, big.NewInt(10), "")
	assert.ErrorIs(t, err, vaulterr.ErrValidation)
}

func TestDepositForCreditsSourceOnce(t *testing.T) {
	l, _ := newTestLedger(t, 1_000, false)
	ctx := context.Background()

	first, err := l.DepositFor(ctx, relayer, userX, big.NewInt(1_000), "0xsrc1")
	require.NoError(t, err)
	state, _ := l.State(ctx)
	assert.Equal(t, model.PoolDeployed, state)

	again, err := l.DepositFor(ctx, relayer, userX, big.NewInt(1_000), "0xsrc1")
	require.NoError(t, err)
	assert.Equal(t, first.Ref, again.Ref)
	assert.Equal(t, first.Shares.String(), again.Shares.String())
	assert.Equal(t, int64(1_000), shares(t, l, userX))

	_, err = l.DepositFor(ctx, relayer, bob, big.NewInt(1_000), "0xsrc1")
	assert.ErrorIs(t, err, vaulterr.ErrValidation)

	pool, _ := l.Snapshot(ctx)
	assert.Equal(t, uint64(1), pool.Sequence)
}

func TestDepositValidation(t *testing.T) {
	l, _ := newTestLedger(t, 1_000, false)
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice, big.NewInt(0))
	assert.ErrorIs(t, err, vaulterr.ErrValidation)
	_, err = l.Deposit(ctx, alice, big.NewInt(-5))
	assert.ErrorIs(t, err, vaulterr.ErrValidation)

	_, err = l.Deposit(ctx, alice, big.NewInt(600))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, bob, big.NewInt(401))
	assert.ErrorIs(t, err, vaulterr.ErrValidation)

	nav, _ := l.NAV(ctx)
	assert.Equal(t, int64(600), nav.Int64())
	assert.Equal(t, int64(0), shares(t, l, bob))
}

func TestSharePriceInvariantWithoutWithdrawals(t *testing.T) {
	l, _ := newTestLedger(t, 10_000_000, false)
	ctx := context.Background()

	holders := []common.Address{alice, bob, userX}
	amounts := []int64{7, 1_003, 99_999, 3, 250_000, 42, 17_017}
	for i, amount := range amounts {
		_, err := l.Deposit(ctx, holders[i%len(holders)], big.NewInt(amount))
		require.NoError(t, err)
	}

	pool, err := l.Snapshot(ctx)
	require.NoError(t, err)
	sum := new(big.Int)
	for _, s := range pool.Shares {
		sum.Add(sum, s)
	}
	assert.Equal(t, 0, sum.Cmp(pool.TotalShares))
	assert.Equal(t, 0, PayoutForShares(pool.TotalShares, pool.NAV, pool.TotalShares).Cmp(pool.NAV))
}

func TestWithdrawRequiresOpenWindow(t *testing.T) {
	l, clock := newTestLedger(t, 1_000, false)
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice, big.NewInt(400))
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, alice, big.NewInt(100))
	assert.ErrorIs(t, err, vaulterr.ErrState)

	_, err = l.Deposit(ctx, bob, big.NewInt(600))
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, alice, big.NewInt(100))
	assert.ErrorIs(t, err, vaulterr.ErrState)
	assert.False(t, l.IsWithdrawOpen())

	clock.Advance(time.Hour)
	assert.True(t, l.IsWithdrawOpen())
	_, err = l.Withdraw(ctx, alice, big.NewInt(100))
	require.NoError(t, err)
}

func TestWithdrawConservation(t *testing.T) {
	l, _ := newTestLedger(t, 1_000, false)
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice, big.NewInt(700))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, bob, big.NewInt(300))
	require.NoError(t, err)
	require.NoError(t, l.OpenWithdrawWindow(ctx, owner))
	require.NoError(t, l.UpdateNAV(ctx, syncer, big.NewInt(1_001)))

	_, err = l.Withdraw(ctx, alice, big.NewInt(701))
	assert.ErrorIs(t, err, vaulterr.ErrInsufficientFunds)
	_, err = l.Withdraw(ctx, alice, big.NewInt(0))
	assert.ErrorIs(t, err, vaulterr.ErrValidation)

	r, err := l.Withdraw(ctx, bob, big.NewInt(333))
	assert.ErrorIs(t, err, vaulterr.ErrInsufficientFunds)

	r, err = l.Withdraw(ctx, bob, big.NewInt(300))
	require.NoError(t, err)
	// floor(300 * 1001 / 1000) = 300
	assert.Equal(t, int64(300), r.Amount.Int64())

	nav, _ := l.NAV(ctx)
	total, _ := l.TotalShares(ctx)
	assert.Equal(t, int64(701), nav.Int64())
	assert.Equal(t, int64(700), total.Int64())

	r, err = l.Withdraw(ctx, alice, big.NewInt(700))
	require.NoError(t, err)
	assert.Equal(t, int64(701), r.Amount.Int64())

	state, _ := l.State(ctx)
	assert.Equal(t, model.PoolClosed, state)
}

func TestReusablePoolResetsToCollecting(t *testing.T) {
	l, _ := newTestLedger(t, 500, true)
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice, big.NewInt(500))
	require.NoError(t, err)
	require.NoError(t, l.OpenWithdrawWindow(ctx, owner))
	_, err = l.Withdraw(ctx, alice, big.NewInt(500))
	require.NoError(t, err)

	state, _ := l.State(ctx)
	assert.Equal(t, model.PoolCollecting, state)

	_, err = l.Deposit(ctx, bob, big.NewInt(200))
	require.NoError(t, err)
	assert.Equal(t, int64(200), shares(t, l, bob))
}

func TestScenarioDWithdrawUsesSyncedNAV(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, false)
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice, big.NewInt(600_000))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, bob, big.NewInt(400_000))
	require.NoError(t, err)

	require.NoError(t, l.ReleaseToCustody(ctx, coordinator, big.NewInt(1_000_000)))
	require.NoError(t, l.ConfirmPlacement(ctx, coordinator, big.NewInt(1_000_000)))
	require.NoError(t, l.UpdateNAV(ctx, syncer, big.NewInt(1_050_000)))
	require.NoError(t, l.OpenWithdrawWindow(ctx, owner))

	r, err := l.Withdraw(ctx, alice, big.NewInt(600_000))
	require.NoError(t, err)
	assert.Equal(t, int64(630_000), r.Amount.Int64())

	pool, _ := l.Snapshot(ctx)
	assert.Equal(t, int64(420_000), pool.NAV.Int64())
	assert.Equal(t, int64(420_000), pool.Placed.Int64())
	assert.Equal(t, int64(0), pool.Deployable().Int64())
}

func TestCustodyLeavesNAVAndStateUnchanged(t *testing.T) {
	l, _ := newTestLedger(t, 1_000, false)
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice, big.NewInt(1_000))
	require.NoError(t, err)

	err = l.ReleaseToCustody(ctx, alice, big.NewInt(10))
	assert.ErrorIs(t, err, vaulterr.ErrValidation)

	require.NoError(t, l.ReleaseToCustody(ctx, coordinator, big.NewInt(1_000)))
	err = l.ReleaseToCustody(ctx, coordinator, big.NewInt(1))
	assert.ErrorIs(t, err, vaulterr.ErrInsufficientFunds)

	pool, _ := l.Snapshot(ctx)
	assert.Equal(t, model.PoolDeployed, pool.State)
	assert.Equal(t, int64(1_000), pool.NAV.Int64())
	assert.Equal(t, int64(1_000), pool.Custody.Int64())
	assert.Equal(t, int64(0), pool.Deployable().Int64())

	require.NoError(t, l.OpenWithdrawWindow(ctx, owner))
	_, err = l.Withdraw(ctx, alice, big.NewInt(1))
	assert.ErrorIs(t, err, vaulterr.ErrInsufficientFunds)
}

func TestUpdateNAVRoles(t *testing.T) {
	l, _ := newTestLedger(t, 1_000, false)
	ctx := context.Background()

	assert.ErrorIs(t, l.UpdateNAV(ctx, alice, big.NewInt(5)), vaulterr.ErrValidation)
	assert.ErrorIs(t, l.UpdateNAV(ctx, syncer, big.NewInt(-1)), vaulterr.ErrValidation)
	require.NoError(t, l.UpdateNAV(ctx, coordinator, big.NewInt(5)))
	require.NoError(t, l.UpdateNAV(ctx, syncer, big.NewInt(6)))

	nav, _ := l.NAV(ctx)
	assert.Equal(t, int64(6), nav.Int64())
}

func TestCloseRequiresEmptyPool(t *testing.T) {
	l, _ := newTestLedger(t, 1_000, false)
	ctx := context.Background()

	_, err := l.Deposit(ctx, alice, big.NewInt(10))
	require.NoError(t, err)
	assert.ErrorIs(t, l.Close(ctx, alice), vaulterr.ErrValidation)
	assert.ErrorIs(t, l.Close(ctx, owner), vaulterr.ErrState)
}

func TestDetachedListenerStopsReceiving(t *testing.T) {
	l, _ := newTestLedger(t, 1_000, false)
	ctx := context.Background()

	var got []model.LedgerEventKind
	detach := l.Subscribe(func(e model.LedgerEvent) { got = append(got, e.Kind) })

	_, err := l.Deposit(ctx, alice, big.NewInt(10))
	require.NoError(t, err)
	detach()
	_, err = l.Deposit(ctx, alice, big.NewInt(10))
	require.NoError(t, err)

	assert.Equal(t, []model.LedgerEventKind{model.EventDeposited}, got)
}

func TestLedgerRestoresFromFileSnapshot(t *testing.T) {
	ctx := context.Background()
	store := &FileSnapshotStore{Path: filepath.Join(t.TempDir(), "pool.json")}
	cfg := Config{
		Cap:   big.NewInt(1_000),
		Roles: Roles{Owner: owner, Coordinator: coordinator},
	}

	l, err := Open(ctx, cfg, store, nil)
	require.NoError(t, err)
	_, err = l.Deposit(ctx, alice, big.NewInt(250))
	require.NoError(t, err)

	restored, err := Open(ctx, Config{}, store, nil)
	require.NoError(t, err)
	pool, _ := restored.Snapshot(ctx)
	assert.Equal(t, int64(250), pool.NAV.Int64())
	assert.Equal(t, int64(250), pool.SharesOf(alice).Int64())
	assert.Equal(t, uint64(1), pool.Sequence)
}

func TestCreditsSurviveRestore(t *testing.T) {
	ctx := context.Background()
	store := &FileSnapshotStore{Path: filepath.Join(t.TempDir(), "pool.json")}
	cfg := Config{
		Cap:   big.NewInt(1_000),
		Roles: Roles{Owner: owner, Relayers: []common.Address{relayer}},
	}

	l, err := Open(ctx, cfg, store, nil)
	require.NoError(t, err)
	first, err := l.DepositFor(ctx, relayer, alice, big.NewInt(300), "0xsrc1")
	require.NoError(t, err)

	restored, err := Open(ctx, cfg, store, nil)
	require.NoError(t, err)
	again, err := restored.DepositFor(ctx, relayer, alice, big.NewInt(300), "0xsrc1")
	require.NoError(t, err)
	assert.Equal(t, first.Ref, again.Ref)
	assert.Equal(t, int64(300), shares(t, restored, alice))
}

func TestConcurrentDepositsKeepShareSum(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := common.BigToAddress(big.NewInt(int64(1000 + i%7)))
			_, _ = l.Deposit(ctx, holder, big.NewInt(int64(100+i)))
		}(i)
	}
	wg.Wait()

	pool, _ := l.Snapshot(ctx)
	require.NoError(t, pool.CheckInvariants())
}
