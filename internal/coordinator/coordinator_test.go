package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultBridge/internal/bridge"
	"vaultBridge/internal/lease"
	"vaultBridge/internal/model"
	"vaultBridge/internal/storage"
	"vaultBridge/internal/vault"
	"vaultBridge/internal/vaulterr"
)

var (
	ownerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	coordAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	aliceAddr  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	venueOwner = common.HexToAddress("0x0000000000000000000000000000000000000ee1")
)

type fakeVenue struct {
	mu         sync.Mutex
	balance    *big.Int
	idle       *big.Int
	deposits   int
	depositErr error
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{balance: big.NewInt(0), idle: big.NewInt(0)}
}

func (v *fakeVenue) Deposit(ctx context.Context, amount *big.Int) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.depositErr != nil {
		return "", v.depositErr
	}
	if v.idle.Cmp(amount) < 0 {
		return "", vaulterr.InsufficientFunds("venue.deposit", "idle %s below %s", v.idle, amount)
	}
	v.idle.Sub(v.idle, amount)
	v.balance.Add(v.balance, amount)
	v.deposits++
	return "0xdeposit", nil
}

func (v *fakeVenue) Balance(ctx context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance), nil
}

func (v *fakeVenue) Idle(ctx context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.idle), nil
}

func (v *fakeVenue) Controller() common.Address { return venueOwner }

func (v *fakeVenue) credit(amount *big.Int) {
	v.mu.Lock()
	v.idle.Add(v.idle, amount)
	v.mu.Unlock()
}

// fakeBridge credits the venue's idle balance when a transfer verifies.
type fakeBridge struct {
	mu    sync.Mutex
	venue *fakeVenue
	err   error
	runs   int
	block  chan struct{}
	ctxErr error
}

func (b *fakeBridge) NewTransfer(amount *big.Int, recipient common.Address, nonce common.Hash) *model.BridgeTransfer {
	return &model.BridgeTransfer{
		SourceAmount: new(big.Int).Set(amount),
		Intent:       model.TransferIntent{Amount: new(big.Int).Set(amount), Recipient: recipient, Nonce: nonce},
		Status:       model.TransferConstructed,
	}
}

func (b *fakeBridge) Run(ctx context.Context, t *model.BridgeTransfer, save bridge.Checkpoint) error {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	b.runs++
	b.ctxErr = ctx.Err()
	err := b.err
	b.mu.Unlock()
	if err != nil {
		t.Status = model.TransferFailed
		t.Error = err.Error()
		_ = save(ctx, *t)
		return err
	}
	t.Signature = "0xsig"
	t.Attestation = "0xatt"
	t.DestinationTxRef = "0xmint"
	t.Status = model.TransferVerified
	if err := save(ctx, *t); err != nil {
		return err
	}
	b.venue.credit(t.SourceAmount)
	return nil
}

func (b *fakeBridge) runCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

type countingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSyncer) Sync(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return true, nil
}

type harness struct {
	ledger *vault.Ledger
	venue  *fakeVenue
	bridge *fakeBridge
	store  *storage.FileStore
	lease  *lease.Local
	syncer *countingSyncer
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	ledger, err := vault.Open(ctx, vault.Config{
		Cap:           big.NewInt(1_000_000),
		WithdrawDelay: time.Hour,
		Roles:         vault.Roles{Owner: ownerAddr, Coordinator: coordAddr},
	}, nil, nil)
	require.NoError(t, err)

	store, err := storage.OpenFileStore("")
	require.NoError(t, err)

	h := &harness{
		ledger: ledger,
		venue:  newFakeVenue(),
		store:  store,
		lease:  lease.NewLocal("deploy"),
		syncer: &countingSyncer{},
	}
	h.bridge = &fakeBridge{venue: h.venue}
	h.coord, err = New(ledger, h.venue, h.bridge, store, h.lease, Config{Identity: coordAddr})
	require.NoError(t, err)
	h.coord.SetSyncer(h.syncer)
	return h
}

func (h *harness) fill(t *testing.T) {
	t.Helper()
	_, err := h.ledger.Deposit(context.Background(), aliceAddr, big.NewInt(1_000_000))
	require.NoError(t, err)
}

func (h *harness) pool(t *testing.T) model.Pool {
	t.Helper()
	pool, err := h.ledger.Snapshot(context.Background())
	require.NoError(t, err)
	return pool
}

func TestRunDeploymentCycleHappyPath(t *testing.T) {
	h := newHarness(t)
	h.fill(t)

	cycle, err := h.coord.RunDeploymentCycle(context.Background(), big.NewInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, model.CycleCompleted, cycle.Status)
	assert.Equal(t, model.PhaseSynced, cycle.Phase)
	require.NotNil(t, cycle.Transfer)
	assert.Equal(t, model.TransferVerified, cycle.Transfer.Status)

	pool := h.pool(t)
	assert.Equal(t, model.PoolDeployed, pool.State)
	assert.Equal(t, "1000000", pool.NAV.String())
	assert.Equal(t, "0", pool.Custody.String())
	assert.Equal(t, "1000000", pool.Placed.String())
	assert.Equal(t, "0", pool.Deployable().String())

	balance, _ := h.venue.Balance(context.Background())
	assert.Equal(t, "1000000", balance.String())
	assert.Equal(t, 1, h.syncer.calls)

	latest, ok, err := h.store.LatestCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cycle.ID, latest.ID)
	assert.False(t, latest.Open())
}

func TestRunDeploymentCycleSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.fill(t)

	held, err := h.lease.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = h.coord.RunDeploymentCycle(context.Background(), big.NewInt(1_000_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterr.ErrConcurrency))

	_, ok, err := h.store.LatestCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "0", h.pool(t).Custody.String())
	assert.Equal(t, 0, h.bridge.runCount())
}

func TestStartDeploymentCycleOutlivesCaller(t *testing.T) {
	h := newHarness(t)
	h.fill(t)
	h.bridge.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	started, err := h.coord.StartDeploymentCycle(ctx, big.NewInt(1_000_000))
	require.NoError(t, err)
	require.NotEmpty(t, started.ID)
	assert.Equal(t, model.CycleRunning, started.Status)

	cancel()
	close(h.bridge.block)
	h.coord.Wait()

	h.bridge.mu.Lock()
	ctxErr := h.bridge.ctxErr
	h.bridge.mu.Unlock()
	assert.NoError(t, ctxErr)

	latest, ok, err := h.coord.Current(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, started.ID, latest.ID)
	assert.Equal(t, model.CycleCompleted, latest.Status)
	assert.Equal(t, model.PhaseSynced, latest.Phase)
	assert.Equal(t, "1000000", h.pool(t).Placed.String())

	// The lease is free again once the background cycle returned.
	held, err := h.lease.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, held.Release(context.Background()))
}

func TestStartDeploymentCycleReportsRejections(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.StartDeploymentCycle(context.Background(), big.NewInt(1_000))
	assert.True(t, errors.Is(err, vaulterr.ErrState))

	h.fill(t)
	held, err := h.lease.Acquire(context.Background())
	require.NoError(t, err)
	_, err = h.coord.StartDeploymentCycle(context.Background(), big.NewInt(1_000_000))
	assert.True(t, errors.Is(err, vaulterr.ErrConcurrency))
	require.NoError(t, held.Release(context.Background()))

	h.coord.Wait()
	assert.Equal(t, 0, h.bridge.runCount())
}

func TestConcurrentTriggersRunOnce(t *testing.T) {
	h := newHarness(t)
	h.fill(t)
	h.bridge.block = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := h.coord.RunDeploymentCycle(context.Background(), big.NewInt(1_000_000))
		first <- err
	}()

	require.Eventually(t, func() bool {
		latest, ok, _ := h.store.LatestCycle(context.Background())
		return ok && latest.Phase == model.PhaseCustody
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.coord.RunDeploymentCycle(context.Background(), big.NewInt(1_000_000))
	assert.True(t, errors.Is(err, vaulterr.ErrConcurrency))

	close(h.bridge.block)
	require.NoError(t, <-first)
	assert.Equal(t, 1, h.bridge.runCount())
	assert.Equal(t, 1, h.venue.deposits)
}

func TestAttestationFailureKeepsCustody(t *testing.T) {
	h := newHarness(t)
	h.fill(t)
	h.bridge.err = vaulterr.Attestation("bridge.attest", errors.New("service unavailable"))

	cycle, err := h.coord.RunDeploymentCycle(context.Background(), big.NewInt(1_000_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, vaulterr.ErrAttestation))
	assert.Equal(t, model.CycleFailed, cycle.Status)
	assert.Equal(t, model.PhaseCustody, cycle.Phase)
	require.NotNil(t, cycle.Transfer)
	assert.Equal(t, model.TransferFailed, cycle.Transfer.Status)

	pool := h.pool(t)
	assert.Equal(t, model.PoolDeployed, pool.State)
	assert.Equal(t, "1000000", pool.NAV.String())
	assert.Equal(t, "1000000", pool.Custody.String())
	assert.Equal(t, 0, h.venue.deposits)

	h.bridge.mu.Lock()
	h.bridge.err = nil
	h.bridge.mu.Unlock()

	resumed, err := h.coord.RunDeploymentCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, cycle.ID, resumed.ID)
	assert.Equal(t, model.CycleCompleted, resumed.Status)
	assert.Equal(t, "1000000", h.pool(t).Placed.String())
	assert.Equal(t, "0", h.pool(t).Custody.String())
}

func TestResumeSkipsBridgeWhenFundsArrived(t *testing.T) {
	h := newHarness(t)
	h.fill(t)
	h.venue.depositErr = vaulterr.OnChainVerification("venue.deposit", "receipt missing")

	cycle, err := h.coord.RunDeploymentCycle(context.Background(), big.NewInt(1_000_000))
	require.Error(t, err)
	assert.Equal(t, model.PhaseBridged, cycle.Phase)
	assert.Equal(t, 1, h.bridge.runCount())

	h.venue.mu.Lock()
	h.venue.depositErr = nil
	h.venue.mu.Unlock()

	resumed, err := h.coord.RunDeploymentCycle(context.Background(), big.NewInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, model.CycleCompleted, resumed.Status)
	assert.Equal(t, 1, h.bridge.runCount())
	assert.Equal(t, 1, h.venue.deposits)
}

func TestResumeObservesFundsWithoutRecordedProgress(t *testing.T) {
	h := newHarness(t)
	h.fill(t)

	// Custody released and funds bridged before a crash lost the record.
	require.NoError(t, h.store.SaveCycle(context.Background(), model.Cycle{
		ID:            "crashed",
		Amount:        big.NewInt(1_000_000),
		Phase:         model.PhaseStarted,
		Status:        model.CycleFailed,
		VenueBaseline: big.NewInt(0),
	}))
	require.NoError(t, h.ledger.ReleaseToCustody(context.Background(), coordAddr, big.NewInt(1_000_000)))
	h.venue.credit(big.NewInt(1_000_000))

	cycle, err := h.coord.RunDeploymentCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "crashed", cycle.ID)
	assert.Equal(t, model.CycleCompleted, cycle.Status)
	assert.Equal(t, 0, h.bridge.runCount())
	assert.Equal(t, 1, h.venue.deposits)
	assert.Equal(t, "1000000", h.pool(t).Placed.String())
}

func TestRunDeploymentCycleRejections(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.RunDeploymentCycle(context.Background(), big.NewInt(1))
	assert.True(t, errors.Is(err, vaulterr.ErrState), "collecting pool: %v", err)

	_, err = h.coord.RunDeploymentCycle(context.Background(), nil)
	assert.True(t, errors.Is(err, vaulterr.ErrState), "nothing to resume: %v", err)

	_, err = h.coord.RunDeploymentCycle(context.Background(), big.NewInt(0))
	assert.True(t, errors.Is(err, vaulterr.ErrValidation))

	h.fill(t)
	_, err = h.coord.RunDeploymentCycle(context.Background(), big.NewInt(2_000_000))
	assert.True(t, errors.Is(err, vaulterr.ErrInsufficientFunds))

	h.bridge.err = vaulterr.Attestation("bridge.attest", errors.New("down"))
	_, err = h.coord.RunDeploymentCycle(context.Background(), big.NewInt(500_000))
	require.Error(t, err)

	_, err = h.coord.RunDeploymentCycle(context.Background(), big.NewInt(400_000))
	assert.True(t, errors.Is(err, vaulterr.ErrValidation), "amount mismatch: %v", err)
}

func TestThresholdEventTriggersCycle(t *testing.T) {
	h := newHarness(t)
	detach := h.ledger.Subscribe(h.coord.OnThreshold(context.Background()))
	defer detach()

	h.fill(t)
	h.coord.Wait()

	latest, ok, err := h.store.LatestCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CycleCompleted, latest.Status)
	assert.Equal(t, "1000000", latest.Amount.String())
}

func TestRecoverStartsCycleForDeployedPool(t *testing.T) {
	h := newHarness(t)

	_, started, err := h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.False(t, started)

	h.fill(t)
	cycle, started, err := h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, model.CycleCompleted, cycle.Status)

	_, started, err = h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
}
