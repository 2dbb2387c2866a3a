package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vaultBridge/internal/bridge"
	"vaultBridge/internal/lease"
	"vaultBridge/internal/metrics"
	"vaultBridge/internal/model"
	"vaultBridge/internal/storage"
	"vaultBridge/internal/vaulterr"
)

// Ledger is the custody surface the coordinator drives. Both the in-process
// ledger and the contract ledger satisfy it.
type Ledger interface {
	Snapshot(ctx context.Context) (model.Pool, error)
	ReleaseToCustody(ctx context.Context, caller common.Address, amount *big.Int) error
	ConfirmPlacement(ctx context.Context, caller common.Address, amount *big.Int) error
}

// Venue is the part of the yield venue adapter a cycle needs.
type Venue interface {
	Deposit(ctx context.Context, amount *big.Int) (string, error)
	Balance(ctx context.Context) (*big.Int, error)
	Idle(ctx context.Context) (*big.Int, error)
	Controller() common.Address
}

// Bridge moves custody funds to the venue chain.
type Bridge interface {
	NewTransfer(amount *big.Int, recipient common.Address, nonce common.Hash) *model.BridgeTransfer
	Run(ctx context.Context, t *model.BridgeTransfer, save bridge.Checkpoint) error
}

// Syncer refreshes the ledger NAV once capital is placed.
type Syncer interface {
	Sync(ctx context.Context) (bool, error)
}

type Config struct {
	// Identity is the coordinator role address on the ledger.
	Identity common.Address
	// PlacementTolerance absorbs venue share rounding when deciding from
	// observed balances whether a deposit already happened.
	PlacementTolerance *big.Int
	Logger             *zap.Logger
	Now                func() time.Time
}

// Coordinator runs deployment cycles one at a time.
type Coordinator struct {
	ledger    Ledger
	venue     Venue
	bridge    Bridge
	cycles    storage.CycleStore
	lease     lease.Lease
	identity  common.Address
	tolerance *big.Int
	logger    *zap.Logger
	now       func() time.Time

	syncMu sync.RWMutex
	syncer Syncer

	wg sync.WaitGroup
}

func New(ledger Ledger, venue Venue, br Bridge, cycles storage.CycleStore, l lease.Lease, cfg Config) (*Coordinator, error) {
	if ledger == nil || venue == nil || br == nil || cycles == nil || l == nil {
		return nil, fmt.Errorf("coordinator: ledger, venue, bridge, cycle store and lease are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PlacementTolerance == nil {
		cfg.PlacementTolerance = big.NewInt(0)
	}
	return &Coordinator{
		ledger:    ledger,
		venue:     venue,
		bridge:    br,
		cycles:    cycles,
		lease:     l,
		identity:  cfg.Identity,
		tolerance: new(big.Int).Set(cfg.PlacementTolerance),
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// SetSyncer attaches the NAV synchronizer triggered after each cycle.
func (c *Coordinator) SetSyncer(s Syncer) {
	c.syncMu.Lock()
	c.syncer = s
	c.syncMu.Unlock()
}

// Current returns the latest cycle record.
func (c *Coordinator) Current(ctx context.Context) (model.Cycle, bool, error) {
	return c.cycles.LatestCycle(ctx)
}

// RunDeploymentCycle moves amount of deployable capital into the venue. A nil
// amount resumes the open cycle. A concurrent call fails with a concurrency
// error before touching any state.
func (c *Coordinator) RunDeploymentCycle(ctx context.Context, amount *big.Int) (model.Cycle, error) {
	cycle, release, err := c.begin(ctx, amount)
	if err != nil {
		return model.Cycle{}, err
	}
	defer release()
	return c.finish(ctx, cycle)
}

// StartDeploymentCycle opens or resumes a cycle like RunDeploymentCycle but
// runs its phases in the background. The phases ignore cancellation of ctx.
// Validation, state and lease errors are returned before anything moves.
func (c *Coordinator) StartDeploymentCycle(ctx context.Context, amount *big.Int) (model.Cycle, error) {
	ctx = context.WithoutCancel(ctx)
	cycle, release, err := c.begin(ctx, amount)
	if err != nil {
		return model.Cycle{}, err
	}
	started := cycle
	started.Amount = new(big.Int).Set(cycle.Amount)
	if cycle.Transfer != nil {
		transfer := *cycle.Transfer
		started.Transfer = &transfer
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		// finish logs the failure and records it on the cycle.
		_, _ = c.finish(ctx, cycle)
	}()
	return started, nil
}

// begin takes the deployment lease and loads or opens the cycle. The caller
// must call release once the cycle returns.
func (c *Coordinator) begin(ctx context.Context, amount *big.Int) (model.Cycle, func(), error) {
	const op = "coordinator.run"
	if amount != nil && amount.Sign() <= 0 {
		return model.Cycle{}, nil, vaulterr.Validation(op, "amount must be positive")
	}

	handle, err := c.lease.Acquire(ctx)
	if err != nil {
		if errors.Is(err, vaulterr.ErrConcurrency) {
			metrics.LeaseContention.Inc()
		}
		return model.Cycle{}, nil, err
	}
	release := func() {
		if err := handle.Release(context.Background()); err != nil {
			c.logger.Warn("release deployment lease", zap.Error(err))
		}
	}

	cycle, err := c.loadOrStart(ctx, amount)
	if err != nil {
		release()
		return model.Cycle{}, nil, err
	}
	return cycle, release, nil
}

func (c *Coordinator) finish(ctx context.Context, cycle model.Cycle) (model.Cycle, error) {
	log := c.logger.With(zap.String("cycle_id", cycle.ID), zap.String("amount", model.AmountString(cycle.Amount)))
	log.Info("deployment cycle running", zap.String("phase", string(cycle.Phase)))

	if err := c.advance(ctx, &cycle, log); err != nil {
		cycle.Status = model.CycleFailed
		cycle.Error = err.Error()
		if saveErr := c.save(ctx, &cycle); saveErr != nil {
			log.Error("save failed cycle", zap.Error(saveErr))
		}
		metrics.CyclesTotal.WithLabelValues(string(model.CycleFailed)).Inc()
		log.Warn("deployment cycle failed", zap.String("phase", string(cycle.Phase)), zap.Error(err))
		return cycle, err
	}

	metrics.CyclesTotal.WithLabelValues(string(model.CycleCompleted)).Inc()
	log.Info("deployment cycle completed")
	return cycle, nil
}

func (c *Coordinator) loadOrStart(ctx context.Context, amount *big.Int) (model.Cycle, error) {
	const op = "coordinator.run"
	latest, ok, err := c.cycles.LatestCycle(ctx)
	if err != nil {
		return model.Cycle{}, fmt.Errorf("load latest cycle: %w", err)
	}
	if ok && latest.Open() {
		if amount != nil && amount.Cmp(latest.Amount) != 0 {
			return model.Cycle{}, vaulterr.Validation(op, "cycle %s is open for %s, not %s", latest.ID, latest.Amount, amount)
		}
		latest.Status = model.CycleRunning
		latest.Error = ""
		return latest, nil
	}
	if amount == nil {
		return model.Cycle{}, vaulterr.State(op, "no open deployment cycle to resume")
	}

	pool, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return model.Cycle{}, fmt.Errorf("read pool: %w", err)
	}
	if pool.State != model.PoolDeployed {
		return model.Cycle{}, vaulterr.State(op, "pool is %s, deployment requires %s", pool.State, model.PoolDeployed)
	}
	if deployable := pool.Deployable(); amount.Cmp(deployable) > 0 {
		return model.Cycle{}, vaulterr.InsufficientFunds(op, "amount %s exceeds deployable %s", amount, deployable)
	}
	baseline, err := c.venue.Balance(ctx)
	if err != nil {
		return model.Cycle{}, fmt.Errorf("read venue baseline: %w", err)
	}

	now := c.now().UTC()
	cycle := model.Cycle{
		ID:            uuid.NewString(),
		Amount:        new(big.Int).Set(amount),
		Phase:         model.PhaseStarted,
		Status:        model.CycleRunning,
		VenueBaseline: baseline,
		CreatedAt:     now,
	}
	if err := c.save(ctx, &cycle); err != nil {
		return model.Cycle{}, err
	}
	return cycle, nil
}

func (c *Coordinator) advance(ctx context.Context, cycle *model.Cycle, log *zap.Logger) error {
	steps := []struct {
		done model.CyclePhase
		run  func(context.Context, *model.Cycle, *zap.Logger) error
	}{
		{model.PhaseCustody, c.releaseCustody},
		{model.PhaseBridged, c.bridgeFunds},
		{model.PhasePlaced, c.placeFunds},
		{model.PhaseSynced, c.syncNAV},
	}
	for _, step := range steps {
		if cycle.Phase.Reached(step.done) {
			continue
		}
		start := time.Now()
		if err := step.run(ctx, cycle, log); err != nil {
			return err
		}
		metrics.ObservePhase(string(step.done), start)
		cycle.Phase = step.done
		if step.done == model.PhasePlaced {
			cycle.Status = model.CycleCompleted
		}
		if err := c.save(ctx, cycle); err != nil {
			return err
		}
		log.Info("phase reached", zap.String("phase", string(step.done)))
	}
	return nil
}

func (c *Coordinator) releaseCustody(ctx context.Context, cycle *model.Cycle, log *zap.Logger) error {
	const op = "coordinator.custody"
	pool, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	if pool.Custody.Cmp(cycle.Amount) < 0 {
		missing := new(big.Int).Sub(cycle.Amount, pool.Custody)
		if err := c.ledger.ReleaseToCustody(ctx, c.identity, missing); err != nil {
			return err
		}
	} else {
		log.Info("custody already released")
	}

	pool, err = c.ledger.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("re-read pool: %w", err)
	}
	if pool.Custody.Cmp(cycle.Amount) < 0 {
		return vaulterr.OnChainVerification(op, "custody %s below cycle amount %s after release", pool.Custody, cycle.Amount)
	}
	return nil
}

func (c *Coordinator) bridgeFunds(ctx context.Context, cycle *model.Cycle, log *zap.Logger) error {
	arrived, err := c.arrived(ctx, cycle)
	if err != nil {
		return err
	}
	if arrived.Cmp(cycle.Amount) >= 0 {
		log.Info("funds already on venue chain, bridge skipped", zap.String("arrived", arrived.String()))
		return nil
	}

	remaining := new(big.Int).Sub(cycle.Amount, arrived)
	var transfer *model.BridgeTransfer
	if t := cycle.Transfer; t != nil && (t.SourceAmount.Cmp(remaining) == 0 || bridge.Progress(*t).Reached(model.TransferSigned)) {
		copied := *t
		transfer = &copied
	} else {
		transfer = c.bridge.NewTransfer(remaining, c.venue.Controller(), cycleNonce(cycle.ID))
	}
	save := func(ctx context.Context, t model.BridgeTransfer) error {
		cycle.Transfer = &t
		return c.save(ctx, cycle)
	}
	return c.bridge.Run(ctx, transfer, save)
}

func (c *Coordinator) placeFunds(ctx context.Context, cycle *model.Cycle, log *zap.Logger) error {
	const op = "coordinator.place"
	before, err := c.venue.Balance(ctx)
	if err != nil {
		return fmt.Errorf("read venue balance: %w", err)
	}
	placed := positive(new(big.Int).Sub(before, cycle.VenueBaseline))
	if new(big.Int).Add(placed, c.tolerance).Cmp(cycle.Amount) >= 0 {
		log.Info("venue already holds cycle amount, deposit skipped", zap.String("placed", placed.String()))
	} else {
		toDeposit := new(big.Int).Sub(cycle.Amount, placed)
		txRef, err := c.venue.Deposit(ctx, toDeposit)
		if err != nil {
			return err
		}
		after, err := c.venue.Balance(ctx)
		if err != nil {
			return fmt.Errorf("re-read venue balance: %w", err)
		}
		if after.Cmp(before) <= 0 {
			return vaulterr.OnChainVerification(op, "venue balance %s did not grow after deposit %s", after, txRef)
		}
		log.Info("venue deposit confirmed", zap.String("tx", txRef), zap.String("balance", after.String()))
	}

	pool, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	if pool.Custody.Sign() == 0 {
		return nil
	}
	confirm := cycle.Amount
	if pool.Custody.Cmp(confirm) < 0 {
		confirm = pool.Custody
	}
	return c.ledger.ConfirmPlacement(ctx, c.identity, confirm)
}

func (c *Coordinator) syncNAV(ctx context.Context, cycle *model.Cycle, log *zap.Logger) error {
	c.syncMu.RLock()
	s := c.syncer
	c.syncMu.RUnlock()
	if s == nil {
		return nil
	}
	// The cycle is already COMPLETED here, a failed sync is left to the schedule.
	if _, err := s.Sync(ctx); err != nil {
		log.Warn("post-cycle nav sync failed", zap.Error(err))
	}
	return nil
}

// arrived is what the venue chain already holds for this cycle: position
// growth over the baseline plus idle funds of the controller.
func (c *Coordinator) arrived(ctx context.Context, cycle *model.Cycle) (*big.Int, error) {
	balance, err := c.venue.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("read venue balance: %w", err)
	}
	idle, err := c.venue.Idle(ctx)
	if err != nil {
		return nil, fmt.Errorf("read venue idle balance: %w", err)
	}
	grown := positive(new(big.Int).Sub(balance, cycle.VenueBaseline))
	return grown.Add(grown, idle), nil
}

func (c *Coordinator) save(ctx context.Context, cycle *model.Cycle) error {
	cycle.UpdatedAt = c.now().UTC()
	if err := c.cycles.SaveCycle(ctx, *cycle); err != nil {
		return fmt.Errorf("save cycle %s: %w", cycle.ID, err)
	}
	return nil
}

func cycleNonce(id string) common.Hash {
	return crypto.Keccak256Hash([]byte(id))
}

func positive(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return v.SetInt64(0)
	}
	return v
}
