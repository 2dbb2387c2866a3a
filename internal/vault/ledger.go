package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"vaultBridge/internal/model"
	"vaultBridge/internal/vaulterr"
)

// Roles lists the privileged identities of a ledger.
type Roles struct {
	Owner       common.Address
	Coordinator common.Address
	NAVUpdaters []common.Address
	Relayers    []common.Address
}

// Config holds the parameters a pool is created with. They are ignored when
// a snapshot already exists.
type Config struct {
	Cap           *big.Int
	WithdrawDelay time.Duration
	Reusable      bool
	Roles         Roles
	Now           func() time.Time
}

// Receipt describes one committed ledger mutation.
type Receipt struct {
	Ref    string
	Amount *big.Int
	Shares *big.Int
}

// Listener receives ledger events after the mutation is committed.
type Listener func(model.LedgerEvent)

// Ledger is the single-writer record of pool state, shares and NAV.
type Ledger struct {
	mu    sync.Mutex
	pool  model.Pool
	store SnapshotStore

	owner       common.Address
	coordinator common.Address
	navUpdaters map[common.Address]struct{}
	relayers    map[common.Address]struct{}

	now    func() time.Time
	logger *zap.Logger

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// Open restores the ledger from store, or creates a fresh pool from cfg.
func Open(ctx context.Context, cfg Config, store SnapshotStore, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Ledger{
		store:       store,
		owner:       cfg.Roles.Owner,
		coordinator: cfg.Roles.Coordinator,
		navUpdaters: addressSet(cfg.Roles.NAVUpdaters),
		relayers:    addressSet(cfg.Roles.Relayers),
		now:         cfg.Now,
		logger:      logger,
		listeners:   make(map[int]Listener),
	}

	if store != nil {
		pool, ok, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if ok {
			if err := pool.CheckInvariants(); err != nil {
				return nil, fmt.Errorf("snapshot invariants: %w", err)
			}
			l.pool = pool
			logger.Info("ledger restored",
				zap.String("state", string(pool.State)),
				zap.String("nav", pool.NAV.String()),
				zap.String("total_shares", pool.TotalShares.String()),
			)
			return l, nil
		}
	}

	if cfg.Cap == nil || cfg.Cap.Sign() <= 0 {
		return nil, fmt.Errorf("cap must be greater than zero")
	}
	l.pool = model.NewPool(cfg.Cap, cfg.WithdrawDelay, cfg.Reusable)
	return l, nil
}

// Subscribe registers fn for ledger events and returns a detach function.
func (l *Ledger) Subscribe(fn Listener) func() {
	l.listenersMu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.listenersMu.Unlock()

	return func() {
		l.listenersMu.Lock()
		delete(l.listeners, id)
		l.listenersMu.Unlock()
	}
}

// DetachAll removes every listener.
func (l *Ledger) DetachAll() {
	l.listenersMu.Lock()
	l.listeners = make(map[int]Listener)
	l.listenersMu.Unlock()
}

// Deposit adds amount from caller and mints shares to caller.
func (l *Ledger) Deposit(ctx context.Context, caller common.Address, amount *big.Int) (Receipt, error) {
	return l.deposit(ctx, "ledger.deposit", caller, caller, amount, "")
}

// DepositFor adds amount supplied by a relayer and mints shares to
// beneficiary. sourceRef identifies the inbound transfer being credited: a
// ref that was already credited returns the original receipt and mints
// nothing.
func (l *Ledger) DepositFor(ctx context.Context, caller, beneficiary common.Address, amount *big.Int, sourceRef string) (Receipt, error) {
	const op = "ledger.depositFor"
	if !l.isRelayer(caller) {
		return Receipt{}, vaulterr.Validation(op, "caller %s is not a relayer", caller.Hex())
	}
	if beneficiary == (common.Address{}) {
		return Receipt{}, vaulterr.Validation(op, "beneficiary is required")
	}
	if beneficiary == caller {
		return Receipt{}, vaulterr.Validation(op, "beneficiary must differ from caller")
	}
	if sourceRef == "" {
		return Receipt{}, vaulterr.Validation(op, "source ref is required")
	}
	return l.deposit(ctx, op, caller, beneficiary, amount, sourceRef)
}

func (l *Ledger) deposit(ctx context.Context, op string, caller, beneficiary common.Address, amount *big.Int, sourceRef string) (Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, vaulterr.Validation(op, "amount must be positive")
	}

	l.mu.Lock()
	if prior, ok := l.pool.Credits[sourceRef]; ok && sourceRef != "" {
		l.mu.Unlock()
		if prior.Beneficiary != beneficiary || prior.Amount.Cmp(amount) != 0 {
			return Receipt{}, vaulterr.Validation(op, "source %s already credited %s to %s", sourceRef, prior.Amount, prior.Beneficiary.Hex())
		}
		l.logger.Info("source already credited", zap.String("source", sourceRef), zap.String("ref", prior.Ref))
		return Receipt{Ref: prior.Ref, Amount: new(big.Int).Set(prior.Amount), Shares: new(big.Int).Set(prior.Shares)}, nil
	}
	next := l.pool.Clone()
	if next.State != model.PoolCollecting {
		l.mu.Unlock()
		return Receipt{}, vaulterr.State(op, "pool is %s, deposits require %s", next.State, model.PoolCollecting)
	}

	after := new(big.Int).Add(next.NAV, amount)
	if after.Cmp(next.Cap) > 0 {
		remaining := new(big.Int).Sub(next.Cap, next.NAV)
		l.mu.Unlock()
		return Receipt{}, vaulterr.Validation(op, "amount %s exceeds remaining capacity %s", amount, remaining)
	}

	shares, err := SharesForDeposit(amount, next.NAV, next.TotalShares)
	if err != nil {
		l.mu.Unlock()
		return Receipt{}, fmt.Errorf("%s: %w", op, err)
	}

	next.NAV = after
	next.TotalShares.Add(next.TotalShares, shares)
	credit(next.Shares, beneficiary, shares)
	next.Sequence++
	ref := ledgerRef(next.Sequence)
	if sourceRef != "" {
		next.Credits[sourceRef] = model.Credit{
			Beneficiary: beneficiary,
			Amount:      new(big.Int).Set(amount),
			Shares:      new(big.Int).Set(shares),
			Ref:         ref,
		}
	}

	now := l.now().UTC()
	events := []model.LedgerEvent{{
		Kind:        model.EventDeposited,
		Caller:      caller,
		Beneficiary: beneficiary,
		Amount:      new(big.Int).Set(amount),
		Shares:      new(big.Int).Set(shares),
		NAV:         new(big.Int).Set(next.NAV),
		TxRef:       ref,
		At:          now,
	}}

	if next.NAV.Cmp(next.Cap) >= 0 {
		next.State = model.PoolDeployed
		next.DeployedAt = now
		next.Cycle++
		events = append(events,
			model.LedgerEvent{Kind: model.EventStateChanged, Caller: caller, From: model.PoolCollecting, To: model.PoolDeployed, NAV: new(big.Int).Set(next.NAV), At: now},
			model.LedgerEvent{Kind: model.EventThresholdReached, Caller: caller, NAV: new(big.Int).Set(next.NAV), Amount: next.Deployable(), TxRef: ref, At: now},
		)
	}

	if err := l.commitLocked(ctx, next); err != nil {
		l.mu.Unlock()
		return Receipt{}, err
	}
	l.mu.Unlock()

	l.logger.Debug("deposit committed",
		zap.String("beneficiary", beneficiary.Hex()),
		zap.String("amount", amount.String()),
		zap.String("shares", shares.String()),
		zap.String("ref", ref),
	)
	l.emit(events)
	return Receipt{Ref: ref, Amount: new(big.Int).Set(amount), Shares: shares}, nil
}

// Withdraw burns shares of caller and returns the payout owed.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address, shares *big.Int) (Receipt, error) {
	const op = "ledger.withdraw"
	if shares == nil || shares.Sign() <= 0 {
		return Receipt{}, vaulterr.Validation(op, "share amount must be positive")
	}

	l.mu.Lock()
	next := l.pool.Clone()
	now := l.now().UTC()
	if !next.WithdrawOpen(now) {
		l.mu.Unlock()
		return Receipt{}, vaulterr.State(op, "withdrawals are not open in state %s", next.State)
	}
	held := next.SharesOf(caller)
	if shares.Cmp(held) > 0 {
		l.mu.Unlock()
		return Receipt{}, vaulterr.InsufficientFunds(op, "shares %s exceed holder balance %s", shares, held)
	}

	payout := PayoutForShares(shares, next.NAV, next.TotalShares)
	liquid := new(big.Int).Sub(next.NAV, next.Custody)
	if payout.Cmp(liquid) > 0 {
		l.mu.Unlock()
		return Receipt{}, vaulterr.InsufficientFunds(op, "payout %s exceeds funds not in transit %s", payout, liquid)
	}

	debit(next.Shares, caller, shares)
	next.TotalShares.Sub(next.TotalShares, shares)
	next.NAV.Sub(next.NAV, payout)
	if next.Placed.Cmp(payout) > 0 {
		next.Placed.Sub(next.Placed, payout)
	} else {
		next.Placed.SetInt64(0)
	}
	next.Sequence++
	ref := ledgerRef(next.Sequence)

	events := []model.LedgerEvent{{
		Kind:   model.EventWithdrawn,
		Caller: caller,
		Amount: new(big.Int).Set(payout),
		Shares: new(big.Int).Set(shares),
		NAV:    new(big.Int).Set(next.NAV),
		TxRef:  ref,
		At:     now,
	}}

	if next.TotalShares.Sign() == 0 {
		from := next.State
		if next.Reusable {
			next.State = model.PoolCollecting
			next.DeployedAt = time.Time{}
			next.Placed.SetInt64(0)
		} else {
			next.State = model.PoolClosed
		}
		events = append(events, model.LedgerEvent{Kind: model.EventStateChanged, Caller: caller, From: from, To: next.State, NAV: new(big.Int).Set(next.NAV), At: now})
	}

	if err := l.commitLocked(ctx, next); err != nil {
		l.mu.Unlock()
		return Receipt{}, err
	}
	l.mu.Unlock()

	l.emit(events)
	return Receipt{Ref: ref, Amount: payout, Shares: new(big.Int).Set(shares)}, nil
}

// UpdateNAV overwrites NAV. Callers decide whether the value changed. The
// difference is attributed to placed capital so Deployable is unaffected.
func (l *Ledger) UpdateNAV(ctx context.Context, caller common.Address, value *big.Int) error {
	const op = "ledger.updateNAV"
	if !l.isNAVUpdater(caller) {
		return vaulterr.Validation(op, "caller %s may not update nav", caller.Hex())
	}
	if value == nil || value.Sign() < 0 {
		return vaulterr.Validation(op, "nav must be non-negative")
	}

	l.mu.Lock()
	next := l.pool.Clone()
	previous := new(big.Int).Set(next.NAV)
	next.NAV = new(big.Int).Set(value)
	if next.Placed.Sign() > 0 {
		next.Placed.Add(next.Placed, new(big.Int).Sub(value, previous))
		if next.Placed.Sign() < 0 {
			next.Placed.SetInt64(0)
		}
	}
	if err := l.commitLocked(ctx, next); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.logger.Info("nav updated", zap.String("previous", previous.String()), zap.String("nav", value.String()))
	l.emit([]model.LedgerEvent{{Kind: model.EventNAVUpdated, Caller: caller, Amount: previous, NAV: new(big.Int).Set(value), At: l.now().UTC()}})
	return nil
}

// OpenWithdrawWindow lets the owner open redemptions before the delay ends.
func (l *Ledger) OpenWithdrawWindow(ctx context.Context, caller common.Address) error {
	const op = "ledger.openWithdrawWindow"
	if caller != l.owner {
		return vaulterr.Validation(op, "caller %s is not the owner", caller.Hex())
	}
	return l.transition(ctx, op, caller, model.PoolDeployed, model.PoolWithdrawOpen)
}

// Close retires an empty pool.
func (l *Ledger) Close(ctx context.Context, caller common.Address) error {
	const op = "ledger.close"
	if caller != l.owner {
		return vaulterr.Validation(op, "caller %s is not the owner", caller.Hex())
	}

	l.mu.Lock()
	next := l.pool.Clone()
	if next.State == model.PoolClosed {
		l.mu.Unlock()
		return vaulterr.State(op, "pool already closed")
	}
	if next.TotalShares.Sign() != 0 {
		l.mu.Unlock()
		return vaulterr.State(op, "pool still has %s outstanding shares", next.TotalShares)
	}
	from := next.State
	next.State = model.PoolClosed
	if err := l.commitLocked(ctx, next); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.emit([]model.LedgerEvent{{Kind: model.EventStateChanged, Caller: caller, From: from, To: model.PoolClosed, At: l.now().UTC()}})
	return nil
}

// ReleaseToCustody hands amount of deployable capital to the coordinator.
// NAV and state are unchanged: custody is still pool capital.
func (l *Ledger) ReleaseToCustody(ctx context.Context, caller common.Address, amount *big.Int) error {
	const op = "ledger.releaseToCustody"
	if caller != l.coordinator {
		return vaulterr.Validation(op, "caller %s is not the coordinator", caller.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return vaulterr.Validation(op, "amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.pool.Clone()
	if next.State != model.PoolDeployed {
		return vaulterr.State(op, "pool is %s, custody release requires %s", next.State, model.PoolDeployed)
	}
	if deployable := next.Deployable(); amount.Cmp(deployable) > 0 {
		return vaulterr.InsufficientFunds(op, "amount %s exceeds deployable %s", amount, deployable)
	}
	next.Custody.Add(next.Custody, amount)
	return l.commitLocked(ctx, next)
}

// ConfirmPlacement moves amount from custody to placed once the venue holds it.
func (l *Ledger) ConfirmPlacement(ctx context.Context, caller common.Address, amount *big.Int) error {
	const op = "ledger.confirmPlacement"
	if caller != l.coordinator {
		return vaulterr.Validation(op, "caller %s is not the coordinator", caller.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return vaulterr.Validation(op, "amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.pool.Clone()
	if amount.Cmp(next.Custody) > 0 {
		return vaulterr.Validation(op, "amount %s exceeds custody %s", amount, next.Custody)
	}
	next.Custody.Sub(next.Custody, amount)
	next.Placed.Add(next.Placed, amount)
	return l.commitLocked(ctx, next)
}

func (l *Ledger) transition(ctx context.Context, op string, caller common.Address, from, to model.PoolState) error {
	l.mu.Lock()
	next := l.pool.Clone()
	if next.State != from {
		l.mu.Unlock()
		return vaulterr.State(op, "pool is %s, expected %s", next.State, from)
	}
	next.State = to
	if err := l.commitLocked(ctx, next); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.emit([]model.LedgerEvent{{Kind: model.EventStateChanged, Caller: caller, From: from, To: to, At: l.now().UTC()}})
	return nil
}

// commitLocked persists next and swaps it in. Must hold l.mu.
func (l *Ledger) commitLocked(ctx context.Context, next model.Pool) error {
	if err := next.CheckInvariants(); err != nil {
		return fmt.Errorf("invariant violated: %w", err)
	}
	if l.store != nil {
		if err := l.store.Save(ctx, next); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	l.pool = next
	return nil
}

func (l *Ledger) emit(events []model.LedgerEvent) {
	l.listenersMu.RLock()
	listeners := make([]Listener, 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.listenersMu.RUnlock()

	for _, event := range events {
		for _, fn := range listeners {
			fn(event)
		}
	}
}

func (l *Ledger) isRelayer(addr common.Address) bool {
	_, ok := l.relayers[addr]
	return ok
}

func (l *Ledger) isNAVUpdater(addr common.Address) bool {
	if addr == l.coordinator && addr != (common.Address{}) {
		return true
	}
	_, ok := l.navUpdaters[addr]
	return ok
}

func credit(shares map[common.Address]*big.Int, holder common.Address, amount *big.Int) {
	if current, ok := shares[holder]; ok {
		current.Add(current, amount)
		return
	}
	shares[holder] = new(big.Int).Set(amount)
}

func debit(shares map[common.Address]*big.Int, holder common.Address, amount *big.Int) {
	current := shares[holder]
	current.Sub(current, amount)
	if current.Sign() == 0 {
		delete(shares, holder)
	}
}

func addressSet(addrs []common.Address) map[common.Address]struct{} {
	out := make(map[common.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		if addr == (common.Address{}) {
			continue
		}
		out[addr] = struct{}{}
	}
	return out
}

func ledgerRef(seq uint64) string {
	return fmt.Sprintf("ledger:%d", seq)
}
