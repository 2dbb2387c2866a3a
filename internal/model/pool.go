package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolState is the lifecycle state of a vault pool.
type PoolState string

const (
	PoolCollecting   PoolState = "COLLECTING"
	PoolDeployed     PoolState = "DEPLOYED"
	PoolWithdrawOpen PoolState = "WITHDRAW_OPEN"
	PoolClosed       PoolState = "CLOSED"
)

// Valid reports whether s is a known pool state.
func (s PoolState) Valid() bool {
	switch s {
	case PoolCollecting, PoolDeployed, PoolWithdrawOpen, PoolClosed:
		return true
	default:
		return false
	}
}

// Pool is the full accounting state of one vault. Amounts are minor units.
type Pool struct {
	State         PoolState
	Cap           *big.Int
	NAV           *big.Int
	TotalShares   *big.Int
	Shares        map[common.Address]*big.Int
	Custody       *big.Int
	Placed        *big.Int
	DeployedAt    time.Time
	WithdrawDelay time.Duration
	Reusable      bool
	Cycle         uint64
	Sequence      uint64
	// Credits records relayed deposits by source transaction reference.
	// Entries outlive pool resets.
	Credits map[string]Credit
}

// Credit is one relayed deposit already minted by the ledger.
type Credit struct {
	Beneficiary common.Address
	Amount      *big.Int
	Shares      *big.Int
	Ref         string
}

// NewPool returns an empty pool in COLLECTING.
func NewPool(capacity *big.Int, withdrawDelay time.Duration, reusable bool) Pool {
	return Pool{
		State:         PoolCollecting,
		Cap:           new(big.Int).Set(capacity),
		NAV:           new(big.Int),
		TotalShares:   new(big.Int),
		Shares:        make(map[common.Address]*big.Int),
		Credits:       make(map[string]Credit),
		Custody:       new(big.Int),
		Placed:        new(big.Int),
		WithdrawDelay: withdrawDelay,
		Reusable:      reusable,
	}
}

// Clone returns a deep copy so callers never alias ledger state.
func (p Pool) Clone() Pool {
	out := p
	out.Cap = cloneInt(p.Cap)
	out.NAV = cloneInt(p.NAV)
	out.TotalShares = cloneInt(p.TotalShares)
	out.Custody = cloneInt(p.Custody)
	out.Placed = cloneInt(p.Placed)
	out.Shares = make(map[common.Address]*big.Int, len(p.Shares))
	for holder, shares := range p.Shares {
		out.Shares[holder] = cloneInt(shares)
	}
	out.Credits = make(map[string]Credit, len(p.Credits))
	for ref, c := range p.Credits {
		out.Credits[ref] = Credit{Beneficiary: c.Beneficiary, Amount: cloneInt(c.Amount), Shares: cloneInt(c.Shares), Ref: c.Ref}
	}
	return out
}

// SharesOf returns the holder's share balance (zero if absent).
func (p Pool) SharesOf(holder common.Address) *big.Int {
	if shares, ok := p.Shares[holder]; ok {
		return new(big.Int).Set(shares)
	}
	return new(big.Int)
}

// WithdrawOpen reports whether share redemption is allowed at now.
// DEPLOYED pools open implicitly once the withdraw delay has elapsed.
func (p Pool) WithdrawOpen(now time.Time) bool {
	switch p.State {
	case PoolWithdrawOpen:
		return true
	case PoolDeployed:
		return !now.Before(p.DeployedAt.Add(p.WithdrawDelay))
	default:
		return false
	}
}

// Deployable is the part of NAV neither released to the coordinator nor
// already placed in the venue.
func (p Pool) Deployable() *big.Int {
	out := new(big.Int).Sub(p.NAV, p.Custody)
	out.Sub(out, p.Placed)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// CheckInvariants verifies the share bookkeeping invariants.
func (p Pool) CheckInvariants() error {
	sum := new(big.Int)
	for holder, shares := range p.Shares {
		if shares.Sign() <= 0 {
			return fmt.Errorf("holder %s has non-positive share entry %s", holder.Hex(), shares)
		}
		sum.Add(sum, shares)
	}
	if sum.Cmp(p.TotalShares) != 0 {
		return fmt.Errorf("share sum %s != total shares %s", sum, p.TotalShares)
	}
	if p.NAV.Sign() < 0 {
		return fmt.Errorf("negative nav %s", p.NAV)
	}
	if p.Custody.Sign() < 0 || p.Placed.Sign() < 0 {
		return fmt.Errorf("negative custody %s or placed %s", p.Custody, p.Placed)
	}
	return nil
}

type poolJSON struct {
	State         PoolState             `json:"state"`
	Cap           string                `json:"cap"`
	NAV           string                `json:"nav"`
	TotalShares   string                `json:"total_shares"`
	Shares        map[string]string     `json:"shares"`
	Custody       string                `json:"custody"`
	Placed        string                `json:"placed"`
	DeployedAt    int64                 `json:"deployed_at"`
	WithdrawDelay int64                 `json:"withdraw_delay_seconds"`
	Reusable      bool                  `json:"reusable"`
	Cycle         uint64                `json:"cycle"`
	Sequence      uint64                `json:"sequence"`
	Credits       map[string]creditJSON `json:"credits,omitempty"`
}

type creditJSON struct {
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	Shares      string `json:"shares"`
	Ref         string `json:"ref"`
}

// MarshalJSON encodes amounts as decimal strings.
func (p Pool) MarshalJSON() ([]byte, error) {
	shares := make(map[string]string, len(p.Shares))
	for holder, amount := range p.Shares {
		shares[holder.Hex()] = amount.String()
	}
	var credits map[string]creditJSON
	if len(p.Credits) > 0 {
		credits = make(map[string]creditJSON, len(p.Credits))
		for ref, c := range p.Credits {
			credits[ref] = creditJSON{
				Beneficiary: c.Beneficiary.Hex(),
				Amount:      AmountString(c.Amount),
				Shares:      AmountString(c.Shares),
				Ref:         c.Ref,
			}
		}
	}
	var deployedAt int64
	if !p.DeployedAt.IsZero() {
		deployedAt = p.DeployedAt.Unix()
	}
	return json.Marshal(poolJSON{
		State:         p.State,
		Cap:           AmountString(p.Cap),
		NAV:           AmountString(p.NAV),
		TotalShares:   AmountString(p.TotalShares),
		Shares:        shares,
		Custody:       AmountString(p.Custody),
		Placed:        AmountString(p.Placed),
		DeployedAt:    deployedAt,
		WithdrawDelay: int64(p.WithdrawDelay / time.Second),
		Reusable:      p.Reusable,
		Cycle:         p.Cycle,
		Sequence:      p.Sequence,
		Credits:       credits,
	})
}

// UnmarshalJSON decodes a Pool written by MarshalJSON.
func (p *Pool) UnmarshalJSON(data []byte) error {
	var raw poolJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.State.Valid() {
		return fmt.Errorf("unknown pool state %q", raw.State)
	}

	var out Pool
	var err error
	out.State = raw.State
	if out.Cap, err = ParseMinorUnits(raw.Cap); err != nil {
		return fmt.Errorf("cap: %w", err)
	}
	if out.NAV, err = ParseMinorUnits(raw.NAV); err != nil {
		return fmt.Errorf("nav: %w", err)
	}
	if out.TotalShares, err = ParseMinorUnits(raw.TotalShares); err != nil {
		return fmt.Errorf("total shares: %w", err)
	}
	if out.Custody, err = ParseMinorUnits(raw.Custody); err != nil {
		return fmt.Errorf("custody: %w", err)
	}
	if out.Placed, err = ParseMinorUnits(raw.Placed); err != nil {
		return fmt.Errorf("placed: %w", err)
	}
	out.Shares = make(map[common.Address]*big.Int, len(raw.Shares))
	for holder, amount := range raw.Shares {
		if !common.IsHexAddress(holder) {
			return fmt.Errorf("invalid holder address: %s", holder)
		}
		value, err := ParseMinorUnits(amount)
		if err != nil {
			return fmt.Errorf("shares of %s: %w", holder, err)
		}
		out.Shares[common.HexToAddress(holder)] = value
	}
	out.Credits = make(map[string]Credit, len(raw.Credits))
	for ref, c := range raw.Credits {
		if !common.IsHexAddress(c.Beneficiary) {
			return fmt.Errorf("credit %s: invalid beneficiary %s", ref, c.Beneficiary)
		}
		amount, err := ParseMinorUnits(c.Amount)
		if err != nil {
			return fmt.Errorf("credit %s amount: %w", ref, err)
		}
		shares, err := ParseMinorUnits(c.Shares)
		if err != nil {
			return fmt.Errorf("credit %s shares: %w", ref, err)
		}
		out.Credits[ref] = Credit{Beneficiary: common.HexToAddress(c.Beneficiary), Amount: amount, Shares: shares, Ref: c.Ref}
	}
	if raw.DeployedAt > 0 {
		out.DeployedAt = time.Unix(raw.DeployedAt, 0).UTC()
	}
	out.WithdrawDelay = time.Duration(raw.WithdrawDelay) * time.Second
	out.Reusable = raw.Reusable
	out.Cycle = raw.Cycle
	out.Sequence = raw.Sequence

	*p = out
	return nil
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
