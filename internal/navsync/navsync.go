// Package navsync writes the venue's observed value back into the ledger NAV.
package navsync

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vaultBridge/internal/metrics"
	"vaultBridge/internal/model"
)

// DefaultSchedule is used when no cron schedule is configured.
const DefaultSchedule = "@every 5m"

type Ledger interface {
	Snapshot(ctx context.Context) (model.Pool, error)
	UpdateNAV(ctx context.Context, caller common.Address, value *big.Int) error
}

type Venue interface {
	Balance(ctx context.Context) (*big.Int, error)
}

// CycleSource reports the latest deployment cycle. Sync holds off while it
// is unfinished.
type CycleSource interface {
	LatestCycle(ctx context.Context) (model.Cycle, bool, error)
}

// Synchronizer serializes NAV syncs for one pool.
type Synchronizer struct {
	mu       sync.Mutex
	ledger   Ledger
	venue    Venue
	cycles   CycleSource
	identity common.Address
	logger   *zap.Logger

	cronMu sync.Mutex
	cron   *cron.Cron
}

func New(ledger Ledger, venue Venue, cycles CycleSource, identity common.Address, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{ledger: ledger, venue: venue, cycles: cycles, identity: identity, logger: logger}
}

// Sync compares the observed value of the pool with its NAV and writes the
// observed value when they differ. It reports whether a write happened.
func (s *Synchronizer) Sync(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := s.ledger.Snapshot(ctx)
	if err != nil {
		metrics.NAVUpdates.WithLabelValues("error").Inc()
		return false, fmt.Errorf("read pool: %w", err)
	}
	if pool.State == model.PoolCollecting || pool.State == model.PoolClosed {
		metrics.NAVUpdates.WithLabelValues("skipped").Inc()
		return false, nil
	}
	if pool.Placed.Sign() == 0 {
		s.logger.Debug("nothing placed, nav sync skipped")
		metrics.NAVUpdates.WithLabelValues("skipped").Inc()
		return false, nil
	}
	if s.cycles != nil {
		cycle, ok, err := s.cycles.LatestCycle(ctx)
		if err != nil {
			metrics.NAVUpdates.WithLabelValues("error").Inc()
			return false, fmt.Errorf("read latest cycle: %w", err)
		}
		if ok && cycle.Open() {
			s.logger.Info("deployment cycle unfinished, nav sync skipped", zap.String("cycle_id", cycle.ID))
			metrics.NAVUpdates.WithLabelValues("skipped").Inc()
			return false, nil
		}
	}

	balance, err := s.venue.Balance(ctx)
	if err != nil {
		metrics.NAVUpdates.WithLabelValues("error").Inc()
		return false, fmt.Errorf("read venue balance: %w", err)
	}
	observed := Observed(pool, balance)
	if observed.Cmp(pool.NAV) == 0 {
		metrics.NAVUpdates.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	if err := s.ledger.UpdateNAV(ctx, s.identity, observed); err != nil {
		metrics.NAVUpdates.WithLabelValues("error").Inc()
		return false, fmt.Errorf("update nav: %w", err)
	}
	nav, _ := new(big.Float).SetInt(observed).Float64()
	metrics.NAVValue.Set(nav)
	metrics.NAVUpdates.WithLabelValues("written").Inc()
	s.logger.Info("nav synchronized",
		zap.String("previous", pool.NAV.String()),
		zap.String("nav", observed.String()),
		zap.String("venue_balance", balance.String()),
	)
	return true, nil
}

// Observed is the pool value implied by the venue balance: the venue
// position stands in for placed capital, custody and undeployed capital
// keep their book value.
func Observed(pool model.Pool, venueBalance *big.Int) *big.Int {
	out := new(big.Int).Add(venueBalance, pool.Custody)
	return out.Add(out, pool.Deployable())
}

// Start runs Sync on a cron schedule until Stop is called.
func (s *Synchronizer) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("nav sync schedule already running")
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sync(ctx); err != nil {
			s.logger.Warn("scheduled nav sync failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("parse nav sync schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("nav sync scheduled", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running sync to return.
func (s *Synchronizer) Stop() {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}
