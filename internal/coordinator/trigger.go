package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"vaultBridge/internal/model"
	"vaultBridge/internal/vaulterr"
)

// Trigger starts a cycle for amount in the background. A trigger that loses
// the lease is logged and dropped.
func (c *Coordinator) Trigger(ctx context.Context, amount *big.Int) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, err := c.RunDeploymentCycle(ctx, amount)
		switch {
		case err == nil:
		case errors.Is(err, vaulterr.ErrConcurrency):
			c.logger.Info("deployment already running, trigger dropped", zap.String("amount", model.AmountString(amount)))
		default:
			c.logger.Error("triggered deployment failed", zap.Error(err))
		}
	}()
}

// OnThreshold returns a ledger listener that triggers a cycle for the
// deployable amount carried by each ThresholdReached event.
func (c *Coordinator) OnThreshold(ctx context.Context) func(model.LedgerEvent) {
	return func(e model.LedgerEvent) {
		if e.Kind != model.EventThresholdReached || e.Amount == nil || e.Amount.Sign() <= 0 {
			return
		}
		c.Trigger(ctx, e.Amount)
	}
}

// Wait blocks until every triggered cycle returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Recover resumes the open cycle, or starts one when the pool is deployed
// with capital that no cycle has picked up yet.
func (c *Coordinator) Recover(ctx context.Context) (model.Cycle, bool, error) {
	latest, ok, err := c.cycles.LatestCycle(ctx)
	if err != nil {
		return model.Cycle{}, false, fmt.Errorf("load latest cycle: %w", err)
	}
	if ok && latest.Open() {
		c.logger.Info("resuming open deployment cycle", zap.String("cycle_id", latest.ID), zap.String("phase", string(latest.Phase)))
		cycle, err := c.RunDeploymentCycle(ctx, nil)
		return cycle, true, err
	}

	pool, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return model.Cycle{}, false, fmt.Errorf("read pool: %w", err)
	}
	if pool.State != model.PoolDeployed || pool.Placed.Sign() > 0 {
		return model.Cycle{}, false, nil
	}
	deployable := pool.Deployable()
	if deployable.Sign() <= 0 {
		return model.Cycle{}, false, nil
	}
	c.logger.Info("deployed pool has no cycle, starting one", zap.String("deployable", deployable.String()))
	cycle, err := c.RunDeploymentCycle(ctx, deployable)
	return cycle, true, err
}
