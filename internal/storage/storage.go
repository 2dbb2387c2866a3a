// Package storage persists deposit jobs, deployment cycles and the transfer
// audit trail.
package storage

import (
	"context"

	"vaultBridge/internal/model"
)

// JobStore persists DepositRegistrar jobs keyed by their idempotency key.
type JobStore interface {
	// CreateJob inserts job unless a job with the same ID exists. It returns
	// the stored job and whether this call created it.
	CreateJob(ctx context.Context, job model.DepositJob) (model.DepositJob, bool, error)
	GetJob(ctx context.Context, id string) (model.DepositJob, bool, error)
	UpdateJob(ctx context.Context, job model.DepositJob) error
	// OpenJobs lists jobs that are not in a terminal status.
	OpenJobs(ctx context.Context) ([]model.DepositJob, error)
}

// CycleStore persists the step record of deployment cycles.
type CycleStore interface {
	SaveCycle(ctx context.Context, cycle model.Cycle) error
	// LatestCycle returns the most recently created cycle.
	LatestCycle(ctx context.Context) (model.Cycle, bool, error)
}

// AuditLog records bridge transfers that reached a terminal status.
type AuditLog interface {
	Append(ctx context.Context, entry model.TransferAudit) error
}
