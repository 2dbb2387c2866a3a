package model

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// JobStatus is the step a deposit job last reached.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobVerifying  JobStatus = "VERIFYING"
	JobBridging   JobStatus = "BRIDGING"
	JobDepositing JobStatus = "DEPOSITING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further processing happens for the job.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// DepositJob tracks one inbound cross-chain deposit.
type DepositJob struct {
	ID          string          `json:"id"`
	SourceTxRef string          `json:"source_tx_ref"`
	Beneficiary common.Address  `json:"beneficiary"`
	Amount      *big.Int        `json:"amount"`
	Status      JobStatus       `json:"status"`
	BridgeTxRef string          `json:"bridge_tx_ref,omitempty"`
	PoolTxRef   string          `json:"pool_tx_ref,omitempty"`
	Error       string          `json:"error,omitempty"`
	Transfer    *BridgeTransfer `json:"transfer,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// JobID derives the idempotency key from a source transaction hash.
func JobID(sourceTxRef string) string {
	return strings.ToLower(strings.TrimSpace(sourceTxRef))
}
