package model

import (
	"math/big"
	"time"
)

// CyclePhase is the last verified step of a deployment cycle.
type CyclePhase string

const (
	PhaseStarted CyclePhase = "STARTED"
	PhaseCustody CyclePhase = "CUSTODY"
	PhaseBridged CyclePhase = "BRIDGED"
	PhasePlaced  CyclePhase = "PLACED"
	PhaseSynced  CyclePhase = "SYNCED"
)

var phaseOrder = map[CyclePhase]int{
	PhaseStarted: 1,
	PhaseCustody: 2,
	PhaseBridged: 3,
	PhasePlaced:  4,
	PhaseSynced:  5,
}

// Reached reports whether p is at or past target.
func (p CyclePhase) Reached(target CyclePhase) bool {
	return phaseOrder[p] >= phaseOrder[target]
}

// CycleStatus is the run status of a deployment cycle.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "RUNNING"
	CycleFailed    CycleStatus = "FAILED"
	CycleCompleted CycleStatus = "COMPLETED"
)

// Cycle is the persisted step record of one deployment cycle.
type Cycle struct {
	ID            string          `json:"id"`
	Amount        *big.Int        `json:"amount"`
	Phase         CyclePhase      `json:"phase"`
	Status        CycleStatus     `json:"status"`
	VenueBaseline *big.Int        `json:"venue_baseline"`
	Transfer      *BridgeTransfer `json:"transfer,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Open reports whether the cycle still needs operator attention.
func (c Cycle) Open() bool {
	return c.Status != CycleCompleted
}
