package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerEventKind names a vault ledger event.
type LedgerEventKind string

const (
	EventThresholdReached LedgerEventKind = "ThresholdReached"
	EventDeposited        LedgerEventKind = "Deposited"
	EventWithdrawn        LedgerEventKind = "Withdrawn"
	EventNAVUpdated       LedgerEventKind = "NAVUpdated"
	EventStateChanged     LedgerEventKind = "StateChanged"
)

// LedgerEvent is emitted after a committed ledger mutation.
type LedgerEvent struct {
	Kind        LedgerEventKind `json:"kind"`
	Caller      common.Address  `json:"caller"`
	Beneficiary common.Address  `json:"beneficiary"`
	Amount      *big.Int        `json:"amount,omitempty"`
	Shares      *big.Int        `json:"shares,omitempty"`
	NAV         *big.Int        `json:"nav,omitempty"`
	From        PoolState       `json:"from,omitempty"`
	To          PoolState       `json:"to,omitempty"`
	TxRef       string          `json:"tx_ref,omitempty"`
	At          time.Time       `json:"at"`
}
