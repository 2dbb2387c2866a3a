package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransferStatus tracks one cross-chain value movement.
type TransferStatus string

const (
	TransferConstructed TransferStatus = "CONSTRUCTED"
	TransferSigned      TransferStatus = "SIGNED"
	TransferAttested    TransferStatus = "ATTESTED"
	TransferMinted      TransferStatus = "MINTED"
	TransferVerified    TransferStatus = "VERIFIED"
	TransferFailed      TransferStatus = "FAILED"
)

var transferOrder = map[TransferStatus]int{
	TransferConstructed: 1,
	TransferSigned:      2,
	TransferAttested:    3,
	TransferMinted:      4,
	TransferVerified:    5,
}

// Reached reports whether s is at or past target. FAILED reaches nothing.
func (s TransferStatus) Reached(target TransferStatus) bool {
	return transferOrder[s] >= transferOrder[target] && transferOrder[s] > 0
}

// TransferIntent is the unsigned request describing a cross-ledger movement.
type TransferIntent struct {
	SourceDomain      uint32         `json:"source_domain"`
	DestinationDomain uint32         `json:"destination_domain"`
	Amount            *big.Int       `json:"amount"`
	Depositor         common.Address `json:"depositor"`
	Recipient         common.Address `json:"recipient"`
	Nonce             common.Hash    `json:"nonce"`
}

// BridgeTransfer is the working record of one bridge run.
type BridgeTransfer struct {
	SourceAmount         *big.Int       `json:"source_amount"`
	Intent               TransferIntent `json:"intent"`
	Signature            string         `json:"signature,omitempty"`
	Attestation          string         `json:"attestation,omitempty"`
	AttestationSignature string         `json:"attestation_signature,omitempty"`
	DestinationTxRef     string         `json:"destination_tx_ref,omitempty"`
	Status               TransferStatus `json:"status"`
	Error                string         `json:"error,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// TransferAudit is the line appended to the transfer audit log once a
// transfer reaches a terminal status.
type TransferAudit struct {
	Owner    string         `json:"owner"`
	Kind     string         `json:"kind"`
	Transfer BridgeTransfer `json:"transfer"`
	LoggedAt string         `json:"logged_at"`
}
