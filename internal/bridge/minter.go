package bridge

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"vaultBridge/internal/chain"
	"vaultBridge/internal/contracts"
)

// Minter redeems attestations on the destination chain.
type Minter interface {
	Mint(ctx context.Context, att Attestation) (string, error)
	// Verify re-reads the mint transaction independently of Mint's result.
	Verify(ctx context.Context, txRef string) error
}

// Transactor submits transactions through a sender lane.
type Transactor interface {
	Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error)
}

// GatewayMinter calls gatewayMint on the destination minter contract.
type GatewayMinter struct {
	tx       Transactor
	reader   chain.ReceiptReader
	contract common.Address
	parsed   abi.ABI
}

func NewGatewayMinter(tx Transactor, reader chain.ReceiptReader, contract common.Address) (*GatewayMinter, error) {
	parsed, err := contracts.GatewayMinterABI()
	if err != nil {
		return nil, fmt.Errorf("parse minter abi: %w", err)
	}
	return &GatewayMinter{tx: tx, reader: reader, contract: contract, parsed: parsed}, nil
}

func (m *GatewayMinter) Mint(ctx context.Context, att Attestation) (string, error) {
	payload, err := hexutil.Decode(att.Payload)
	if err != nil {
		return "", fmt.Errorf("decode attestation: %w", err)
	}
	sig, err := hexutil.Decode(att.Signature)
	if err != nil {
		return "", fmt.Errorf("decode attestation signature: %w", err)
	}
	data, err := contracts.Pack(m.parsed, "gatewayMint", payload, sig)
	if err != nil {
		return "", err
	}
	receipt, err := m.tx.Transact(ctx, m.contract, data, nil)
	if err != nil {
		return "", fmt.Errorf("gateway mint: %w", err)
	}
	return receipt.TxHash.Hex(), nil
}

func (m *GatewayMinter) Verify(ctx context.Context, txRef string) error {
	if !isHash(txRef) {
		return fmt.Errorf("invalid mint tx ref %q", txRef)
	}
	_, err := chain.VerifyReceipt(ctx, m.reader, common.HexToHash(txRef))
	return err
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
