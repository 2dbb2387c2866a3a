package registrar

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"vaultBridge/internal/chain"
	"vaultBridge/internal/contracts"
	"vaultBridge/internal/vaulterr"
)

// Verifier confirms an inbound transfer exists, is final and moved amount.
type Verifier interface {
	Verify(ctx context.Context, sourceTxRef common.Hash, amount *big.Int) error
}

// TransferVerifier checks the source chain receipt for an ERC-20 transfer
// of exactly amount into the deposit address.
type TransferVerifier struct {
	Reader         chain.ReceiptReader
	Token          common.Address
	DepositAddress common.Address
	Wait           chain.WaitConfig
}

func (v *TransferVerifier) Verify(ctx context.Context, sourceTxRef common.Hash, amount *big.Int) error {
	const op = "registrar.verify"
	if _, err := chain.WaitMined(ctx, v.Reader, sourceTxRef, v.Wait); err != nil {
		return err
	}
	receipt, err := chain.VerifyReceipt(ctx, v.Reader, sourceTxRef)
	if err != nil {
		return err
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != v.Token {
			continue
		}
		transfer, err := contracts.DecodeTransfer(*log)
		if err != nil {
			continue
		}
		if transfer.To == v.DepositAddress && transfer.Value.Cmp(amount) == 0 {
			return nil
		}
	}
	return vaulterr.OnChainVerification(op, "tx %s has no transfer of %s to %s", sourceTxRef.Hex(), amount, v.DepositAddress.Hex())
}
