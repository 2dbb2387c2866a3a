package contracts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestDecodeDeposited(t *testing.T) {
	vault, err := VaultABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	caller := common.HexToAddress("0x2222222222222222222222222222222222222222")
	beneficiary := common.HexToAddress("0x3333333333333333333333333333333333333333")

	data, err := vault.Events["Deposited"].Inputs.NonIndexed().Pack(big.NewInt(100_000), big.NewInt(99_000))
	if err != nil {
		t.Fatalf("pack deposited: %v", err)
	}

	log := buildLog(vault.Events["Deposited"].ID, data, topicFromAddress(caller), topicFromAddress(beneficiary))
	event, err := DecodeDeposited(log)
	if err != nil {
		t.Fatalf("decode deposited: %v", err)
	}
	if event.Caller != caller || event.Beneficiary != beneficiary {
		t.Fatalf("address mismatch: %+v", event)
	}
	if event.Amount.Int64() != 100_000 || event.Shares.Int64() != 99_000 {
		t.Fatalf("amounts mismatch: %+v", event)
	}
}

func TestDecodeThresholdAndWithdrawn(t *testing.T) {
	vault, err := VaultABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	data, err := vault.Events["ThresholdReached"].Inputs.NonIndexed().Pack(big.NewInt(1_000_000), big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("pack threshold: %v", err)
	}
	threshold, err := DecodeThresholdReached(buildLog(vault.Events["ThresholdReached"].ID, data))
	if err != nil {
		t.Fatalf("decode threshold: %v", err)
	}
	if threshold.NAV.Int64() != 1_000_000 || threshold.BlockNumber != 12345 {
		t.Fatalf("threshold mismatch: %+v", threshold)
	}

	holder := common.HexToAddress("0x4444444444444444444444444444444444444444")
	data, err = vault.Events["Withdrawn"].Inputs.NonIndexed().Pack(big.NewInt(600_000), big.NewInt(630_000))
	if err != nil {
		t.Fatalf("pack withdrawn: %v", err)
	}
	withdrawn, err := DecodeWithdrawn(buildLog(vault.Events["Withdrawn"].ID, data, topicFromAddress(holder)))
	if err != nil {
		t.Fatalf("decode withdrawn: %v", err)
	}
	if withdrawn.Holder != holder || withdrawn.Payout.Int64() != 630_000 {
		t.Fatalf("withdrawn mismatch: %+v", withdrawn)
	}
}

func TestDecodeTransferRejectsWrongTopic(t *testing.T) {
	erc20, err := ERC20ABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	data, err := erc20.Events["Transfer"].Inputs.NonIndexed().Pack(big.NewInt(42))
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}

	event, err := DecodeTransfer(buildLog(erc20.Events["Transfer"].ID, data, topicFromAddress(from), topicFromAddress(to)))
	if err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if event.From != from || event.To != to || event.Value.Int64() != 42 {
		t.Fatalf("transfer mismatch: %+v", event)
	}

	if _, err := DecodeTransfer(buildLog(common.HexToHash("0x01"), data, topicFromAddress(from), topicFromAddress(to))); err == nil {
		t.Fatalf("expected error for wrong topic0")
	}
	if _, err := DecodeTransfer(buildLog(erc20.Events["Transfer"].ID, data, topicFromAddress(from))); err == nil {
		t.Fatalf("expected error for missing topic")
	}
}

func buildLog(topic0 common.Hash, data []byte, indexed ...common.Hash) types.Log {
	topics := append([]common.Hash{topic0}, indexed...)
	return types.Log{
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Topics:      topics,
		Data:        data,
		BlockNumber: 12345,
		TxHash:      common.HexToHash("0xdef"),
		Index:       1,
	}
}

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
