package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ThresholdReachedEvent is emitted when a vault's NAV reaches its cap.
type ThresholdReachedEvent struct {
	NAV         *big.Int
	Deployable  *big.Int
	TxHash      common.Hash
	BlockNumber uint64
}

// DepositedEvent is emitted for deposit and depositFor.
type DepositedEvent struct {
	Caller      common.Address
	Beneficiary common.Address
	Amount      *big.Int
	Shares      *big.Int
}

// WithdrawnEvent is emitted when shares are redeemed.
type WithdrawnEvent struct {
	Holder common.Address
	Shares *big.Int
	Payout *big.Int
}

// TransferEvent is an ERC-20 Transfer log.
type TransferEvent struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// EventID returns topic0 of the named event.
func EventID(parsed abi.ABI, name string) (common.Hash, error) {
	event, ok := parsed.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown event %s", name)
	}
	return event.ID, nil
}

func DecodeThresholdReached(log types.Log) (ThresholdReachedEvent, error) {
	parsed, err := VaultABI()
	if err != nil {
		return ThresholdReachedEvent{}, err
	}
	event := parsed.Events["ThresholdReached"]
	if err := checkTopic0(event, log); err != nil {
		return ThresholdReachedEvent{}, err
	}
	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return ThresholdReachedEvent{}, err
	}
	if len(values) != 2 {
		return ThresholdReachedEvent{}, fmt.Errorf("unexpected threshold values: %d", len(values))
	}
	nav, err := AsBigInt(values[0])
	if err != nil {
		return ThresholdReachedEvent{}, err
	}
	deployable, err := AsBigInt(values[1])
	if err != nil {
		return ThresholdReachedEvent{}, err
	}
	return ThresholdReachedEvent{NAV: nav, Deployable: deployable, TxHash: log.TxHash, BlockNumber: log.BlockNumber}, nil
}

func DecodeDeposited(log types.Log) (DepositedEvent, error) {
	parsed, err := VaultABI()
	if err != nil {
		return DepositedEvent{}, err
	}
	event := parsed.Events["Deposited"]
	if err := checkTopic0(event, log); err != nil {
		return DepositedEvent{}, err
	}

	var indexed struct {
		Caller      common.Address
		Beneficiary common.Address
	}
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return DepositedEvent{}, err
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return DepositedEvent{}, err
	}
	if len(values) != 2 {
		return DepositedEvent{}, fmt.Errorf("unexpected deposited values: %d", len(values))
	}
	amount, err := AsBigInt(values[0])
	if err != nil {
		return DepositedEvent{}, err
	}
	shares, err := AsBigInt(values[1])
	if err != nil {
		return DepositedEvent{}, err
	}
	return DepositedEvent{Caller: indexed.Caller, Beneficiary: indexed.Beneficiary, Amount: amount, Shares: shares}, nil
}

func DecodeWithdrawn(log types.Log) (WithdrawnEvent, error) {
	parsed, err := VaultABI()
	if err != nil {
		return WithdrawnEvent{}, err
	}
	event := parsed.Events["Withdrawn"]
	if err := checkTopic0(event, log); err != nil {
		return WithdrawnEvent{}, err
	}

	var indexed struct {
		Holder common.Address
	}
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return WithdrawnEvent{}, err
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return WithdrawnEvent{}, err
	}
	if len(values) != 2 {
		return WithdrawnEvent{}, fmt.Errorf("unexpected withdrawn values: %d", len(values))
	}
	shares, err := AsBigInt(values[0])
	if err != nil {
		return WithdrawnEvent{}, err
	}
	payout, err := AsBigInt(values[1])
	if err != nil {
		return WithdrawnEvent{}, err
	}
	return WithdrawnEvent{Holder: indexed.Holder, Shares: shares, Payout: payout}, nil
}

// DecodeTransfer decodes an ERC-20 Transfer log.
func DecodeTransfer(log types.Log) (TransferEvent, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return TransferEvent{}, err
	}
	event := parsed.Events["Transfer"]
	if err := checkTopic0(event, log); err != nil {
		return TransferEvent{}, err
	}

	var indexed struct {
		From common.Address
		To   common.Address
	}
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return TransferEvent{}, err
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return TransferEvent{}, err
	}
	if len(values) != 1 {
		return TransferEvent{}, fmt.Errorf("unexpected transfer values: %d", len(values))
	}
	value, err := AsBigInt(values[0])
	if err != nil {
		return TransferEvent{}, err
	}
	return TransferEvent{Token: log.Address, From: indexed.From, To: indexed.To, Value: value}, nil
}

func checkTopic0(event abi.Event, log types.Log) error {
	if len(log.Topics) == 0 {
		return fmt.Errorf("missing topics")
	}
	if log.Topics[0] != event.ID {
		return fmt.Errorf("topic0 %s is not %s", log.Topics[0].Hex(), event.Name)
	}
	return nil
}

func parseIndexed(out interface{}, event abi.Event, topics []common.Hash) error {
	args := indexedArguments(event.Inputs)
	if len(topics) != len(args)+1 {
		return fmt.Errorf("expected %d topics, got %d", len(args)+1, len(topics))
	}
	if err := abi.ParseTopics(out, args, topics[1:]); err != nil {
		return fmt.Errorf("parse topics: %w", err)
	}
	return nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, data []byte) ([]interface{}, error) {
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}
