package bridge

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"vaultBridge/internal/contracts"
	"vaultBridge/internal/model"
)

// Route is a fixed source/destination domain pair.
type Route struct {
	SourceDomain      uint32
	DestinationDomain uint32
}

// NewIntent builds the unsigned transfer request for amount.
func (r Route) NewIntent(amount *big.Int, depositor, recipient common.Address, nonce common.Hash) model.TransferIntent {
	return model.TransferIntent{
		SourceDomain:      r.SourceDomain,
		DestinationDomain: r.DestinationDomain,
		Amount:            new(big.Int).Set(amount),
		Depositor:         depositor,
		Recipient:         recipient,
		Nonce:             nonce,
	}
}

// IntentHash is keccak256 over the ABI encoding of intent.
func IntentHash(intent model.TransferIntent) (common.Hash, error) {
	args, err := contracts.IntentArguments()
	if err != nil {
		return common.Hash{}, fmt.Errorf("intent abi: %w", err)
	}
	if intent.Amount == nil {
		return common.Hash{}, fmt.Errorf("intent amount is nil")
	}
	encoded, err := args.Pack(
		intent.SourceDomain,
		intent.DestinationDomain,
		intent.Amount,
		intent.Depositor,
		intent.Recipient,
		[32]byte(intent.Nonce),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode intent: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// SignIntent signs the intent hash with key and returns the 65-byte
// signature hex encoded.
func SignIntent(intent model.TransferIntent, key *ecdsa.PrivateKey) (string, error) {
	hash, err := IntentHash(intent)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return "", fmt.Errorf("sign intent: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that produced signature over intent.
func RecoverSigner(intent model.TransferIntent, signature string) (common.Address, error) {
	hash, err := IntentHash(intent)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
