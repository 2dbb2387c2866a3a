package contracts

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

const erc20Bytes32MetaJSON = `[
  {"inputs": [], "name": "symbol", "outputs": [{"type": "bytes32"}], "stateMutability": "view", "type": "function"}
]`

var erc20Bytes32Meta = &lazyABI{raw: erc20Bytes32MetaJSON}

// TokenMeta is the display metadata of an ERC-20 token.
type TokenMeta struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// TokenMetaCache caches token metadata by address. Metadata is immutable
// for the tokens the service handles.
type TokenMetaCache struct {
	mu   sync.RWMutex
	data map[common.Address]TokenMeta
}

func NewTokenMetaCache() *TokenMetaCache {
	return &TokenMetaCache{data: make(map[common.Address]TokenMeta)}
}

// Get returns cached metadata, fetching it on a miss.
func (c *TokenMetaCache) Get(ctx context.Context, caller Caller, token common.Address) (TokenMeta, error) {
	c.mu.RLock()
	meta, ok := c.data[token]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}
	meta, err := FetchTokenMeta(ctx, caller, token)
	if err != nil {
		return TokenMeta{}, err
	}
	c.mu.Lock()
	c.data[token] = meta
	c.mu.Unlock()
	return meta, nil
}

// FetchTokenMeta reads decimals and symbol. Decimals are required; a token
// whose symbol is neither a string nor a bytes32 keeps an empty symbol.
func FetchTokenMeta(ctx context.Context, caller Caller, token common.Address) (TokenMeta, error) {
	meta := TokenMeta{Address: token}
	parsed, err := ERC20ABI()
	if err != nil {
		return meta, err
	}

	values, err := Call(ctx, caller, token, parsed, "decimals", nil)
	if err != nil {
		return meta, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return meta, fmt.Errorf("unexpected decimals type %T", values[0])
	}
	meta.Decimals = decimals

	if values, err := Call(ctx, caller, token, parsed, "symbol", nil); err == nil {
		if symbol, ok := values[0].(string); ok {
			meta.Symbol = symbol
			return meta, nil
		}
	}
	legacy, err := erc20Bytes32Meta.get()
	if err != nil {
		return meta, err
	}
	if values, err := Call(ctx, caller, token, legacy, "symbol", nil); err == nil {
		if raw, ok := values[0].([32]byte); ok {
			meta.Symbol = string(bytes.TrimRight(raw[:], "\x00"))
		}
	}
	return meta, nil
}
