package model

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseMinorUnits parses a non-negative base-10 integer amount.
func ParseMinorUnits(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(input, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", input)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", input)
	}
	return value, nil
}

// ParseAmount converts a human-readable token amount ("12.5") into minor
// units for a token with the given decimals. Sub-minor-unit precision is an
// error rather than being rounded away.
func ParseAmount(input string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(input))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", input, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount: %s", input)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", input, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatAmount renders minor units as a token amount with the given decimals.
func FormatAmount(value *big.Int, decimals int32) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -decimals).String()
}

// AmountString is nil-safe big.Int formatting.
func AmountString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
