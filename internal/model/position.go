package model

import "math/big"

// YieldPosition is a venue position read fresh from the venue.
type YieldPosition struct {
	Principal    *big.Int `json:"principal"`
	CurrentValue *big.Int `json:"current_value"`
}
