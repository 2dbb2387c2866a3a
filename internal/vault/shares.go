package vault

import (
	"math/big"

	"vaultBridge/internal/vaulterr"
)

// SharesForDeposit returns the shares minted for amount. The first deposit
// into an empty pool mints 1:1; later deposits mint amount*totalShares/nav
// rounded down, so rounding always favors existing holders.
func SharesForDeposit(amount, nav, totalShares *big.Int) (*big.Int, error) {
	if totalShares.Sign() == 0 {
		return new(big.Int).Set(amount), nil
	}
	if nav.Sign() == 0 {
		return nil, vaulterr.State("shares", "pool has %s shares outstanding against zero nav", totalShares)
	}
	shares := new(big.Int).Mul(amount, totalShares)
	shares.Quo(shares, nav)
	if shares.Sign() == 0 {
		return nil, vaulterr.Validation("shares", "amount %s is too small to mint a share", amount)
	}
	return shares, nil
}

// PayoutForShares returns shares*nav/totalShares rounded down. The result
// never exceeds nav because shares <= totalShares.
func PayoutForShares(shares, nav, totalShares *big.Int) *big.Int {
	if totalShares.Sign() == 0 {
		return new(big.Int)
	}
	payout := new(big.Int).Mul(shares, nav)
	return payout.Quo(payout, totalShares)
}

// SharePrice returns nav/totalShares scaled by 10^scale, rounded down.
func SharePrice(nav, totalShares *big.Int, scale uint) *big.Int {
	if totalShares.Sign() == 0 {
		return new(big.Int)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	price := new(big.Int).Mul(nav, factor)
	return price.Quo(price, totalShares)
}
