// Package pricing converts between the issued gold-backed unit and accepted
// payment tokens using two independently sourced price quotes. All arithmetic
// is integer with floor division; the rounding direction is part of the
// economic contract and must not change.
package pricing

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// MaxPriceAge is the oldest a quote may be before it is rejected as stale.
const MaxPriceAge = time.Hour

var (
	ErrInvalidGoldPrice    = errors.New("pricing: invalid gold price")
	ErrInvalidTokenPrice   = errors.New("pricing: invalid token price")
	ErrInvalidBackingRatio = errors.New("pricing: invalid backing ratio")
	ErrAmountZero          = errors.New("pricing: amount cannot be zero")
	ErrPriceStale          = errors.New("pricing: token price stale")
)

// PriceFeed supplies a live quote for one asset.
type PriceFeed interface {
	// LatestQuote returns the most recent price and its update time.
	LatestQuote(ctx context.Context) (price *big.Int, updatedAt time.Time, err error)
}

// PaymentAmount computes how much of the payment token is owed for
// unitAmount issued units:
//
//	usdValue      = goldPrice * unitAmount / unitsPerAsset
//	paymentAmount = usdValue * 10^tokenDecimals / tokenPrice
//
// Both divisions floor toward zero.
func PaymentAmount(goldPrice, tokenPrice, unitAmount *big.Int, tokenDecimals uint8, unitsPerAsset *big.Int) (*big.Int, error) {
	if err := checkPrices(goldPrice, tokenPrice); err != nil {
		return nil, err
	}
	if unitsPerAsset == nil || unitsPerAsset.Sign() <= 0 {
		return nil, ErrInvalidBackingRatio
	}
	if unitAmount == nil || unitAmount.Sign() <= 0 {
		return nil, ErrAmountZero
	}

	usdValue := new(big.Int).Mul(goldPrice, unitAmount)
	usdValue.Quo(usdValue, unitsPerAsset)

	payment := usdValue.Mul(usdValue, pow10(tokenDecimals))
	payment.Quo(payment, tokenPrice)
	return payment, nil
}

// UnitAmount is the inverse direction:
//
//	unitAmount = paymentAmount * tokenPrice * unitsPerAsset / (10^tokenDecimals * goldPrice)
//
// with the same floor semantics.
func UnitAmount(goldPrice, tokenPrice, paymentAmount *big.Int, tokenDecimals uint8, unitsPerAsset *big.Int) (*big.Int, error) {
	if err := checkPrices(goldPrice, tokenPrice); err != nil {
		return nil, err
	}
	if unitsPerAsset == nil || unitsPerAsset.Sign() <= 0 {
		return nil, ErrInvalidBackingRatio
	}
	if paymentAmount == nil || paymentAmount.Sign() <= 0 {
		return nil, ErrAmountZero
	}

	num := new(big.Int).Mul(paymentAmount, tokenPrice)
	num.Mul(num, unitsPerAsset)
	den := new(big.Int).Mul(pow10(tokenDecimals), goldPrice)
	return num.Quo(num, den), nil
}

// LatestPrice reads a quote from feed and applies positivity and staleness
// checks. The minimum allowed timestamp saturates at the unix epoch so clock
// skew cannot underflow the comparison.
func LatestPrice(ctx context.Context, feed PriceFeed, now time.Time) (*big.Int, error) {
	price, updatedAt, err := feed.LatestQuote(ctx)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidTokenPrice
	}
	minUpdated := int64(0)
	if now.Unix() > int64(MaxPriceAge/time.Second) {
		minUpdated = now.Unix() - int64(MaxPriceAge/time.Second)
	}
	if updatedAt.Unix() < minUpdated {
		return nil, ErrPriceStale
	}
	return price, nil
}

func checkPrices(goldPrice, tokenPrice *big.Int) error {
	if goldPrice == nil || goldPrice.Sign() <= 0 {
		return ErrInvalidGoldPrice
	}
	if tokenPrice == nil || tokenPrice.Sign() <= 0 {
		return ErrInvalidTokenPrice
	}
	return nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
