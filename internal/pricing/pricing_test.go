package pricing

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	price     *big.Int
	updatedAt time.Time
	err       error
}

func (f *fakeFeed) LatestQuote(ctx context.Context) (*big.Int, time.Time, error) {
	return f.price, f.updatedAt, f.err
}

func TestPaymentAmount(t *testing.T) {
	goldPrice := big.NewInt(200000000000) // $2000.00000000, 8 decimals
	tokenPrice := big.NewInt(100000000)   // $1.00000000
	perAsset := big.NewInt(10000)

	tests := []struct {
		name     string
		gold     *big.Int
		token    *big.Int
		units    *big.Int
		decimals uint8
		perAsset *big.Int
		want     *big.Int
		wantErr  error
	}{
		{
			name: "reference vector", gold: goldPrice, token: tokenPrice,
			units: big.NewInt(100), decimals: 6, perAsset: perAsset,
			want: big.NewInt(20000000), // 20.000000 tokens
		},
		{
			name: "zero gold price", gold: big.NewInt(0), token: tokenPrice,
			units: big.NewInt(100), decimals: 6, perAsset: perAsset,
			wantErr: ErrInvalidGoldPrice,
		},
		{
			name: "negative token price", gold: goldPrice, token: big.NewInt(-1),
			units: big.NewInt(100), decimals: 6, perAsset: perAsset,
			wantErr: ErrInvalidTokenPrice,
		},
		{
			name: "zero backing ratio", gold: goldPrice, token: tokenPrice,
			units: big.NewInt(100), decimals: 6, perAsset: big.NewInt(0),
			wantErr: ErrInvalidBackingRatio,
		},
		{
			name: "zero amount", gold: goldPrice, token: tokenPrice,
			units: big.NewInt(0), decimals: 6, perAsset: perAsset,
			wantErr: ErrAmountZero,
		},
		{
			name: "negative amount", gold: goldPrice, token: tokenPrice,
			units: big.NewInt(-100), decimals: 6, perAsset: perAsset,
			wantErr: ErrAmountZero,
		},
		{
			name: "negative backing ratio", gold: goldPrice, token: tokenPrice,
			units: big.NewInt(100), decimals: 6, perAsset: big.NewInt(-10000),
			wantErr: ErrInvalidBackingRatio,
		},
		{
			// 1 unit at $0.20 with a 2-decimal token: floor truncates to 20 cents
			// exactly; 3 units of a token priced at $3 floors the sub-cent rest.
			name: "floor truncation", gold: big.NewInt(100000000), token: big.NewInt(300000000),
			units: big.NewInt(1), decimals: 2, perAsset: big.NewInt(10000),
			want: big.NewInt(0), // 0.0001 usd -> 0.00333 cents -> floors to 0
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PaymentAmount(tt.gold, tt.token, tt.units, tt.decimals, tt.perAsset)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Zero(t, tt.want.Cmp(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestUnitAmount_RoundTrip(t *testing.T) {
	goldPrice := big.NewInt(200000000000)
	tokenPrice := big.NewInt(100000000)
	perAsset := big.NewInt(10000)

	payment, err := PaymentAmount(goldPrice, tokenPrice, big.NewInt(100), 6, perAsset)
	require.NoError(t, err)
	require.Zero(t, payment.Cmp(big.NewInt(20000000)))

	units, err := UnitAmount(goldPrice, tokenPrice, payment, 6, perAsset)
	require.NoError(t, err)
	assert.Zero(t, units.Cmp(big.NewInt(100)))

	_, err = UnitAmount(goldPrice, tokenPrice, big.NewInt(-20000000), 6, perAsset)
	assert.ErrorIs(t, err, ErrAmountZero)
}

// Floor division on both legs must never inflate the recovered amount.
func TestUnitAmount_RoundTripBounded(t *testing.T) {
	perAsset := big.NewInt(10000)
	cases := []struct {
		gold, token *big.Int
		decimals    uint8
	}{
		{big.NewInt(200000000000), big.NewInt(100000000), 6},
		{big.NewInt(199999999999), big.NewInt(99999999), 6},
		{big.NewInt(173205080756), big.NewInt(141421356), 18},
		{big.NewInt(31415926535), big.NewInt(271828182), 2},
	}
	amounts := []int64{1, 3, 7, 100, 999, 123456789}

	for _, c := range cases {
		for _, a := range amounts {
			amount := big.NewInt(a)
			payment, err := PaymentAmount(c.gold, c.token, amount, c.decimals, perAsset)
			require.NoError(t, err)
			if payment.Sign() == 0 {
				continue // fully truncated, nothing to feed back
			}
			units, err := UnitAmount(c.gold, c.token, payment, c.decimals, perAsset)
			require.NoError(t, err)
			assert.LessOrEqual(t, units.Cmp(amount), 0,
				"recovered %s > original %s (gold=%s token=%s dec=%d)",
				units, amount, c.gold, c.token, c.decimals)
		}
	}
}

func TestLatestPrice(t *testing.T) {
	now := time.Now()

	t.Run("fresh quote", func(t *testing.T) {
		feed := &fakeFeed{price: big.NewInt(100000000), updatedAt: now.Add(-time.Minute)}
		price, err := LatestPrice(context.Background(), feed, now)
		require.NoError(t, err)
		assert.Zero(t, price.Cmp(big.NewInt(100000000)))
	})

	t.Run("stale quote rejected", func(t *testing.T) {
		// Positive price, updated 2h ago with MaxPriceAge of 1h.
		feed := &fakeFeed{price: big.NewInt(100000000), updatedAt: now.Add(-2 * time.Hour)}
		_, err := LatestPrice(context.Background(), feed, now)
		assert.ErrorIs(t, err, ErrPriceStale)
	})

	t.Run("boundary quote accepted", func(t *testing.T) {
		feed := &fakeFeed{price: big.NewInt(100000000), updatedAt: now.Add(-MaxPriceAge)}
		_, err := LatestPrice(context.Background(), feed, now)
		assert.NoError(t, err)
	})

	t.Run("non-positive price rejected", func(t *testing.T) {
		feed := &fakeFeed{price: big.NewInt(0), updatedAt: now}
		_, err := LatestPrice(context.Background(), feed, now)
		assert.ErrorIs(t, err, ErrInvalidTokenPrice)
	})

	t.Run("clock near epoch does not underflow", func(t *testing.T) {
		// now < MaxPriceAge: the minimum allowed timestamp floors at zero,
		// so any quote with a non-negative timestamp passes the age check.
		feed := &fakeFeed{price: big.NewInt(100000000), updatedAt: time.Unix(0, 0)}
		_, err := LatestPrice(context.Background(), feed, time.Unix(60, 0))
		assert.NoError(t, err)
	})
}
