package defi

import (
	"math/big"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
)

func TestCalculateSlippageReferenceSwap(t *testing.T) {
	res, err := CalculateSlippage(SlippageParams{
		AmountIn:   big.NewInt(1000),
		ReserveIn:  big.NewInt(100000),
		ReserveOut: big.NewInt(50000),
		FeeBps:     30,
	})
	require.NoError(t, err)
	require.Equal(t, int64(493), res.AmountOut.Int64())
	require.InDelta(t, 1.0, res.PriceImpactPct, 1e-9)
	require.Equal(t, int64(100), res.PriceImpactBps)
	// spot 0.5, execution 0.493
	require.Equal(t, int64(140), res.SlippageBps)
	require.InDelta(t, 1.4, res.SlippagePct, 1e-9)
	require.Equal(t, int64(490), res.MinimumOutput.Int64())
	require.Equal(t, DefaultMaxSlippageBps, res.MaxSlippageBps)
	require.False(t, res.Acceptable)
	require.Len(t, res.Warnings, 1)
}

func TestCalculateSlippageWithinLimits(t *testing.T) {
	res, err := CalculateSlippage(SlippageParams{
		AmountIn:       big.NewInt(1000),
		ReserveIn:      big.NewInt(100000),
		ReserveOut:     big.NewInt(50000),
		FeeBps:         30,
		MaxSlippageBps: 200,
	})
	require.NoError(t, err)
	require.True(t, res.Acceptable)
	require.Empty(t, res.Warnings)
	require.Equal(t, int64(483), res.MinimumOutput.Int64())
}

func TestCalculateSlippageLargeValues(t *testing.T) {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	reserveIn := new(big.Int).Mul(big.NewInt(1_000_000), wei)
	reserveOut := new(big.Int).Mul(big.NewInt(2_000_000_000), wei)
	amountIn := new(big.Int).Mul(big.NewInt(50_000), wei)

	res, err := CalculateSlippage(SlippageParams{
		AmountIn: amountIn, ReserveIn: reserveIn, ReserveOut: reserveOut, FeeBps: 30,
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), res.PriceImpactBps)
	require.False(t, res.Acceptable)
	require.Len(t, res.Warnings, 2)
	require.Positive(t, res.AmountOut.Sign())
	require.True(t, res.AmountOut.Cmp(new(big.Int).Mul(amountIn, big.NewInt(2000))) < 0)
}

func TestCalculateSlippageRejectsInvalidInput(t *testing.T) {
	good := func() SlippageParams {
		return SlippageParams{AmountIn: big.NewInt(1), ReserveIn: big.NewInt(10), ReserveOut: big.NewInt(10)}
	}
	cases := map[string]func(p *SlippageParams){
		"nil amount":      func(p *SlippageParams) { p.AmountIn = nil },
		"zero amount":     func(p *SlippageParams) { p.AmountIn = big.NewInt(0) },
		"negative":        func(p *SlippageParams) { p.ReserveIn = big.NewInt(-5) },
		"zero reserveOut": func(p *SlippageParams) { p.ReserveOut = new(big.Int) },
		"fee 100%":        func(p *SlippageParams) { p.FeeBps = 10000 },
		"max slippage":    func(p *SlippageParams) { p.MaxSlippageBps = 10000 },
	}
	for name, mutate := range cases {
		p := good()
		mutate(&p)
		_, err := CalculateSlippage(p)
		require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput), name)
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("amount", "1000000000000000000000")
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000000", v.String())

	v, err = ParseAmount("amount", "0xff")
	require.NoError(t, err)
	require.Equal(t, int64(255), v.Int64())

	_, err = ParseAmount("amount", "1.5")
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
	_, err = ParseAmount("amount", " ")
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}

func TestCalculateSlippageProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 500; i++ {
		p := SlippageParams{
			AmountIn:   big.NewInt(rng.Int64N(1_000_000_000_000) + 1),
			ReserveIn:  big.NewInt(rng.Int64N(1_000_000_000_000_000) + 1),
			ReserveOut: big.NewInt(rng.Int64N(1_000_000_000_000_000) + 1),
			FeeBps:     uint32(rng.IntN(1000)),
		}
		res, err := CalculateSlippage(p)
		require.NoError(t, err, "%v", p)
		require.GreaterOrEqual(t, res.PriceImpactPct, 0.0)
		require.GreaterOrEqual(t, res.PriceImpactBps, int64(0))
		require.LessOrEqual(t, res.MinimumOutput.Cmp(res.AmountOut), 0, "%v", p)

		doubled := p
		doubled.AmountIn = new(big.Int).Lsh(p.AmountIn, 1)
		res2, err := CalculateSlippage(doubled)
		require.NoError(t, err)
		require.GreaterOrEqual(t, res2.PriceImpactPct, res.PriceImpactPct, "%v", p)
		require.GreaterOrEqual(t, res2.PriceImpactBps, res.PriceImpactBps, "%v", p)
	}
}

func TestParseAmountUint256Bound(t *testing.T) {
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	v, err := ParseAmount("amount", maxUint256.String())
	require.NoError(t, err)
	require.Zero(t, v.Cmp(maxUint256))

	_, err = ParseAmount("amount", new(big.Int).Lsh(big.NewInt(1), 256).String())
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}
