package defi

import (
	"fmt"
	"math/big"

	xerrors "OpenAgent-Hub/internal/errors"
)

const (
	// DefaultMaxSlippageBps 默认最大滑点 0.5%。
	DefaultMaxSlippageBps uint32 = 50
	// DefaultMaxPriceImpactBps 默认最大价格冲击 3%。
	DefaultMaxPriceImpactBps uint32 = 300
)

// SlippageParams 描述一次恒定乘积池上的兑换。
type SlippageParams struct {
	AmountIn          *big.Int
	ReserveIn         *big.Int
	ReserveOut        *big.Int
	FeeBps            uint32
	MaxSlippageBps    uint32
	MaxPriceImpactBps uint32
}

// SlippageResult 是滑点计算结果。
type SlippageResult struct {
	AmountOut         *big.Int `json:"amount_out"`
	MinimumOutput     *big.Int `json:"minimum_output"`
	PriceImpactPct    float64  `json:"price_impact_pct"`
	SlippagePct       float64  `json:"slippage_pct"`
	PriceImpactBps    int64    `json:"price_impact_bps"`
	SlippageBps       int64    `json:"slippage_bps"`
	MaxSlippageBps    uint32   `json:"max_slippage_bps"`
	MaxPriceImpactBps uint32   `json:"max_price_impact_bps"`
	Acceptable        bool     `json:"acceptable"`
	Warnings          []string `json:"warnings,omitempty"`
}

// CalculateSlippage 按 x*y=k 计算输出、价格冲击与滑点。
// 全程整数运算，除法向零截断，对输出金额而言是保守的。
func CalculateSlippage(p SlippageParams) (SlippageResult, error) {
	if err := requirePositive("amount_in", p.AmountIn); err != nil {
		return SlippageResult{}, err
	}
	if err := requirePositive("reserve_in", p.ReserveIn); err != nil {
		return SlippageResult{}, err
	}
	if err := requirePositive("reserve_out", p.ReserveOut); err != nil {
		return SlippageResult{}, err
	}
	if p.FeeBps >= BpsDenominator {
		return SlippageResult{}, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("手续费 %d bps 超出范围", p.FeeBps))
	}
	maxSlip := p.MaxSlippageBps
	if maxSlip == 0 {
		maxSlip = DefaultMaxSlippageBps
	}
	maxImpact := p.MaxPriceImpactBps
	if maxImpact == 0 {
		maxImpact = DefaultMaxPriceImpactBps
	}
	if maxSlip >= BpsDenominator || maxImpact >= BpsDenominator {
		return SlippageResult{}, xerrors.New(xerrors.CodeInvalidInput, "滑点与价格冲击上限必须小于 10000 bps")
	}

	// amountIn' = amountIn*(10000-fee)/10000
	inWithFee := applyBps(p.AmountIn, p.FeeBps)
	// out = reserveOut*amountIn' / (reserveIn+amountIn')
	out := new(big.Int).Mul(p.ReserveOut, inWithFee)
	out.Quo(out, new(big.Int).Add(p.ReserveIn, inWithFee))

	// impact = amountIn/reserveIn
	impactNum := new(big.Int).Mul(p.AmountIn, bpsDenominator)
	impactBps := new(big.Int).Quo(impactNum, p.ReserveIn)

	// slippage = (spot-exec)/spot = 1 - out*reserveIn/(amountIn*reserveOut)
	spotDen := new(big.Int).Mul(p.AmountIn, p.ReserveOut)
	slipNum := new(big.Int).Sub(spotDen, new(big.Int).Mul(out, p.ReserveIn))
	slipBps := new(big.Int).Quo(new(big.Int).Mul(slipNum, bpsDenominator), spotDen)

	res := SlippageResult{
		AmountOut:         out,
		MinimumOutput:     applyBps(out, maxSlip),
		PriceImpactPct:    ratioPercent(p.AmountIn, p.ReserveIn),
		SlippagePct:       ratioPercent(slipNum, spotDen),
		PriceImpactBps:    impactBps.Int64(),
		SlippageBps:       slipBps.Int64(),
		MaxSlippageBps:    maxSlip,
		MaxPriceImpactBps: maxImpact,
	}

	// 比较使用交叉相乘，避免截断造成的误判。
	impactOK := impactNum.Cmp(new(big.Int).Mul(big.NewInt(int64(maxImpact)), p.ReserveIn)) <= 0
	slipOK := new(big.Int).Mul(slipNum, bpsDenominator).Cmp(new(big.Int).Mul(big.NewInt(int64(maxSlip)), spotDen)) <= 0
	if !impactOK {
		res.Warnings = append(res.Warnings, fmt.Sprintf("价格冲击 %.2f%% 超过上限 %.2f%%", res.PriceImpactPct, bpsToPct(maxImpact)))
	}
	if !slipOK {
		res.Warnings = append(res.Warnings, fmt.Sprintf("滑点 %.2f%% 超过上限 %.2f%%", res.SlippagePct, bpsToPct(maxSlip)))
	}
	if out.Sign() == 0 {
		res.Warnings = append(res.Warnings, "输出金额截断为 0")
	}
	res.Acceptable = impactOK && slipOK && out.Sign() > 0
	return res, nil
}

func bpsToPct(bps uint32) float64 {
	return float64(bps) / 100
}
