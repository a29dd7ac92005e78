package defi

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	xerrors "OpenAgent-Hub/internal/errors"
)

// Operation 是 DeFi 交易的操作类型。
type Operation string

const (
	OpSwap            Operation = "swap"
	OpAddLiquidity    Operation = "add_liquidity"
	OpRemoveLiquidity Operation = "remove_liquidity"
	OpTransfer        Operation = "transfer"
	OpStake           Operation = "stake"
	OpUnstake         Operation = "unstake"
)

// MEVRiskType 是 MEV 暴露类型。
type MEVRiskType string

const (
	MEVSandwich     MEVRiskType = "sandwich"
	MEVFrontRunning MEVRiskType = "front_running"
)

// DefaultDeadlineWindow 是推荐的交易截止窗口。
const DefaultDeadlineWindow = 20 * time.Minute

// sandwichLossBps 是夹子攻击的估计损失（1%）。
const sandwichLossBps = 100

var baseRisk = map[Operation]float64{
	OpSwap:            0.8,
	OpAddLiquidity:    0.6,
	OpRemoveLiquidity: 0.6,
	OpTransfer:        0.3,
	OpStake:           0.2,
	OpUnstake:         0.2,
}

// timeSensitiveSelectors 是容易被抢跑的函数选择器。
var timeSensitiveSelectors = map[string]string{
	"a9059cbb": "transfer",
	"095ea7b3": "approve",
	"38ed1739": "swapExactTokensForTokens",
	"7ff36ab5": "swapExactETHForTokens",
	"18cbafe5": "swapExactTokensForETH",
}

var (
	oneEther     = big.NewInt(params.Ether)
	tenEther     = new(big.Int).Mul(oneEther, big.NewInt(10))
	hundredEther = new(big.Int).Mul(oneEther, big.NewInt(100))
)

// TxParams 描述一笔待分析的交易。Value 以 wei 计。
type TxParams struct {
	Operation      Operation
	Value          *big.Int
	ExpectedOut    *big.Int
	SlippageBps    uint32
	Deadline       time.Time
	PrivateRouting bool
	To             string
	Data           []byte
	Now            time.Time
	// DeadlineWindow 覆盖默认的截止窗口。
	DeadlineWindow time.Duration
}

// MEVRisk 是一项被识别出的暴露。
type MEVRisk struct {
	Type             MEVRiskType `json:"type"`
	Description      string      `json:"description"`
	EstimatedLossBps uint32      `json:"estimated_loss_bps,omitempty"`
	Selector         string      `json:"selector,omitempty"`
}

// ProtectiveParams 是建议的交易保护参数。
type ProtectiveParams struct {
	Deadline               time.Time `json:"deadline"`
	RecommendedSlippageBps uint32    `json:"recommended_slippage_bps"`
	MinimumOutput          *big.Int  `json:"minimum_output,omitempty"`
	PrivateRouting         bool      `json:"private_routing"`
}

// MEVAnalysis 是 MEV 分析结果。
type MEVAnalysis struct {
	RiskScore       float64          `json:"risk_score"`
	Tier            RiskLevel        `json:"tier"`
	ValueAtRisk     *big.Int         `json:"value_at_risk"`
	Risks           []MEVRisk        `json:"risks,omitempty"`
	Protection      ProtectiveParams `json:"protection"`
	Recommendations []string         `json:"recommendations,omitempty"`
	PrivateRouting  bool             `json:"private_routing"`
}

// HasRisk 判断是否包含某类暴露。
func (a MEVAnalysis) HasRisk(t MEVRiskType) bool {
	for _, r := range a.Risks {
		if r.Type == t {
			return true
		}
	}
	return false
}

// AnalyzeMEV 评估交易的 MEV 暴露并给出保护参数。
func AnalyzeMEV(p TxParams) (MEVAnalysis, error) {
	if err := requirePositive("value", p.Value); err != nil {
		return MEVAnalysis{}, err
	}
	if p.ExpectedOut != nil {
		if err := requirePositive("expected_out", p.ExpectedOut); err != nil {
			return MEVAnalysis{}, err
		}
	}
	base, ok := baseRisk[p.Operation]
	if !ok {
		return MEVAnalysis{}, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("未知的操作类型: %s", p.Operation))
	}
	if p.To != "" && !common.IsHexAddress(p.To) {
		return MEVAnalysis{}, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("非法的目标地址: %s", p.To))
	}
	if p.SlippageBps >= BpsDenominator {
		return MEVAnalysis{}, xerrors.New(xerrors.CodeInvalidInput, "滑点必须小于 10000 bps")
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	window := p.DeadlineWindow
	if window <= 0 {
		window = DefaultDeadlineWindow
	}

	score := base * valueMultiplier(p.Value)
	if !p.Deadline.IsZero() && p.Deadline.After(now) {
		score *= 0.8
	}
	if p.SlippageBps > 0 && p.SlippageBps <= DefaultMaxSlippageBps {
		score *= 0.7
	}
	if p.PrivateRouting {
		score *= 0.4
	}
	score = math.Min(score, 1)
	tier := mevTier(score)

	analysis := MEVAnalysis{
		RiskScore:      score,
		Tier:           tier,
		ValueAtRisk:    valueAtRisk(p.Value, score, p.SlippageBps),
		PrivateRouting: p.PrivateRouting,
	}

	dexOp := p.Operation == OpSwap || p.Operation == OpAddLiquidity || p.Operation == OpRemoveLiquidity
	if dexOp && p.Value.Cmp(oneEther) > 0 {
		analysis.Risks = append(analysis.Risks, MEVRisk{
			Type:             MEVSandwich,
			Description:      "大额 DEX 交易可能被夹",
			EstimatedLossBps: sandwichLossBps,
		})
	}
	if sel, name, ok := selectorOf(p.Data); ok {
		analysis.Risks = append(analysis.Risks, MEVRisk{
			Type:        MEVFrontRunning,
			Description: fmt.Sprintf("%s 调用对排序敏感", name),
			Selector:    "0x" + sel,
		})
	}

	recommended := DefaultMaxSlippageBps
	if p.SlippageBps > 0 && p.SlippageBps < recommended {
		recommended = p.SlippageBps
	}
	if tier == RiskHigh || tier == RiskCritical {
		recommended = min(recommended, 30)
	}
	analysis.Protection = ProtectiveParams{
		Deadline:               now.Add(window),
		RecommendedSlippageBps: recommended,
		PrivateRouting:         tier == RiskHigh || tier == RiskCritical,
	}
	if p.ExpectedOut != nil {
		analysis.Protection.MinimumOutput = applyBps(p.ExpectedOut, recommended)
	}
	analysis.Recommendations = mevRecommendations(analysis, p)
	return analysis, nil
}

func valueMultiplier(v *big.Int) float64 {
	switch {
	case v.Cmp(oneEther) < 0:
		return 1.0
	case v.Cmp(tenEther) < 0:
		return 1.25
	case v.Cmp(hundredEther) < 0:
		return 1.5
	default:
		return 2.0
	}
}

func mevTier(score float64) RiskLevel {
	switch {
	case score < 0.25:
		return RiskLow
	case score < 0.5:
		return RiskMedium
	case score < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// valueAtRisk = value × score × slippageBps / 10000，score 以千分比参与整数运算。
func valueAtRisk(value *big.Int, score float64, slippageBps uint32) *big.Int {
	if slippageBps == 0 {
		slippageBps = DefaultMaxSlippageBps
	}
	milli := big.NewInt(int64(math.Round(score * 1000)))
	out := new(big.Int).Mul(value, milli)
	out.Mul(out, big.NewInt(int64(slippageBps)))
	return out.Quo(out, big.NewInt(1000*BpsDenominator))
}

func selectorOf(data []byte) (string, string, bool) {
	if len(data) < 4 {
		return "", "", false
	}
	sel := strings.ToLower(hex.EncodeToString(data[:4]))
	name, ok := timeSensitiveSelectors[sel]
	return sel, name, ok
}

func mevRecommendations(a MEVAnalysis, p TxParams) []string {
	var recs []string
	if a.HasRisk(MEVSandwich) {
		recs = append(recs, "使用 Flashbots 或私有内存池提交交易")
		recs = append(recs, "拆分大额交易以降低被夹风险")
	}
	if a.HasRisk(MEVFrontRunning) {
		recs = append(recs, "考虑 commit-reveal 或随机延迟")
	}
	if p.Deadline.IsZero() {
		recs = append(recs, fmt.Sprintf("设置交易截止时间 %s", a.Protection.Deadline.UTC().Format(time.RFC3339)))
	}
	if p.SlippageBps == 0 || p.SlippageBps > DefaultMaxSlippageBps {
		recs = append(recs, fmt.Sprintf("将滑点容忍度收紧至 %d bps", a.Protection.RecommendedSlippageBps))
	}
	if a.Protection.PrivateRouting && !p.PrivateRouting {
		recs = append(recs, "该风险等级需要私有路由")
	}
	return recs
}
