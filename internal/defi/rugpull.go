package defi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	xerrors "OpenAgent-Hub/internal/errors"
)

// RiskLevel 是 rug-pull 评分分桶。
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Indicator 标识单个 rug-pull 信号。
type Indicator string

const (
	IndicatorHiddenMint      Indicator = "hidden_mint"
	IndicatorExcessiveFee    Indicator = "excessive_transfer_fee"
	IndicatorNoLiquidityLock Indicator = "no_liquidity_lock"
	IndicatorShortLock       Indicator = "short_liquidity_lock"
	IndicatorConcentrated    Indicator = "concentrated_holdings"
	IndicatorLowHolders      Indicator = "low_holder_count"
	IndicatorBlacklist       Indicator = "blacklist"
	IndicatorPausableNoLock  Indicator = "pausable_without_timelock"
	IndicatorSelfdestruct    Indicator = "selfdestruct"
	IndicatorNoMultisig      Indicator = "no_multisig"
	IndicatorNoTimelock      Indicator = "no_timelock"
)

const (
	// MaxTransferFeePct 超过该比例的转账税视为异常。
	MaxTransferFeePct = 10
	// MinLockDuration 短于该时长的流动性锁视为短期锁定。
	MinLockDuration = 180 * 24 * time.Hour
	// ConcentrationBps 单一地址持有超过 50% 视为高度集中。
	ConcentrationBps = 5000
	// MinHolderCount 少于该数量的持币地址视为早期或可疑代币。
	MinHolderCount = 100
)

// HolderMetrics 是可选的链上持币与流动性数据。
type HolderMetrics struct {
	TopHolderShareBps uint32        `json:"top_holder_share_bps"`
	HolderCount       int           `json:"holder_count"`
	LiquidityLocked   bool          `json:"liquidity_locked"`
	LockDuration      time.Duration `json:"lock_duration"`
}

// IndicatorResult 记录单个信号是否参与评估以及是否命中。
type IndicatorResult struct {
	Indicator   Indicator `json:"indicator"`
	Weight      int       `json:"weight"`
	Evaluated   bool      `json:"evaluated"`
	Triggered   bool      `json:"triggered"`
	Description string    `json:"description"`
	Evidence    string    `json:"evidence,omitempty"`
}

// RugPullReport 是 rug-pull 检测结果。
type RugPullReport struct {
	Score           int               `json:"score"`
	Risk            RiskLevel         `json:"risk"`
	CanProceed      bool              `json:"can_proceed"`
	Indicators      []IndicatorResult `json:"indicators"`
	TriggeredWeight int               `json:"triggered_weight"`
	EvaluatedWeight int               `json:"evaluated_weight"`
	Recommendations []string          `json:"recommendations"`
}

// Triggered 返回命中的信号。
func (r RugPullReport) Triggered() []Indicator {
	var out []Indicator
	for _, ind := range r.Indicators {
		if ind.Triggered {
			out = append(out, ind.Indicator)
		}
	}
	return out
}

// sourceFacts 是从合约源码中一次性提取的特征。
type sourceFacts struct {
	src         string
	hasMint     bool
	hasCap      bool
	feePct      float64
	feeEvidence string
	unboundFee  bool
	hasLock     bool
	lockFound   bool
	lock        time.Duration
	blacklist   bool
	pausable    bool
	timelock    bool
	selfdestr   bool
	owned       bool
	multisig    bool
}

var (
	reMint       = regexp.MustCompile(`(?i)function\s+_?mint\w*\s*\(`)
	reCap        = regexp.MustCompile(`(?i)(max_?supply|supply_?cap|\bcap\s*\(|totalsupply\(\)\s*\+\s*\w+\s*<=)`)
	reFeeAssign  = regexp.MustCompile(`(?i)\b\w*(fee|tax)\w*\s*=\s*(\d+)\s*;`)
	reFeeSetter  = regexp.MustCompile(`(?i)function\s+set\w*(fee|tax)\w*\s*\(`)
	reFeeScale   = regexp.MustCompile(`(?i)(denom|divisor|precision|max|base)`)
	reFeeBound   = regexp.MustCompile(`(?i)require\s*\(\s*\w*(fee|tax)\w*\s*<=?`)
	reLockVocab  = regexp.MustCompile(`(?i)(liquiditylock|lockliquidity|unlocktime|locker|locked_?until)`)
	reLockPeriod = regexp.MustCompile(`(?i)(unlocktime|lockeduntil|locked_until)\s*=\s*block\.timestamp\s*\+\s*(\d+)\s*(seconds|minutes|hours|days|weeks)?`)
	reBlacklist  = regexp.MustCompile(`(?i)(blacklist|blocklist|isbot|_isblacklisted|denylist)`)
	rePausable   = regexp.MustCompile(`(?i)(\bpausable\b|whennotpaused|function\s+pause\s*\()`)
	reTimelock   = regexp.MustCompile(`(?i)(timelock|timelockcontroller|\bdelay\b\s*=)`)
	reSelfdestr  = regexp.MustCompile(`(?i)selfdestruct\s*\(`)
	reOwned      = regexp.MustCompile(`(?i)(onlyowner|\bownable\b|msg\.sender\s*==\s*owner)`)
	reMultisig   = regexp.MustCompile(`(?i)(multisig|multi_sig|gnosis|safe\s*\(|required_?confirmations)`)
)

func analyzeSource(src string) sourceFacts {
	f := sourceFacts{src: src}
	f.hasMint = reMint.MatchString(src)
	f.hasCap = reCap.MatchString(src)
	for _, m := range reFeeAssign.FindAllStringSubmatch(src, -1) {
		if reFeeScale.MatchString(m[0]) {
			continue
		}
		n, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		pct := n
		if n > 100 {
			// 大于 100 的数值按基点解释
			pct = n / 100
		}
		if pct > f.feePct {
			f.feePct, f.feeEvidence = pct, strings.TrimSpace(m[0])
		}
	}
	f.unboundFee = reFeeSetter.MatchString(src) && !reFeeBound.MatchString(src)
	f.hasLock = reLockVocab.MatchString(src)
	if m := reLockPeriod.FindStringSubmatch(src); m != nil {
		if n, err := strconv.ParseInt(m[2], 10, 64); err == nil {
			f.lock, f.lockFound = time.Duration(n)*solidityUnit(m[3]), true
		}
	}
	f.blacklist = reBlacklist.MatchString(src)
	f.pausable = rePausable.MatchString(src)
	f.timelock = reTimelock.MatchString(src)
	f.selfdestr = reSelfdestr.MatchString(src)
	f.owned = reOwned.MatchString(src)
	f.multisig = reMultisig.MatchString(src)
	return f
}

func solidityUnit(unit string) time.Duration {
	switch strings.ToLower(unit) {
	case "minutes":
		return time.Minute
	case "hours":
		return time.Hour
	case "days":
		return 24 * time.Hour
	case "weeks":
		return 7 * 24 * time.Hour
	default:
		return time.Second
	}
}

type indicatorRule struct {
	indicator   Indicator
	weight      int
	description string
	// evaluate 返回 (evaluated, triggered, evidence)。
	evaluate func(f sourceFacts, m *HolderMetrics) (bool, bool, string)
}

var rugPullRules = []indicatorRule{
	{IndicatorHiddenMint, 25, "存在无上限的增发函数", func(f sourceFacts, _ *HolderMetrics) (bool, bool, string) {
		return true, f.hasMint && !f.hasCap, "mint without supply cap"
	}},
	{IndicatorExcessiveFee, 15, "转账税过高或可被任意调整", func(f sourceFacts, _ *HolderMetrics) (bool, bool, string) {
		if f.feePct > MaxTransferFeePct {
			return true, true, f.feeEvidence
		}
		return true, f.unboundFee, "fee setter without upper bound"
	}},
	{IndicatorNoLiquidityLock, 20, "流动性未锁定", func(f sourceFacts, m *HolderMetrics) (bool, bool, string) {
		if m != nil {
			return true, !m.LiquidityLocked, "holder metrics"
		}
		return true, !f.hasLock, "no lock vocabulary in source"
	}},
	{IndicatorShortLock, 10, "流动性锁定时间过短", func(f sourceFacts, m *HolderMetrics) (bool, bool, string) {
		if m != nil && m.LiquidityLocked {
			return true, m.LockDuration < MinLockDuration, m.LockDuration.String()
		}
		if m == nil && f.lockFound {
			return true, f.lock < MinLockDuration, f.lock.String()
		}
		return false, false, ""
	}},
	{IndicatorConcentrated, 15, "持币高度集中", func(_ sourceFacts, m *HolderMetrics) (bool, bool, string) {
		if m == nil {
			return false, false, ""
		}
		return true, m.TopHolderShareBps > ConcentrationBps, fmt.Sprintf("top holder %d bps", m.TopHolderShareBps)
	}},
	{IndicatorLowHolders, 5, "持币地址过少", func(_ sourceFacts, m *HolderMetrics) (bool, bool, string) {
		if m == nil {
			return false, false, ""
		}
		return true, m.HolderCount < MinHolderCount, fmt.Sprintf("%d holders", m.HolderCount)
	}},
	{IndicatorBlacklist, 10, "存在黑名单机制", func(f sourceFacts, _ *HolderMetrics) (bool, bool, string) {
		return true, f.blacklist, "blacklist vocabulary"
	}},
	{IndicatorPausableNoLock, 10, "可暂停但没有时间锁", func(f sourceFacts, _ *HolderMetrics) (bool, bool, string) {
		return true, f.pausable && !f.timelock, "pause without timelock"
	}},
	{IndicatorSelfdestruct, 20, "合约可自毁", func(f sourceFacts, _ *HolderMetrics) (bool, bool, string) {
		return true, f.selfdestr, "selfdestruct call"
	}},
	{IndicatorNoMultisig, 10, "单一所有者，未使用多签", func(f sourceFacts, _ *HolderMetrics) (bool, bool, string) {
		return true, f.owned && !f.multisig, "owner without multisig"
	}},
	{IndicatorNoTimelock, 10, "特权操作没有时间锁", func(f sourceFacts, _ *HolderMetrics) (bool, bool, string) {
		return true, f.owned && !f.timelock, "owner without timelock"
	}},
}

// DetectRugPull 仅基于源码启发式评估 rug-pull 风险。
func DetectRugPull(source string) (RugPullReport, error) {
	return DetectRugPullWithMetrics(source, nil)
}

// DetectRugPullWithMetrics 结合链上持币数据评估；metrics 为 nil 时持币相关信号不参与评估。
func DetectRugPullWithMetrics(source string, metrics *HolderMetrics) (RugPullReport, error) {
	if strings.TrimSpace(source) == "" {
		return RugPullReport{}, xerrors.New(xerrors.CodeInvalidInput, "合约源码不能为空")
	}
	if metrics != nil && metrics.TopHolderShareBps > BpsDenominator {
		return RugPullReport{}, xerrors.New(xerrors.CodeInvalidInput, "持币占比不能超过 10000 bps")
	}

	facts := analyzeSource(source)
	report := RugPullReport{Indicators: make([]IndicatorResult, 0, len(rugPullRules))}
	for _, rule := range rugPullRules {
		evaluated, triggered, evidence := rule.evaluate(facts, metrics)
		res := IndicatorResult{
			Indicator:   rule.indicator,
			Weight:      rule.weight,
			Evaluated:   evaluated,
			Triggered:   evaluated && triggered,
			Description: rule.description,
		}
		if res.Triggered {
			res.Evidence = evidence
			report.TriggeredWeight += rule.weight
		}
		if evaluated {
			report.EvaluatedWeight += rule.weight
		}
		report.Indicators = append(report.Indicators, res)
	}
	if report.EvaluatedWeight > 0 {
		// 向上取整，30.77 记为 31，分桶与精确比值一致
		report.Score = (report.TriggeredWeight*100 + report.EvaluatedWeight - 1) / report.EvaluatedWeight
	}
	report.Risk = bucketRugPull(report.Score)
	report.CanProceed = report.Risk == RiskSafe || report.Risk == RiskLow
	report.Recommendations = rugPullRecommendations(report)
	return report, nil
}

func bucketRugPull(score int) RiskLevel {
	switch {
	case score <= 15:
		return RiskSafe
	case score <= 30:
		return RiskLow
	case score <= 50:
		return RiskMedium
	case score <= 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func rugPullRecommendations(r RugPullReport) []string {
	var recs []string
	switch r.Risk {
	case RiskCritical:
		recs = append(recs, "不要与该代币交互，rug-pull 概率极高")
	case RiskHigh:
		recs = append(recs, "高风险：仅使用可承受损失的资金并设置止损")
	case RiskMedium:
		recs = append(recs, "中等风险：控制仓位并准备退出方案")
	default:
		recs = append(recs, "风险较低：保持常规监控")
	}
	for _, ind := range r.Triggered() {
		switch ind {
		case IndicatorNoLiquidityLock, IndicatorShortLock:
			recs = append(recs, "交易前确认流动性锁定状态与解锁时间")
		case IndicatorExcessiveFee:
			recs = append(recs, "计算收益时计入转账税")
		case IndicatorHiddenMint:
			recs = append(recs, "确认增发权限已放弃或受供应上限约束")
		}
	}
	return recs
}
