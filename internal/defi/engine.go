package defi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/config"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/observability/alerting"
	"OpenAgent-Hub/internal/observability/metrics"
	"OpenAgent-Hub/internal/web3"
	"OpenAgent-Hub/pkg/logger"
)

const actor = "defi_safety"

// PoolRef 指向一个链上交易对，用于读取实时储备。
type PoolRef struct {
	Pair    string `json:"pair"`
	TokenIn string `json:"token_in"`
}

// DeFiRequest 聚合一次 DeFi 校验所需的输入，三项检查均为可选，但至少提供一项。
type DeFiRequest struct {
	WorkflowID string
	Swap       *SlippageParams
	Pool       *PoolRef
	Source     string
	Metrics    *HolderMetrics
	Tx         *TxParams
}

// DeFiSafetyReport 是组合校验的结果。
type DeFiSafetyReport struct {
	ID          string          `json:"id"`
	Slippage    *SlippageResult `json:"slippage,omitempty"`
	RugPull     *RugPullReport  `json:"rug_pull,omitempty"`
	MEV         *MEVAnalysis    `json:"mev,omitempty"`
	Decision    Decision        `json:"decision"`
	Reasons     []string        `json:"reasons,omitempty"`
	CanProceed  bool            `json:"can_proceed"`
	ValidatedAt time.Time       `json:"validated_at"`
}

// Engine 组合三项检查并通过策略门给出结论，支持紧急暂停。
type Engine struct {
	gate           *PolicyGate
	maxSlippageBps uint32
	maxImpactBps   uint32
	deadlineWindow time.Duration
	chain          web3.Client

	recorder audit.Recorder
	metrics  *metrics.Metrics
	alerter  alerting.Dispatcher
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	paused      bool
	pauseReason string
	pausedAt    time.Time
}

// Option 定义可选配置。
type Option func(*Engine)

// WithPolicyGate 替换默认策略。
func WithPolicyGate(g *PolicyGate) Option {
	return func(e *Engine) {
		if g != nil {
			e.gate = g
		}
	}
}

// WithLimits 使用配置中的阈值。
func WithLimits(cfg config.DeFiConfig) Option {
	return func(e *Engine) {
		if cfg.MaxSlippageBps > 0 {
			e.maxSlippageBps = cfg.MaxSlippageBps
		}
		if cfg.MaxPriceImpactBps > 0 {
			e.maxImpactBps = cfg.MaxPriceImpactBps
		}
		if cfg.DeadlineWindow > 0 {
			e.deadlineWindow = cfg.DeadlineWindow
		}
	}
}

// WithChain 注入链客户端，用于读取交易对储备和区块时间。
func WithChain(c web3.Client) Option {
	return func(e *Engine) {
		e.chain = c
	}
}

// WithAuditRecorder 指定审计记录器。
func WithAuditRecorder(r audit.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithMetrics 注入 Prometheus 指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = d
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建安全引擎，未指定策略时编译内置策略。
func NewEngine(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		maxSlippageBps: DefaultMaxSlippageBps,
		maxImpactBps:   DefaultMaxPriceImpactBps,
		deadlineWindow: DefaultDeadlineWindow,
		recorder:       audit.NewLogRecorder(),
		logger:         logger.Named("defi"),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.gate == nil {
		gate, err := NewPolicyGate(ctx, "")
		if err != nil {
			return nil, err
		}
		e.gate = gate
	}
	return e, nil
}

// Pause 进入紧急暂停，之后所有校验均返回 SYSTEM_PAUSED。
func (e *Engine) Pause(ctx context.Context, reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "emergency pause"
	}
	e.mu.Lock()
	e.paused, e.pauseReason, e.pausedAt = true, reason, e.now().UTC()
	e.mu.Unlock()

	e.logger.Warn("DeFi 安全引擎已暂停", slog.String("reason", reason))
	e.record(ctx, "", "pause", reason, map[string]string{"reason": reason})
	e.alert(ctx, xerrors.New(xerrors.CodeSystemPaused, reason), "")
}

// Resume 解除暂停。
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	was := e.paused
	e.paused, e.pauseReason, e.pausedAt = false, "", time.Time{}
	e.mu.Unlock()
	if !was {
		return
	}
	e.logger.Info("DeFi 安全引擎已恢复")
	e.record(ctx, "", "resume", "resumed", nil)
}

// Paused 返回暂停状态与原因。
func (e *Engine) Paused() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused, e.pauseReason
}

func (e *Engine) checkPaused() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.paused {
		return nil
	}
	return xerrors.New(xerrors.CodeSystemPaused, fmt.Sprintf("DeFi 安全引擎已暂停: %s", e.pauseReason),
		xerrors.WithMetadata("paused_at", e.pausedAt.Format(time.RFC3339)))
}

// Slippage 使用引擎阈值计算滑点。
func (e *Engine) Slippage(p SlippageParams) (SlippageResult, error) {
	if err := e.checkPaused(); err != nil {
		return SlippageResult{}, err
	}
	if p.MaxSlippageBps == 0 {
		p.MaxSlippageBps = e.maxSlippageBps
	}
	if p.MaxPriceImpactBps == 0 {
		p.MaxPriceImpactBps = e.maxImpactBps
	}
	return CalculateSlippage(p)
}

// SlippageAt 与 Slippage 相同，但指定 pool 时先从链上读取储备。
func (e *Engine) SlippageAt(ctx context.Context, p SlippageParams, pool *PoolRef) (SlippageResult, error) {
	swap, err := e.resolveSwap(ctx, DeFiRequest{Swap: &p, Pool: pool})
	if err != nil {
		return SlippageResult{}, err
	}
	return e.Slippage(*swap)
}

// RugPull 执行 rug-pull 检测。
func (e *Engine) RugPull(source string, m *HolderMetrics) (RugPullReport, error) {
	if err := e.checkPaused(); err != nil {
		return RugPullReport{}, err
	}
	return DetectRugPullWithMetrics(source, m)
}

// MEV 使用引擎的截止窗口与时钟分析 MEV 暴露。
func (e *Engine) MEV(ctx context.Context, p TxParams) (MEVAnalysis, error) {
	if err := e.checkPaused(); err != nil {
		return MEVAnalysis{}, err
	}
	if p.DeadlineWindow <= 0 {
		p.DeadlineWindow = e.deadlineWindow
	}
	if p.Now.IsZero() {
		p.Now = e.chainTime(ctx)
	}
	return AnalyzeMEV(p)
}

// chainTime 优先使用最新区块时间，链不可用时退回本地时钟。
func (e *Engine) chainTime(ctx context.Context) time.Time {
	if e.chain != nil {
		snap, err := e.chain.FetchChainSnapshot(ctx)
		if err == nil && !snap.BlockTime.IsZero() {
			return snap.BlockTime
		}
		if err != nil {
			e.logger.Debug("读取区块时间失败，使用本地时钟", slog.Any("error", err))
		}
	}
	return e.now()
}

// PoolReserves 从链上读取交易对储备并按输入代币定向。
func (e *Engine) PoolReserves(ctx context.Context, ref PoolRef) (web3.PoolReserves, error) {
	if e.chain == nil {
		return web3.PoolReserves{}, xerrors.New(xerrors.CodeUpstreamFailure, "未配置链客户端", xerrors.WithRetryable(false))
	}
	if !common.IsHexAddress(ref.Pair) {
		return web3.PoolReserves{}, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("非法的交易对地址: %s", ref.Pair))
	}
	res, err := e.chain.PoolReserves(ctx, common.HexToAddress(ref.Pair))
	if err != nil {
		return web3.PoolReserves{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取交易对储备失败")
	}
	return res, nil
}

func (e *Engine) resolveSwap(ctx context.Context, req DeFiRequest) (*SlippageParams, error) {
	if req.Pool == nil {
		return req.Swap, nil
	}
	if req.Swap == nil {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "指定交易对时需要提供兑换数量")
	}
	if !common.IsHexAddress(req.Pool.TokenIn) {
		return nil, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("非法的输入代币地址: %s", req.Pool.TokenIn))
	}
	res, err := e.PoolReserves(ctx, *req.Pool)
	if err != nil {
		return nil, err
	}
	in, out, err := res.Oriented(common.HexToAddress(req.Pool.TokenIn))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "")
	}
	swap := *req.Swap
	swap.ReserveIn, swap.ReserveOut = in, out
	return &swap, nil
}

// Validate 组合滑点、rug-pull 与 MEV 检查，并交由策略门决策。
// 决策为 block 时同时返回报告与 SAFETY_BLOCKED 错误。
func (e *Engine) Validate(ctx context.Context, req DeFiRequest) (DeFiSafetyReport, error) {
	if err := e.checkPaused(); err != nil {
		e.metrics.SafetyDecision("paused")
		return DeFiSafetyReport{}, err
	}
	if req.Swap == nil && req.Pool == nil && strings.TrimSpace(req.Source) == "" && req.Tx == nil {
		return DeFiSafetyReport{}, xerrors.New(xerrors.CodeInvalidInput, "DeFi 校验至少需要兑换参数、合约源码或交易参数之一")
	}

	report := DeFiSafetyReport{ID: "defi-" + uuid.NewString(), ValidatedAt: e.now().UTC()}

	swap, err := e.resolveSwap(ctx, req)
	if err != nil {
		return DeFiSafetyReport{}, err
	}
	if swap != nil {
		res, err := e.Slippage(*swap)
		if err != nil {
			return DeFiSafetyReport{}, err
		}
		report.Slippage = &res
	}
	if strings.TrimSpace(req.Source) != "" {
		res, err := e.RugPull(req.Source, req.Metrics)
		if err != nil {
			return DeFiSafetyReport{}, err
		}
		report.RugPull = &res
	}
	if req.Tx != nil {
		res, err := e.MEV(ctx, *req.Tx)
		if err != nil {
			return DeFiSafetyReport{}, err
		}
		report.MEV = &res
	}

	verdict, err := e.gate.Evaluate(ctx, report)
	if err != nil {
		return DeFiSafetyReport{}, err
	}
	report.Decision, report.Reasons = verdict.Decision, verdict.Reasons
	report.CanProceed = verdict.Decision == DecisionAllow

	e.metrics.SafetyDecision(string(report.Decision))
	e.record(ctx, req.WorkflowID, report.ID, string(report.Decision), report)
	e.logger.Info("DeFi 安全校验完成",
		slog.String("report_id", report.ID),
		slog.String("workflow_id", req.WorkflowID),
		slog.String("decision", string(report.Decision)),
		slog.Any("reasons", report.Reasons))

	if report.Decision == DecisionBlock {
		blocked := xerrors.New(xerrors.CodeSafetyBlocked,
			fmt.Sprintf("DeFi 操作被拦截: %s", strings.Join(report.Reasons, ", ")),
			xerrors.WithMetadata("report_id", report.ID))
		e.alert(ctx, blocked, req.WorkflowID)
		return report, blocked
	}
	return report, nil
}

func (e *Engine) record(ctx context.Context, workflowID, subject, summary string, detail any) {
	entry := audit.NewEntry(audit.KindSafetyVerdict, actor, subject, detail)
	entry.WorkflowID = workflowID
	entry.Summary = summary
	if err := e.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("写入审计记录失败", slog.Any("error", err))
	}
}

func (e *Engine) alert(ctx context.Context, err error, workflowID string) {
	if e.alerter == nil {
		return
	}
	evt, ok := alerting.FromError(err, workflowID, "")
	if !ok {
		return
	}
	evt.AgentType = actor
	if notifyErr := e.alerter.Notify(context.WithoutCancel(ctx), evt); notifyErr != nil {
		e.logger.Error("告警通知失败", slog.Any("error", notifyErr))
	}
}
