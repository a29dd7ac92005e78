package hub

import (
	"context"
	"fmt"
	"log/slog"

	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/defi"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/observability/metrics"
	"OpenAgent-Hub/internal/orchestrator"
	"OpenAgent-Hub/internal/security"
	"OpenAgent-Hub/internal/workflow"
	"OpenAgent-Hub/pkg/logger"
)

const actor = "hub"

// Hub 组合意图分类器、工作流构建器与编排器。
type Hub struct {
	classifier *intent.Classifier
	builder    *workflow.Builder
	orch       *orchestrator.Orchestrator
	scanner    *security.Scanner
	defi       *defi.Engine
	recorder   audit.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Hub)

// WithScanner 配置直接调用的安全扫描器。
func WithScanner(s *security.Scanner) Option {
	return func(h *Hub) {
		h.scanner = s
	}
}

// WithDeFiEngine 配置 DeFi 安全引擎。
func WithDeFiEngine(e *defi.Engine) Option {
	return func(h *Hub) {
		h.defi = e
	}
}

// WithAuditRecorder 指定审计记录器。
func WithAuditRecorder(r audit.Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

// WithMetrics 注入 Prometheus 指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// New 构造 Hub。classifier 与 builder 为空时使用默认配置。
func New(classifier *intent.Classifier, builder *workflow.Builder, orch *orchestrator.Orchestrator, opts ...Option) *Hub {
	if classifier == nil {
		classifier = intent.NewClassifier()
	}
	if builder == nil {
		builder = workflow.NewBuilder()
	}
	h := &Hub{
		classifier: classifier,
		builder:    builder,
		orch:       orch,
		recorder:   audit.NewLogRecorder(),
		logger:     logger.Named("hub"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// AnalyzeResult 是意图分析的结果。Clarification 非空表示在继续之前需要用户回答问题。
type AnalyzeResult struct {
	Analysis      intent.Analysis       `json:"analysis"`
	Clarification *intent.Clarification `json:"clarification,omitempty"`
}

// NeedsClarification reports whether the caller has to answer questions first.
func (r AnalyzeResult) NeedsClarification() bool {
	return r.Clarification != nil
}

// AnalyzeIntent 分析请求文本。分析结果需要澄清且调用方未确认时，
// 返回的结果带有澄清问题，而不是直接放行。
func (h *Hub) AnalyzeIntent(ctx context.Context, text string, confirmed bool) (AnalyzeResult, error) {
	analysis, err := h.classifier.Classify(text)
	if err != nil {
		return AnalyzeResult{}, err
	}
	res := AnalyzeResult{Analysis: analysis}
	if !confirmed {
		res.Clarification = h.classifier.Clarify(analysis)
	}

	summary := fmt.Sprintf("primary=%s risk=%s confidence=%.2f", analysis.Primary, analysis.Risk, analysis.Confidence)
	if res.Clarification != nil {
		summary += " clarification=required"
	}
	h.record(ctx, audit.KindIntentAnalysis, "", analysis.ID, summary, res)
	return res, nil
}

// BuildWorkflow 根据意图分析构建工作流。
func (h *Hub) BuildWorkflow(_ context.Context, analysis intent.Analysis) (*workflow.Workflow, error) {
	return h.builder.Build(analysis)
}

// Orchestrate 生成执行计划并异步执行。
func (h *Hub) Orchestrate(ctx context.Context, wf *workflow.Workflow) (*orchestrator.ExecutionPlan, error) {
	if h.orch == nil {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "未配置编排器")
	}
	return h.orch.Orchestrate(ctx, wf)
}

// GetStatus 返回计划的当前进度。
func (h *Hub) GetStatus(ctx context.Context, planID string) (orchestrator.ExecutionStatus, error) {
	if h.orch == nil {
		return orchestrator.ExecutionStatus{}, xerrors.New(xerrors.CodeInvalidInput, "未配置编排器")
	}
	return h.orch.Status(ctx, planID)
}

// Wait 阻塞到计划进入终态或 ctx 结束。
func (h *Hub) Wait(ctx context.Context, planID string) (orchestrator.ExecutionStatus, error) {
	if h.orch == nil {
		return orchestrator.ExecutionStatus{}, xerrors.New(xerrors.CodeInvalidInput, "未配置编排器")
	}
	return h.orch.Wait(ctx, planID)
}

// StatusOfWorkflow 按工作流 ID 查询进度。
func (h *Hub) StatusOfWorkflow(ctx context.Context, workflowID string) (orchestrator.ExecutionStatus, error) {
	if h.orch == nil {
		return orchestrator.ExecutionStatus{}, xerrors.New(xerrors.CodeInvalidInput, "未配置编排器")
	}
	planID, ok := h.orch.PlanFor(workflowID)
	if !ok {
		return orchestrator.ExecutionStatus{}, xerrors.New(xerrors.CodeNotFound, "未知的工作流: "+workflowID)
	}
	return h.orch.Status(ctx, planID)
}

// Cancel 取消工作流并释放其占用的全部实例。
func (h *Hub) Cancel(ctx context.Context, workflowID, reason string) error {
	if h.orch == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "未配置编排器")
	}
	return h.orch.Cancel(ctx, workflowID, reason)
}

// Conflicts 返回全部冲突处理记录。
func (h *Hub) Conflicts() []orchestrator.ConflictResolution {
	if h.orch == nil {
		return nil
	}
	return h.orch.Conflicts()
}

// Submission 是 Submit 的结果。
type Submission struct {
	AnalyzeResult
	Workflow *workflow.Workflow          `json:"workflow,omitempty"`
	Plan     *orchestrator.ExecutionPlan `json:"plan,omitempty"`
}

// Submit 依次完成分析、构建与编排。需要澄清且未确认时返回
// CLARIFICATION_NEEDED，同时带回澄清问题。
func (h *Hub) Submit(ctx context.Context, text string, confirmed bool) (Submission, error) {
	res, err := h.AnalyzeIntent(ctx, text, confirmed)
	if err != nil {
		return Submission{}, err
	}
	sub := Submission{AnalyzeResult: res}
	if res.NeedsClarification() {
		return sub, xerrors.New(xerrors.CodeClarificationNeeded, "",
			xerrors.WithMetadata("analysis_id", res.Analysis.ID))
	}
	if sub.Workflow, err = h.BuildWorkflow(ctx, res.Analysis); err != nil {
		return sub, err
	}
	if sub.Plan, err = h.Orchestrate(ctx, sub.Workflow); err != nil {
		return sub, err
	}
	h.logger.Info("请求已提交",
		slog.String("analysis_id", res.Analysis.ID),
		slog.String("workflow_id", sub.Workflow.ID),
		slog.String("plan_id", sub.Plan.ID))
	return sub, nil
}

// Scan 直接扫描制品。
func (h *Hub) Scan(ctx context.Context, artifacts []security.Artifact) (security.SecurityReport, error) {
	if h.scanner == nil {
		return security.SecurityReport{}, xerrors.New(xerrors.CodeInvalidInput, "未配置安全扫描器")
	}
	report, err := h.scanner.Scan(ctx, artifacts)
	if err != nil {
		return security.SecurityReport{}, err
	}
	h.metrics.ScanScored(report.RiskScore)
	h.record(ctx, audit.KindSafetyVerdict, "", report.ID,
		fmt.Sprintf("risk=%d passed=%t", report.RiskScore, report.Passed), report)
	return report, nil
}

// CheckCompliance 按合规框架检查制品。
func (h *Hub) CheckCompliance(ctx context.Context, artifacts []security.Artifact, frameworks []string) (security.ComplianceReport, error) {
	if h.scanner == nil {
		return security.ComplianceReport{}, xerrors.New(xerrors.CodeInvalidInput, "未配置安全扫描器")
	}
	return h.scanner.CheckCompliance(ctx, artifacts, frameworks)
}

// DeFi 返回 DeFi 安全引擎，未配置时返回 nil。
func (h *Hub) DeFi() *defi.Engine {
	return h.defi
}

func (h *Hub) record(ctx context.Context, kind audit.Kind, workflowID, subject, summary string, detail any) {
	entry := audit.NewEntry(kind, actor, subject, detail)
	entry.WorkflowID = workflowID
	entry.Summary = summary
	if err := h.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		h.logger.Error("写入审计记录失败", slog.Any("error", err), slog.String("kind", string(kind)))
	}
}
