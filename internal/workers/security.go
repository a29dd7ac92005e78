package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/bus"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/observability/metrics"
	"OpenAgent-Hub/internal/security"
	"OpenAgent-Hub/pkg/logger"
)

// 步骤输出中的状态字段。
const (
	StatusPassed    = "passed"
	StatusSkipped   = "skipped"
	StatusCompleted = "completed"
)

// SecurityOutput 是安全验证步骤的输出。
type SecurityOutput struct {
	Status     string                     `json:"status"`
	Reason     string                     `json:"reason,omitempty"`
	Report     *security.SecurityReport   `json:"report,omitempty"`
	Compliance *security.ComplianceReport `json:"compliance,omitempty"`
}

// SecurityWorker 对上游产出的制品执行漏洞扫描与合规检查。
type SecurityWorker struct {
	Scanner    *security.Scanner
	Frameworks []string
	Recorder   audit.Recorder
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Handle 实现 bus.Handler。没有制品时返回 skipped；
// 风险分超过阈值或合规不达标时返回 SAFETY_BLOCKED，步骤不会被重试。
func (w *SecurityWorker) Handle(ctx context.Context, msg bus.Message) (json.RawMessage, error) {
	if w.Scanner == nil {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "安全 worker 未配置扫描器", xerrors.WithRetryable(false))
	}
	req, err := decodeRequest(msg)
	if err != nil {
		return nil, err
	}
	artifacts, err := collectArtifacts(req)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return json.Marshal(SecurityOutput{Status: StatusSkipped, Reason: "没有可扫描的制品"})
	}

	report, err := w.Scanner.Scan(ctx, artifacts)
	if err != nil {
		return nil, err
	}
	w.Metrics.ScanScored(report.RiskScore)
	out := SecurityOutput{Status: StatusPassed, Report: &report}

	frameworks := w.Frameworks
	var requested []string
	if ok, err := decodeField(req.Input, "frameworks", &requested); err != nil {
		return nil, err
	} else if ok {
		frameworks = requested
	}
	if len(frameworks) > 0 {
		compliance, err := w.Scanner.CheckCompliance(ctx, artifacts, frameworks)
		if err != nil {
			return nil, err
		}
		out.Compliance = &compliance
	}

	w.record(ctx, req, out)
	if !report.Passed {
		return nil, xerrors.New(xerrors.CodeSafetyBlocked,
			fmt.Sprintf("风险分 %d 超过阈值 %d", report.RiskScore, report.Threshold),
			xerrors.WithMetadata("scan_id", report.ID))
	}
	if out.Compliance != nil && !out.Compliance.Passed {
		return nil, xerrors.New(xerrors.CodeSafetyBlocked,
			fmt.Sprintf("合规得分 %.1f 未达标", out.Compliance.OverallScore),
			xerrors.WithMetadata("scan_id", report.ID))
	}
	return json.Marshal(out)
}

func (w *SecurityWorker) record(ctx context.Context, req bus.StepRequest, out SecurityOutput) {
	if w.Recorder == nil {
		return
	}
	entry := audit.NewEntry(audit.KindSafetyVerdict, string(intent.AgentSecurityValidator), out.Report.ID, out)
	entry.WorkflowID = req.WorkflowID
	entry.Summary = fmt.Sprintf("risk=%d passed=%t", out.Report.RiskScore, out.Report.Passed)
	if err := w.Recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		w.log().Error("写入审计记录失败", slog.Any("error", err), slog.String("step_id", req.StepID))
	}
}

func (w *SecurityWorker) log() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return logger.Named("workers.security")
}
