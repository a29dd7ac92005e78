package security

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/pkg/logger"
)

// MaxRiskScore 是风险分值上限。
const MaxRiskScore = 100

const snippetLimit = 160

// Tolerance 声明可接受的最高严重程度，对应一个分值阈值。
type Tolerance string

const (
	ToleranceNone     Tolerance = "none"
	ToleranceLow      Tolerance = "low"
	ToleranceMedium   Tolerance = "medium"
	ToleranceHigh     Tolerance = "high"
	ToleranceCritical Tolerance = "critical"
)

// DefaultThresholds 将容忍度映射为分值阈值。
var DefaultThresholds = map[Tolerance]int{
	ToleranceNone:     0,
	ToleranceLow:      5,
	ToleranceMedium:   20,
	ToleranceHigh:     50,
	ToleranceCritical: 100,
}

// Artifact 是待扫描的源码制品。
type Artifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// IsDeFi 通过扩展名、合约语言标记或 swap/liquidity/stake 等词汇判断是否为 DeFi 制品。
func (a Artifact) IsDeFi() bool {
	ext := strings.ToLower(filepath.Ext(a.Path))
	for _, e := range defiExtensions {
		if ext == e {
			return true
		}
	}
	return defiMarkers.MatchString(a.Content)
}

// Vulnerability 是一条规则在某个制品上的命中。
type Vulnerability struct {
	RuleID     string   `json:"rule_id"`
	Name       string   `json:"name"`
	Severity   Severity `json:"severity"`
	Category   string   `json:"category"`
	File       string   `json:"file"`
	Line       int      `json:"line"`
	Snippet    string   `json:"snippet"`
	Mitigation string   `json:"mitigation"`
	DeFi       bool     `json:"defi,omitempty"`
	Weight     int      `json:"weight"`
}

// SecurityReport 汇总一次扫描。
type SecurityReport struct {
	ID              string          `json:"id"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	RiskScore       int             `json:"risk_score"`
	Passed          bool            `json:"passed"`
	Threshold       int             `json:"threshold"`
	Tolerance       Tolerance       `json:"tolerance"`
	DeFiArtifacts   []string        `json:"defi_artifacts,omitempty"`
	ScannedAt       time.Time       `json:"scanned_at"`
}

// CountBySeverity 统计各严重程度的漏洞数量。
func (r SecurityReport) CountBySeverity() map[Severity]int {
	out := make(map[Severity]int)
	for _, v := range r.Vulnerabilities {
		out[v.Severity]++
	}
	return out
}

// Scanner 持有规则表与阈值，扫描本身不修改任何状态。
type Scanner struct {
	generic   []Rule
	defi      []Rule
	tolerance Tolerance
	threshold int
	now       func() time.Time
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Scanner) error

// WithTolerance 按容忍度设置阈值。
func WithTolerance(t string) Option {
	return func(s *Scanner) error {
		tol := Tolerance(strings.ToLower(strings.TrimSpace(t)))
		threshold, ok := DefaultThresholds[tol]
		if !ok {
			return xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("未知的严重程度容忍度: %s", t))
		}
		s.tolerance, s.threshold = tol, threshold
		return nil
	}
}

// WithThreshold 直接覆盖分值阈值。
func WithThreshold(threshold int) Option {
	return func(s *Scanner) error {
		if threshold < 0 || threshold > MaxRiskScore {
			return xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("阈值必须在 0 到 %d 之间", MaxRiskScore))
		}
		s.threshold = threshold
		return nil
	}
}

// WithRules 替换通用规则表和 DeFi 规则表；传 nil 表示保留默认。
func WithRules(generic, defi []Rule) Option {
	return func(s *Scanner) error {
		if generic != nil {
			s.generic = generic
		}
		if defi != nil {
			s.defi = defi
		}
		return nil
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewScanner 创建扫描器，默认容忍度为 medium。
func NewScanner(opts ...Option) (*Scanner, error) {
	s := &Scanner{
		generic:   GenericRules,
		defi:      DeFiRules,
		tolerance: ToleranceMedium,
		threshold: DefaultThresholds[ToleranceMedium],
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("security"),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Threshold returns the active score threshold.
func (s *Scanner) Threshold() int { return s.threshold }

// Scan 对每个制品逐条应用规则，每条规则在每个制品上最多产生一条漏洞（取首次命中）。
// 风险分值为命中规则权重之和，上限 100；分值不超过阈值即视为通过。
func (s *Scanner) Scan(ctx context.Context, artifacts []Artifact) (SecurityReport, error) {
	if len(artifacts) == 0 {
		return SecurityReport{}, xerrors.New(xerrors.CodeInvalidInput, "没有需要扫描的制品")
	}
	report := SecurityReport{
		ID:              "scan-" + uuid.NewString(),
		Vulnerabilities: []Vulnerability{},
		Threshold:       s.threshold,
		Tolerance:       s.tolerance,
		ScannedAt:       s.now(),
	}

	total := 0
	for i, art := range artifacts {
		if err := ctx.Err(); err != nil {
			return SecurityReport{}, xerrors.Wrap(xerrors.CodeCancelled, err, "扫描被取消")
		}
		name := art.Path
		if name == "" {
			name = fmt.Sprintf("artifact-%d", i+1)
		}
		for _, rule := range s.generic {
			if v, ok := match(rule, name, art.Content, false); ok {
				report.Vulnerabilities = append(report.Vulnerabilities, v)
				total += v.Weight
			}
		}
		if !art.IsDeFi() {
			continue
		}
		report.DeFiArtifacts = append(report.DeFiArtifacts, name)
		for _, rule := range s.defi {
			if v, ok := match(rule, name, art.Content, true); ok {
				report.Vulnerabilities = append(report.Vulnerabilities, v)
				total += v.Weight
			}
		}
	}

	report.RiskScore = min(total, MaxRiskScore)
	report.Passed = report.RiskScore <= report.Threshold
	s.logger.Debug("扫描完成",
		slog.String("scan_id", report.ID),
		slog.Int("artifacts", len(artifacts)),
		slog.Int("vulnerabilities", len(report.Vulnerabilities)),
		slog.Int("risk_score", report.RiskScore),
		slog.Bool("passed", report.Passed))
	return report, nil
}

// ScanCode 扫描单段代码。
func (s *Scanner) ScanCode(ctx context.Context, path, code string) (SecurityReport, error) {
	return s.Scan(ctx, []Artifact{{Path: path, Content: code}})
}

func match(rule Rule, file, content string, defi bool) (Vulnerability, bool) {
	if rule.Pattern == nil {
		return Vulnerability{}, false
	}
	loc := rule.Pattern.FindStringIndex(content)
	if loc == nil {
		return Vulnerability{}, false
	}
	weight := rule.Severity.Weight()
	if defi {
		weight = weight * defiWeightNum / defiWeightDen
	}
	line := strings.Count(content[:loc[0]], "\n") + 1
	return Vulnerability{
		RuleID:     rule.ID,
		Name:       rule.Name,
		Severity:   rule.Severity,
		Category:   rule.Category,
		File:       file,
		Line:       line,
		Snippet:    snippetAt(content, loc[0]),
		Mitigation: rule.Mitigation,
		DeFi:       defi,
		Weight:     weight,
	}, true
}

func snippetAt(content string, offset int) string {
	start := strings.LastIndexByte(content[:offset], '\n') + 1
	end := strings.IndexByte(content[offset:], '\n')
	if end < 0 {
		end = len(content)
	} else {
		end += offset
	}
	snippet := strings.TrimSpace(content[start:end])
	if len(snippet) > snippetLimit {
		snippet = snippet[:snippetLimit]
	}
	return snippet
}
