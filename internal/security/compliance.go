package security

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	xerrors "OpenAgent-Hub/internal/errors"
)

// CheckMode 决定合规规则是要求命中还是要求不命中。
type CheckMode string

const (
	MustMatch    CheckMode = "must_match"
	MustNotMatch CheckMode = "must_not_match"
)

// ComplianceRule 是框架中的一条检查项。
type ComplianceRule struct {
	ID          string
	Description string
	Mode        CheckMode
	Pattern     *regexp.Regexp
}

func (r ComplianceRule) evaluate(content string) bool {
	hit := r.Pattern.MatchString(content)
	if r.Mode == MustNotMatch {
		return !hit
	}
	return hit
}

// Framework 是一组命名的合规规则。
type Framework struct {
	Name  string
	Rules []ComplianceRule
}

const (
	FrameworkGeneral = "general_security"
	FrameworkDeFi    = "defi_security"
)

// Frameworks 是内置的合规框架。
var Frameworks = map[string]Framework{
	FrameworkGeneral: {
		Name: FrameworkGeneral,
		Rules: []ComplianceRule{
			{ID: "GS-01", Description: "no hardcoded credentials", Mode: MustNotMatch, Pattern: GenericRules[0].Pattern},
			{ID: "GS-02", Description: "no dynamic code evaluation", Mode: MustNotMatch, Pattern: GenericRules[1].Pattern},
			{ID: "GS-03", Description: "tls verification enabled", Mode: MustNotMatch, Pattern: GenericRules[5].Pattern},
			{ID: "GS-04", Description: "no weak hash algorithms", Mode: MustNotMatch, Pattern: GenericRules[3].Pattern},
			{ID: "GS-05", Description: "input validation present", Mode: MustMatch, Pattern: regexp.MustCompile(`(?i)\b(validate|sanitize|escape)\w*`)},
			{ID: "GS-06", Description: "error handling present", Mode: MustMatch, Pattern: regexp.MustCompile(`(?i)\btry\b|\bcatch\b|\bexcept\b|if err != nil|\brequire\s*\(|\brevert\b`)},
		},
	},
	FrameworkDeFi: {
		Name: FrameworkDeFi,
		Rules: []ComplianceRule{
			{ID: "DS-01", Description: "reentrancy guard", Mode: MustMatch, Pattern: regexp.MustCompile(`nonReentrant|ReentrancyGuard`)},
			{ID: "DS-02", Description: "access control", Mode: MustMatch, Pattern: regexp.MustCompile(`onlyOwner|onlyRole|AccessControl|Ownable`)},
			{ID: "DS-03", Description: "emergency pause", Mode: MustMatch, Pattern: regexp.MustCompile(`Pausable|whenNotPaused`)},
			{ID: "DS-04", Description: "timelock on admin actions", Mode: MustMatch, Pattern: regexp.MustCompile(`(?i)timelock`)},
			{ID: "DS-05", Description: "events emitted for state changes", Mode: MustMatch, Pattern: regexp.MustCompile(`\bemit\s+\w+\s*\(`)},
			{ID: "DS-06", Description: "no tx.origin authentication", Mode: MustNotMatch, Pattern: regexp.MustCompile(`tx\.origin`)},
		},
	},
}

// DefaultCompliancePassScore 是整体通过所需的最低百分比。
const DefaultCompliancePassScore = 80.0

// RuleResult 是单条规则的结果。
type RuleResult struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
}

// FrameworkResult 是单个框架的结果，Score 为通过规则的百分比。
type FrameworkResult struct {
	Name  string       `json:"name"`
	Rules []RuleResult `json:"rules"`
	Score float64      `json:"score"`
}

// ComplianceReport 汇总多个框架的检查结果。
type ComplianceReport struct {
	Frameworks   []FrameworkResult `json:"frameworks"`
	OverallScore float64           `json:"overall_score"`
	Passed       bool              `json:"passed"`
}

// CheckCompliance 将全部制品内容拼接后按框架逐条求值。
// 整体得分为全部规则中通过的百分比，未知框架返回 INVALID_INPUT。
func (s *Scanner) CheckCompliance(ctx context.Context, artifacts []Artifact, frameworks []string) (ComplianceReport, error) {
	if len(frameworks) == 0 {
		return ComplianceReport{}, xerrors.New(xerrors.CodeInvalidInput, "至少需要一个合规框架")
	}
	selected := make([]Framework, 0, len(frameworks))
	for _, name := range frameworks {
		fw, ok := Frameworks[name]
		if !ok {
			known := make([]string, 0, len(Frameworks))
			for k := range Frameworks {
				known = append(known, k)
			}
			sort.Strings(known)
			return ComplianceReport{}, xerrors.New(xerrors.CodeInvalidInput,
				fmt.Sprintf("未知的合规框架 %s，可选: %s", name, strings.Join(known, ", ")))
		}
		selected = append(selected, fw)
	}
	if err := ctx.Err(); err != nil {
		return ComplianceReport{}, xerrors.Wrap(xerrors.CodeCancelled, err, "合规检查被取消")
	}

	var sb strings.Builder
	for _, a := range artifacts {
		sb.WriteString(a.Content)
		sb.WriteByte('\n')
	}
	content := sb.String()

	report := ComplianceReport{Frameworks: make([]FrameworkResult, 0, len(selected))}
	passed, total := 0, 0
	for _, fw := range selected {
		res := FrameworkResult{Name: fw.Name, Rules: make([]RuleResult, 0, len(fw.Rules))}
		ok := 0
		for _, rule := range fw.Rules {
			rr := RuleResult{ID: rule.ID, Description: rule.Description, Passed: rule.evaluate(content)}
			if rr.Passed {
				ok++
			}
			res.Rules = append(res.Rules, rr)
		}
		if len(fw.Rules) > 0 {
			res.Score = float64(ok) / float64(len(fw.Rules)) * 100
		}
		passed += ok
		total += len(fw.Rules)
		report.Frameworks = append(report.Frameworks, res)
	}
	if total > 0 {
		report.OverallScore = float64(passed) / float64(total) * 100
	}
	report.Passed = report.OverallScore >= DefaultCompliancePassScore
	return report, nil
}
