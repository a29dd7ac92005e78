package defi

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	xerrors "OpenAgent-Hub/internal/errors"
)

// Decision 是安全门的最终结论。
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

const policyQuery = "data.agenthub.defi.verdict"

// DefaultPolicy 是内置的放行策略。
const DefaultPolicy = `
package agenthub.defi

import rego.v1

decision := "block" if {
	count(block_reasons) > 0
} else := "require_approval" if {
	count(approval_reasons) > 0
} else := "allow"

block_reasons contains "rug_pull_not_proceedable" if input.rug_pull.can_proceed == false

block_reasons contains "mev_critical_without_private_routing" if {
	input.mev.tier == "critical"
	not input.mev.private_routing
}

approval_reasons contains "slippage_unacceptable" if input.slippage.acceptable == false

approval_reasons contains "mev_high" if input.mev.tier == "high"

verdict := {
	"decision": decision,
	"reasons": block_reasons | approval_reasons,
}
`

// Verdict 是策略评估的输出。
type Verdict struct {
	Decision Decision `json:"decision"`
	Reasons  []string `json:"reasons,omitempty"`
}

// PolicyGate 使用 OPA 评估 DeFi 安全报告。
type PolicyGate struct {
	query rego.PreparedEvalQuery
}

// NewPolicyGate 编译给定的 rego 模块，module 为空时使用 DefaultPolicy。
func NewPolicyGate(ctx context.Context, module string) (*PolicyGate, error) {
	if strings.TrimSpace(module) == "" {
		module = DefaultPolicy
	}
	r := rego.New(
		rego.Query(policyQuery),
		rego.Module("agenthub_defi.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("编译 DeFi 策略失败: %w", err)
	}
	return &PolicyGate{query: query}, nil
}

// LoadPolicyGate 从文件加载策略，path 为空时使用内置策略。
func LoadPolicyGate(ctx context.Context, path string) (*PolicyGate, error) {
	if strings.TrimSpace(path) == "" {
		return NewPolicyGate(ctx, "")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 DeFi 策略失败: %w", err)
	}
	return NewPolicyGate(ctx, string(content))
}

// Evaluate 对报告摘要做出决策。
func (g *PolicyGate) Evaluate(ctx context.Context, report DeFiSafetyReport) (Verdict, error) {
	results, err := g.query.Eval(ctx, rego.EvalInput(policyInput(report)))
	if err != nil {
		return Verdict{}, xerrors.Wrap(xerrors.CodeUnknown, err, "评估 DeFi 策略失败")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Verdict{}, xerrors.New(xerrors.CodeUnknown, "DeFi 策略没有返回结论")
	}
	obj, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Verdict{}, xerrors.New(xerrors.CodeUnknown, "DeFi 策略返回了非对象结果")
	}

	var v Verdict
	if s, ok := obj["decision"].(string); ok {
		v.Decision = Decision(s)
	}
	switch v.Decision {
	case DecisionAllow, DecisionRequireApproval, DecisionBlock:
	default:
		return Verdict{}, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("未知的策略结论: %v", obj["decision"]))
	}
	if reasons, ok := obj["reasons"].([]any); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				v.Reasons = append(v.Reasons, s)
			}
		}
	}
	sort.Strings(v.Reasons)
	return v, nil
}

// policyInput 只暴露决策需要的字段，大整数金额不进入策略。
func policyInput(r DeFiSafetyReport) map[string]any {
	in := map[string]any{}
	if r.Slippage != nil {
		in["slippage"] = map[string]any{
			"acceptable":       r.Slippage.Acceptable,
			"slippage_bps":     r.Slippage.SlippageBps,
			"price_impact_bps": r.Slippage.PriceImpactBps,
		}
	}
	if r.RugPull != nil {
		in["rug_pull"] = map[string]any{
			"score":       r.RugPull.Score,
			"risk":        string(r.RugPull.Risk),
			"can_proceed": r.RugPull.CanProceed,
		}
	}
	if r.MEV != nil {
		in["mev"] = map[string]any{
			"tier":            string(r.MEV.Tier),
			"risk_score":      r.MEV.RiskScore,
			"private_routing": r.MEV.PrivateRouting,
		}
	}
	return in
}
