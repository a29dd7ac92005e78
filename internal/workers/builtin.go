package workers

import (
	"OpenAgent-Hub/internal/bus"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/workflow"
)

// Builtin 为 workflow.Actions 中出现的每种 agent 类型生成 handler 选项：
// 安全验证、DeFi 与审计使用专门的 worker，其余类型使用 Echo。
// 传入 nil 的 worker 同样退化为 Echo。
func Builtin(sec *SecurityWorker, df *DeFiWorker, au *AuditWorker) []Option {
	special := map[intent.AgentType]bus.Handler{}
	if sec != nil {
		special[intent.AgentSecurityValidator] = sec.Handle
	}
	if df != nil {
		special[intent.AgentDeFiSafety] = df.Handle
	}
	if au != nil {
		special[intent.AgentAudit] = au.Handle
	}
	opts := make([]Option, 0, len(workflow.Actions))
	for agentType := range workflow.Actions {
		h, ok := special[agentType]
		if !ok {
			h = Echo
		}
		opts = append(opts, WithHandler(agentType, h))
	}
	return opts
}
