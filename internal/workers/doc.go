// Package workers 提供进程内置的 agent 实现：安全扫描、DeFi 安全校验、
// 审计记录以及其余 agent 类型的通用应答者。它们通过消息通道接收
// StepRequest，与外部 agent 使用同一套协议。
package workers
