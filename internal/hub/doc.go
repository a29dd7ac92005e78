// Package hub 是编排系统对外的门面：意图分析、工作流构建、编排、
// 状态查询与取消，以及直接暴露的安全扫描与 DeFi 校验。
package hub
