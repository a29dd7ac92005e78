// Package orchestrator 将工作流转换为执行计划并驱动其运行：按并行分组调度步骤，
// 通过分配表独占 agent 实例并解决冲突，失败时按指数退避重试，
// 取消时同步释放该工作流持有的全部实例。
package orchestrator
