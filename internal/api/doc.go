// Package api 通过 echo 暴露 Agent Hub 的 REST 接口：意图分析、工作流提交、
// 状态查询与取消、安全扫描与 DeFi 校验，以及基于 websocket 的状态推送。
package api
