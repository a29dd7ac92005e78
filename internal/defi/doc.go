// Package defi 实现 DeFi 操作的安全校验：AMM 滑点计算、rug-pull 评分、
// MEV 暴露分析，以及基于 OPA 策略的最终放行决策。
//
// 所有金额均使用 *big.Int 定点整数，百分比只在最后一步作为报告字段导出。
// 除 Engine 的暂停状态外，本包中的函数均无副作用。
package defi
