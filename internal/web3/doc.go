// Package web3 提供只读的链访问能力：链快照与 AMM 交易对储备。
// DeFi 安全引擎使用这些数据计算实时滑点与交易截止时间。
package web3
