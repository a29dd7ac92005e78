// Package security 实现基于规则表的漏洞扫描与合规检查。
//
// 规则以数据形式声明（正则、严重程度、类别、修复建议），新增规则不需要修改
// 控制流。DeFi 相关的制品额外应用一张权重更高的规则表。
package security
