// Package intent 将自然语言请求解析为结构化的 Analysis：主/次意图类别、
// 复杂度、风险等级、所需 Agent 类型以及抽取出的参数。
//
// 分类规则以数据表的形式声明（见 rules.go），新增规则无需修改控制流程。
package intent
