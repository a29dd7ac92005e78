package workers

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"

	"OpenAgent-Hub/internal/bus"
	"OpenAgent-Hub/internal/defi"
	xerrors "OpenAgent-Hub/internal/errors"
)

// DeFiOutput 是 DeFi 安全步骤的输出。
type DeFiOutput struct {
	Status string                 `json:"status"`
	Report *defi.DeFiSafetyReport `json:"report"`
}

var operationKeywords = []struct {
	keyword string
	op      defi.Operation
}{
	{"remove liquidity", defi.OpRemoveLiquidity},
	{"add liquidity", defi.OpAddLiquidity},
	{"unstake", defi.OpUnstake},
	{"stake", defi.OpStake},
	{"transfer", defi.OpTransfer},
	{"send", defi.OpTransfer},
}

// etherAmount 只匹配紧跟 ETH/WETH 的数量，"100 USDC for 0.1 ETH" 取 0.1。
var etherAmount = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*w?eth\b`)

// DeFiWorker 把工作流步骤交给 DeFi 安全引擎。
type DeFiWorker struct {
	Engine *defi.Engine
}

// Handle 实现 bus.Handler。优先使用输入中的 defi 字段，
// 否则从意图参数推导交易，并把上游产出的 .sol 制品作为合约源码。
// 决策为 block 时返回 SAFETY_BLOCKED；require_approval 不会使步骤失败。
func (w *DeFiWorker) Handle(ctx context.Context, msg bus.Message) (json.RawMessage, error) {
	if w.Engine == nil {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "DeFi worker 未配置安全引擎", xerrors.WithRetryable(false))
	}
	req, err := decodeRequest(msg)
	if err != nil {
		return nil, err
	}
	var in defi.RequestInput
	if _, err := decodeField(req.Input, "defi", &in); err != nil {
		return nil, err
	}
	if in.Empty() {
		in, err = deriveRequest(req)
		if err != nil {
			return nil, err
		}
	}
	dreq, err := in.Request(req.WorkflowID)
	if err != nil {
		return nil, err
	}
	report, err := w.Engine.Validate(ctx, dreq)
	if err != nil {
		return nil, err
	}
	return json.Marshal(DeFiOutput{Status: string(report.Decision), Report: &report})
}

func deriveRequest(req bus.StepRequest) (defi.RequestInput, error) {
	var in defi.RequestInput
	params := parameters(req)

	artifacts, err := collectArtifacts(req)
	if err != nil {
		return in, err
	}
	var sources []string
	for _, a := range artifacts {
		if strings.EqualFold(filepath.Ext(a.Path), ".sol") {
			sources = append(sources, a.Content)
		}
	}
	in.Source = strings.Join(sources, "\n")

	text := stringField(req.Input, "request")
	if m := etherAmount.FindStringSubmatch(text); m != nil {
		tx := &defi.TxInput{Operation: string(operationFrom(text)), ValueEth: m[1]}
		if len(params.Addresses) > 0 {
			tx.To = params.Addresses[0]
		}
		in.Tx = tx
	}
	if in.Empty() {
		return in, xerrors.New(xerrors.CodeInvalidInput, "无法从请求中推导 DeFi 校验参数，请提供以 ETH 计价的金额或合约源码")
	}
	return in, nil
}

func operationFrom(text string) defi.Operation {
	lower := strings.ToLower(text)
	for _, k := range operationKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.op
		}
	}
	return defi.OpSwap
}
