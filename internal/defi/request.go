package defi

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenAgent-Hub/internal/errors"
)

// 以下类型是 HTTP、CLI 与 worker 共用的 JSON 输入，金额一律使用字符串避免精度丢失。

// SwapInput 描述一次兑换。
type SwapInput struct {
	AmountIn          string `json:"amount_in"`
	ReserveIn         string `json:"reserve_in,omitempty"`
	ReserveOut        string `json:"reserve_out,omitempty"`
	FeeBps            uint32 `json:"fee_bps"`
	MaxSlippageBps    uint32 `json:"max_slippage_bps,omitempty"`
	MaxPriceImpactBps uint32 `json:"max_price_impact_bps,omitempty"`
}

// Params 解析为 SlippageParams。储备为空时留给链上读取。
func (in SwapInput) Params() (SlippageParams, error) {
	p := SlippageParams{FeeBps: in.FeeBps, MaxSlippageBps: in.MaxSlippageBps, MaxPriceImpactBps: in.MaxPriceImpactBps}
	var err error
	if p.AmountIn, err = ParseAmount("amount_in", in.AmountIn); err != nil {
		return SlippageParams{}, err
	}
	if in.ReserveIn != "" {
		if p.ReserveIn, err = ParseAmount("reserve_in", in.ReserveIn); err != nil {
			return SlippageParams{}, err
		}
	}
	if in.ReserveOut != "" {
		if p.ReserveOut, err = ParseAmount("reserve_out", in.ReserveOut); err != nil {
			return SlippageParams{}, err
		}
	}
	return p, nil
}

// MetricsInput 是 HolderMetrics 的 JSON 形式。
type MetricsInput struct {
	TopHolderShareBps uint32 `json:"top_holder_share_bps"`
	HolderCount       int    `json:"holder_count"`
	LiquidityLocked   bool   `json:"liquidity_locked"`
	LockDays          int    `json:"lock_days"`
}

// Metrics 转换为 HolderMetrics。
func (in *MetricsInput) Metrics() *HolderMetrics {
	if in == nil {
		return nil
	}
	return &HolderMetrics{
		TopHolderShareBps: in.TopHolderShareBps,
		HolderCount:       in.HolderCount,
		LiquidityLocked:   in.LiquidityLocked,
		LockDuration:      time.Duration(in.LockDays) * 24 * time.Hour,
	}
}

// TxInput 描述一笔待分析的交易，ValueWei 与 ValueEth 二选一。
type TxInput struct {
	Operation      string     `json:"operation"`
	ValueWei       string     `json:"value_wei,omitempty"`
	ValueEth       string     `json:"value_eth,omitempty"`
	ExpectedOut    string     `json:"expected_out,omitempty"`
	SlippageBps    uint32     `json:"slippage_bps,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	PrivateRouting bool       `json:"private_routing,omitempty"`
	To             string     `json:"to,omitempty"`
	Data           string     `json:"data,omitempty"`
}

// Params 解析为 TxParams。
func (in TxInput) Params() (TxParams, error) {
	p := TxParams{
		Operation:      Operation(strings.ToLower(strings.TrimSpace(in.Operation))),
		SlippageBps:    in.SlippageBps,
		PrivateRouting: in.PrivateRouting,
		To:             in.To,
	}
	if p.Operation == "" {
		p.Operation = OpSwap
	}
	var err error
	switch {
	case in.ValueWei != "":
		p.Value, err = ParseAmount("value_wei", in.ValueWei)
	case in.ValueEth != "":
		p.Value, err = ParseEther("value_eth", in.ValueEth)
	default:
		err = xerrors.New(xerrors.CodeInvalidInput, "交易需要 value_wei 或 value_eth")
	}
	if err != nil {
		return TxParams{}, err
	}
	if in.ExpectedOut != "" {
		if p.ExpectedOut, err = ParseAmount("expected_out", in.ExpectedOut); err != nil {
			return TxParams{}, err
		}
	}
	if in.Deadline != nil {
		p.Deadline = *in.Deadline
	}
	if in.Data != "" {
		p.Data = common.FromHex(in.Data)
	}
	return p, nil
}

// RequestInput 是组合校验的 JSON 输入。
type RequestInput struct {
	Swap    *SwapInput    `json:"swap,omitempty"`
	Pool    *PoolRef      `json:"pool,omitempty"`
	Source  string        `json:"source,omitempty"`
	Metrics *MetricsInput `json:"metrics,omitempty"`
	Tx      *TxInput      `json:"tx,omitempty"`
}

// Empty 判断是否没有任何可校验的内容。
func (in RequestInput) Empty() bool {
	return in.Swap == nil && in.Pool == nil && strings.TrimSpace(in.Source) == "" && in.Tx == nil
}

// Request 解析为 DeFiRequest。
func (in RequestInput) Request(workflowID string) (DeFiRequest, error) {
	req := DeFiRequest{WorkflowID: workflowID, Pool: in.Pool, Source: in.Source, Metrics: in.Metrics.Metrics()}
	if in.Swap != nil {
		p, err := in.Swap.Params()
		if err != nil {
			return DeFiRequest{}, err
		}
		req.Swap = &p
	}
	if in.Tx != nil {
		p, err := in.Tx.Params()
		if err != nil {
			return DeFiRequest{}, err
		}
		req.Tx = &p
	}
	if req.Swap == nil && req.Pool == nil && strings.TrimSpace(req.Source) == "" && req.Tx == nil {
		return DeFiRequest{}, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("工作流 %s 的 DeFi 校验缺少输入", workflowID))
	}
	return req, nil
}
