package web3

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot 汇总链的基础信息，最新区块时间用于计算交易截止时间。
type ChainSnapshot struct {
	Name        string    `json:"name"`
	ChainID     string    `json:"chain_id"`
	BlockNumber string    `json:"block_number"`
	BlockTime   time.Time `json:"block_time"`
	Notes       string    `json:"notes,omitempty"`
}

// PoolReserves 是 Uniswap-V2 风格交易对的储备快照。
type PoolReserves struct {
	Pair               common.Address `json:"pair"`
	Token0             common.Address `json:"token0"`
	Token1             common.Address `json:"token1"`
	Reserve0           *big.Int       `json:"reserve0"`
	Reserve1           *big.Int       `json:"reserve1"`
	BlockTimestampLast uint32         `json:"block_timestamp_last"`
}

// Oriented 按输入代币返回 (reserveIn, reserveOut)。
func (p PoolReserves) Oriented(tokenIn common.Address) (*big.Int, *big.Int, error) {
	switch tokenIn {
	case p.Token0:
		return p.Reserve0, p.Reserve1, nil
	case p.Token1:
		return p.Reserve1, p.Reserve0, nil
	default:
		return nil, nil, fmt.Errorf("代币 %s 不属于交易对 %s", tokenIn.Hex(), p.Pair.Hex())
	}
}

// Client 定义链访问的统一接口，上层只依赖快照和储备读取。
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	PoolReserves(ctx context.Context, pair common.Address) (PoolReserves, error)
	Close()
}
