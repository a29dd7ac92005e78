package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"OpenAgent-Hub/internal/web3"
)

// PairABI 是 Uniswap-V2 交易对中只读方法的 ABI。
const PairABI = `[
 {"type":"function","name":"getReserves","stateMutability":"view","inputs":[],
  "outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
 {"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend 是客户端依赖的最小链接口，*ethclient.Client 满足该接口。
type Backend interface {
	gethcore.ContractCaller
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	backend   Backend
	pair      abi.ABI
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	c, err := NewBackendClient(cfg.Name, cfg.Notes, ethclient.NewClient(rpcClient))
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	c.rpcClient = rpcClient
	return c, nil
}

// NewBackendClient wraps an existing backend, e.g. a test double.
func NewBackendClient(name, notes string, backend Backend) (*Client, error) {
	if backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	parsed, err := abi.JSON(strings.NewReader(PairABI))
	if err != nil {
		return nil, fmt.Errorf("解析交易对 ABI 失败: %w", err)
	}
	return &Client{name: name, notes: notes, backend: backend, pair: parsed}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot 读取链 ID 与最新区块头。
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: toHexBig(head.Number),
		BlockTime:   time.Unix(int64(head.Time), 0).UTC(),
		Notes:       c.notes,
	}, nil
}

// PoolReserves 调用 token0/token1/getReserves 读取交易对储备。
func (c *Client) PoolReserves(ctx context.Context, pair common.Address) (web3.PoolReserves, error) {
	if c == nil || c.backend == nil {
		return web3.PoolReserves{}, errors.New("未初始化的以太坊客户端")
	}

	out, err := c.call(ctx, pair, "getReserves")
	if err != nil {
		return web3.PoolReserves{}, err
	}
	if len(out) != 3 {
		return web3.PoolReserves{}, fmt.Errorf("getReserves 返回了 %d 个值", len(out))
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	ts, ok2 := out[2].(uint32)
	if !ok0 || !ok1 || !ok2 {
		return web3.PoolReserves{}, errors.New("getReserves 返回值类型不匹配")
	}

	res := web3.PoolReserves{Pair: pair, Reserve0: r0, Reserve1: r1, BlockTimestampLast: ts}
	if res.Token0, err = c.callAddress(ctx, pair, "token0"); err != nil {
		return web3.PoolReserves{}, err
	}
	if res.Token1, err = c.callAddress(ctx, pair, "token1"); err != nil {
		return web3.PoolReserves{}, err
	}
	return res, nil
}

func (c *Client) call(ctx context.Context, to common.Address, method string) ([]any, error) {
	data, err := c.pair.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s.%s 失败: %w", to.Hex(), method, err)
	}
	out, err := c.pair.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	return out, nil
}

func (c *Client) callAddress(ctx context.Context, to common.Address, method string) (common.Address, error) {
	out, err := c.call(ctx, to, method)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s 返回了 %d 个值", method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s 返回值类型不匹配", method)
	}
	return addr, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
