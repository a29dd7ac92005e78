package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"OpenAgent-Hub/internal/web3"
)

var (
	pairAddr = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	usdc     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

// fakePair 按 ABI 编码返回固定的交易对状态。
type fakePair struct {
	abi      abi.ABI
	reserve0 *big.Int
	reserve1 *big.Int
	ts       uint32
	head     *coretypes.Header
	failOn   string
}

func newFakePair(t *testing.T) *fakePair {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(PairABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &fakePair{
		abi:      parsed,
		reserve0: big.NewInt(50_000_000_000),
		reserve1: new(big.Int).Mul(big.NewInt(20), big.NewInt(1e18)),
		ts:       1_700_000_000,
		head:     &coretypes.Header{Number: big.NewInt(19_000_000), Time: 1_700_000_012},
	}
}

func (f *fakePair) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || *msg.To != pairAddr {
		return nil, errors.New("execution reverted")
	}
	method, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name == f.failOn {
		return nil, errors.New("execution reverted")
	}
	switch method.Name {
	case "getReserves":
		return method.Outputs.Pack(f.reserve0, f.reserve1, f.ts)
	case "token0":
		return method.Outputs.Pack(usdc)
	case "token1":
		return method.Outputs.Pack(weth)
	}
	return nil, errors.New("unexpected method")
}

func (f *fakePair) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return f.head, nil
}

func (f *fakePair) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func TestPoolReservesDecodesPair(t *testing.T) {
	t.Parallel()

	backend := newFakePair(t)
	client, err := NewBackendClient("mainnet", "fake", backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	res, err := client.PoolReserves(context.Background(), pairAddr)
	if err != nil {
		t.Fatalf("pool reserves: %v", err)
	}
	if res.Reserve0.Cmp(backend.reserve0) != 0 || res.Reserve1.Cmp(backend.reserve1) != 0 {
		t.Fatalf("unexpected reserves %s/%s", res.Reserve0, res.Reserve1)
	}
	if res.Token0 != usdc || res.Token1 != weth {
		t.Fatalf("unexpected tokens %s/%s", res.Token0.Hex(), res.Token1.Hex())
	}
	if res.BlockTimestampLast != backend.ts {
		t.Fatalf("unexpected timestamp %d", res.BlockTimestampLast)
	}

	in, out, err := res.Oriented(weth)
	if err != nil {
		t.Fatalf("oriented: %v", err)
	}
	if in.Cmp(backend.reserve1) != 0 || out.Cmp(backend.reserve0) != 0 {
		t.Fatal("expected weth to map to reserve1")
	}
	if _, _, err := res.Oriented(common.Address{}); err == nil {
		t.Fatal("expected error for foreign token")
	}
}

func TestPoolReservesPropagatesRevert(t *testing.T) {
	t.Parallel()

	backend := newFakePair(t)
	backend.failOn = "token1"
	client, err := NewBackendClient("mainnet", "", backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.PoolReserves(context.Background(), pairAddr); err == nil {
		t.Fatal("expected revert to surface")
	}
	if _, err := client.PoolReserves(context.Background(), usdc); err == nil {
		t.Fatal("expected error for non-pair address")
	}
}

func TestFetchChainSnapshot(t *testing.T) {
	t.Parallel()

	client, err := NewBackendClient("mainnet", "fake", newFakePair(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	snapshot, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x1" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber != "0x"+big.NewInt(19_000_000).Text(16) {
		t.Fatalf("unexpected block number %s", snapshot.BlockNumber)
	}
	if !snapshot.BlockTime.Equal(time.Unix(1_700_000_012, 0)) {
		t.Fatalf("unexpected block time %s", snapshot.BlockTime)
	}
}

func TestNewClientRequiresRPC(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without rpc url")
	}
	if _, err := NewBackendClient("x", "", nil); err == nil {
		t.Fatal("expected error without backend")
	}
}

var _ web3.Client = (*Client)(nil)
