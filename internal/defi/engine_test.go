package defi

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/config"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/observability/alerting"
	"OpenAgent-Hub/internal/web3"
	"OpenAgent-Hub/pkg/logger"
)

type alertSink struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (s *alertSink) Notify(_ context.Context, evt alerting.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *alertSink) codes() []xerrors.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]xerrors.Code, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Code)
	}
	return out
}

type fakeChain struct {
	reserves web3.PoolReserves
	head     time.Time
	err      error
}

func (f *fakeChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{BlockTime: f.head}, f.err
}

func (f *fakeChain) PoolReserves(_ context.Context, pair common.Address) (web3.PoolReserves, error) {
	if f.err != nil {
		return web3.PoolReserves{}, f.err
	}
	if pair != f.reserves.Pair {
		return web3.PoolReserves{}, errors.New("execution reverted")
	}
	return f.reserves, nil
}

func (f *fakeChain) Close() {}

type engineFixture struct {
	engine *Engine
	store  *audit.MemoryStore
	alerts *alertSink
}

func newEngine(t *testing.T, opts ...Option) engineFixture {
	t.Helper()
	f := engineFixture{store: audit.NewMemoryStore(), alerts: &alertSink{}}
	base := []Option{
		WithAuditRecorder(f.store),
		WithAlertDispatcher(f.alerts),
		WithLogger(logger.Discard()),
		WithClock(func() time.Time { return testNow }),
	}
	e, err := NewEngine(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	f.engine = e
	return f
}

func referenceSwap() *SlippageParams {
	return &SlippageParams{
		AmountIn:       big.NewInt(1000),
		ReserveIn:      big.NewInt(100000),
		ReserveOut:     big.NewInt(50000),
		FeeBps:         30,
		MaxSlippageBps: 200,
	}
}

func TestValidateAllowsSafeRequest(t *testing.T) {
	f := newEngine(t)
	report, err := f.engine.Validate(context.Background(), DeFiRequest{
		WorkflowID: "wf-1",
		Swap:       referenceSwap(),
		Source:     fairToken,
		Tx:         &TxParams{Operation: OpTransfer, Value: big.NewInt(1000), SlippageBps: 30},
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, report.Decision)
	require.True(t, report.CanProceed)
	require.Empty(t, report.Reasons)
	require.NotNil(t, report.Slippage)
	require.NotNil(t, report.RugPull)
	require.NotNil(t, report.MEV)

	entries, err := f.store.List(context.Background(), audit.Filter{Kind: audit.KindSafetyVerdict, WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, string(DecisionAllow), entries[0].Summary)
}

func TestValidateRequiresApprovalForSlippage(t *testing.T) {
	f := newEngine(t, WithLimits(config.DeFiConfig{MaxSlippageBps: 50}))
	swap := referenceSwap()
	swap.MaxSlippageBps = 0

	report, err := f.engine.Validate(context.Background(), DeFiRequest{Swap: swap})
	require.NoError(t, err)
	require.Equal(t, DecisionRequireApproval, report.Decision)
	require.Equal(t, []string{"slippage_unacceptable"}, report.Reasons)
	require.False(t, report.CanProceed)
	require.Equal(t, uint32(50), report.Slippage.MaxSlippageBps)
}

func TestValidateBlocksRugPull(t *testing.T) {
	f := newEngine(t)
	report, err := f.engine.Validate(context.Background(), DeFiRequest{WorkflowID: "wf-2", Source: scamToken})
	require.True(t, xerrors.IsCode(err, xerrors.CodeSafetyBlocked))
	require.False(t, xerrors.RetryableError(err))
	require.Equal(t, DecisionBlock, report.Decision)
	require.Contains(t, report.Reasons, "rug_pull_not_proceedable")
	require.Equal(t, []xerrors.Code{xerrors.CodeSafetyBlocked}, f.alerts.codes())
}

func TestValidateBlocksMediumRugPullJustAboveLow(t *testing.T) {
	f := newEngine(t)
	report, err := f.engine.Validate(context.Background(), DeFiRequest{Source: taxedToken})
	require.True(t, xerrors.IsCode(err, xerrors.CodeSafetyBlocked))
	require.Equal(t, DecisionBlock, report.Decision)
	require.Equal(t, RiskMedium, report.RugPull.Risk)
	require.Contains(t, report.Reasons, "rug_pull_not_proceedable")
}

func TestValidateBlocksCriticalMEVWithoutPrivateRouting(t *testing.T) {
	f := newEngine(t)
	tx := &TxParams{Operation: OpSwap, Value: ether(20)}
	_, err := f.engine.Validate(context.Background(), DeFiRequest{Tx: tx})
	require.True(t, xerrors.IsCode(err, xerrors.CodeSafetyBlocked))

	tx.PrivateRouting = true
	report, err := f.engine.Validate(context.Background(), DeFiRequest{Tx: tx})
	require.NoError(t, err)
	// 0.8 * 1.5 * 0.4 = 0.48
	require.Equal(t, RiskMedium, report.MEV.Tier)
	require.Equal(t, DecisionAllow, report.Decision)
}

func TestPauseBlocksEveryValidation(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	f.engine.Pause(ctx, "oracle incident")

	paused, reason := f.engine.Paused()
	require.True(t, paused)
	require.Equal(t, "oracle incident", reason)

	_, err := f.engine.Validate(ctx, DeFiRequest{Swap: referenceSwap()})
	require.True(t, xerrors.IsCode(err, xerrors.CodeSystemPaused))
	_, err = f.engine.Slippage(*referenceSwap())
	require.True(t, xerrors.IsCode(err, xerrors.CodeSystemPaused))
	_, err = f.engine.RugPull(fairToken, nil)
	require.True(t, xerrors.IsCode(err, xerrors.CodeSystemPaused))
	_, err = f.engine.MEV(ctx, TxParams{Operation: OpSwap, Value: ether(1)})
	require.True(t, xerrors.IsCode(err, xerrors.CodeSystemPaused))
	require.Contains(t, f.alerts.codes(), xerrors.CodeSystemPaused)

	f.engine.Resume(ctx)
	_, err = f.engine.Validate(ctx, DeFiRequest{Swap: referenceSwap()})
	require.NoError(t, err)
}

func TestValidateReadsPoolReserves(t *testing.T) {
	pair := common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	token0 := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	token1 := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	chain := &fakeChain{
		reserves: web3.PoolReserves{Pair: pair, Token0: token0, Token1: token1,
			Reserve0: big.NewInt(50000), Reserve1: big.NewInt(100000)},
		head: testNow.Add(-time.Minute),
	}
	f := newEngine(t, WithChain(chain))

	report, err := f.engine.Validate(context.Background(), DeFiRequest{
		Swap: &SlippageParams{AmountIn: big.NewInt(1000), FeeBps: 30, MaxSlippageBps: 200},
		Pool: &PoolRef{Pair: pair.Hex(), TokenIn: token1.Hex()},
		Tx:   &TxParams{Operation: OpSwap, Value: big.NewInt(1000), SlippageBps: 30},
	})
	require.NoError(t, err)
	require.Equal(t, int64(493), report.Slippage.AmountOut.Int64())
	require.Equal(t, chain.head.Add(DefaultDeadlineWindow), report.MEV.Protection.Deadline)

	_, err = f.engine.Validate(context.Background(), DeFiRequest{
		Swap: &SlippageParams{AmountIn: big.NewInt(1000)},
		Pool: &PoolRef{Pair: pair.Hex(), TokenIn: common.Address{}.Hex()},
	})
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))

	chain.err = errors.New("rpc down")
	_, err = f.engine.Validate(context.Background(), DeFiRequest{
		Swap: &SlippageParams{AmountIn: big.NewInt(1000)},
		Pool: &PoolRef{Pair: pair.Hex(), TokenIn: token1.Hex()},
	})
	require.True(t, xerrors.IsCode(err, xerrors.CodeUpstreamFailure))
}

func TestValidateWithoutChainOrInput(t *testing.T) {
	f := newEngine(t)
	_, err := f.engine.Validate(context.Background(), DeFiRequest{})
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))

	_, err = f.engine.PoolReserves(context.Background(), PoolRef{Pair: "0x0"})
	require.True(t, xerrors.IsCode(err, xerrors.CodeUpstreamFailure))
	require.False(t, xerrors.RetryableError(err))
}

func TestCustomPolicy(t *testing.T) {
	gate, err := NewPolicyGate(context.Background(), `
package agenthub.defi

import rego.v1

verdict := {"decision": "require_approval", "reasons": ["manual_review"]}
`)
	require.NoError(t, err)
	f := newEngine(t, WithPolicyGate(gate))
	report, err := f.engine.Validate(context.Background(), DeFiRequest{Swap: referenceSwap()})
	require.NoError(t, err)
	require.Equal(t, DecisionRequireApproval, report.Decision)
	require.Equal(t, []string{"manual_review"}, report.Reasons)

	_, err = NewPolicyGate(context.Background(), "package broken\n\nverdict := {")
	require.Error(t, err)
}
