package workers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"OpenAgent-Hub/internal/agentdir"
	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/bus"
	"OpenAgent-Hub/internal/defi"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/security"
	"OpenAgent-Hub/pkg/logger"
)

const leakyHandler = `package main

const apiKey = "sk-live-1234567890"

func run(input string) { eval(input) }
`

const rugToken = `pragma solidity ^0.8.0;

contract MoonToken is Ownable {
    uint256 public sellTax = 25;
    mapping(address => bool) private _isBlacklisted;

    function mint(address to, uint256 amount) external onlyOwner {
        _balances[to] += amount;
    }

    function rescue() external onlyOwner {
        selfdestruct(payable(owner()));
    }
}
`

func stepMessage(t *testing.T, to string, req bus.StepRequest) bus.Message {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	msg := bus.NewMessage("orchestrator", to, bus.TypeRequest, payload)
	msg.WorkflowID, msg.StepID, msg.Action = req.WorkflowID, req.StepID, req.Action
	msg.Timeout = 5 * time.Second
	return msg
}

func newDeFiEngine(t *testing.T, store *audit.MemoryStore) *defi.Engine {
	t.Helper()
	e, err := defi.NewEngine(context.Background(), defi.WithAuditRecorder(store), defi.WithLogger(logger.Discard()))
	require.NoError(t, err)
	return e
}

func TestPoolRegistersAndServesInstances(t *testing.T) {
	ch := bus.NewMemoryChannel()
	dir := agentdir.NewStatic(nil)
	pool := NewPool(ch, dir, append(Builtin(nil, nil, nil), WithInstances(2), WithLogger(logger.Discard()))...)
	require.NoError(t, pool.Start(context.Background()))

	ids, err := dir.ListInstances(context.Background(), intent.AgentCodeGenerator)
	require.NoError(t, err)
	require.Equal(t, []string{"code_generator-1", "code_generator-2"}, ids)
	require.Len(t, pool.Instances(), 2*len(Builtin(nil, nil, nil)))

	msg := stepMessage(t, "code_generator-2", bus.StepRequest{
		WorkflowID: "wf-1",
		StepID:     "step-1",
		AgentType:  string(intent.AgentCodeGenerator),
		Action:     "generate_code",
		Input: map[string]any{
			"request":   "write a handler",
			"artifacts": []security.Artifact{{Path: "main.go", Content: "package main"}},
		},
	})
	resp, err := ch.Send(context.Background(), msg)
	require.NoError(t, err)

	var out GenericOutput
	require.NoError(t, json.Unmarshal(resp.Payload, &out))
	require.Equal(t, StatusCompleted, out.Status)
	require.Equal(t, "generate_code", out.Action)
	require.Len(t, out.Artifacts, 1)

	require.Error(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop())
	ids, err = dir.ListInstances(context.Background(), intent.AgentCodeGenerator)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestPoolWithoutHandlersFails(t *testing.T) {
	pool := NewPool(bus.NewMemoryChannel(), nil)
	require.True(t, xerrors.IsCode(pool.Start(context.Background()), xerrors.CodeInvalidInput))
	require.NoError(t, pool.Stop())
}

func TestSecurityWorkerSkipsWithoutArtifacts(t *testing.T) {
	scanner, err := security.NewScanner(security.WithLogger(logger.Discard()))
	require.NoError(t, err)
	w := &SecurityWorker{Scanner: scanner}

	raw, err := w.Handle(context.Background(), stepMessage(t, "security_validator-1", bus.StepRequest{WorkflowID: "wf-1", StepID: "s"}))
	require.NoError(t, err)
	var out SecurityOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, StatusSkipped, out.Status)
	require.Nil(t, out.Report)
}

func TestSecurityWorkerBlocksUpstreamFindings(t *testing.T) {
	scanner, err := security.NewScanner(security.WithLogger(logger.Discard()))
	require.NoError(t, err)
	store := audit.NewMemoryStore()
	w := &SecurityWorker{Scanner: scanner, Recorder: store, Logger: logger.Discard()}

	upstream, err := json.Marshal(GenericOutput{Artifacts: []security.Artifact{{Path: "main.go", Content: leakyHandler}}})
	require.NoError(t, err)
	_, err = w.Handle(context.Background(), stepMessage(t, "security_validator-1", bus.StepRequest{
		WorkflowID: "wf-2",
		StepID:     "step-2",
		Upstream:   map[string]json.RawMessage{"step-1": upstream},
	}))
	require.True(t, xerrors.IsCode(err, xerrors.CodeSafetyBlocked))
	require.False(t, xerrors.RetryableError(err))

	entries, err := store.List(context.Background(), audit.Filter{Kind: audit.KindSafetyVerdict, WorkflowID: "wf-2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSecurityWorkerRunsRequestedCompliance(t *testing.T) {
	scanner, err := security.NewScanner(security.WithLogger(logger.Discard()))
	require.NoError(t, err)
	w := &SecurityWorker{Scanner: scanner}

	clean := "package main\n\nfunc parse(in string) error {\n\tif err := validate(in); err != nil {\n\t\treturn err\n\t}\n\treturn nil\n}\n"
	raw, err := w.Handle(context.Background(), stepMessage(t, "security_validator-1", bus.StepRequest{
		WorkflowID: "wf-3",
		StepID:     "step-1",
		Input: map[string]any{
			"artifacts":  []security.Artifact{{Path: "parse.go", Content: clean}},
			"frameworks": []string{security.FrameworkGeneral},
		},
	}))
	require.NoError(t, err)
	var out SecurityOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, StatusPassed, out.Status)
	require.NotNil(t, out.Compliance)
	require.True(t, out.Compliance.Passed)
}

func TestDeFiWorkerDerivesTransactionFromIntent(t *testing.T) {
	store := audit.NewMemoryStore()
	w := &DeFiWorker{Engine: newDeFiEngine(t, store)}

	raw, err := w.Handle(context.Background(), stepMessage(t, "defi_safety-1", bus.StepRequest{
		WorkflowID: "wf-4",
		StepID:     "step-3",
		Input: map[string]any{
			"request":    "stake 0.5 ETH on mainnet",
			"parameters": intent.Parameters{Numbers: []string{"0.5"}, Tokens: []string{"ETH"}},
		},
	}))
	require.NoError(t, err)
	var out DeFiOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, string(defi.DecisionAllow), out.Status)
	require.NotNil(t, out.Report.MEV)
	require.Nil(t, out.Report.RugPull)
}

func TestDeFiWorkerBlocksRugPullArtifact(t *testing.T) {
	w := &DeFiWorker{Engine: newDeFiEngine(t, audit.NewMemoryStore())}
	upstream, err := json.Marshal(GenericOutput{Artifacts: []security.Artifact{{Path: "contracts/Moon.sol", Content: rugToken}}})
	require.NoError(t, err)

	_, err = w.Handle(context.Background(), stepMessage(t, "defi_safety-1", bus.StepRequest{
		WorkflowID: "wf-5",
		StepID:     "step-2",
		Input:      map[string]any{"request": "deploy token"},
		Upstream:   map[string]json.RawMessage{"step-1": upstream},
	}))
	require.True(t, xerrors.IsCode(err, xerrors.CodeSafetyBlocked))
}

func TestDeFiWorkerExplicitInputAndMissingInput(t *testing.T) {
	w := &DeFiWorker{Engine: newDeFiEngine(t, audit.NewMemoryStore())}

	raw, err := w.Handle(context.Background(), stepMessage(t, "defi_safety-1", bus.StepRequest{
		WorkflowID: "wf-6",
		StepID:     "step-1",
		Input: map[string]any{"defi": defi.RequestInput{
			Swap: &defi.SwapInput{AmountIn: "1000", ReserveIn: "100000", ReserveOut: "50000", FeeBps: 30},
		}},
	}))
	require.NoError(t, err)
	var out DeFiOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, "493", out.Report.Slippage.AmountOut.String())

	_, err = w.Handle(context.Background(), stepMessage(t, "defi_safety-1", bus.StepRequest{
		WorkflowID: "wf-6",
		StepID:     "step-2",
		Input:      map[string]any{"request": "swap 100 USDC for DAI"},
	}))
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}

func TestDeriveRequestPairsAmountWithEther(t *testing.T) {
	in, err := deriveRequest(bus.StepRequest{Input: map[string]any{
		"request":    "swap 100 USDC for 0.1 ETH",
		"parameters": intent.Parameters{Numbers: []string{"100", "0.1"}, Tokens: []string{"USDC", "ETH"}},
	}})
	require.NoError(t, err)
	require.NotNil(t, in.Tx)
	require.Equal(t, "0.1", in.Tx.ValueEth)
	require.Equal(t, string(defi.OpSwap), in.Tx.Operation)

	in, err = deriveRequest(bus.StepRequest{Input: map[string]any{"request": "wrap 2.5 weth"}})
	require.NoError(t, err)
	require.Equal(t, "2.5", in.Tx.ValueEth)

	// ETH 只出现在句中但没有对应数量
	_, err = deriveRequest(bus.StepRequest{Input: map[string]any{
		"request":    "swap 100 USDC for ETH",
		"parameters": intent.Parameters{Numbers: []string{"100"}, Tokens: []string{"USDC", "ETH"}},
	}})
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}

func TestOperationFromText(t *testing.T) {
	cases := map[string]defi.Operation{
		"swap 1 ETH":            defi.OpSwap,
		"Remove liquidity now":  defi.OpRemoveLiquidity,
		"unstake my ETH":        defi.OpUnstake,
		"stake 2 ETH":           defi.OpStake,
		"send 1 ETH to 0xabc":   defi.OpTransfer,
		"add liquidity to pool": defi.OpAddLiquidity,
	}
	for text, want := range cases {
		require.Equal(t, want, operationFrom(text), text)
	}
}

func TestAuditWorkerRecordsUpstream(t *testing.T) {
	store := audit.NewMemoryStore()
	w := &AuditWorker{Recorder: store}

	raw, err := w.Handle(context.Background(), stepMessage(t, "audit_agent-1", bus.StepRequest{
		WorkflowID: "wf-7",
		StepID:     "step-9",
		Input:      map[string]any{"request": "ship it", "risk": "low"},
		Upstream: map[string]json.RawMessage{
			"step-2": json.RawMessage(`{"status":"completed"}`),
			"step-1": json.RawMessage(`{"status":"completed"}`),
		},
	}))
	require.NoError(t, err)
	var out AuditOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, []string{"step-1", "step-2"}, out.Steps)

	entries, err := store.List(context.Background(), audit.Filter{Kind: audit.KindWorkflowStatus, WorkflowID: "wf-7"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, out.EntryID, entries[0].ID)
}

func TestDecodeRequestRejectsEmptyPayload(t *testing.T) {
	_, err := decodeRequest(bus.NewMessage("a", "b", bus.TypeRequest, nil))
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}
