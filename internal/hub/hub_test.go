package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"OpenAgent-Hub/internal/agentdir"
	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/bus"
	"OpenAgent-Hub/internal/config"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/orchestrator"
	"OpenAgent-Hub/internal/security"
	"OpenAgent-Hub/internal/workers"
	"OpenAgent-Hub/internal/workflow"
	"OpenAgent-Hub/pkg/logger"
)

type fixture struct {
	hub   *Hub
	store *audit.MemoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := audit.NewMemoryStore()
	ch := bus.NewMemoryChannel()
	dir := agentdir.NewStatic(nil)

	scanner, err := security.NewScanner(security.WithLogger(logger.Discard()))
	require.NoError(t, err)
	pool := workers.NewPool(ch, dir, append(workers.Builtin(
		&workers.SecurityWorker{Scanner: scanner, Recorder: store, Logger: logger.Discard()},
		nil,
		&workers.AuditWorker{Recorder: store},
	), workers.WithLogger(logger.Discard()))...)
	require.NoError(t, pool.Start(context.Background()))

	orch := orchestrator.New(config.OrchestratorConfig{
		MaxConcurrentWorkflows: 2,
		MaxRetries:             1,
		BaseBackoff:            time.Millisecond,
		MaxBackoff:             time.Millisecond,
		DefaultStepTimeout:     time.Second,
		QueueTimeout:           time.Second,
	}, dir, ch, orchestrator.WithAuditRecorder(store), orchestrator.WithLogger(logger.Discard()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Shutdown(ctx))
		require.NoError(t, pool.Stop())
		_ = ch.Close()
	})

	h := New(nil, nil, orch,
		WithScanner(scanner),
		WithAuditRecorder(store),
		WithLogger(logger.Discard()))
	return fixture{hub: h, store: store}
}

func TestSubmitRunsWorkflowToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.hub.Submit(ctx, "write a python function that parses csv files", false)
	require.NoError(t, err)
	require.False(t, sub.NeedsClarification())
	require.Equal(t, intent.CategoryCodeGeneration, sub.Analysis.Primary)
	require.NotNil(t, sub.Plan)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status, err := f.hub.Wait(waitCtx, sub.Plan.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, status.Status)
	require.Len(t, status.Completed, len(sub.Workflow.Steps))

	byWorkflow, err := f.hub.StatusOfWorkflow(ctx, sub.Workflow.ID)
	require.NoError(t, err)
	require.Equal(t, status.PlanID, byWorkflow.PlanID)

	entries, err := f.store.List(ctx, audit.Filter{Kind: audit.KindIntentAnalysis})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	err = f.hub.Cancel(ctx, sub.Workflow.ID, "too late")
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidTransition))
}

func TestSubmitReturnsClarificationForCriticalRisk(t *testing.T) {
	f := newFixture(t)

	sub, err := f.hub.Submit(context.Background(), "swap 2 ETH for USDC on mainnet with real funds", false)
	require.True(t, xerrors.IsCode(err, xerrors.CodeClarificationNeeded))
	require.True(t, sub.NeedsClarification())
	require.NotEmpty(t, sub.Clarification.Questions)
	require.Nil(t, sub.Plan)
	require.Empty(t, f.hub.Conflicts())
}

func TestAnalyzeIntentConfirmedSkipsClarification(t *testing.T) {
	f := newFixture(t)

	res, err := f.hub.AnalyzeIntent(context.Background(), "swap 2 ETH for USDC on mainnet with real funds", true)
	require.NoError(t, err)
	require.True(t, res.Analysis.NeedsClarification)
	require.False(t, res.NeedsClarification())

	_, err = f.hub.AnalyzeIntent(context.Background(), "   ", false)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}

func TestCancelUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	err := f.hub.Cancel(context.Background(), "wf-missing", "user")
	require.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))

	_, err = f.hub.StatusOfWorkflow(context.Background(), "wf-missing")
	require.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))
}

func TestScanRecordsVerdict(t *testing.T) {
	f := newFixture(t)
	report, err := f.hub.Scan(context.Background(), []security.Artifact{{Path: "a.py", Content: "eval(user_input)"}})
	require.NoError(t, err)
	require.False(t, report.Passed)

	entries, err := f.store.List(context.Background(), audit.Filter{Kind: audit.KindSafetyVerdict})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = f.hub.CheckCompliance(context.Background(), nil, []string{"unknown"})
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
	require.Nil(t, f.hub.DeFi())
}

func TestHubWithoutOrchestrator(t *testing.T) {
	h := New(nil, nil, nil, WithLogger(logger.Discard()), WithAuditRecorder(audit.NewMemoryStore()))
	_, err := h.GetStatus(context.Background(), "plan-1")
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
	require.Nil(t, h.Conflicts())
}
