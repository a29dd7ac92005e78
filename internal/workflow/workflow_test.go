package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/pkg/logger"
)

func step(id string, agent intent.AgentType) *Step {
	return &Step{ID: id, AgentType: agent, Action: "run"}
}

func TestNewComputesParallelGroups(t *testing.T) {
	w, err := New("wf-1", []*Step{
		step("A", intent.AgentResearcher),
		step("B", intent.AgentSystemArchitect),
		step("C", intent.AgentCodeGenerator),
	}, map[string][]string{"C": {"A", "B"}})
	require.NoError(t, err)

	require.Equal(t, [][]string{{"A", "B"}, {"C"}}, w.ParallelGroups)
	require.Equal(t, StatusPending, w.Status)
	for _, s := range w.Steps {
		require.Equal(t, StepPending, s.Status)
	}
}

func TestNewRejectsCycles(t *testing.T) {
	cases := map[string]map[string][]string{
		"two node":   {"A": {"B"}, "B": {"A"}},
		"three node": {"A": {"C"}, "B": {"A"}, "C": {"B"}},
		"self":       {"A": {"A"}},
	}
	for name, deps := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New("wf", []*Step{
				step("A", intent.AgentResearcher),
				step("B", intent.AgentResearcher),
				step("C", intent.AgentResearcher),
			}, deps)
			require.True(t, xerrors.IsCode(err, xerrors.CodeCyclicDependency), "got %v", err)
		})
	}
}

func TestFindCycleReturnsPath(t *testing.T) {
	cycle := FindCycle([]string{"A", "B", "C", "D"}, map[string][]string{
		"A": {"B"},
		"B": {"C"},
		"C": {"A"},
		"D": {"A"},
	})
	require.Equal(t, []string{"A", "B", "C", "A"}, cycle)
	require.Nil(t, FindCycle([]string{"A", "B"}, map[string][]string{"B": {"A"}}))
}

func TestNewRejectsMalformedWorkflows(t *testing.T) {
	_, err := New("wf", nil, nil)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidWorkflow))

	_, err = New("wf", []*Step{step("A", intent.AgentResearcher), step("A", intent.AgentResearcher)}, nil)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidWorkflow))

	_, err = New("wf", []*Step{step("A", intent.AgentResearcher)}, map[string][]string{"A": {"missing"}})
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidWorkflow))

	_, err = New("wf", []*Step{{ID: "A"}}, nil)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidWorkflow))
}

func TestTransitions(t *testing.T) {
	w, err := New("wf", []*Step{step("A", intent.AgentResearcher)}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Transition(StatusRunning))
	require.NoError(t, w.Transition(StatusCompleted))
	err = w.Transition(StatusRunning)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidTransition))

	require.False(t, CanTransition(StatusCancelled, StatusRunning))
	require.False(t, CanTransition(StatusFailed, StatusCompleted))
	require.True(t, CanTransition(StatusPending, StatusRunning))
	require.False(t, CanTransition(StatusPending, StatusCancelled))
	require.False(t, CanTransition(StatusPending, StatusFailed))
	require.False(t, CanTransition(StatusPending, StatusCompleted))

	pending, err := New("wf-2", []*Step{step("A", intent.AgentResearcher)}, nil)
	require.NoError(t, err)
	err = pending.Transition(StatusCancelled)
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidTransition))
	require.Equal(t, StatusPending, pending.Status)
}

func TestEffectivePriority(t *testing.T) {
	s := &Step{AgentType: intent.AgentResearcher, Priority: PriorityLow}
	require.Equal(t, PriorityLow, s.EffectivePriority())

	s.Required = true
	require.Equal(t, PriorityHigh, s.EffectivePriority())

	sec := &Step{AgentType: intent.AgentSecurityValidator, Priority: PriorityCritical}
	require.Equal(t, PriorityCritical, sec.EffectivePriority())
	sec.Priority = PriorityMedium
	require.Equal(t, PriorityHigh, sec.EffectivePriority())
}

func TestBuildFromDeFiAnalysis(t *testing.T) {
	c := intent.NewClassifier(intent.WithLogger(logger.Discard()))
	a, err := c.Classify("swap 0.1 ETH to USDC on mainnet")
	require.NoError(t, err)

	w, err := NewBuilder(WithIDGenerator(func() string { return "wf-defi" })).Build(a)
	require.NoError(t, err)
	require.Equal(t, "wf-defi", w.ID)
	require.True(t, w.IsFinancial())
	require.Equal(t, a.ID, w.Intent.ID)

	// researcher -> security -> defi -> audit
	require.Len(t, w.ParallelGroups, 4)
	var security, defi, audit *Step
	for _, s := range w.Steps {
		switch s.AgentType {
		case intent.AgentSecurityValidator:
			security = s
		case intent.AgentDeFiSafety:
			defi = s
		case intent.AgentAudit:
			audit = s
		}
		require.Equal(t, PriorityCritical, s.Priority)
	}
	require.NotNil(t, security)
	require.NotNil(t, defi)
	require.NotNil(t, audit)
	require.Equal(t, []string{security.ID}, w.Dependencies[defi.ID])
	require.Len(t, w.Dependencies[audit.ID], len(w.Steps)-1)
	require.Equal(t, []string{audit.ID}, w.ParallelGroups[len(w.ParallelGroups)-1])
}

func TestBuildRejectsEmptyAnalysis(t *testing.T) {
	_, err := NewBuilder().Build(intent.Analysis{})
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}

func TestCloneIsDeep(t *testing.T) {
	w, err := New("wf", []*Step{step("A", intent.AgentResearcher), step("B", intent.AgentCodeGenerator)}, map[string][]string{"B": {"A"}})
	require.NoError(t, err)
	cp := w.Clone()
	cp.Steps[0].Status = StepCompleted
	cp.Dependencies["B"][0] = "X"
	require.Equal(t, StepPending, w.Steps[0].Status)
	require.Equal(t, "A", w.Dependencies["B"][0])
}
