package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
)

// stage orders agent types: a step depends on every step of the nearest
// earlier non-empty stage.
var stage = map[intent.AgentType]int{
	intent.AgentResearcher:        0,
	intent.AgentSystemArchitect:   0,
	intent.AgentCodeGenerator:     1,
	intent.AgentRefactoring:       1,
	intent.AgentDebugger:          1,
	intent.AgentTestEngineer:      2,
	intent.AgentSecurityValidator: 2,
	intent.AgentDeFiSafety:        3,
	intent.AgentDeployment:        4,
	intent.AgentAudit:             5,
}

// Actions maps an agent type to the action dispatched to it.
var Actions = map[intent.AgentType]string{
	intent.AgentResearcher:        "gather_context",
	intent.AgentSystemArchitect:   "design_system",
	intent.AgentCodeGenerator:     "generate_code",
	intent.AgentRefactoring:       "refactor_code",
	intent.AgentDebugger:          "diagnose_issue",
	intent.AgentTestEngineer:      "run_tests",
	intent.AgentSecurityValidator: "scan_vulnerabilities",
	intent.AgentDeFiSafety:        "validate_defi_safety",
	intent.AgentDeployment:        "deploy",
	intent.AgentAudit:             "record_audit",
}

// Builder turns an intent analysis into a workflow.
type Builder struct {
	timeouts map[intent.AgentType]time.Duration
	newID    func() string
}

// BuilderOption customises a Builder.
type BuilderOption func(*Builder)

// WithStepTimeout overrides the timeout assigned to steps of agentType.
func WithStepTimeout(agentType intent.AgentType, timeout time.Duration) BuilderOption {
	return func(b *Builder) {
		if timeout > 0 {
			b.timeouts[agentType] = timeout
		}
	}
}

// WithIDGenerator replaces the workflow id generator.
func WithIDGenerator(fn func() string) BuilderOption {
	return func(b *Builder) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// NewBuilder returns a builder with default per-agent timeouts. Agent types
// without an entry use the orchestrator default.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		timeouts: map[intent.AgentType]time.Duration{
			intent.AgentSecurityValidator: 2 * time.Minute,
			intent.AgentDeFiSafety:        time.Minute,
			intent.AgentAudit:             30 * time.Second,
		},
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 根据意图分析生成工作流：每个所需 agent 类型对应一个步骤。
func (b *Builder) Build(a intent.Analysis) (*Workflow, error) {
	if len(a.RequiredAgents) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "意图分析未给出所需 agent")
	}

	primaryAgents := make(map[intent.AgentType]bool)
	for _, t := range intent.AgentTable[a.Primary] {
		primaryAgents[t] = true
	}

	basePriority := PriorityFromLevel(a.Risk)
	steps := make([]*Step, 0, len(a.RequiredAgents))
	byStage := make(map[int][]string)
	for i, agentType := range a.RequiredAgents {
		action, ok := Actions[agentType]
		if !ok {
			action = "execute"
		}
		s := &Step{
			ID:        fmt.Sprintf("step-%d-%s", i+1, agentType),
			AgentType: agentType,
			Action:    action,
			Order:     i + 1,
			Timeout:   b.timeouts[agentType],
			Required:  primaryAgents[agentType] || agentType == intent.AgentAudit || agentType == intent.AgentDeFiSafety,
			Priority:  basePriority,
			Input: map[string]any{
				"request":    a.Text,
				"category":   string(a.Primary),
				"risk":       string(a.Risk),
				"parameters": a.Parameters,
			},
			Status: StepPending,
		}
		steps = append(steps, s)
		byStage[stageOf(agentType)] = append(byStage[stageOf(agentType)], s.ID)
	}

	deps := make(map[string][]string)
	for _, s := range steps {
		if s.AgentType == intent.AgentAudit {
			for _, other := range steps {
				if other.ID != s.ID {
					deps[s.ID] = append(deps[s.ID], other.ID)
				}
			}
			continue
		}
		for prev := stageOf(s.AgentType) - 1; prev >= 0; prev-- {
			if ids := byStage[prev]; len(ids) > 0 {
				deps[s.ID] = append([]string(nil), ids...)
				break
			}
		}
	}

	w, err := New(b.newID(), steps, deps)
	if err != nil {
		return nil, err
	}
	analysis := a
	w.Intent = &analysis
	w.Name = fmt.Sprintf("%s workflow", a.Primary)
	return w, nil
}

func stageOf(t intent.AgentType) int {
	if s, ok := stage[t]; ok {
		return s
	}
	return 1
}
