package workflow

import (
	"encoding/json"
	"time"

	"OpenAgent-Hub/internal/intent"
)

// Status represents the lifecycle state of a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a valid workflow transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepStatus represents the lifecycle state of an individual step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the step is in a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Priority orders competing steps during resource allocation.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps the priority onto a comparable integer.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 0
	}
}

// Max returns the higher of two priorities.
func (p Priority) Max(other Priority) Priority {
	if other.Rank() > p.Rank() {
		return other
	}
	return p
}

// PriorityFromLevel maps a risk tier onto a step priority.
func PriorityFromLevel(l intent.Level) Priority {
	switch l {
	case intent.LevelLow:
		return PriorityLow
	case intent.LevelHigh:
		return PriorityHigh
	case intent.LevelCritical:
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Step is one unit of work executed by a single agent instance. The runtime
// fields are mutated only by the orchestrator.
type Step struct {
	ID         string           `json:"id"`
	AgentType  intent.AgentType `json:"agent_type"`
	Action     string           `json:"action"`
	Order      int              `json:"order"`
	Timeout    time.Duration    `json:"timeout,omitempty"`
	Required   bool             `json:"required"`
	Priority   Priority         `json:"priority,omitempty"`
	MaxRetries int              `json:"max_retries,omitempty"`
	Input      map[string]any   `json:"input,omitempty"`

	Status      StepStatus      `json:"status"`
	RetryCount  int             `json:"retry_count"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EffectivePriority is the priority used for allocation: required steps and
// security validation steps run at high priority or above.
func (s *Step) EffectivePriority() Priority {
	p := s.Priority
	if p == "" {
		p = PriorityMedium
	}
	if s.Required || s.AgentType == intent.AgentSecurityValidator {
		p = p.Max(PriorityHigh)
	}
	return p
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Input != nil {
		cp.Input = make(map[string]any, len(s.Input))
		for k, v := range s.Input {
			cp.Input[k] = v
		}
	}
	if s.Output != nil {
		cp.Output = append(json.RawMessage(nil), s.Output...)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Workflow is an acyclic set of steps partitioned into parallel groups.
type Workflow struct {
	ID             string              `json:"id"`
	Name           string              `json:"name,omitempty"`
	Steps          []*Step             `json:"steps"`
	Dependencies   map[string][]string `json:"dependencies"`
	ParallelGroups [][]string          `json:"parallel_groups"`
	Intent         *intent.Analysis    `json:"intent,omitempty"`
	Status         Status              `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Step looks up a step by id.
func (w *Workflow) Step(id string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// StepIDs returns step ids in declared order.
func (w *Workflow) StepIDs() []string {
	ids := make([]string, len(w.Steps))
	for i, s := range w.Steps {
		ids[i] = s.ID
	}
	return ids
}

// IsFinancial reports whether the workflow carries a DeFi safety step.
func (w *Workflow) IsFinancial() bool {
	for _, s := range w.Steps {
		if s.AgentType == intent.AgentDeFiSafety {
			return true
		}
	}
	return w.Intent != nil && w.Intent.IsFinancial()
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s.Clone()
	}
	cp.Dependencies = cloneDeps(w.Dependencies)
	cp.ParallelGroups = make([][]string, len(w.ParallelGroups))
	for i, g := range w.ParallelGroups {
		cp.ParallelGroups[i] = append([]string(nil), g...)
	}
	return &cp
}

func cloneDeps(deps map[string][]string) map[string][]string {
	out := make(map[string][]string, len(deps))
	for k, v := range deps {
		out[k] = append([]string(nil), v...)
	}
	return out
}
