package intent

import "time"

// Category is the fixed enumeration of request intents.
type Category string

const (
	CategoryCodeGeneration     Category = "code_generation"
	CategoryTesting            Category = "testing"
	CategorySecurityValidation Category = "security_validation"
	CategoryResearch           Category = "research"
	CategorySystemDesign       Category = "system_design"
	CategoryRefactoring        Category = "refactoring"
	CategoryDebugging          Category = "debugging"
	CategoryDeployment         Category = "deployment"
	CategoryDeFiOperation      Category = "defi_operation"
)

// Level is shared by complexity and risk tiers.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Rank orders levels so they can be compared; unknown levels rank lowest.
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// Raise returns the next level up, saturating at critical.
func (l Level) Raise() Level {
	switch l {
	case LevelLow:
		return LevelMedium
	case LevelMedium:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// AgentType names a class of worker agent.
type AgentType string

const (
	AgentCodeGenerator     AgentType = "code_generator"
	AgentTestEngineer      AgentType = "test_engineer"
	AgentSecurityValidator AgentType = "security_validator"
	AgentResearcher        AgentType = "researcher"
	AgentSystemArchitect   AgentType = "system_architect"
	AgentRefactoring       AgentType = "refactoring_agent"
	AgentDebugger          AgentType = "debugger"
	AgentDeployment        AgentType = "deployment_agent"
	AgentDeFiSafety        AgentType = "defi_safety"
	AgentAudit             AgentType = "audit_agent"
)

// Parameters holds values extracted from the request text.
type Parameters struct {
	Numbers    []string `json:"numbers,omitempty"`
	Quoted     []string `json:"quoted,omitempty"`
	Languages  []string `json:"languages,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
	Tokens     []string `json:"tokens,omitempty"`
	Networks   []string `json:"networks,omitempty"`
	Addresses  []string `json:"addresses,omitempty"`
}

// Analysis is the classifier output. It is created once per request and
// must be treated as read-only afterwards.
type Analysis struct {
	ID                 string               `json:"id"`
	Text               string               `json:"text"`
	Primary            Category             `json:"primary"`
	Secondary          []Category           `json:"secondary,omitempty"`
	Scores             map[Category]float64 `json:"scores,omitempty"`
	Complexity         Level                `json:"complexity"`
	Risk               Level                `json:"risk"`
	Confidence         float64              `json:"confidence"`
	RequiredAgents     []AgentType          `json:"required_agents"`
	Parameters         Parameters           `json:"parameters"`
	Reasoning          string               `json:"reasoning"`
	NeedsClarification bool                 `json:"needs_clarification"`
	CreatedAt          time.Time            `json:"created_at"`
}

// Requires reports whether agentType is among the required agents.
func (a Analysis) Requires(agentType AgentType) bool {
	for _, t := range a.RequiredAgents {
		if t == agentType {
			return true
		}
	}
	return false
}

// IsFinancial reports whether the request touches on-chain value.
func (a Analysis) IsFinancial() bool {
	if a.Primary == CategoryDeFiOperation {
		return true
	}
	for _, c := range a.Secondary {
		if c == CategoryDeFiOperation {
			return true
		}
	}
	return false
}

// Clarification is returned instead of proceeding when the request is too
// ambiguous or too risky to act on without confirmation.
type Clarification struct {
	Analysis  Analysis `json:"analysis"`
	Questions []string `json:"questions"`
	Reasons   []string `json:"reasons"`
}
