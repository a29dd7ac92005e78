package intent

import (
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/pkg/logger"
)

func newTestClassifier(opts ...Option) *Classifier {
	return NewClassifier(append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

func TestClassifyRejectsBlankText(t *testing.T) {
	c := newTestClassifier()
	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := c.Classify(text)
		require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput), "text %q", text)
	}
}

func TestClassifyMainnetSwapIsCriticalDeFi(t *testing.T) {
	c := newTestClassifier()
	a, err := c.Classify("swap 0.1 ETH to USDC on mainnet")
	require.NoError(t, err)

	require.Equal(t, CategoryDeFiOperation, a.Primary)
	require.Equal(t, LevelCritical, a.Risk)
	require.True(t, a.Requires(AgentSecurityValidator))
	require.True(t, a.Requires(AgentDeFiSafety))
	require.Equal(t, AgentAudit, a.RequiredAgents[len(a.RequiredAgents)-1])
	require.InDelta(t, 2.0/6.0, a.Confidence, 1e-9)
	require.Equal(t, []string{"ETH", "USDC"}, a.Parameters.Tokens)
	require.Equal(t, []string{"mainnet"}, a.Parameters.Networks)
	require.Contains(t, a.Parameters.Numbers, "0.1")
	require.True(t, a.NeedsClarification)
	require.Contains(t, a.Reasoning, "mainnet")
}

func TestClassifyTestnetAmountStaysHigh(t *testing.T) {
	c := newTestClassifier()
	a, err := c.Classify("swap 5 ETH for DAI on sepolia as a dry run")
	require.NoError(t, err)
	require.Equal(t, CategoryDeFiOperation, a.Primary)
	require.Equal(t, LevelHigh, a.Risk)
}

func TestClassifyUnmatchedTextDefaultsToResearch(t *testing.T) {
	c := newTestClassifier()
	a, err := c.Classify("hmm")
	require.NoError(t, err)
	require.Equal(t, CategoryResearch, a.Primary)
	require.Zero(t, a.Confidence)
	require.Empty(t, a.Secondary)
	require.Equal(t, LevelMedium, a.Complexity)
	require.True(t, a.NeedsClarification)
}

func TestClassifySecondaryOrderedByScore(t *testing.T) {
	c := newTestClassifier()
	a, err := c.Classify("debug and fix the crash error in the payment service, then write unit tests with mock coverage")
	require.NoError(t, err)

	require.Equal(t, CategoryDebugging, a.Primary)
	require.NotEmpty(t, a.Secondary)
	require.LessOrEqual(t, len(a.Secondary), 3)
	for i := 1; i < len(a.Secondary); i++ {
		require.GreaterOrEqual(t, a.Scores[a.Secondary[i-1]], a.Scores[a.Secondary[i]])
	}
	require.True(t, a.Requires(AgentDebugger))
	require.True(t, a.Requires(AgentTestEngineer))
}

func TestClassifyCodeGenerationExtractsHints(t *testing.T) {
	c := newTestClassifier()
	a, err := c.Classify(`Write a simple Go function in "handler.go" that builds an API endpoint`)
	require.NoError(t, err)

	require.Equal(t, CategoryCodeGeneration, a.Primary)
	require.Equal(t, LevelMedium, a.Risk)
	require.Equal(t, []string{"handler.go"}, a.Parameters.Quoted)
	require.Contains(t, a.Parameters.Languages, "go")
	require.Contains(t, a.Parameters.Extensions, ".go")
	require.True(t, a.Requires(AgentSecurityValidator))
	require.Equal(t, AgentAudit, a.RequiredAgents[len(a.RequiredAgents)-1])
}

func TestComplexityVocabulary(t *testing.T) {
	require.Equal(t, LevelLow, assessComplexity("a simple quick script", false))
	require.Equal(t, LevelHigh, assessComplexity("a distributed architecture", false))
	require.Equal(t, LevelCritical, assessComplexity("migrate the distributed cluster", true))
	require.Equal(t, LevelMedium, assessComplexity("do the thing", false))
}

func TestProductionEscalatesNonDeFiByOneTier(t *testing.T) {
	require.Equal(t, LevelCritical, assessRisk(CategoryDeployment, true))
	require.Equal(t, LevelMedium, assessRisk(CategoryTesting, true))
	require.Equal(t, LevelLow, assessRisk(CategoryTesting, false))
}

func TestClarifyReturnsQuestions(t *testing.T) {
	c := newTestClassifier()

	risky, err := c.Classify("swap 0.1 ETH to USDC on mainnet")
	require.NoError(t, err)
	clarification := c.Clarify(risky)
	require.NotNil(t, clarification)
	require.NotEmpty(t, clarification.Questions)
	require.Equal(t, risky.ID, clarification.Analysis.ID)

	calm, err := c.Classify("write unit tests with mock fixtures and assert coverage")
	require.NoError(t, err)
	require.Equal(t, CategoryTesting, calm.Primary)
	require.Nil(t, c.Clarify(calm))
	require.False(t, calm.NeedsClarification)
}

func TestClarifyHonoursThreshold(t *testing.T) {
	c := newTestClassifier(WithConfidenceThreshold(0.9))
	a, err := c.Classify("write unit tests with mock fixtures and assert coverage")
	require.NoError(t, err)
	clarification := c.Clarify(a)
	require.NotNil(t, clarification)
	require.Len(t, clarification.Questions, 1)
}
