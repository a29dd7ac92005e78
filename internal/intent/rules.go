package intent

import "regexp"

// CategoryRule binds a category to the signal patterns that vote for it.
type CategoryRule struct {
	Category Category
	Patterns []*regexp.Regexp
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

// DefaultRules is evaluated in declaration order; earlier rules win ties.
var DefaultRules = []CategoryRule{
	{
		Category: CategoryDeFiOperation,
		Patterns: patterns(
			`\b(swap|swapping|trade|exchange)\b`,
			`\b(eth|weth|btc|wbtc|usdc|usdt|dai|matic|sol|arb|op)\b`,
			`\b(liquidity|pool|lp|amm)\b`,
			`\b(stake|staking|unstake|yield|farm|farming|apy|apr)\b`,
			`\b(defi|dex|uniswap|sushiswap|curve|aave|compound|pancakeswap)\b`,
			`\b(lend|lending|borrow|collateral|loan|flash ?loan)\b`,
		),
	},
	{
		Category: CategoryCodeGeneration,
		Patterns: patterns(
			`\b(write|create|generate|implement|build)\b`,
			`\b(function|class|module|service|api|endpoint|cli|library)\b`,
			`\b(code|program|script)\b`,
			`\b(new feature|add (a|an|the)? ?feature|scaffold)\b`,
		),
	},
	{
		Category: CategoryTesting,
		Patterns: patterns(
			`\b(test|tests|testing|unit test|integration test)\b`,
			`\b(coverage|assert|mock|fixture)\b`,
			`\b(qa|regression|e2e|end to end)\b`,
			`\b(verify|validate) (the )?(behaviou?r|output)\b`,
		),
	},
	{
		Category: CategorySecurityValidation,
		Patterns: patterns(
			`\b(security|secure|vulnerabilit(y|ies)|exploit)\b`,
			`\b(audit|auditing|pentest|penetration)\b`,
			`\b(reentrancy|injection|xss|csrf|overflow)\b`,
			`\b(compliance|owasp|cve)\b`,
		),
	},
	{
		Category: CategoryResearch,
		Patterns: patterns(
			`\b(research|investigate|explore|study)\b`,
			`\b(compare|comparison|evaluate|alternatives?)\b`,
			`\b(what is|how does|explain|find out)\b`,
			`\b(analy[sz]e|analysis|market|trend)\b`,
		),
	},
	{
		Category: CategorySystemDesign,
		Patterns: patterns(
			`\b(design|architecture|architect)\b`,
			`\b(system|platform|infrastructure)\b`,
			`\b(scalab(le|ility)|distributed|microservices?)\b`,
			`\b(diagram|blueprint|schema)\b`,
		),
	},
	{
		Category: CategoryRefactoring,
		Patterns: patterns(
			`\b(refactor|refactoring|restructure|rewrite)\b`,
			`\b(clean ?up|simplify|tidy)\b`,
			`\b(technical debt|tech debt|legacy)\b`,
			`\b(extract|rename|modulari[sz]e)\b`,
		),
	},
	{
		Category: CategoryDebugging,
		Patterns: patterns(
			`\b(debug|debugging|bug|bugs)\b`,
			`\b(fix|fixing|broken|crash|crashes|panic)\b`,
			`\b(error|exception|stack ?trace)\b`,
			`\b(not working|fails|failing|regression)\b`,
		),
	},
	{
		Category: CategoryDeployment,
		Patterns: patterns(
			`\b(deploy|deployment|release|rollout|ship)\b`,
			`\b(docker|kubernetes|k8s|helm|container)\b`,
			`\b(ci|cd|ci/cd|pipeline)\b`,
			`\b(server|cloud|aws|gcp|azure)\b`,
		),
	},
}

// ComplexityVocabulary maps each complexity tier to its signal words.
var ComplexityVocabulary = map[Level]*regexp.Regexp{
	LevelHigh:   regexp.MustCompile(`\b(distributed|microservices?|scalab(le|ility)|architecture|complex|enterprise|concurren(t|cy)|real-time|high availability|migration|entire|multi-chain|cross-chain)\b`),
	LevelMedium: regexp.MustCompile(`\b(feature|module|component|integrat(e|ion)|api|endpoint|moderate|several)\b`),
	LevelLow:    regexp.MustCompile(`\b(simple|basic|quick|small|trivial|single|minor|typo|hello world)\b`),
}

// BaseRisk is the risk tier of each category before escalation.
var BaseRisk = map[Category]Level{
	CategoryDeFiOperation:      LevelHigh,
	CategoryDeployment:         LevelHigh,
	CategorySecurityValidation: LevelMedium,
	CategoryCodeGeneration:     LevelMedium,
	CategoryRefactoring:        LevelMedium,
	CategoryDebugging:          LevelLow,
	CategoryTesting:            LevelLow,
	CategoryResearch:           LevelLow,
	CategorySystemDesign:       LevelLow,
}

var (
	escalationVocabulary = regexp.MustCompile(`\b(mainnet|production|prod|real money|real funds|live funds|private key|seed phrase|treasury)\b`)
	sandboxVocabulary    = regexp.MustCompile(`\b(testnet|sepolia|goerli|holesky|simulation|simulate|dry[- ]run|sandbox)\b`)
	realValueAmount      = regexp.MustCompile(`\b\d+(\.\d+)?\s*(eth|weth|btc|wbtc|usdc|usdt|dai|matic|sol)\b`)
)

// AgentTable lists the agent types each category needs, in execution order.
var AgentTable = map[Category][]AgentType{
	CategoryCodeGeneration:     {AgentCodeGenerator, AgentSecurityValidator},
	CategoryTesting:            {AgentTestEngineer},
	CategorySecurityValidation: {AgentSecurityValidator},
	CategoryResearch:           {AgentResearcher},
	CategorySystemDesign:       {AgentSystemArchitect},
	CategoryRefactoring:        {AgentRefactoring, AgentTestEngineer, AgentSecurityValidator},
	CategoryDebugging:          {AgentDebugger, AgentTestEngineer},
	CategoryDeployment:         {AgentDeployment, AgentSecurityValidator},
	CategoryDeFiOperation:      {AgentResearcher, AgentSecurityValidator, AgentDeFiSafety},
}

var (
	numberPattern    = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	quotedPattern    = regexp.MustCompile(`"([^"]+)"|'([^']+)'|` + "`([^`]+)`")
	languagePattern  = regexp.MustCompile(`\b(go|golang|python|rust|solidity|vyper|javascript|typescript|java|kotlin|c\+\+|c#|ruby|php|swift)\b`)
	extensionPattern = regexp.MustCompile(`\b[\w-]+\.(go|py|rs|sol|vy|js|ts|tsx|java|kt|rb|php|yaml|yml|json|toml|sql)\b`)
	tokenPattern     = regexp.MustCompile(`\b(eth|weth|btc|wbtc|usdc|usdt|dai|matic|sol|arb|op|uni|link)\b`)
	networkPattern   = regexp.MustCompile(`\b(mainnet|testnet|sepolia|goerli|holesky|arbitrum|optimism|polygon|base|bsc|avalanche)\b`)
	addressPattern   = regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`)
)
