package intent

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/pkg/logger"
)

const maxSecondaryCategories = 3

// Classifier 基于规则表对请求文本进行意图识别。
type Classifier struct {
	rules        []CategoryRule
	threshold    float64
	maxSecondary int
	logger       *slog.Logger
	now          func() time.Time
}

// Option 自定义 Classifier。
type Option func(*Classifier)

// WithRules 替换默认规则表。
func WithRules(rules []CategoryRule) Option {
	return func(c *Classifier) {
		if len(rules) > 0 {
			c.rules = rules
		}
	}
}

// WithConfidenceThreshold 设置触发澄清的置信度阈值。
func WithConfidenceThreshold(threshold float64) Option {
	return func(c *Classifier) {
		if threshold > 0 && threshold <= 1 {
			c.threshold = threshold
		}
	}
}

// WithMaxSecondary 设置不触发澄清时允许的次要类别数量。
func WithMaxSecondary(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.maxSecondary = n
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClassifier 创建带默认规则表的分类器。
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		rules:        DefaultRules,
		threshold:    0.3,
		maxSecondary: 2,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("intent")
	}
	return c
}

type scored struct {
	category Category
	score    float64
	order    int
}

// Classify 解析文本并返回意图分析结果。仅在文本为空时返回错误。
func (c *Classifier) Classify(text string) (Analysis, error) {
	normalized := normalize(text)
	if normalized == "" {
		return Analysis{}, xerrors.New(xerrors.CodeInvalidInput, "请求文本为空")
	}

	// 逐类别计算命中比例。
	scores := make(map[Category]float64, len(c.rules))
	ranked := make([]scored, 0, len(c.rules))
	for i, rule := range c.rules {
		if len(rule.Patterns) == 0 {
			continue
		}
		matched := 0
		for _, p := range rule.Patterns {
			if p.MatchString(normalized) {
				matched++
			}
		}
		score := float64(matched) / float64(len(rule.Patterns))
		if score > 0 {
			scores[rule.Category] = score
		}
		ranked = append(ranked, scored{category: rule.Category, score: score, order: i})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].order < ranked[j].order
	})

	primary := CategoryResearch
	confidence := 0.0
	var secondary []Category
	if len(ranked) > 0 && ranked[0].score > 0 {
		primary = ranked[0].category
		confidence = ranked[0].score
		for _, r := range ranked[1:] {
			if r.score == 0 || len(secondary) == maxSecondaryCategories {
				break
			}
			secondary = append(secondary, r.category)
		}
	}

	escalated, escalationReason := escalation(normalized)
	complexity := assessComplexity(normalized, escalated)
	risk := assessRisk(primary, escalated)

	analysis := Analysis{
		ID:             uuid.NewString(),
		Text:           text,
		Primary:        primary,
		Secondary:      secondary,
		Scores:         scores,
		Complexity:     complexity,
		Risk:           risk,
		Confidence:     confidence,
		RequiredAgents: requiredAgents(primary, secondary),
		Parameters:     extractParameters(text, normalized),
		CreatedAt:      c.now().UTC(),
	}
	analysis.Reasoning = reasoning(analysis, escalationReason)
	analysis.NeedsClarification = len(c.clarificationReasons(analysis)) > 0

	c.logger.Debug("intent classified",
		"analysis_id", analysis.ID,
		"primary", analysis.Primary,
		"confidence", analysis.Confidence,
		"risk", analysis.Risk,
		"complexity", analysis.Complexity,
	)
	return analysis, nil
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func escalation(normalized string) (bool, string) {
	if m := escalationVocabulary.FindString(normalized); m != "" {
		return true, m
	}
	if m := realValueAmount.FindString(normalized); m != "" && !sandboxVocabulary.MatchString(normalized) {
		return true, m
	}
	return false, ""
}

func assessComplexity(normalized string, escalated bool) Level {
	best, bestCount := LevelMedium, 0
	for _, level := range []Level{LevelHigh, LevelMedium, LevelLow} {
		vocab, ok := ComplexityVocabulary[level]
		if !ok {
			continue
		}
		if n := len(vocab.FindAllString(normalized, -1)); n > bestCount {
			best, bestCount = level, n
		}
	}
	if best == LevelHigh && escalated {
		return LevelCritical
	}
	return best
}

func assessRisk(primary Category, escalated bool) Level {
	base, ok := BaseRisk[primary]
	if !ok {
		base = LevelMedium
	}
	if !escalated {
		return base
	}
	if primary == CategoryDeFiOperation {
		return LevelCritical
	}
	return base.Raise()
}

func requiredAgents(primary Category, secondary []Category) []AgentType {
	seen := make(map[AgentType]struct{})
	agents := make([]AgentType, 0, 6)
	add := func(t AgentType) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		agents = append(agents, t)
	}
	financial := primary == CategoryDeFiOperation
	for _, category := range append([]Category{primary}, secondary...) {
		if category == CategoryDeFiOperation {
			financial = true
		}
		for _, t := range AgentTable[category] {
			add(t)
		}
	}
	if financial {
		add(AgentSecurityValidator)
		add(AgentDeFiSafety)
	}
	add(AgentAudit)
	return agents
}

func extractParameters(raw, normalized string) Parameters {
	var p Parameters
	p.Numbers = unique(numberPattern.FindAllString(normalized, -1))
	for _, m := range quotedPattern.FindAllStringSubmatch(raw, -1) {
		for _, group := range m[1:] {
			if group != "" {
				p.Quoted = append(p.Quoted, group)
			}
		}
	}
	p.Languages = unique(languagePattern.FindAllString(normalized, -1))
	for _, m := range extensionPattern.FindAllStringSubmatch(normalized, -1) {
		p.Extensions = append(p.Extensions, "."+m[1])
	}
	p.Extensions = unique(p.Extensions)
	p.Tokens = unique(upper(tokenPattern.FindAllString(normalized, -1)))
	p.Networks = unique(networkPattern.FindAllString(normalized, -1))
	p.Addresses = unique(addressPattern.FindAllString(raw, -1))
	return p
}

func reasoning(a Analysis, escalationReason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "primary %s matched %.0f%% of its signals", a.Primary, a.Confidence*100)
	if a.Confidence == 0 {
		b.WriteString(" (no category matched, defaulting to research)")
	}
	if len(a.Secondary) > 0 {
		names := make([]string, len(a.Secondary))
		for i, s := range a.Secondary {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, "; secondary: %s", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "; complexity %s; risk %s", a.Complexity, a.Risk)
	if escalationReason != "" {
		fmt.Fprintf(&b, " (escalated by %q)", escalationReason)
	}
	return b.String()
}

func unique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func upper(in []string) []string {
	for i, v := range in {
		in[i] = strings.ToUpper(v)
	}
	return in
}
