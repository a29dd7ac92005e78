package intent

import (
	"fmt"
	"strings"
)

// Clarify 在请求不明确或风险过高时返回需要用户回答的问题；
// 无需澄清时返回 nil。
func (c *Classifier) Clarify(a Analysis) *Clarification {
	reasons := c.clarificationReasons(a)
	if len(reasons) == 0 {
		return nil
	}

	questions := make([]string, 0, 4)
	if a.Confidence < c.threshold {
		questions = append(questions, "What outcome do you expect from this request? Please describe the task in more detail.")
	}
	if len(a.Secondary) > c.maxSecondary {
		names := make([]string, 0, len(a.Secondary)+1)
		names = append(names, string(a.Primary))
		for _, s := range a.Secondary {
			names = append(names, string(s))
		}
		questions = append(questions, fmt.Sprintf("The request mixes several intents (%s). Which one should be handled first?", strings.Join(names, ", ")))
	}
	if a.Risk.Rank() >= LevelHigh.Rank() {
		if a.IsFinancial() {
			questions = append(questions,
				"Which network should the transaction run on, and is it using real funds?",
				"What is the maximum amount and slippage tolerance you accept for this operation?",
			)
		} else {
			questions = append(questions, fmt.Sprintf("This request is rated %s risk. Which environment does it target, and may it proceed without manual review?", a.Risk))
		}
	}

	return &Clarification{Analysis: a, Questions: questions, Reasons: reasons}
}

func (c *Classifier) clarificationReasons(a Analysis) []string {
	var reasons []string
	if a.Confidence < c.threshold {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below threshold %.2f", a.Confidence, c.threshold))
	}
	if len(a.Secondary) > c.maxSecondary {
		reasons = append(reasons, fmt.Sprintf("%d secondary intents", len(a.Secondary)))
	}
	if a.Risk.Rank() >= LevelHigh.Rank() {
		reasons = append(reasons, fmt.Sprintf("risk tier %s", a.Risk))
	}
	return reasons
}
