package security

import "regexp"

// Severity 是漏洞严重程度。
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Weight 返回严重程度对应的风险分值。
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 100
	case SeverityHigh:
		return 50
	case SeverityMedium:
		return 20
	case SeverityLow:
		return 5
	default:
		return 0
	}
}

// Rule 描述一条漏洞规则。Pattern 针对整个制品内容求值。
type Rule struct {
	ID         string
	Name       string
	Severity   Severity
	Category   string
	Pattern    *regexp.Regexp
	Mitigation string
}

// GenericRules 适用于所有制品。
var GenericRules = []Rule{
	{
		ID:         "SEC001",
		Name:       "hardcoded secret",
		Severity:   SeverityCritical,
		Category:   "secrets",
		Pattern:    regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|private[_-]?key|token)\s*[:=]+\s*["'][^"'\s]{6,}["']`),
		Mitigation: "从环境变量或密钥管理服务读取凭据",
	},
	{
		ID:         "SEC002",
		Name:       "dynamic code evaluation",
		Severity:   SeverityHigh,
		Category:   "injection",
		Pattern:    regexp.MustCompile(`\b(eval|exec)\s*\(`),
		Mitigation: "避免执行动态拼接的代码",
	},
	{
		ID:         "SEC003",
		Name:       "sql string concatenation",
		Severity:   SeverityHigh,
		Category:   "injection",
		Pattern:    regexp.MustCompile(`(?i)("(select|insert|update|delete)\b[^"]*"\s*\+)|(sprintf\(\s*"(select|insert|update|delete)\b[^"]*%[sv])`),
		Mitigation: "使用参数化查询",
	},
	{
		ID:         "SEC004",
		Name:       "weak hash algorithm",
		Severity:   SeverityMedium,
		Category:   "crypto",
		Pattern:    regexp.MustCompile(`(?i)\b(md5|sha1)\b`),
		Mitigation: "改用 SHA-256 或更强的算法",
	},
	{
		ID:         "SEC005",
		Name:       "insecure randomness",
		Severity:   SeverityMedium,
		Category:   "crypto",
		Pattern:    regexp.MustCompile(`Math\.random\(|\brandom\.random\(|"math/rand"`),
		Mitigation: "安全相关场景使用密码学安全的随机数",
	},
	{
		ID:         "SEC006",
		Name:       "tls verification disabled",
		Severity:   SeverityHigh,
		Category:   "transport",
		Pattern:    regexp.MustCompile(`InsecureSkipVerify:\s*true|verify\s*=\s*False|rejectUnauthorized:\s*false`),
		Mitigation: "保持证书校验开启",
	},
	{
		ID:         "SEC007",
		Name:       "path traversal",
		Severity:   SeverityMedium,
		Category:   "filesystem",
		Pattern:    regexp.MustCompile(`\.\.[/\\]`),
		Mitigation: "对文件路径做规范化并限制在根目录内",
	},
	{
		ID:         "SEC008",
		Name:       "command injection",
		Severity:   SeverityCritical,
		Category:   "injection",
		Pattern:    regexp.MustCompile(`os\.system\(|subprocess\.\w+\([^)]*shell\s*=\s*True|exec\.Command\(\s*"(sh|bash)"\s*,\s*"-c"`),
		Mitigation: "不要通过 shell 执行外部输入",
	},
	{
		ID:         "SEC009",
		Name:       "plaintext http url",
		Severity:   SeverityLow,
		Category:   "transport",
		Pattern:    regexp.MustCompile(`http://[A-Za-z0-9]`),
		Mitigation: "使用 https",
	},
	{
		ID:         "SEC010",
		Name:       "debug flag enabled",
		Severity:   SeverityLow,
		Category:   "configuration",
		Pattern:    regexp.MustCompile(`(?i)\bdebug\s*[:=]\s*true\b`),
		Mitigation: "生产环境关闭调试模式",
	},
}

// DeFiRules 只适用于 DeFi 制品，分值乘以 DeFiMultiplier。
var DeFiRules = []Rule{
	{
		ID:         "DEFI001",
		Name:       "reentrancy",
		Severity:   SeverityCritical,
		Category:   "reentrancy",
		Pattern:    regexp.MustCompile(`(?s)\.call\{value:[^}]*\}\([^)]*\).{0,200}?\n[^\n]*\b\w+\[[^\]]+\]\s*[-+]?=`),
		Mitigation: "先更新状态再进行外部调用，并使用 nonReentrant",
	},
	{
		ID:         "DEFI002",
		Name:       "tx.origin authentication",
		Severity:   SeverityHigh,
		Category:   "access_control",
		Pattern:    regexp.MustCompile(`tx\.origin\s*==|==\s*tx\.origin`),
		Mitigation: "使用 msg.sender 做权限校验",
	},
	{
		ID:         "DEFI003",
		Name:       "unchecked low-level call",
		Severity:   SeverityMedium,
		Category:   "error_handling",
		Pattern:    regexp.MustCompile(`(?m)^\s*[\w.\[\]()]+\.(call|send)(\{[^}]*\})?\([^;]*\);`),
		Mitigation: "检查低级调用的返回值",
	},
	{
		ID:         "DEFI004",
		Name:       "delegatecall",
		Severity:   SeverityHigh,
		Category:   "access_control",
		Pattern:    regexp.MustCompile(`\.delegatecall\(`),
		Mitigation: "仅对可信且不可变的实现合约使用 delegatecall",
	},
	{
		ID:         "DEFI005",
		Name:       "selfdestruct",
		Severity:   SeverityCritical,
		Category:   "lifecycle",
		Pattern:    regexp.MustCompile(`\b(selfdestruct|suicide)\s*\(`),
		Mitigation: "移除自毁能力",
	},
	{
		ID:         "DEFI006",
		Name:       "unlimited approval",
		Severity:   SeverityMedium,
		Category:   "allowance",
		Pattern:    regexp.MustCompile(`approve\([^,]+,\s*(type\(uint256\)\.max|uint256\(-1\)|2\s*\*\*\s*256\s*-\s*1|MAX_UINT\w*)`),
		Mitigation: "按需授权额度",
	},
	{
		ID:         "DEFI007",
		Name:       "timestamp dependence",
		Severity:   SeverityLow,
		Category:   "randomness",
		Pattern:    regexp.MustCompile(`block\.timestamp\s*(%|==)`),
		Mitigation: "不要把区块时间戳作为随机源或精确条件",
	},
	{
		ID:         "DEFI008",
		Name:       "missing slippage protection",
		Severity:   SeverityHigh,
		Category:   "slippage",
		Pattern:    regexp.MustCompile(`(?i)amountOutMin\w*\s*[:=]\s*0\b|swapExact\w*\(\s*[^,()]+,\s*0\s*,`),
		Mitigation: "根据报价设置最小输出",
	},
	{
		ID:         "DEFI009",
		Name:       "spot price oracle",
		Severity:   SeverityMedium,
		Category:   "oracle",
		Pattern:    regexp.MustCompile(`\.getReserves\(\)|\.slot0\(\)`),
		Mitigation: "使用 TWAP 或去中心化预言机",
	},
	{
		ID:         "DEFI010",
		Name:       "unprotected privileged function",
		Severity:   SeverityCritical,
		Category:   "access_control",
		Pattern:    regexp.MustCompile(`function\s+(mint|setOwner|transferOwnership|withdrawAll)\s*\([^)]*\)\s*(external|public)\s*(returns\s*\([^)]*\)\s*)?\{`),
		Mitigation: "为特权函数加上 onlyOwner 或角色校验",
	},
}

// DeFi 规则的分值按 3/2 放大。
const (
	defiWeightNum = 3
	defiWeightDen = 2
)

var (
	defiExtensions = []string{".sol", ".vy"}
	defiMarkers    = regexp.MustCompile(`(?i)pragma\s+solidity|#\s*@version|\b(swap|liquidity|stake|staking|unstake|amm|uniswap|flash\s?loan)\b`)
)
