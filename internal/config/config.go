package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AGENTHUB_CONFIG"

// DefaultPath 是未指定配置文件时的默认位置。
const DefaultPath = "configs/agenthub.yaml"

// Config 描述了 Agent Hub 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Log          LogConfig          `yaml:"log"`
	Intent       IntentConfig       `yaml:"intent"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Security     SecurityConfig     `yaml:"security"`
	DeFi         DeFiConfig         `yaml:"defi"`
	Bus          BusConfig          `yaml:"bus"`
	Events       EventsConfig       `yaml:"events"`
	Audit        AuditConfig        `yaml:"audit"`
	Agents       AgentsConfig       `yaml:"agents"`
	Web3         Web3Config         `yaml:"web3"`
	Alerting     AlertingConfig     `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig 控制 Prometheus 指标输出。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig 对应 pkg/logger 的初始化参数。
type LogConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"`
	OutputPaths []string       `yaml:"output_paths"`
	Audit       LogAuditConfig `yaml:"audit"`
}

// LogAuditConfig 控制审计日志文件及其轮转策略。
type LogAuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// IntentConfig 控制意图识别的澄清阈值。
type IntentConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxSecondary        int     `yaml:"max_secondary"`
}

// OrchestratorConfig 控制编排器的并发上限、重试与超时策略。
type OrchestratorConfig struct {
	MaxConcurrentWorkflows int           `yaml:"max_concurrent_workflows"`
	MaxRetries             int           `yaml:"max_retries"`
	BaseBackoff            time.Duration `yaml:"base_backoff"`
	MaxBackoff             time.Duration `yaml:"max_backoff"`
	DefaultStepTimeout     time.Duration `yaml:"default_step_timeout"`
	QueueTimeout           time.Duration `yaml:"queue_timeout"`
	DispatchRate           float64       `yaml:"dispatch_rate"`
	DispatchBurst          int           `yaml:"dispatch_burst"`
}

// SecurityConfig 控制漏洞扫描的容忍度。
type SecurityConfig struct {
	SeverityTolerance string   `yaml:"severity_tolerance"`
	Frameworks        []string `yaml:"frameworks"`
}

// DeFiConfig 控制 DeFi 安全引擎的阈值。
type DeFiConfig struct {
	MaxSlippageBps    uint32        `yaml:"max_slippage_bps"`
	MaxPriceImpactBps uint32        `yaml:"max_price_impact_bps"`
	DeadlineWindow    time.Duration `yaml:"deadline_window"`
	PolicyFile        string        `yaml:"policy_file"`
}

// BusConfig 选择消息通道实现。
type BusConfig struct {
	Driver    string `yaml:"driver"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Prefix    string `yaml:"prefix"`
}

// EventsConfig 选择状态事件的发布方式。
type EventsConfig struct {
	Driver   string `yaml:"driver"`
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// AuditConfig 选择审计记录的存储后端。
type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AgentsConfig 描述静态 Agent 目录：agent 类型到实例 ID 的映射。
type AgentsConfig struct {
	Instances map[string][]string `yaml:"instances"`
	// Builtin 为 true 时在进程内启动安全扫描与 DeFi 校验 worker。
	Builtin bool `yaml:"builtin"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL      string `yaml:"rpc_url"`
	ChainsFile  string `yaml:"chains_file"`
	DefaultName string `yaml:"default_chain"`
}

// AlertingConfig 配置告警 webhook。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// PathFromEnv 返回 AGENTHUB_CONFIG 指定的路径或默认路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。文件不存在时使用默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse 从内存中的 YAML 构建配置，便于测试和嵌入。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(".")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回全部使用默认值的配置。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}

	if c.Intent.ConfidenceThreshold <= 0 {
		c.Intent.ConfidenceThreshold = 0.3
	}
	if c.Intent.MaxSecondary <= 0 {
		c.Intent.MaxSecondary = 2
	}

	o := &c.Orchestrator
	if o.MaxConcurrentWorkflows <= 0 {
		o.MaxConcurrentWorkflows = 10
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DefaultStepTimeout <= 0 {
		o.DefaultStepTimeout = 2 * time.Minute
	}
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = 30 * time.Second
	}
	if o.DispatchRate <= 0 {
		o.DispatchRate = 50
	}
	if o.DispatchBurst <= 0 {
		o.DispatchBurst = 10
	}

	if c.Security.SeverityTolerance == "" {
		c.Security.SeverityTolerance = "medium"
	}
	if len(c.Security.Frameworks) == 0 {
		c.Security.Frameworks = []string{"general_security"}
	}

	if c.DeFi.MaxSlippageBps == 0 {
		c.DeFi.MaxSlippageBps = 50
	}
	if c.DeFi.MaxPriceImpactBps == 0 {
		c.DeFi.MaxPriceImpactBps = 300
	}
	if c.DeFi.DeadlineWindow <= 0 {
		c.DeFi.DeadlineWindow = 20 * time.Minute
	}
	if c.DeFi.PolicyFile != "" && !filepath.IsAbs(c.DeFi.PolicyFile) {
		c.DeFi.PolicyFile = filepath.Join(baseDir, c.DeFi.PolicyFile)
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.Prefix == "" {
		c.Bus.Prefix = "agenthub"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "agenthub.events"
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "memory"
	}

	if len(c.Agents.Instances) == 0 {
		c.Agents.Builtin = true
	}
	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}
}

// applyEnv 允许通过环境变量覆盖部署相关的字段。
func (c *Config) applyEnv() {
	c.Server.Address = getEnv("AGENTHUB_ADDRESS", c.Server.Address)
	c.Log.Level = getEnv("AGENTHUB_LOG_LEVEL", c.Log.Level)
	c.Bus.Driver = getEnv("AGENTHUB_BUS_DRIVER", c.Bus.Driver)
	c.Bus.RedisAddr = getEnv("AGENTHUB_REDIS_ADDR", c.Bus.RedisAddr)
	c.Events.Driver = getEnv("AGENTHUB_EVENTS_DRIVER", c.Events.Driver)
	c.Events.AMQPURL = getEnv("AGENTHUB_AMQP_URL", c.Events.AMQPURL)
	c.Audit.Driver = getEnv("AGENTHUB_AUDIT_DRIVER", c.Audit.Driver)
	c.Audit.DSN = getEnv("AGENTHUB_AUDIT_DSN", c.Audit.DSN)
	c.Web3.RPCURL = getEnv("AGENTHUB_RPC_URL", c.Web3.RPCURL)
	c.Alerting.WebhookURL = getEnv("AGENTHUB_ALERT_WEBHOOK", c.Alerting.WebhookURL)
	c.Orchestrator.MaxConcurrentWorkflows = getEnvInt("AGENTHUB_MAX_WORKFLOWS", c.Orchestrator.MaxConcurrentWorkflows)
	c.Orchestrator.MaxRetries = getEnvInt("AGENTHUB_MAX_RETRIES", c.Orchestrator.MaxRetries)
}

// Validate 检查驱动名称等枚举字段。
func (c *Config) Validate() error {
	if !oneOf(c.Bus.Driver, "memory", "redis") {
		return fmt.Errorf("不支持的消息通道驱动: %s", c.Bus.Driver)
	}
	if c.Bus.Driver == "redis" && c.Bus.RedisAddr == "" {
		return errors.New("redis 消息通道需要配置 bus.redis_addr")
	}
	if !oneOf(c.Events.Driver, "memory", "rabbitmq") {
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}
	if c.Events.Driver == "rabbitmq" && c.Events.AMQPURL == "" {
		return errors.New("rabbitmq 事件驱动需要配置 events.amqp_url")
	}
	if !oneOf(c.Audit.Driver, "memory", "log", "mysql", "sqlite") {
		return fmt.Errorf("不支持的审计存储驱动: %s", c.Audit.Driver)
	}
	if (c.Audit.Driver == "mysql" || c.Audit.Driver == "sqlite") && c.Audit.DSN == "" {
		return fmt.Errorf("审计存储 %s 需要配置 audit.dsn", c.Audit.Driver)
	}
	if !oneOf(c.Security.SeverityTolerance, "none", "low", "medium", "high", "critical") {
		return fmt.Errorf("未知的严重程度容忍度: %s", c.Security.SeverityTolerance)
	}
	if c.DeFi.MaxSlippageBps >= 10000 || c.DeFi.MaxPriceImpactBps >= 10000 {
		return errors.New("defi 阈值必须小于 10000 bps")
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if strings.EqualFold(v, o) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
