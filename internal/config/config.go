package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 researchd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Exa       ExaConfig       `json:"exa"`
	Agent     AgentConfig     `json:"agent"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与访问令牌。
type ServerConfig struct {
	Address       string `json:"address"`
	AuthToken     string `json:"auth_token"`
	AuthTokenEnv  string `json:"auth_token_env"`
	MetricsPrefix string `json:"metrics_prefix"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的输出与滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig 统一描述任务状态与报告归档的后端连接信息。
type StorageConfig struct {
	TaskStore   StoreConfig `json:"task_store"`
	ReportStore StoreConfig `json:"report_store"`
}

// StoreConfig 描述单个存储后端，driver 支持 memory 与 mysql。
type StoreConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	Retries int    `json:"retries"`
}

// TaskQueueConfig 描述任务队列的驱动与工作协程数量。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 汇总三类大模型 provider 的调用方式。
type LLMConfig struct {
	TimeoutSeconds int              `json:"timeout_seconds"`
	OpenAI         CredentialConfig `json:"openai"`
	Groq           CredentialConfig `json:"groq"`
	Ollama         OllamaConfig     `json:"ollama"`
}

// CredentialConfig 描述一个需要凭证的 provider。
// api_key 直接给出密钥，api_key_env 指定环境变量名，调用时才读取。
type CredentialConfig struct {
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	BaseURL   string `json:"base_url"`
}

// OllamaConfig 描述本地 Ollama 服务。无需凭证。
type OllamaConfig struct {
	BaseURL string `json:"base_url"`
}

// ExaConfig 描述 Exa 问答服务的调用方式。
type ExaConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AgentConfig 控制研究智能体的行为参数。
type AgentConfig struct {
	ProfilePath   string `json:"profile_path"`
	MemoryDepth   int    `json:"memory_depth"`
	MaxToolRounds int    `json:"max_tool_rounds"`
}

// KnowledgeConfig 指定静态知识库文件与最大返回条数。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// AlertingConfig 描述任务失败告警的投递渠道。webhook 为空时不启用告警。
type AlertingConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
	SlackChannel    string `json:"slack_channel"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8050"
	}
	if c.Server.AuthTokenEnv == "" && c.Server.AuthToken == "" {
		c.Server.AuthTokenEnv = "RESEARCHD_AUTH_TOKEN"
	}
	if c.Server.MetricsPrefix == "" {
		c.Server.MetricsPrefix = "researchd"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.Storage.ReportStore.Driver == "" {
		c.Storage.ReportStore.Driver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}
	if c.TaskQueue.Redis.Queue == "" {
		c.TaskQueue.Redis.Queue = "researchd:tasks"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "researchd.tasks"
	}

	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 300
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Groq.APIKeyEnv == "" {
		c.LLM.Groq.APIKeyEnv = "GROQ_API_KEY"
	}

	if c.Exa.APIKeyEnv == "" {
		c.Exa.APIKeyEnv = "EXA_API_KEY"
	}
	if c.Exa.TimeoutSeconds <= 0 {
		c.Exa.TimeoutSeconds = 60
	}

	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 5
	}
	if c.Agent.MaxToolRounds <= 0 {
		c.Agent.MaxToolRounds = 8
	}
	if c.Agent.ProfilePath != "" && !filepath.IsAbs(c.Agent.ProfilePath) {
		c.Agent.ProfilePath = filepath.Join(baseDir, c.Agent.ProfilePath)
	}

	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}

	if c.Alerting.SlackWebhookURL != "" && c.Alerting.SlackChannel == "" {
		c.Alerting.SlackChannel = "#research-alerts"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// Resolve 返回凭证的当前值。api_key 优先，否则在调用时读取环境变量。
func (c CredentialConfig) Resolve() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// ResolveKey 返回 Exa 凭证的当前值。
func (c ExaConfig) ResolveKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// ResolveToken 返回服务端访问令牌，为空表示不启用鉴权。
func (c ServerConfig) ResolveToken() string {
	if token := strings.TrimSpace(c.AuthToken); token != "" {
		return token
	}
	if c.AuthTokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.AuthTokenEnv))
}

// Timeout 返回大模型调用的超时时间。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout 返回 Exa 调用的超时时间。
func (c ExaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
