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

// Config 描述了 orcad 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Catalog  CatalogConfig  `json:"catalog"`
	LLM      LLMConfig      `json:"llm"`
	Vault    VaultConfig    `json:"vault"`
	Dispatch DispatchConfig `json:"dispatch"`
	Journal  JournalConfig  `json:"journal"`
	Notify   NotifyConfig   `json:"notify"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address"`
}

// CatalogConfig 描述智能体目录的存储后端。
type CatalogConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	// Seed 指向 memory 驱动启动时预置的智能体列表（JSON 数组）。
	Seed string `json:"seed"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string        `json:"provider"`
	Mistral  MistralConfig `json:"mistral"`
	Gemini   GeminiConfig  `json:"gemini"`
}

// MistralConfig 描述访问 Mistral Chat Completions API 所需的信息。
type MistralConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	SelectionModel string `json:"selection_model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回调用超时时间。
func (c MistralConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GeminiConfig 描述访问 Gemini API 所需的信息。
type GeminiConfig struct {
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	Model     string `json:"model"`
}

// VaultConfig 包含金库合约与代币相关的链上配置。
type VaultConfig struct {
	ChainConfig        string `json:"chain_config"`
	DefaultChain       string `json:"default_chain"`
	VaultAddress       string `json:"vault_address"`
	TokenAddress       string `json:"token_address"`
	KeyEnv             string `json:"key_env"`
	UnitPrice          string `json:"unit_price"`
	ConfirmTimeoutSecs int    `json:"confirm_timeout_seconds"`
}

// ConfirmTimeout 返回等待交易确认的超时时间。
func (c VaultConfig) ConfirmTimeout() time.Duration {
	if c.ConfirmTimeoutSecs <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.ConfirmTimeoutSecs) * time.Second
}

// DispatchConfig 控制远端代理调用的参数。
type DispatchConfig struct {
	// BaseDomain 是由子域名拼接代理端点的根域名。
	BaseDomain     string `json:"base_domain"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回单次代理调用的超时时间。
func (c DispatchConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// JournalConfig 描述支付流水的存储后端。
type JournalConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// NotifyConfig 描述通知事件的投递目标。
type NotifyConfig struct {
	Driver     string `json:"driver"`
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
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
		c.Server.Address = ":8080"
	}

	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "mistral"
	}
	if c.LLM.Mistral.Model == "" {
		c.LLM.Mistral.Model = "mistral-large-latest"
	}
	if c.LLM.Mistral.SelectionModel == "" {
		c.LLM.Mistral.SelectionModel = "mistral-small-latest"
	}
	if c.LLM.Mistral.APIKeyEnv == "" {
		c.LLM.Mistral.APIKeyEnv = "MISTRAL_API_KEY"
	}
	if c.LLM.Gemini.APIKeyEnv == "" {
		c.LLM.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.LLM.Gemini.Model == "" {
		c.LLM.Gemini.Model = "gemini-2.0-flash"
	}

	if c.Catalog.Seed != "" && !filepath.IsAbs(c.Catalog.Seed) {
		c.Catalog.Seed = filepath.Join(baseDir, c.Catalog.Seed)
	}

	if c.Vault.ChainConfig != "" && !filepath.IsAbs(c.Vault.ChainConfig) {
		c.Vault.ChainConfig = filepath.Join(baseDir, c.Vault.ChainConfig)
	}
	if c.Vault.KeyEnv == "" {
		c.Vault.KeyEnv = "ORCHESTRATOR_PRIVATE_KEY"
	}
	if c.Vault.UnitPrice == "" {
		c.Vault.UnitPrice = "0.1"
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.Key == "" {
		c.Journal.Key = "orca:payments"
	}

	if c.Notify.Queue == "" {
		c.Notify.Queue = "orca.notifications"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ResolveKey 按照“显式值优先，其次环境变量”的顺序解析敏感配置。
func ResolveKey(value, envName string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}
