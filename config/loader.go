// =============================================================================
// 📦 AgentOrch 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTORCH").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentOrch 的完整配置结构
type Config struct {
	// Engine 工作流引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Invoker AI 调用层配置
	Invoker InvokerConfig `yaml:"invoker" env:"INVOKER"`

	// Store 持久化后端选择
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis 配置（Redis 存储与事件发布共用）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Notify 事件发布配置
	Notify NotifyConfig `yaml:"notify" env:"NOTIFY"`

	// Artifacts 产物导出配置
	Artifacts ArtifactsConfig `yaml:"artifacts" env:"ARTIFACTS"`

	// Templates 工作流模板与 Agent 定义
	Templates TemplatesConfig `yaml:"templates" env:"TEMPLATES"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// EngineConfig 工作流引擎配置
type EngineConfig struct {
	// 单步默认超时
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	// 单步超时下限
	MinStepTimeout time.Duration `yaml:"min_step_timeout" env:"MIN_STEP_TIMEOUT"`
	// 单步超时上限
	MaxStepTimeout time.Duration `yaml:"max_step_timeout" env:"MAX_STEP_TIMEOUT"`
	// 超时后的重试次数
	StepRetries int `yaml:"step_retries" env:"STEP_RETRIES"`
	// 默认是否启用检查点
	CheckpointsEnabled bool `yaml:"checkpoints_enabled" env:"CHECKPOINTS_ENABLED"`
	// 每个工作流内存中保留的检查点数量
	CheckpointRingSize int `yaml:"checkpoint_ring_size" env:"CHECKPOINT_RING_SIZE"`
	// 关键失败时是否自动回滚
	AutoRollback bool `yaml:"auto_rollback" env:"AUTO_ROLLBACK"`
	// 调用复杂度: low, medium, high
	Complexity string `yaml:"complexity" env:"COMPLEXITY"`
	// 保留策略
	Retention RetentionConfig `yaml:"retention" env:"RETENTION"`
}

// RetentionConfig 持久化数据保留策略
type RetentionConfig struct {
	// 清理间隔
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 检查点最长保留时间
	CheckpointMaxAge time.Duration `yaml:"checkpoint_max_age" env:"CHECKPOINT_MAX_AGE"`
	// 用量记录最长保留时间
	UsageMaxAge time.Duration `yaml:"usage_max_age" env:"USAGE_MAX_AGE"`
}

// InvokerConfig AI 调用层配置
type InvokerConfig struct {
	// Provider 列表（按 priority 升序调用）
	Providers []ProviderConfig `yaml:"providers" env:"-"`
	// 同一用户两次调用的最小间隔
	QueueMinSpacing time.Duration `yaml:"queue_min_spacing" env:"QUEUE_MIN_SPACING"`
	// 熔断器配置
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
	// 重试配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
	// 用量上限
	Usage UsageConfig `yaml:"usage" env:"USAGE"`
}

// ProviderConfig 单个 AI provider 配置
type ProviderConfig struct {
	// 名称（熔断器与用量统计的 key）
	Name string `yaml:"name"`
	// 适配器类型: openai, gemini, deepseek, qwen, mistral, grok, openai-compatible；为空时取 Name
	Kind string `yaml:"kind"`
	// 基础 URL
	BaseURL string `yaml:"base_url"`
	// API Key，可由 <PREFIX>_PROVIDER_<NAME>_API_KEY 覆盖
	APIKey string `yaml:"api_key"`
	// 模型名称
	Model string `yaml:"model"`
	// 优先级（越小越先调用）
	Priority int `yaml:"priority"`
	// 每 1k 输入 token 费用（美元）
	InputCostPer1K float64 `yaml:"input_cost_per_1k"`
	// 每 1k 输出 token 费用（美元）
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
	// HTTP 请求超时
	Timeout time.Duration `yaml:"timeout"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// 恢复等待时间
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	// 最大尝试次数（含首次）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 基础延迟
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 倍增因子
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 是否抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// UsageConfig 用户每日用量上限
type UsageConfig struct {
	// 每日最大请求数
	MaxRequestsPerDay int `yaml:"max_requests_per_day" env:"MAX_REQUESTS_PER_DAY"`
	// 每日最大费用（美元）
	MaxCostPerDay float64 `yaml:"max_cost_per_day" env:"MAX_COST_PER_DAY"`
	// 统计窗口
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// StoreConfig 持久化后端选择
type StoreConfig struct {
	// 类型: memory, sql, redis
	Type string `yaml:"type" env:"TYPE"`
	// Redis key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// NotifyConfig 事件发布配置
type NotifyConfig struct {
	// 发布目标: log, redis（逗号分隔）
	Backends []string `yaml:"backends" env:"BACKENDS"`
	// Redis 频道名
	Channel string `yaml:"channel" env:"CHANNEL"`
}

// ArtifactsConfig 产物导出配置
type ArtifactsConfig struct {
	// 是否导出
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 导出目录
	Dir string `yaml:"dir" env:"DIR"`
}

// TemplatesConfig 模板配置
type TemplatesConfig struct {
	// YAML 文件路径（agents + workflows）
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
	lookupEnv  func(string) (string, bool)
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTORCH",
		validators: make([]func(*Config) error, 0),
		lookupEnv:  os.LookupEnv,
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	l.loadProviderKeys(cfg)

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// loadProviderKeys 从 <PREFIX>_PROVIDER_<NAME>_API_KEY 填充 provider 密钥
func (l *Loader) loadProviderKeys(cfg *Config) {
	for i := range cfg.Invoker.Providers {
		p := &cfg.Invoker.Providers[i]
		name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(p.Name))
		if v, ok := l.lookupEnv(l.envPrefix + "_PROVIDER_" + name + "_API_KEY"); ok && v != "" {
			p.APIKey = v
		}
	}
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置，汇总所有问题
func (c *Config) Validate() error {
	var errs []string

	e := c.Engine
	if e.MinStepTimeout <= 0 || e.MaxStepTimeout < e.MinStepTimeout {
		errs = append(errs, "engine step timeout bounds are invalid")
	}
	if e.StepRetries < 0 {
		errs = append(errs, "engine.step_retries must not be negative")
	}
	if e.CheckpointRingSize <= 0 {
		errs = append(errs, "engine.checkpoint_ring_size must be positive")
	}

	inv := c.Invoker
	if inv.QueueMinSpacing < 0 {
		errs = append(errs, "invoker.queue_min_spacing must not be negative")
	}
	if inv.Retry.MaxAttempts <= 0 {
		errs = append(errs, "invoker.retry.max_attempts must be positive")
	}
	if inv.Breaker.Threshold <= 0 {
		errs = append(errs, "invoker.breaker.threshold must be positive")
	}
	seen := make(map[string]bool, len(inv.Providers))
	for i, p := range inv.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("invoker.providers[%d].name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
		if strings.TrimSpace(p.Kind) == "openai-compatible" && p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("provider %q of kind openai-compatible requires base_url", p.Name))
		}
	}

	switch c.Store.Type {
	case "memory", "sql", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unsupported store type %q", c.Store.Type))
	}
	if c.Store.Type == "sql" {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	}

	for _, b := range c.Notify.Backends {
		switch b {
		case "log", "redis":
		default:
			errs = append(errs, fmt.Sprintf("unsupported notify backend %q", b))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.New(strings.Join(errs, "; ")))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
