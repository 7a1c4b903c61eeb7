// =============================================================================
// 📦 AgentOrch 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:    DefaultEngineConfig(),
		Invoker:   DefaultInvokerConfig(),
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Notify:    DefaultNotifyConfig(),
		Artifacts: DefaultArtifactsConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		StepTimeout:        120 * time.Second,
		MinStepTimeout:     10 * time.Second,
		MaxStepTimeout:     300 * time.Second,
		StepRetries:        1,
		CheckpointsEnabled: true,
		CheckpointRingSize: 10,
		AutoRollback:       true,
		Complexity:         "medium",
		Retention: RetentionConfig{
			Interval:         time.Hour,
			CheckpointMaxAge: 7 * 24 * time.Hour,
			UsageMaxAge:      30 * 24 * time.Hour,
		},
	}
}

// DefaultInvokerConfig 返回默认调用层配置
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		QueueMinSpacing: 2 * time.Second,
		Breaker: BreakerConfig{
			Threshold:    5,
			ResetTimeout: 60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			Jitter:      true,
		},
		Usage: UsageConfig{
			MaxRequestsPerDay: 1000,
			MaxCostPerDay:     10.0,
			Window:            24 * time.Hour,
		},
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      "memory",
		KeyPrefix: "agentorch:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agentorch",
		Password:        "",
		Name:            "agentorch.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultNotifyConfig 返回默认事件发布配置
func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Backends: []string{"log"},
		Channel:  "agentorch:events",
	}
}

// DefaultArtifactsConfig 返回默认产物导出配置
func DefaultArtifactsConfig() ArtifactsConfig {
	return ArtifactsConfig{
		Enabled: true,
		Dir:     "./artifacts",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentorch",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Addr:      ":9091",
		Namespace: "agentorch",
	}
}
