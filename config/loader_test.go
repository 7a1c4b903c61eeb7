// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 120*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
engine:
  step_timeout: 45s
  step_retries: 2
  checkpoint_ring_size: 4
invoker:
  queue_min_spacing: 500ms
  providers:
    - name: gemini
      kind: gemini
      model: gemini-1.5-pro
      priority: 1
    - name: openai
      kind: openai
      base_url: https://api.openai.com/v1
      model: gpt-4o-mini
      priority: 2
      input_cost_per_1k: 0.00015
store:
  type: sql
database:
  driver: sqlite
  name: ":memory:"
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, 2, cfg.Engine.StepRetries)
	assert.Equal(t, 4, cfg.Engine.CheckpointRingSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Invoker.QueueMinSpacing)
	require.Len(t, cfg.Invoker.Providers, 2)
	assert.Equal(t, "gemini", cfg.Invoker.Providers[0].Name)
	assert.Equal(t, 0.00015, cfg.Invoker.Providers[1].InputCostPer1K)
	assert.Equal(t, "sql", cfg.Store.Type)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未在 YAML 中出现的字段保留默认值
	assert.Equal(t, 10*time.Second, cfg.Engine.MinStepTimeout)
	assert.Equal(t, 1000, cfg.Invoker.Usage.MaxRequestsPerDay)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTORCH_ENGINE_STEP_TIMEOUT", "30s")
	t.Setenv("AGENTORCH_ENGINE_AUTO_ROLLBACK", "false")
	t.Setenv("AGENTORCH_INVOKER_USAGE_MAX_COST_PER_DAY", "2.5")
	t.Setenv("AGENTORCH_INVOKER_BREAKER_THRESHOLD", "7")
	t.Setenv("AGENTORCH_REDIS_ADDR", "env-redis:6379")
	t.Setenv("AGENTORCH_NOTIFY_BACKENDS", "log, redis")
	t.Setenv("AGENTORCH_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Engine.StepTimeout)
	assert.False(t, cfg.Engine.AutoRollback)
	assert.Equal(t, 2.5, cfg.Invoker.Usage.MaxCostPerDay)
	assert.Equal(t, 7, cfg.Invoker.Breaker.Threshold)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"log", "redis"}, cfg.Notify.Backends)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
engine:
  step_retries: 3
store:
  type: redis
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
	t.Setenv("AGENTORCH_ENGINE_STEP_RETRIES", "0")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Engine.StepRetries)
	assert.Equal(t, "redis", cfg.Store.Type)
}

func TestLoader_ProviderAPIKeyFromEnv(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
invoker:
  providers:
    - name: open-ai
      kind: openai
      api_key: from-yaml
    - name: gemini
      kind: gemini
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
	t.Setenv("AGENTORCH_PROVIDER_OPEN_AI_API_KEY", "from-env")
	t.Setenv("AGENTORCH_PROVIDER_GEMINI_API_KEY", "gem-key")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Invoker.Providers[0].APIKey)
	assert.Equal(t, "gem-key", cfg.Invoker.Providers[1].APIKey)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_STORE_TYPE", "redis")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Type)
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("AGENTORCH_STORE_TYPE", "cassandra")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error { return cfg.Validate() }).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Engine, cfg.Engine)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("engine: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTORCH_ENGINE_STEP_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTORCH_ENGINE_STEP_TIMEOUT")
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "inverted timeout bounds",
			mutate:  func(c *Config) { c.Engine.MaxStepTimeout = time.Second },
			wantErr: "step timeout bounds",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Engine.StepRetries = -1 },
			wantErr: "step_retries",
		},
		{
			name: "duplicate provider",
			mutate: func(c *Config) {
				c.Invoker.Providers = []ProviderConfig{{Name: "a", Kind: "openai"}, {Name: "a", Kind: "gemini"}}
			},
			wantErr: "duplicate provider",
		},
		{
			name: "compatible provider without base url",
			mutate: func(c *Config) {
				c.Invoker.Providers = []ProviderConfig{{Name: "a", Kind: "openai-compatible"}}
			},
			wantErr: "requires base_url",
		},
		{
			name: "unsupported sql driver",
			mutate: func(c *Config) {
				c.Store.Type = "sql"
				c.Database.Driver = "oracle"
			},
			wantErr: "database driver",
		},
		{
			name:    "unsupported notify backend",
			mutate:  func(c *Config) { c.Notify.Backends = []string{"kafka"} },
			wantErr: "notify backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres",
			cfg:  DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"},
			want: "host=db port=5432 user=u password=p dbname=n sslmode=disable",
		},
		{
			name: "mysql",
			cfg:  DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "n"},
			want: "u:p@tcp(db:3306)/n?parseTime=true",
		},
		{
			name: "sqlite",
			cfg:  DatabaseConfig{Driver: "sqlite", Name: "orch.db"},
			want: "orch.db",
		},
		{
			name: "unknown",
			cfg:  DatabaseConfig{Driver: "oracle"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestMustLoad_InvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(":::"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
