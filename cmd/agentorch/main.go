package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	cmds := map[string]func([]string) error{
		"run":         runRun,
		"resume":      runResume,
		"status":      runStatus,
		"list":        runList,
		"checkpoints": runCheckpoints,
		"rollback":    runRollback,
		"sweep":       runSweep,
		"providers":   runProviders,
		"templates":   runTemplates,
	}

	switch args[0] {
	case "version":
		printVersion()
		return 0
	case "help", "-h", "--help":
		printUsage()
		return 0
	}

	fn, ok := cmds[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		return 1
	}
	if err := fn(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	v := Version
	if v == "dev" {
		v = telemetry.Version()
	}
	fmt.Printf("AgentOrch %s\n", v)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`AgentOrch - agent workflow orchestration

Usage:
  agentorch <command> [options]

Commands:
  run          Start a workflow from a template and drive it
  resume       Resume an interrupted or paused workflow
  status       Show the status of a workflow
  list         List persisted workflows
  checkpoints  List the checkpoints of a workflow
  rollback     Roll a workflow back to a checkpoint
  sweep        Delete expired checkpoints and usage records
  providers    Show provider circuit state and usage in the current window
  templates    List workflow templates
  version      Show version information
  help         Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)
  --trip <name>     Open a provider's circuit breaker for this process (repeatable)

Examples:
  agentorch run --template greenfield --name shop --context goal=mvp
  agentorch run --template greenfield --trip openai
  agentorch status --id 7b1c...
  agentorch rollback --id 7b1c... --checkpoint 3f9a...
  agentorch sweep --config /etc/agentorch/config.yaml`)
}

// =============================================================================
// 🔧 配置与日志
// =============================================================================

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
