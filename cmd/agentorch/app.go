package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/artifacts"
	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/internal/server"
	"github.com/BaSui01/agentorch/internal/telemetry"
	"github.com/BaSui01/agentorch/llm"
	llmfactory "github.com/BaSui01/agentorch/llm/factory"
	"github.com/BaSui01/agentorch/notify"
	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/workflow"
)

const tracerName = "github.com/BaSui01/agentorch"

// app 一次命令执行所需的全部组件
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     persistence.Store
	invoker   *llm.Invoker
	templates *workflow.StaticProvider
	engine    *workflow.Engine
	collector *metrics.Collector
	sweeper   *persistence.Sweeper
	otel      *telemetry.Providers
	http      *server.Manager

	closers []func() error
}

// appOptions 测试时替换外部依赖
type appOptions struct {
	caller workflow.Caller
	store  persistence.Store
}

// buildApp 按配置组装存储、调用层、引擎与观测组件
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	a.otel, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		a.otel = &telemetry.Providers{}
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.otel.Shutdown(ctx)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.collector = metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)

	a.store = opts.store
	if a.store == nil {
		a.store, err = persistence.NewStore(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.closers = append(a.closers, a.store.Close)
	}

	a.sweeper = persistence.NewSweeper(a.store, persistence.SweepConfig{
		Interval:         cfg.Engine.Retention.Interval,
		CheckpointMaxAge: cfg.Engine.Retention.CheckpointMaxAge,
		UsageMaxAge:      cfg.Engine.Retention.UsageMaxAge,
	}, logger).OnSweep(func(r persistence.SweepResult) {
		a.collector.RecordSweep("checkpoints", r.Checkpoints)
		a.collector.RecordSweep("usage", r.Usage)
		if a.invoker != nil {
			if n := a.invoker.Queue().Prune(); n > 0 {
				logger.Debug("idle request lanes pruned", zap.Int("lanes", n))
			}
		}
	})

	a.templates, err = loadTemplates(cfg.Templates)
	if err != nil {
		return nil, err
	}

	caller := opts.caller
	if caller == nil {
		providers, err := llmfactory.NewProviders(cfg.Invoker.Providers, logger)
		if err != nil {
			return nil, fmt.Errorf("build providers: %w", err)
		}
		if len(providers) == 0 {
			logger.Warn("no AI providers configured, every step will fail")
		}
		a.invoker = llm.NewInvoker(llm.InvokerConfigFromSettings(cfg.Invoker), providers, logger,
			llm.WithUsageSink(a.store),
			llm.WithRecorder(a.collector),
			llm.WithTracer(a.otel.Tracer(tracerName+"/llm")),
		)
		a.closers = append(a.closers, a.invoker.Close)
		if n, err := a.invoker.Usage().Restore(ctx, a.store); err != nil {
			logger.Warn("failed to restore usage history", zap.Error(err))
		} else if n > 0 {
			logger.Info("usage history restored", zap.Int("records", n))
		}
		caller = a.invoker
	}

	publisher, closePub, err := notify.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build notifier: %w", err)
	}
	a.closers = append(a.closers, closePub)

	engineOpts := []workflow.EngineOption{
		workflow.WithStore(a.store),
		workflow.WithPublisher(publisher),
		workflow.WithRecorder(a.collector),
		workflow.WithTracer(a.otel.Tracer(tracerName + "/workflow")),
	}
	if cfg.Artifacts.Enabled {
		sink, err := artifacts.NewFileSink(cfg.Artifacts.Dir, logger)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, workflow.WithArtifactSink(sink))
	}

	a.engine = workflow.NewEngine(workflow.EngineConfigFromSettings(cfg.Engine), caller, a.templates, a.templates, logger, engineOpts...)
	a.closers = append(a.closers, a.engine.Close)
	return a, nil
}

func loadTemplates(cfg config.TemplatesConfig) (*workflow.StaticProvider, error) {
	if cfg.Path == "" {
		return workflow.NewStaticProvider(), nil
	}
	p, err := workflow.LoadTemplatesFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	return p, nil
}

// serveObservability 启动 /metrics 与 /healthz 服务，并周期性上报连接池状态
func (a *app) serveObservability(ctx context.Context) error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	srvCfg := server.DefaultConfig()
	srvCfg.Addr = a.cfg.Metrics.Addr
	a.http = server.NewManager(
		server.NewMux(a.collector.Handler(), map[string]server.Pinger{"store": a.store}),
		srvCfg, a.logger)
	if err := a.http.Start(); err != nil {
		return err
	}

	if sqlStore, ok := a.store.(*persistence.SQLStore); ok {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				st := sqlStore.Stats()
				a.collector.RecordDBConnections(a.cfg.Database.Driver, st.OpenConnections, st.Idle)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
	return nil
}

// tripProviders 按运维指定强制熔断 provider
func (a *app) tripProviders(names []string) error {
	if len(names) == 0 {
		return nil
	}
	if a.invoker == nil {
		return fmt.Errorf("--trip needs configured AI providers")
	}
	for _, name := range names {
		if err := a.invoker.TripProvider(name); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) providersReport() providersReport {
	if a.invoker == nil {
		return providersReport{Providers: []llm.ProviderStatus{}}
	}
	return providersReport{
		Providers: a.invoker.ProviderStatus(),
		Usage:     a.invoker.Usage().GlobalStats(),
	}
}

// close 逆序释放资源
func (a *app) close() error {
	var errs []error
	if a.http != nil {
		errs = append(errs, a.http.Shutdown(context.Background()))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
