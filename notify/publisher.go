package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/internal/tlsutil"
	"github.com/BaSui01/agentorch/workflow"
)

const (
	BackendLog   = "log"
	BackendRedis = "redis"
)

var (
	_ workflow.NotificationPublisher = (*LogPublisher)(nil)
	_ workflow.NotificationPublisher = (*RedisPublisher)(nil)
	_ workflow.NotificationPublisher = Multi(nil)
)

// =============================================================================
// 📝 日志发布者
// =============================================================================

// LogPublisher 将事件写入日志
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher 创建日志发布者
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.With(zap.String("component", "notify"))}
}

// Publish 实现 workflow.NotificationPublisher
func (p *LogPublisher) Publish(_ context.Context, ev workflow.Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("workflow_id", ev.WorkflowID),
		zap.String("message_id", ev.MessageID),
	}
	if ev.AgentID != "" {
		fields = append(fields, zap.String("agent_id", ev.AgentID))
	}
	if ev.Type == workflow.EventWorkflowError {
		p.logger.Warn("workflow event", append(fields, zap.String("content", ev.Content))...)
		return nil
	}
	p.logger.Info("workflow event", fields...)
	return nil
}

// =============================================================================
// 📡 Redis 发布者
// =============================================================================

// RedisPublisher 通过 Redis Pub/Sub 发布 JSON 编码的事件
type RedisPublisher struct {
	client    *redis.Client
	channel   string
	ownClient bool
	logger    *zap.Logger
}

// OpenRedisPublisher 连接 Redis 并校验连接
func OpenRedisPublisher(ctx context.Context, cfg config.RedisConfig, channel string, logger *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		TLSConfig:    tlsutil.ClientConfig(cfg.TLS),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	p := NewRedisPublisher(client, channel, logger)
	p.ownClient = true
	return p, nil
}

// NewRedisPublisher 包装已有客户端，客户端所有权保留在调用方
func NewRedisPublisher(client *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = config.DefaultNotifyConfig().Channel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("component", "redis_publisher")),
	}
}

// Channel 返回发布频道
func (p *RedisPublisher) Channel() string { return p.channel }

// Publish 实现 workflow.NotificationPublisher
func (p *RedisPublisher) Publish(ctx context.Context, ev workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, p.channel, err)
	}
	return nil
}

// Subscribe 订阅频道并把解码后的事件交给 fn，直到 ctx 取消。
// 无法解码的消息会被记录并跳过。
func (p *RedisPublisher) Subscribe(ctx context.Context, fn func(workflow.Event)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev workflow.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}

// Close 关闭自己创建的客户端
func (p *RedisPublisher) Close() error {
	if !p.ownClient {
		return nil
	}
	return p.client.Close()
}

// =============================================================================
// 🔀 扇出
// =============================================================================

// Multi 依次发布到每个发布者，单个失败不影响其余发布者
type Multi []workflow.NotificationPublisher

// Publish 实现 workflow.NotificationPublisher
func (m Multi) Publish(ctx context.Context, ev workflow.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New 按配置组合发布者。返回的 closer 释放发布者持有的连接。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (workflow.NotificationPublisher, func() error, error) {
	var (
		pubs    Multi
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	for _, b := range cfg.Notify.Backends {
		switch strings.ToLower(strings.TrimSpace(b)) {
		case BackendLog:
			pubs = append(pubs, NewLogPublisher(logger))
		case BackendRedis:
			rp, err := OpenRedisPublisher(ctx, cfg.Redis, cfg.Notify.Channel, logger)
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			pubs = append(pubs, rp)
			closers = append(closers, rp.Close)
		case "":
		default:
			_ = closeAll()
			return nil, nil, fmt.Errorf("unsupported notify backend: %s", b)
		}
	}
	if len(pubs) == 1 {
		return pubs[0], closeAll, nil
	}
	return pubs, closeAll, nil
}
