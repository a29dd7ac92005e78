package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"OpenAgent-Hub/internal/agentdir"
	"OpenAgent-Hub/internal/api"
	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/bus"
	"OpenAgent-Hub/internal/config"
	"OpenAgent-Hub/internal/defi"
	"OpenAgent-Hub/internal/events"
	"OpenAgent-Hub/internal/hub"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/observability/alerting"
	"OpenAgent-Hub/internal/observability/metrics"
	"OpenAgent-Hub/internal/orchestrator"
	"OpenAgent-Hub/internal/security"
	"OpenAgent-Hub/internal/web3/provider"
	"OpenAgent-Hub/internal/workers"
	"OpenAgent-Hub/internal/workflow"
	"OpenAgent-Hub/pkg/logger"
)

// main 是 Agent Hub 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agenthubd 运行失败: %v", err)
	}
}

// transport 同时提供编排侧的发送能力与 agent 侧的接收能力。
type transport interface {
	bus.Channel
	bus.Server
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	l := logger.Named("agenthubd")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	store, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	var recorder audit.Recorder = store
	if cfg.Audit.Driver != "log" {
		recorder = audit.Tee{store, audit.NewLogRecorder()}
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	alerts := alerting.NewFanout(notifiers...)

	// 本地 broker 始终存在，供 websocket 订阅；rabbitmq 额外对外广播。
	broker := events.NewBroker(64)
	var publisher events.Publisher = broker
	switch cfg.Events.Driver {
	case "memory", "":
	case "rabbitmq":
		rmq, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.Events.AMQPURL,
			Exchange: cfg.Events.Exchange,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		defer rmq.Close()
		publisher = events.Fanout{broker, rmq}
	default:
		return fmt.Errorf("不支持的事件驱动: %s", cfg.Events.Driver)
	}

	var ch transport
	switch cfg.Bus.Driver {
	case "memory", "":
		ch = bus.NewMemoryChannel()
	case "redis":
		rc, err := bus.NewRedisChannel(ctx, bus.RedisConfig{
			Address: cfg.Bus.RedisAddr,
			DB:      cfg.Bus.RedisDB,
			Prefix:  cfg.Bus.Prefix,
		})
		if err != nil {
			return err
		}
		ch = rc
	default:
		return fmt.Errorf("不支持的消息通道驱动: %s", cfg.Bus.Driver)
	}
	defer ch.Close()

	directory := agentdir.NewStatic(cfg.Agents.Instances)

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer registry.Close()

	engine, err := newDeFiEngine(ctx, cfg, registry, recorder, m, alerts)
	if err != nil {
		return err
	}

	scanner, err := security.NewScanner(security.WithTolerance(cfg.Security.SeverityTolerance))
	if err != nil {
		return err
	}

	if cfg.Agents.Builtin {
		pool := workers.NewPool(ch, directory, workers.Builtin(
			&workers.SecurityWorker{
				Scanner:    scanner,
				Frameworks: cfg.Security.Frameworks,
				Recorder:   recorder,
				Metrics:    m,
			},
			&workers.DeFiWorker{Engine: engine},
			&workers.AuditWorker{Recorder: recorder},
		)...)
		if err := pool.Start(ctx); err != nil {
			return err
		}
		defer pool.Stop()
		l.Info("内置 worker 已启动", slog.Int("instances", len(pool.Instances())))
	}

	orch := orchestrator.New(cfg.Orchestrator, directory, ch,
		orchestrator.WithPublisher(publisher),
		orchestrator.WithAuditRecorder(recorder),
		orchestrator.WithMetrics(m),
		orchestrator.WithAlertDispatcher(alerts),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			l.Warn("编排器关闭超时", slog.String("error", err.Error()))
		}
	}()

	classifier := intent.NewClassifier(
		intent.WithConfidenceThreshold(cfg.Intent.ConfidenceThreshold),
		intent.WithMaxSecondary(cfg.Intent.MaxSecondary),
	)
	h := hub.New(classifier, workflow.NewBuilder(), orch,
		hub.WithScanner(scanner),
		hub.WithDeFiEngine(engine),
		hub.WithAuditRecorder(recorder),
		hub.WithMetrics(m),
	)

	opts := []api.Option{
		api.WithBroker(broker),
		api.WithDirectory(directory),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	if m != nil {
		opts = append(opts, api.WithMetrics(m, cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, h, opts...)
	l.Info("agenthubd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("bus", cfg.Bus.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("audit", cfg.Audit.Driver),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newDeFiEngine 组装 DeFi 安全引擎；未配置链时仅做离线校验。
func newDeFiEngine(ctx context.Context, cfg *config.Config, registry *provider.Registry, recorder audit.Recorder, m *metrics.Metrics, alerts alerting.Dispatcher) (*defi.Engine, error) {
	opts := []defi.Option{
		defi.WithLimits(cfg.DeFi),
		defi.WithAuditRecorder(recorder),
		defi.WithMetrics(m),
		defi.WithAlertDispatcher(alerts),
	}
	if registry != nil {
		client, err := registry.DefaultClient()
		if err != nil {
			return nil, err
		}
		opts = append(opts, defi.WithChain(client))
	}
	if cfg.DeFi.PolicyFile != "" {
		gate, err := defi.LoadPolicyGate(ctx, cfg.DeFi.PolicyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, defi.WithPolicyGate(gate))
	}
	return defi.NewEngine(ctx, opts...)
}
