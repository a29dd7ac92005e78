package workers

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"OpenAgent-Hub/internal/agentdir"
	"OpenAgent-Hub/internal/bus"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/pkg/logger"
)

// registrar 由可以同步绑定 handler 的通道实现（如 MemoryChannel），
// Start 返回前实例即可接收消息。
type registrar interface {
	Register(instanceID string, handler bus.Handler)
}

// Pool 在进程内为每个 agent 类型启动若干实例，并登记到静态目录。
type Pool struct {
	server    bus.Server
	directory *agentdir.StaticDirectory
	handlers  map[intent.AgentType]bus.Handler
	instances int
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started []string
}

// Option 定义可选配置。
type Option func(*Pool)

// WithInstances 设置每种 agent 类型的实例数量。
func WithInstances(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.instances = n
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithHandler 为某个 agent 类型注册 handler，覆盖已有的同类注册。
func WithHandler(agentType intent.AgentType, h bus.Handler) Option {
	return func(p *Pool) {
		if h != nil {
			p.handlers[agentType] = h
		}
	}
}

// NewPool 构造 worker 池。directory 可以为空，此时不登记实例。
func NewPool(server bus.Server, directory *agentdir.StaticDirectory, opts ...Option) *Pool {
	p := &Pool{
		server:    server,
		directory: directory,
		handlers:  make(map[intent.AgentType]bus.Handler),
		instances: 1,
		logger:    logger.Named("workers"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Use 注册 handler，必须在 Start 之前调用。
func (p *Pool) Use(agentType intent.AgentType, h bus.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[agentType] = h
}

// InstanceID 返回某类 agent 第 n 个内置实例的 ID（从 1 开始）。
func InstanceID(agentType intent.AgentType, n int) string {
	return fmt.Sprintf("%s-%d", agentType, n)
}

// Start 启动全部实例的 Serve 循环。
func (p *Pool) Start(ctx context.Context) error {
	if p.server == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "worker 池未配置消息通道")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return xerrors.New(xerrors.CodeInvalidTransition, "worker 池已经启动")
	}
	if len(p.handlers) == 0 {
		return xerrors.New(xerrors.CodeInvalidInput, "worker 池没有任何 handler")
	}

	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, string(t))
	}
	sort.Strings(types)

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	p.cancel, p.group, p.started = cancel, group, nil

	reg, direct := p.server.(registrar)
	for _, name := range types {
		agentType := intent.AgentType(name)
		handler := p.wrap(agentType, p.handlers[agentType])
		ids := make([]string, 0, p.instances)
		for i := 1; i <= p.instances; i++ {
			id := InstanceID(agentType, i)
			ids = append(ids, id)
			if direct {
				reg.Register(id, handler)
			}
			group.Go(func() error {
				err := p.server.Serve(groupCtx, id, handler)
				if err != nil && !stdErrors.Is(err, context.Canceled) {
					p.logger.Error("worker 退出", slog.String("instance", id), slog.Any("error", err))
					return err
				}
				return nil
			})
		}
		if p.directory != nil {
			p.directory.Register(agentType, ids...)
		}
		p.started = append(p.started, ids...)
	}
	p.logger.Info("内置 worker 已启动", slog.Any("agent_types", types), slog.Int("instances", p.instances))
	return nil
}

// Instances 返回已启动的实例 ID。
func (p *Pool) Instances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...)
}

// Stop 停止全部实例并从目录中注销。
func (p *Pool) Stop() error {
	p.mu.Lock()
	cancel, group, started := p.cancel, p.group, p.started
	p.cancel, p.group, p.started = nil, nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	if p.directory != nil {
		for _, id := range started {
			p.directory.Deregister(id)
		}
	}
	return err
}

// wrap 统一记录处理结果，成功与失败都写入审计日志。
func (p *Pool) wrap(agentType intent.AgentType, h bus.Handler) bus.Handler {
	return func(ctx context.Context, msg bus.Message) (json.RawMessage, error) {
		out, err := h(ctx, msg)
		attrs := []any{
			slog.String("agent_type", string(agentType)),
			slog.String("instance", msg.To),
			slog.String("workflow_id", msg.WorkflowID),
			slog.String("step_id", msg.StepID),
			slog.String("action", msg.Action),
		}
		if err != nil {
			attrs = append(attrs, slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
			logger.Audit().Warn("worker 步骤失败", attrs...)
			return nil, err
		}
		logger.Audit().Info("worker 步骤完成", attrs...)
		return out, nil
	}
}
