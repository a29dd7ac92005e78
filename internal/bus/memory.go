package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/pkg/logger"
)

const defaultDeadLetterLimit = 256

// MemoryChannel 在进程内直接调用已注册的 handler，主要用于内置 agent 与测试。
type MemoryChannel struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	inflight    map[string]context.CancelFunc
	deadLetters []Message
	limit       int
	closed      bool
	logger      *slog.Logger
}

var _ Channel = (*MemoryChannel)(nil)
var _ Server = (*MemoryChannel)(nil)

// NewMemoryChannel 创建内存消息通道。
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		handlers: make(map[string]Handler),
		inflight: make(map[string]context.CancelFunc),
		limit:    defaultDeadLetterLimit,
		logger:   logger.Named("bus.memory"),
	}
}

// Register 将 handler 绑定到实例 ID，重复注册会覆盖。
func (c *MemoryChannel) Register(instanceID string, handler Handler) {
	c.mu.Lock()
	c.handlers[instanceID] = handler
	c.mu.Unlock()
}

// Unregister 移除实例的 handler。
func (c *MemoryChannel) Unregister(instanceID string) {
	c.mu.Lock()
	delete(c.handlers, instanceID)
	c.mu.Unlock()
}

// Serve 注册 handler 并阻塞到 ctx 结束。
func (c *MemoryChannel) Serve(ctx context.Context, instanceID string, handler Handler) error {
	c.Register(instanceID, handler)
	<-ctx.Done()
	c.Unregister(instanceID)
	return ctx.Err()
}

// Send 投递消息。request 会等待 handler 返回；超时视为 STEP_TIMEOUT。
func (c *MemoryChannel) Send(ctx context.Context, msg Message) (*Message, error) {
	if err := validate(&msg); err != nil {
		return nil, err
	}

	c.mu.RLock()
	closed := c.closed
	handler, ok := c.handlers[msg.To]
	c.mu.RUnlock()
	if closed {
		return nil, xerrors.New(xerrors.CodeDispatchFailure, "消息通道已关闭")
	}

	switch msg.Type {
	case TypeCancelStep:
		c.cancelInflight(msg)
		return nil, nil
	case TypeRequest:
	default:
		if ok {
			go func() { _, _ = handler(context.Background(), msg) }()
		}
		return nil, nil
	}

	if !ok {
		c.deadLetter(msg, "no handler registered")
		return nil, xerrors.New(xerrors.CodeDispatchFailure, "实例未注册: "+msg.To,
			xerrors.WithMetadata("instance", msg.To))
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if msg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, msg.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	key := stepKey(msg.WorkflowID, msg.StepID)
	c.mu.Lock()
	c.inflight[key] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}()

	type result struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := handler(callCtx, msg)
		done <- result{payload: payload, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			resp := msg.Fail(r.err)
			return &resp, resp.Err()
		}
		resp := msg.Reply(r.payload)
		return &resp, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, xerrors.New(xerrors.CodeStepTimeout, "等待 agent 响应超时",
				xerrors.WithMetadata("instance", msg.To),
				xerrors.WithMetadata("step_id", msg.StepID))
		}
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "请求已取消")
		}
		return nil, xerrors.New(xerrors.CodePreempted, "步骤被取消",
			xerrors.WithMetadata("step_id", msg.StepID))
	}
}

func (c *MemoryChannel) cancelInflight(msg Message) {
	key := stepKey(msg.WorkflowID, msg.StepID)
	c.mu.RLock()
	cancel, ok := c.inflight[key]
	c.mu.RUnlock()
	if ok {
		cancel()
		c.logger.Debug("cancel-step delivered", "instance", msg.To, "workflow_id", msg.WorkflowID, "step_id", msg.StepID)
	}
}

func (c *MemoryChannel) deadLetter(msg Message, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.Error = reason
	c.deadLetters = append(c.deadLetters, msg)
	if len(c.deadLetters) > c.limit {
		c.deadLetters = c.deadLetters[len(c.deadLetters)-c.limit:]
	}
	c.logger.Warn("message dead-lettered", "to", msg.To, "type", msg.Type, "reason", reason)
}

// DeadLetters 返回无法投递的消息副本。
func (c *MemoryChannel) DeadLetters() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.deadLetters...)
}

// Close 关闭通道并取消所有进行中的请求。
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, cancel := range c.inflight {
		cancel()
	}
	return nil
}
