// Package events 提供编排状态变化的观察者抽象：编排器只依赖 Publisher，
// 具体投递到内存订阅者还是 RabbitMQ 由装配阶段决定。
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type 标识事件种类。
type Type string

const (
	WorkflowStarted   Type = "workflow.started"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"
	WorkflowCancelled Type = "workflow.cancelled"
	StepStarted       Type = "step.started"
	StepCompleted     Type = "step.completed"
	StepFailed        Type = "step.failed"
	StepRetrying      Type = "step.retrying"
	StepSkipped       Type = "step.skipped"
	StepPreempted     Type = "step.preempted"
	ConflictResolved  Type = "conflict.resolved"
	SafetyVerdict     Type = "safety.verdict"
)

// Event 描述一次状态变化。
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	PlanID     string         `json:"plan_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// New 创建带 ID 与时间戳的事件。
func New(typ Type, workflowID string) Event {
	return Event{ID: uuid.NewString(), Type: typ, WorkflowID: workflowID, At: time.Now().UTC()}
}

// Publisher 接收编排器产生的事件。实现不得阻塞调用方过久。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// PublisherFunc 允许使用函数作为 Publisher。
type PublisherFunc func(ctx context.Context, evt Event) error

// Publish 实现 Publisher。
func (f PublisherFunc) Publish(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Fanout 将事件依次投递给多个 Publisher，并汇总错误。
type Fanout []Publisher

// Publish 实现 Publisher。
func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop 丢弃所有事件。
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
