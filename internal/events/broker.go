package events

import (
	"context"
	"log/slog"
	"sync"

	"OpenAgent-Hub/pkg/logger"
)

// Broker 是进程内的事件广播器，订阅者按工作流过滤。
// 订阅者处理过慢时丢弃事件而不是阻塞编排器。
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	buffer int
	logger *slog.Logger
}

type subscription struct {
	workflowID string
	ch         chan Event
}

var _ Publisher = (*Broker)(nil)

// NewBroker 创建事件广播器，buffer 为每个订阅者的缓冲大小。
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{subs: make(map[int]*subscription), buffer: buffer, logger: logger.Named("events")}
}

// Subscribe 订阅事件；workflowID 为空时接收全部事件。
// 返回的函数用于取消订阅并关闭 channel。
func (b *Broker) Subscribe(workflowID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscription{workflowID: workflowID, ch: make(chan Event, b.buffer)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish 将事件广播给匹配的订阅者。
func (b *Broker) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.workflowID != "" && sub.workflowID != evt.WorkflowID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("订阅者缓冲已满，丢弃事件", "type", evt.Type, "workflow_id", evt.WorkflowID)
		}
	}
	return nil
}

// Subscribers 返回当前订阅者数量。
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
