package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/workflow"
)

// ConflictType 描述冲突的来源。
type ConflictType string

const (
	ConflictResource   ConflictType = "resource"
	ConflictDependency ConflictType = "dependency"
	ConflictPriority   ConflictType = "priority"
)

// Strategy 是冲突的处理方式。
type Strategy string

const (
	StrategyQueue           Strategy = "queue"
	StrategyPreempt         Strategy = "preempt"
	StrategyFindAlternative Strategy = "find_alternative"
	StrategyReject          Strategy = "reject"
)

// ConflictResolution 是一次冲突处理的只追加记录。
type ConflictResolution struct {
	ID        string       `json:"id"`
	Type      ConflictType `json:"type"`
	Workflows []string     `json:"workflows"`
	Instance  string       `json:"instance,omitempty"`
	StepID    string       `json:"step_id,omitempty"`
	Strategy  Strategy     `json:"strategy"`
	Reasoning string       `json:"reasoning"`
	At        time.Time    `json:"at"`
}

// Allocation 将一个 agent 实例绑定到某个工作流步骤。
type Allocation struct {
	ID               string            `json:"id"`
	Instance         string            `json:"instance"`
	AgentType        intent.AgentType  `json:"agent_type"`
	WorkflowID       string            `json:"workflow_id"`
	StepID           string            `json:"step_id"`
	Priority         workflow.Priority `json:"priority"`
	AllocatedAt      time.Time         `json:"allocated_at"`
	EstimatedRelease time.Time         `json:"estimated_release"`

	cancel    context.CancelFunc
	preempted chan struct{}
}

// Preempted reports whether a higher priority step took the instance away.
func (a *Allocation) Preempted() bool {
	if a == nil || a.preempted == nil {
		return false
	}
	select {
	case <-a.preempted:
		return true
	default:
		return false
	}
}

// AllocationRequest 描述一次占用实例的请求。Candidates 为按健康度排序的可用实例，
// Preferred 是执行计划中指定的实例。
type AllocationRequest struct {
	AgentType  intent.AgentType
	Preferred  string
	Candidates []string
	WorkflowID string
	StepID     string
	Priority   workflow.Priority
	Duration   time.Duration
	// Cancel 在步骤被抢占时调用，用于就地中止当前尝试。
	Cancel context.CancelFunc
}

// Allocator 是分配表的唯一写入者，所有读后写操作都在同一把锁内完成。
type Allocator struct {
	mu        sync.Mutex
	table     map[string]*Allocation
	revoked   map[string]bool
	changed   chan struct{}
	conflicts []ConflictResolution

	queueTimeout time.Duration
	now          func() time.Time

	// onConflict 与 onPreempt 在锁外调用。
	onConflict func(ConflictResolution)
	onPreempt  func(Allocation)
	onChange   func(n int)
}

// NewAllocator 创建分配表。queueTimeout 为 0 时排队请求只受 ctx 约束。
func NewAllocator(queueTimeout time.Duration) *Allocator {
	return &Allocator{
		table:        make(map[string]*Allocation),
		revoked:      make(map[string]bool),
		changed:      make(chan struct{}),
		queueTimeout: queueTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Acquire 为请求分配实例。实例被其他工作流占用时按优先级解决冲突：
// 更高优先级抢占，同优先级寻找空闲的替代实例，否则排队等待释放。
// 排队超过 queueTimeout 的请求被拒绝。
func (a *Allocator) Acquire(ctx context.Context, req AllocationRequest) (*Allocation, error) {
	order := candidateOrder(req)
	if len(order) == 0 {
		return nil, xerrors.New(xerrors.CodeNoAgentAvailable,
			fmt.Sprintf("没有可用的 %s 实例", req.AgentType),
			xerrors.WithMetadata("agent_type", string(req.AgentType)))
	}

	var timeout <-chan time.Time
	if a.queueTimeout > 0 {
		timer := time.NewTimer(a.queueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	queued := false
	for {
		a.mu.Lock()
		if a.revoked[req.WorkflowID] {
			a.mu.Unlock()
			return nil, xerrors.New(xerrors.CodeCancelled, fmt.Sprintf("工作流 %s 已取消", req.WorkflowID))
		}
		alloc, victim, res, wait := a.tryAcquireLocked(req, order, queued)
		a.mu.Unlock()

		if res != nil {
			a.emitConflict(*res)
		}
		if victim != nil && a.onPreempt != nil {
			a.onPreempt(*victim)
		}
		if alloc != nil {
			a.emitChange()
			return alloc, nil
		}
		queued = true

		select {
		case <-wait:
		case <-timeout:
			res := a.appendConflict(ConflictResolution{
				Type:      ConflictResource,
				Workflows: []string{req.WorkflowID},
				Instance:  order[0],
				StepID:    req.StepID,
				Strategy:  StrategyReject,
				Reasoning: fmt.Sprintf("排队等待 %s 超过 %s", req.AgentType, a.queueTimeout),
			})
			a.emitConflict(res)
			return nil, xerrors.New(xerrors.CodeConflictRejected,
				fmt.Sprintf("步骤 %s 等待 %s 实例超时", req.StepID, req.AgentType),
				xerrors.WithMetadata("step_id", req.StepID))
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待实例时被取消")
		}
	}
}

func (a *Allocator) tryAcquireLocked(req AllocationRequest, order []string, queued bool) (*Allocation, *Allocation, *ConflictResolution, <-chan struct{}) {
	if queued {
		for _, id := range order {
			if _, busy := a.table[id]; !busy {
				return a.grantLocked(req, id), nil, nil, nil
			}
		}
		return nil, nil, nil, a.changed
	}

	preferred := order[0]
	incumbent, busy := a.table[preferred]
	if !busy {
		return a.grantLocked(req, preferred), nil, nil, nil
	}

	rel := req.Priority.Rank() - incumbent.Priority.Rank()
	if incumbent.WorkflowID == req.WorkflowID && rel > 0 {
		rel = 0
	}
	workflows := []string{req.WorkflowID, incumbent.WorkflowID}

	switch {
	case rel > 0:
		delete(a.table, preferred)
		close(incumbent.preempted)
		if incumbent.cancel != nil {
			incumbent.cancel()
		}
		res := a.appendConflictLocked(ConflictResolution{
			Type:      ConflictPriority,
			Workflows: workflows,
			Instance:  preferred,
			StepID:    req.StepID,
			Strategy:  StrategyPreempt,
			Reasoning: fmt.Sprintf("优先级 %s 高于占用者 %s/%s 的 %s", req.Priority, incumbent.WorkflowID, incumbent.StepID, incumbent.Priority),
		})
		return a.grantLocked(req, preferred), incumbent, &res, nil
	case rel == 0:
		for _, id := range order[1:] {
			if _, taken := a.table[id]; taken {
				continue
			}
			res := a.appendConflictLocked(ConflictResolution{
				Type:      ConflictResource,
				Workflows: workflows,
				Instance:  id,
				StepID:    req.StepID,
				Strategy:  StrategyFindAlternative,
				Reasoning: fmt.Sprintf("%s 被占用，改用空闲实例 %s", preferred, id),
			})
			return a.grantLocked(req, id), nil, &res, nil
		}
		res := a.appendConflictLocked(ConflictResolution{
			Type:      ConflictResource,
			Workflows: workflows,
			Instance:  preferred,
			StepID:    req.StepID,
			Strategy:  StrategyQueue,
			Reasoning: fmt.Sprintf("同优先级 %s 且无空闲替代实例", req.Priority),
		})
		return nil, nil, &res, a.changed
	default:
		res := a.appendConflictLocked(ConflictResolution{
			Type:      ConflictPriority,
			Workflows: workflows,
			Instance:  preferred,
			StepID:    req.StepID,
			Strategy:  StrategyQueue,
			Reasoning: fmt.Sprintf("优先级 %s 低于占用者的 %s", req.Priority, incumbent.Priority),
		})
		return nil, nil, &res, a.changed
	}
}

func (a *Allocator) grantLocked(req AllocationRequest, instance string) *Allocation {
	now := a.now()
	alloc := &Allocation{
		ID:               uuid.NewString(),
		Instance:         instance,
		AgentType:        req.AgentType,
		WorkflowID:       req.WorkflowID,
		StepID:           req.StepID,
		Priority:         req.Priority,
		AllocatedAt:      now,
		EstimatedRelease: now.Add(req.Duration),
		cancel:           req.Cancel,
		preempted:        make(chan struct{}),
	}
	a.table[instance] = alloc
	return alloc
}

// Release 归还分配。实例已被抢占或重新分配时不做任何事。
func (a *Allocator) Release(alloc *Allocation) {
	if alloc == nil {
		return
	}
	a.mu.Lock()
	cur, ok := a.table[alloc.Instance]
	if ok && cur.ID == alloc.ID {
		delete(a.table, alloc.Instance)
		a.signalLocked()
	}
	a.mu.Unlock()
	if ok {
		a.emitChange()
	}
}

// ReleaseWorkflow 原子地移除工作流持有的全部分配并返回它们。
func (a *Allocator) ReleaseWorkflow(workflowID string) []Allocation {
	a.mu.Lock()
	var released []Allocation
	for id, alloc := range a.table {
		if alloc.WorkflowID != workflowID {
			continue
		}
		released = append(released, *alloc)
		delete(a.table, id)
	}
	if len(released) > 0 {
		a.signalLocked()
	}
	a.mu.Unlock()
	if len(released) > 0 {
		a.emitChange()
	}
	return released
}

// Revoke 与 ReleaseWorkflow 相同，但之后该工作流的分配请求都会失败，
// 直到调用 Forget。
func (a *Allocator) Revoke(workflowID string) []Allocation {
	a.mu.Lock()
	a.revoked[workflowID] = true
	a.mu.Unlock()
	return a.ReleaseWorkflow(workflowID)
}

// Forget 清除工作流的撤销标记。
func (a *Allocator) Forget(workflowID string) {
	a.mu.Lock()
	delete(a.revoked, workflowID)
	a.mu.Unlock()
}

func (a *Allocator) signalLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// Snapshot 返回当前分配表的副本。
func (a *Allocator) Snapshot() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Allocation, 0, len(a.table))
	for _, alloc := range a.table {
		out = append(out, *alloc)
	}
	return out
}

// HeldBy 返回工作流当前持有的实例。
func (a *Allocator) HeldBy(workflowID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for id, alloc := range a.table {
		if alloc.WorkflowID == workflowID {
			out = append(out, id)
		}
	}
	return out
}

// Conflicts 返回全部冲突处理记录。
func (a *Allocator) Conflicts() []ConflictResolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ConflictResolution(nil), a.conflicts...)
}

// RecordConflict 追加一条非分配表产生的冲突记录，例如依赖失败导致的跳过。
func (a *Allocator) RecordConflict(res ConflictResolution) ConflictResolution {
	res = a.appendConflict(res)
	a.emitConflict(res)
	return res
}

func (a *Allocator) appendConflict(res ConflictResolution) ConflictResolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendConflictLocked(res)
}

func (a *Allocator) appendConflictLocked(res ConflictResolution) ConflictResolution {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.At.IsZero() {
		res.At = a.now()
	}
	a.conflicts = append(a.conflicts, res)
	return res
}

func (a *Allocator) emitConflict(res ConflictResolution) {
	if a.onConflict != nil {
		a.onConflict(res)
	}
}

func (a *Allocator) emitChange() {
	if a.onChange == nil {
		return
	}
	a.mu.Lock()
	n := len(a.table)
	a.mu.Unlock()
	a.onChange(n)
}

func candidateOrder(req AllocationRequest) []string {
	seen := make(map[string]bool, len(req.Candidates)+1)
	order := make([]string, 0, len(req.Candidates)+1)
	if req.Preferred != "" {
		// 计划中的实例若已不可用则不再优先。
		for _, id := range req.Candidates {
			if id == req.Preferred {
				order = append(order, id)
				seen[id] = true
				break
			}
		}
	}
	for _, id := range req.Candidates {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	return order
}
