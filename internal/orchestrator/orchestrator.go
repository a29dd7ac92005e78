package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"OpenAgent-Hub/internal/agentdir"
	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/bus"
	"OpenAgent-Hub/internal/config"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/events"
	"OpenAgent-Hub/internal/observability/alerting"
	"OpenAgent-Hub/internal/observability/metrics"
	"OpenAgent-Hub/internal/workflow"
	"OpenAgent-Hub/pkg/logger"
)

const actor = "orchestrator"

// Orchestrator 管理全部运行中的工作流，是分配表的唯一写入者。
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	directory agentdir.Directory
	channel   bus.Channel
	alloc     *Allocator
	limiter   *rate.Limiter

	publisher events.Publisher
	recorder  audit.Recorder
	metrics   *metrics.Metrics
	alerter   alerting.Dispatcher
	logger    *slog.Logger

	mu         sync.RWMutex
	runs       map[string]*run
	byWorkflow map[string]string
	active     int
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithPublisher 指定状态事件的观察者。
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithAuditRecorder 指定审计记录器。
func WithAuditRecorder(r audit.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithMetrics 注入 Prometheus 指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = d
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建编排器。cfg 中未设置的字段使用与配置文件一致的默认值。
func New(cfg config.OrchestratorConfig, dir agentdir.Directory, ch bus.Channel, opts ...Option) *Orchestrator {
	defaults := config.Default().Orchestrator
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = defaults.MaxConcurrentWorkflows
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaults.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = defaults.DefaultStepTimeout
	}

	o := &Orchestrator{
		cfg:        cfg,
		directory:  dir,
		channel:    ch,
		alloc:      NewAllocator(cfg.QueueTimeout),
		limiter:    rate.NewLimiter(rate.Inf, 0),
		publisher:  events.Nop,
		recorder:   audit.NewLogRecorder(),
		logger:     logger.Named("orchestrator"),
		runs:       make(map[string]*run),
		byWorkflow: make(map[string]string),
	}
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.alloc.onConflict = o.conflictResolved
	o.alloc.onPreempt = o.preempted
	o.alloc.onChange = o.metrics.SetAllocations
	return o
}

// Allocator exposes the allocation table for inspection.
func (o *Orchestrator) Allocator() *Allocator {
	return o.alloc
}

// Conflicts 返回全部冲突处理记录。
func (o *Orchestrator) Conflicts() []ConflictResolution {
	return o.alloc.Conflicts()
}

// Active 返回当前占用并发名额的工作流数量。
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

// Orchestrate 校验工作流、生成执行计划并异步开始执行，计划立即返回。
// 达到并发上限时快速失败，不影响已在运行的工作流。
func (o *Orchestrator) Orchestrate(ctx context.Context, wf *workflow.Workflow) (*ExecutionPlan, error) {
	if wf == nil {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "工作流为空")
	}
	if err := workflow.Validate(wf.Steps, wf.Dependencies); err != nil {
		return nil, err
	}
	if wf.Status != "" && wf.Status != workflow.StatusPending {
		return nil, xerrors.New(xerrors.CodeInvalidTransition,
			fmt.Sprintf("工作流 %s 当前状态为 %s，无法重新编排", wf.ID, wf.Status))
	}

	o.mu.Lock()
	if _, exists := o.byWorkflow[wf.ID]; exists {
		o.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("工作流 %s 已被编排", wf.ID))
	}
	if o.active >= o.cfg.MaxConcurrentWorkflows {
		o.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeCapacityExceeded,
			fmt.Sprintf("并发工作流已达上限 %d", o.cfg.MaxConcurrentWorkflows),
			xerrors.WithMetadata("workflow_id", wf.ID))
	}
	o.active++
	o.mu.Unlock()

	plan, err := BuildPlan(ctx, wf, o.directory, planOptions{defaultTimeout: o.cfg.DefaultStepTimeout})
	if err != nil {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
		return nil, err
	}

	own := wf.Clone()
	own.Status = workflow.StatusPending
	for _, s := range own.Steps {
		s.Status = workflow.StepPending
	}
	if err := own.Transition(workflow.StatusRunning); err != nil {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		wf:     own,
		plan:   plan,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		errs:   make(map[string]string),
	}
	o.mu.Lock()
	o.runs[plan.ID] = r
	o.byWorkflow[wf.ID] = plan.ID
	o.mu.Unlock()

	o.metrics.WorkflowStarted()
	o.record(ctx, audit.KindRoutingDecision, wf.ID, plan.ID,
		fmt.Sprintf("%d 个步骤分为 %d 组", len(plan.Schedule), len(plan.ParallelGroups)), plan.Schedule)
	evt := events.New(events.WorkflowStarted, wf.ID)
	evt.PlanID = plan.ID
	evt.Status = string(workflow.StatusRunning)
	o.publish(evt)
	o.logger.Info("工作流开始执行",
		slog.String("workflow_id", wf.ID),
		slog.String("plan_id", plan.ID),
		slog.Int("steps", len(plan.Schedule)))

	go o.execute(r)
	return plan.Clone(), nil
}

// Plan returns the execution plan by id.
func (o *Orchestrator) Plan(planID string) (*ExecutionPlan, error) {
	r, err := o.lookup(planID)
	if err != nil {
		return nil, err
	}
	return r.plan.Clone(), nil
}

// PlanFor 返回工作流对应的计划 ID。
func (o *Orchestrator) PlanFor(workflowID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.byWorkflow[workflowID]
	return id, ok
}

// Wait 阻塞到工作流进入终态或 ctx 结束，返回最终状态。
func (o *Orchestrator) Wait(ctx context.Context, planID string) (ExecutionStatus, error) {
	r, err := o.lookup(planID)
	if err != nil {
		return ExecutionStatus{}, err
	}
	select {
	case <-r.done:
		return r.status(), nil
	case <-ctx.Done():
		return r.status(), ctx.Err()
	}
}

// Cancel 将工作流标记为已取消，中止正在执行的步骤，向每个持有该工作流
// 分配的 agent 发送 cancel-step，并在返回前同步释放全部分配。
func (o *Orchestrator) Cancel(ctx context.Context, workflowID, reason string) error {
	planID, ok := o.PlanFor(workflowID)
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("工作流 %s 不存在", workflowID))
	}
	r, err := o.lookup(planID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	switch r.wf.Status {
	case workflow.StatusCancelled:
		r.mu.Unlock()
		return nil
	case workflow.StatusCompleted, workflow.StatusFailed:
		status := r.wf.Status
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeInvalidTransition,
			fmt.Sprintf("工作流 %s 已处于终态 %s", workflowID, status))
	}
	if err := r.wf.Transition(workflow.StatusCancelled); err != nil {
		r.mu.Unlock()
		return err
	}
	r.reason = reason
	now := time.Now().UTC()
	for _, s := range r.wf.Steps {
		if !s.Status.IsTerminal() {
			s.Status = workflow.StepCancelled
			s.CompletedAt = &now
		}
	}
	r.mu.Unlock()

	released := o.alloc.Revoke(workflowID)
	r.cancel()
	for _, alloc := range released {
		o.notifyCancel(ctx, alloc, "workflow cancelled: "+reason)
	}

	o.releaseSlot(r)
	evt := events.New(events.WorkflowCancelled, workflowID)
	evt.PlanID = planID
	evt.Status = string(workflow.StatusCancelled)
	evt.Detail = map[string]any{"reason": reason, "released": len(released)}
	o.publish(evt)
	o.record(ctx, audit.KindWorkflowStatus, workflowID, planID, "cancelled: "+reason, evt.Detail)
	o.logger.Info("工作流已取消",
		slog.String("workflow_id", workflowID),
		slog.String("reason", reason),
		slog.Int("released", len(released)))
	return nil
}

// Shutdown 取消所有未结束的工作流并等待执行协程退出。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	for _, r := range runs {
		if !r.terminal() {
			if err := o.Cancel(ctx, r.wf.ID, "shutdown"); err != nil && !xerrors.IsCode(err, xerrors.CodeInvalidTransition) {
				o.logger.Warn("关闭时取消工作流失败", slog.String("workflow_id", r.wf.ID), slog.Any("error", err))
			}
		}
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) lookup(planID string) (*run, error) {
	o.mu.RLock()
	r, ok := o.runs[planID]
	o.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("执行计划 %s 不存在", planID))
	}
	return r, nil
}

func (o *Orchestrator) releaseSlot(r *run) {
	r.slot.Do(func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	})
}

func (o *Orchestrator) conflictResolved(res ConflictResolution) {
	o.metrics.ConflictResolved(string(res.Strategy))
	for _, wfID := range res.Workflows {
		evt := events.New(events.ConflictResolved, wfID)
		evt.StepID = res.StepID
		evt.Status = string(res.Strategy)
		evt.Detail = map[string]any{"type": res.Type, "instance": res.Instance, "reasoning": res.Reasoning}
		o.publish(evt)
	}
	var wfID string
	if len(res.Workflows) > 0 {
		wfID = res.Workflows[0]
	}
	o.record(context.Background(), audit.KindConflictResolution, wfID, res.Instance, res.Reasoning, res)
	o.logger.Info("资源冲突已处理",
		slog.String("strategy", string(res.Strategy)),
		slog.String("type", string(res.Type)),
		slog.String("instance", res.Instance),
		slog.String("step_id", res.StepID))
}

func (o *Orchestrator) preempted(alloc Allocation) {
	evt := events.New(events.StepPreempted, alloc.WorkflowID)
	evt.StepID = alloc.StepID
	evt.Detail = map[string]any{"instance": alloc.Instance}
	o.publish(evt)
	o.notifyCancel(context.Background(), alloc, "preempted")
}

func (o *Orchestrator) notifyCancel(ctx context.Context, alloc Allocation, reason string) {
	msg := bus.NewMessage(actor, alloc.Instance, bus.TypeCancelStep, nil)
	msg.WorkflowID = alloc.WorkflowID
	msg.StepID = alloc.StepID
	msg.Error = reason
	if _, err := o.channel.Send(context.WithoutCancel(ctx), msg); err != nil {
		o.logger.Warn("发送 cancel-step 失败",
			slog.String("instance", alloc.Instance),
			slog.String("step_id", alloc.StepID),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) publish(evt events.Event) {
	if err := o.publisher.Publish(context.Background(), evt); err != nil {
		o.logger.Warn("发布事件失败", slog.String("type", string(evt.Type)), slog.Any("error", err))
	}
}

func (o *Orchestrator) record(ctx context.Context, kind audit.Kind, workflowID, subject, summary string, detail any) {
	e := audit.NewEntry(kind, actor, subject, detail)
	e.WorkflowID = workflowID
	e.Summary = summary
	if err := o.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Error("写入审计记录失败", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

func (o *Orchestrator) alert(ctx context.Context, err error, wfID string, step *workflow.Step) {
	if o.alerter == nil {
		return
	}
	evt, ok := alerting.FromError(err, wfID, step.ID)
	if !ok {
		return
	}
	evt.AgentType = string(step.AgentType)
	evt.Attempts = step.RetryCount + 1
	evt.MaxRetries = o.maxRetries(step)
	if notifyErr := o.alerter.Notify(context.WithoutCancel(ctx), evt); notifyErr != nil {
		o.logger.Error("告警通知失败", slog.Any("error", notifyErr), slog.String("workflow_id", wfID))
	}
}
