package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenAgent-Hub/internal/agentdir"
	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/bus"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/events"
	"OpenAgent-Hub/internal/workflow"
)

// run 保存一个工作流的运行期状态，步骤字段只在 mu 保护下修改。
type run struct {
	mu     sync.RWMutex
	wf     *workflow.Workflow
	plan   *ExecutionPlan
	errs   map[string]string
	reason string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	slot   sync.Once
}

func (r *run) terminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wf.Status.IsTerminal()
}

func (o *Orchestrator) execute(r *run) {
	defer close(r.done)
	defer r.cancel()

	for _, group := range r.plan.ParallelGroups {
		if r.ctx.Err() != nil {
			break
		}
		var g errgroup.Group
		for _, id := range group {
			step, _ := r.wf.Step(id)
			g.Go(func() error {
				o.runStep(r, step)
				return nil
			})
		}
		_ = g.Wait()
	}
	o.finish(r)
}

func (o *Orchestrator) finish(r *run) {
	r.mu.Lock()
	final := r.wf.Status
	if final == workflow.StatusRunning {
		final = workflow.StatusCompleted
		for _, s := range r.wf.Steps {
			if s.Status == workflow.StepFailed || s.Status == workflow.StepSkipped || s.Status == workflow.StepCancelled {
				final = workflow.StatusFailed
				break
			}
		}
		if err := r.wf.Transition(final); err != nil {
			o.logger.Error("切换工作流状态失败", slog.String("workflow_id", r.wf.ID), slog.Any("error", err))
		}
	}
	wfID := r.wf.ID
	r.mu.Unlock()

	o.alloc.ReleaseWorkflow(wfID)
	o.alloc.Forget(wfID)
	o.releaseSlot(r)
	o.metrics.WorkflowFinished(string(final))
	if final == workflow.StatusCancelled {
		return
	}

	status := r.status()
	typ := events.WorkflowCompleted
	if final == workflow.StatusFailed {
		typ = events.WorkflowFailed
	}
	evt := events.New(typ, wfID)
	evt.PlanID = r.plan.ID
	evt.Status = string(final)
	evt.Detail = map[string]any{"completed": len(status.Completed), "failed": status.Failed, "errors": status.Errors}
	o.publish(evt)
	o.record(context.Background(), audit.KindWorkflowStatus, wfID, r.plan.ID, string(final), status)
	o.logger.Info("工作流执行结束",
		slog.String("workflow_id", wfID),
		slog.String("status", string(final)),
		slog.Float64("progress", status.ProgressPercent))
}

// runStep 在全部依赖完成后执行步骤；任一依赖未完成则跳过。
// 可重试错误按指数退避重试，不可重试错误立即终止该步骤。
func (o *Orchestrator) runStep(r *run, step *workflow.Step) {
	r.mu.Lock()
	if step.Status.IsTerminal() || r.wf.Status != workflow.StatusRunning {
		r.mu.Unlock()
		return
	}
	var blocked []string
	for _, dep := range r.plan.Dependencies[step.ID] {
		if d, ok := r.wf.Step(dep); !ok || d.Status != workflow.StepCompleted {
			blocked = append(blocked, dep)
		}
	}
	if len(blocked) > 0 {
		now := time.Now().UTC()
		step.Status = workflow.StepSkipped
		step.Error = fmt.Sprintf("依赖未完成: %v", blocked)
		step.CompletedAt = &now
		r.errs[step.ID] = step.Error
		r.mu.Unlock()

		o.alloc.RecordConflict(ConflictResolution{
			Type:      ConflictDependency,
			Workflows: []string{r.wf.ID},
			StepID:    step.ID,
			Strategy:  StrategyReject,
			Reasoning: step.Error,
		})
		o.metrics.StepFinished(string(step.AgentType), string(workflow.StepSkipped), 0)
		o.stepEvent(r, events.StepSkipped, step, map[string]any{"blocked_by": blocked})
		return
	}
	now := time.Now().UTC()
	step.Status = workflow.StepRunning
	step.StartedAt = &now
	r.mu.Unlock()
	o.stepEvent(r, events.StepStarted, step, nil)

	maxRetries := o.maxRetries(step)
	for attempt := 0; ; attempt++ {
		begin := time.Now()
		out, err := o.attempt(r, step)
		elapsed := time.Since(begin)

		if r.ctx.Err() != nil || r.terminal() {
			// 工作流已取消，步骤状态由 Cancel 设置。
			return
		}
		if err == nil {
			o.completeStep(r, step, out, elapsed)
			return
		}

		retryable := xerrors.RetryableError(err)
		if !retryable || attempt >= maxRetries {
			if retryable {
				err = xerrors.Wrap(xerrors.CodeRetriesExhausted, err,
					fmt.Sprintf("步骤 %s 在 %d 次尝试后仍失败", step.ID, attempt+1),
					xerrors.WithMetadata("step_id", step.ID))
			}
			o.failStep(r, step, err, elapsed)
			return
		}

		delay := o.backoff(attempt)
		r.mu.Lock()
		step.RetryCount++
		step.Error = err.Error()
		r.mu.Unlock()
		o.metrics.StepRetried(string(step.AgentType))
		o.stepEvent(r, events.StepRetrying, step, map[string]any{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"code":    string(xerrors.CodeOf(err)),
		})
		o.logger.Warn("步骤失败，准备重试",
			slog.String("workflow_id", r.wf.ID),
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// attempt 占用实例、派发请求并在返回前释放实例。
func (o *Orchestrator) attempt(r *run, step *workflow.Step) (json.RawMessage, error) {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	sched := r.plan.Schedule[step.ID]
	candidates, err := agentdir.Usable(ctx, o.directory, step.AgentType)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询 agent 目录失败")
	}
	alloc, err := o.alloc.Acquire(ctx, AllocationRequest{
		AgentType:  step.AgentType,
		Preferred:  sched.AgentInstance,
		Candidates: candidates,
		WorkflowID: r.wf.ID,
		StepID:     step.ID,
		Priority:   sched.Priority,
		Duration:   sched.EstimatedDuration,
		Cancel:     cancel,
	})
	if err != nil {
		return nil, err
	}
	defer o.alloc.Release(alloc)

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "等待派发配额时被取消")
	}

	payload, err := json.Marshal(o.stepRequest(r, step))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "序列化步骤输入失败")
	}
	msg := bus.NewMessage(actor, alloc.Instance, bus.TypeRequest, payload)
	msg.Action = step.Action
	msg.WorkflowID = r.wf.ID
	msg.StepID = step.ID
	msg.Priority = sched.Priority
	msg.Timeout = sched.EstimatedDuration

	// 不依赖通道实现 msg.Timeout，派发本身也受步骤超时约束
	sendCtx, cancelSend := context.WithTimeout(ctx, sched.EstimatedDuration)
	defer cancelSend()
	resp, err := o.channel.Send(sendCtx, msg)
	if alloc.Preempted() {
		return nil, xerrors.New(xerrors.CodePreempted,
			fmt.Sprintf("步骤 %s 的实例 %s 被更高优先级任务抢占", step.ID, alloc.Instance),
			xerrors.WithMetadata("instance", alloc.Instance))
	}
	if err != nil && ctx.Err() == nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		return nil, xerrors.Wrap(xerrors.CodeStepTimeout, err,
			fmt.Sprintf("步骤 %s 超过 %s 未完成", step.ID, sched.EstimatedDuration),
			xerrors.WithMetadata("instance", alloc.Instance),
			xerrors.WithMetadata("step_id", step.ID))
	}
	if err != nil {
		if _, coded := xerrors.From(err); !coded {
			err = xerrors.Wrap(xerrors.CodeDispatchFailure, err, "派发步骤失败")
		}
		return nil, err
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeDispatchFailure, "agent 未返回响应")
	}
	return resp.Payload, nil
}

func (o *Orchestrator) stepRequest(r *run, step *workflow.Step) bus.StepRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req := bus.StepRequest{
		WorkflowID: r.wf.ID,
		StepID:     step.ID,
		AgentType:  string(step.AgentType),
		Action:     step.Action,
		Input:      step.Input,
	}
	for _, dep := range r.plan.Dependencies[step.ID] {
		if d, ok := r.wf.Step(dep); ok && len(d.Output) > 0 {
			if req.Upstream == nil {
				req.Upstream = make(map[string]json.RawMessage)
			}
			req.Upstream[dep] = d.Output
		}
	}
	return req
}

func (o *Orchestrator) completeStep(r *run, step *workflow.Step, out json.RawMessage, elapsed time.Duration) {
	r.mu.Lock()
	if r.wf.Status != workflow.StatusRunning {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	step.Status = workflow.StepCompleted
	step.Output = out
	step.Error = ""
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.Duration = now.Sub(*step.StartedAt)
	}
	r.mu.Unlock()

	o.metrics.StepFinished(string(step.AgentType), string(workflow.StepCompleted), elapsed)
	o.stepEvent(r, events.StepCompleted, step, nil)
}

func (o *Orchestrator) failStep(r *run, step *workflow.Step, err error, elapsed time.Duration) {
	r.mu.Lock()
	if r.wf.Status != workflow.StatusRunning {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	step.Status = workflow.StepFailed
	step.Error = err.Error()
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.Duration = now.Sub(*step.StartedAt)
	}
	r.errs[step.ID] = err.Error()
	r.mu.Unlock()

	o.metrics.StepFinished(string(step.AgentType), string(workflow.StepFailed), elapsed)
	o.stepEvent(r, events.StepFailed, step, map[string]any{
		"code":        string(xerrors.CodeOf(err)),
		"retry_count": step.RetryCount,
	})
	o.logger.Error("步骤失败",
		slog.String("workflow_id", r.wf.ID),
		slog.String("step_id", step.ID),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
	o.alert(r.ctx, err, r.wf.ID, step)
}

func (o *Orchestrator) stepEvent(r *run, typ events.Type, step *workflow.Step, detail map[string]any) {
	r.mu.RLock()
	status := string(step.Status)
	r.mu.RUnlock()
	evt := events.New(typ, r.wf.ID)
	evt.PlanID = r.plan.ID
	evt.StepID = step.ID
	evt.Status = status
	evt.Detail = detail
	o.publish(evt)
}

func (o *Orchestrator) maxRetries(step *workflow.Step) int {
	if step.MaxRetries > 0 {
		return step.MaxRetries
	}
	return o.cfg.MaxRetries
}

// backoff 返回第 attempt 次失败后的等待时间：基础间隔逐次翻倍，不超过上限。
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.BaseBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= o.cfg.MaxBackoff {
			return o.cfg.MaxBackoff
		}
	}
	if delay > o.cfg.MaxBackoff {
		return o.cfg.MaxBackoff
	}
	return delay
}
