package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenAgent-Hub/internal/agentdir"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/workflow"
)

// ExecutionSchedule 是单个步骤在计划中的安排。
type ExecutionSchedule struct {
	StepID            string            `json:"step_id"`
	AgentType         intent.AgentType  `json:"agent_type"`
	AgentInstance     string            `json:"agent_instance"`
	Start             time.Time         `json:"start"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
	Priority          workflow.Priority `json:"priority"`
}

// End returns the estimated end time.
func (s ExecutionSchedule) End() time.Time {
	return s.Start.Add(s.EstimatedDuration)
}

// ExecutionPlan 每个工作流只创建一次，执行期间持续被读取。
type ExecutionPlan struct {
	ID                  string                       `json:"id"`
	WorkflowID          string                       `json:"workflow_id"`
	Schedule            map[string]ExecutionSchedule `json:"schedule"`
	Dependencies        map[string][]string          `json:"dependencies"`
	ParallelGroups      [][]string                   `json:"parallel_groups"`
	EstimatedCompletion time.Time                    `json:"estimated_completion"`
	CreatedAt           time.Time                    `json:"created_at"`
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Schedule = make(map[string]ExecutionSchedule, len(p.Schedule))
	for k, v := range p.Schedule {
		cp.Schedule[k] = v
	}
	cp.Dependencies = make(map[string][]string, len(p.Dependencies))
	for k, v := range p.Dependencies {
		cp.Dependencies[k] = append([]string(nil), v...)
	}
	cp.ParallelGroups = make([][]string, len(p.ParallelGroups))
	for i, g := range p.ParallelGroups {
		cp.ParallelGroups[i] = append([]string(nil), g...)
	}
	return &cp
}

type planOptions struct {
	start          time.Time
	defaultTimeout time.Duration
}

// BuildPlan 按依赖顺序为每个步骤计算开始时间并挑选实例：
// 开始时间取依赖中最晚的结束时间，实例取该时间段内冲突最少者，
// 健康实例优先、降级实例可用、不健康实例排除。
func BuildPlan(ctx context.Context, wf *workflow.Workflow, dir agentdir.Directory, opts planOptions) (*ExecutionPlan, error) {
	if wf == nil {
		return nil, xerrors.New(xerrors.CodeInvalidWorkflow, "工作流为空")
	}
	ids := wf.StepIDs()
	deps := make(map[string][]string, len(wf.Dependencies))
	for id, list := range wf.Dependencies {
		deps[id] = append([]string(nil), list...)
	}
	if cycle := workflow.FindCycle(ids, deps); cycle != nil {
		return nil, xerrors.New(xerrors.CodeCyclicDependency,
			fmt.Sprintf("检测到循环依赖: %s", strings.Join(cycle, " -> ")))
	}
	groups, err := workflow.Layer(ids, deps)
	if err != nil {
		return nil, err
	}

	start := opts.start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	plan := &ExecutionPlan{
		ID:                  "plan-" + uuid.NewString(),
		WorkflowID:          wf.ID,
		Schedule:            make(map[string]ExecutionSchedule, len(ids)),
		Dependencies:        deps,
		ParallelGroups:      groups,
		EstimatedCompletion: start,
		CreatedAt:           start,
	}

	candidates := make(map[intent.AgentType][]string)
	for _, group := range groups {
		for _, id := range group {
			step, _ := wf.Step(id)
			usable, ok := candidates[step.AgentType]
			if !ok {
				usable, err = agentdir.Usable(ctx, dir, step.AgentType)
				if err != nil {
					return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询 agent 目录失败")
				}
				candidates[step.AgentType] = usable
			}
			if len(usable) == 0 {
				return nil, xerrors.New(xerrors.CodeNoAgentAvailable,
					fmt.Sprintf("步骤 %s 需要的 %s 没有可用实例", id, step.AgentType),
					xerrors.WithMetadata("agent_type", string(step.AgentType)),
					xerrors.WithMetadata("step_id", id))
			}

			begin := start
			for _, dep := range deps[id] {
				if end := plan.Schedule[dep].End(); end.After(begin) {
					begin = end
				}
			}
			duration := step.Timeout
			if duration <= 0 {
				duration = opts.defaultTimeout
			}
			sched := ExecutionSchedule{
				StepID:            id,
				AgentType:         step.AgentType,
				AgentInstance:     pickInstance(plan, usable, begin, begin.Add(duration)),
				Start:             begin,
				EstimatedDuration: duration,
				Priority:          priorityFor(wf, step),
			}
			plan.Schedule[id] = sched
			if end := sched.End(); end.After(plan.EstimatedCompletion) {
				plan.EstimatedCompletion = end
			}
		}
	}
	return plan, nil
}

func pickInstance(plan *ExecutionPlan, usable []string, start, end time.Time) string {
	best, bestConflicts := usable[0], -1
	for _, id := range usable {
		n := 0
		for _, s := range plan.Schedule {
			if s.AgentInstance == id && s.Start.Before(end) && start.Before(s.End()) {
				n++
			}
		}
		if bestConflicts < 0 || n < bestConflicts {
			best, bestConflicts = id, n
		}
	}
	return best
}

// priorityFor 计算步骤参与分配时的优先级，高风险意图下的步骤一律为 critical。
func priorityFor(wf *workflow.Workflow, step *workflow.Step) workflow.Priority {
	p := step.EffectivePriority()
	if wf.Intent != nil && wf.Intent.Risk == intent.LevelCritical {
		p = workflow.PriorityCritical
	}
	return p
}
