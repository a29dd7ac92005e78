package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	xerrors "OpenAgent-Hub/internal/errors"
)

// FindCycle runs a depth-first traversal with a recursion stack over the
// dependency relation and returns the first cycle found as a path
// (first element repeated at the end), or nil when the graph is acyclic.
func FindCycle(ids []string, deps map[string][]string) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(ids))
	stack := make([]string, 0, len(ids))

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case onStack:
				for i, s := range stack {
					if s == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Layer partitions steps into parallel groups by repeatedly collecting every
// unplaced step whose dependencies are already placed. Members of a group
// keep the order of ids.
func Layer(ids []string, deps map[string][]string) ([][]string, error) {
	placed := make(map[string]bool, len(ids))
	var groups [][]string
	for len(placed) < len(ids) {
		var group []string
		for _, id := range ids {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range deps[id] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				group = append(group, id)
			}
		}
		if len(group) == 0 {
			var stuck []string
			for _, id := range ids {
				if !placed[id] {
					stuck = append(stuck, id)
				}
			}
			return nil, xerrors.New(xerrors.CodeInvalidWorkflow,
				fmt.Sprintf("无法调度的步骤: %s", strings.Join(stuck, ", ")))
		}
		for _, id := range group {
			placed[id] = true
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// Validate 检查步骤 ID 唯一、依赖存在、无自依赖且无环。
func Validate(steps []*Step, deps map[string][]string) error {
	if len(steps) == 0 {
		return xerrors.New(xerrors.CodeInvalidWorkflow, "工作流至少需要一个步骤")
	}
	known := make(map[string]struct{}, len(steps))
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		if s == nil || strings.TrimSpace(s.ID) == "" {
			return xerrors.New(xerrors.CodeInvalidWorkflow, "步骤缺少 ID")
		}
		if s.AgentType == "" {
			return xerrors.New(xerrors.CodeInvalidWorkflow, fmt.Sprintf("步骤 %s 缺少 agent 类型", s.ID))
		}
		if _, dup := known[s.ID]; dup {
			return xerrors.New(xerrors.CodeInvalidWorkflow, fmt.Sprintf("步骤 ID 重复: %s", s.ID))
		}
		known[s.ID] = struct{}{}
		ids = append(ids, s.ID)
	}

	keys := make([]string, 0, len(deps))
	for id := range deps {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	for _, id := range keys {
		if _, ok := known[id]; !ok {
			return xerrors.New(xerrors.CodeInvalidWorkflow, fmt.Sprintf("依赖关系引用了未知步骤: %s", id))
		}
		for _, dep := range deps[id] {
			if dep == id {
				return xerrors.New(xerrors.CodeCyclicDependency, fmt.Sprintf("步骤 %s 依赖自身", id))
			}
			if _, ok := known[dep]; !ok {
				return xerrors.New(xerrors.CodeInvalidWorkflow, fmt.Sprintf("步骤 %s 依赖未知步骤 %s", id, dep))
			}
		}
	}

	if cycle := FindCycle(ids, deps); cycle != nil {
		return xerrors.New(xerrors.CodeCyclicDependency,
			fmt.Sprintf("检测到循环依赖: %s", strings.Join(cycle, " -> ")),
			xerrors.WithMetadata("cycle", strings.Join(cycle, ",")))
	}
	return nil
}

// New 校验步骤与依赖关系并计算并行分组。循环依赖在构造阶段即被拒绝。
func New(id string, steps []*Step, deps map[string][]string) (*Workflow, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidWorkflow, "工作流 ID 为空")
	}
	if deps == nil {
		deps = map[string][]string{}
	}
	if err := Validate(steps, deps); err != nil {
		return nil, err
	}

	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
		if s.Status == "" {
			s.Status = StepPending
		}
		if s.Order == 0 {
			s.Order = i + 1
		}
	}
	groups, err := Layer(ids, deps)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Workflow{
		ID:             id,
		Steps:          steps,
		Dependencies:   cloneDeps(deps),
		ParallelGroups: groups,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Transition 在状态机允许时切换工作流状态。
func (w *Workflow) Transition(to Status) error {
	if !CanTransition(w.Status, to) {
		return xerrors.New(xerrors.CodeInvalidTransition,
			fmt.Sprintf("工作流 %s 无法从 %s 切换到 %s", w.ID, w.Status, to))
	}
	w.Status = to
	w.UpdatedAt = time.Now().UTC()
	return nil
}
