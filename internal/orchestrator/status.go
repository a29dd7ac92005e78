package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"OpenAgent-Hub/internal/workflow"
)

// ExecutionStatus 是根据步骤状态即时计算出的进度快照。
type ExecutionStatus struct {
	WorkflowID      string                     `json:"workflow_id"`
	PlanID          string                     `json:"plan_id"`
	Status          workflow.Status            `json:"status"`
	Completed       []string                   `json:"completed"`
	Failed          []string                   `json:"failed"`
	Skipped         []string                   `json:"skipped,omitempty"`
	Active          []string                   `json:"active"`
	CurrentStep     string                     `json:"current_step,omitempty"`
	ProgressPercent float64                    `json:"progress_percent"`
	StepOutputs     map[string]json.RawMessage `json:"step_outputs,omitempty"`
	Steps           []workflow.Step            `json:"steps"`
	Errors          map[string]string          `json:"errors,omitempty"`
	CancelReason    string                     `json:"cancel_reason,omitempty"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Status 返回计划的当前进度，每次调用都从步骤状态重新计算。
func (o *Orchestrator) Status(_ context.Context, planID string) (ExecutionStatus, error) {
	r, err := o.lookup(planID)
	if err != nil {
		return ExecutionStatus{}, err
	}
	return r.status(), nil
}

func (r *run) status() ExecutionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := ExecutionStatus{
		WorkflowID:   r.wf.ID,
		PlanID:       r.plan.ID,
		Status:       r.wf.Status,
		Completed:    []string{},
		Failed:       []string{},
		Active:       []string{},
		CancelReason: r.reason,
		UpdatedAt:    r.wf.UpdatedAt,
	}
	var latest time.Time
	for _, s := range r.wf.Steps {
		st.Steps = append(st.Steps, *s.Clone())
		switch s.Status {
		case workflow.StepCompleted:
			st.Completed = append(st.Completed, s.ID)
			if len(s.Output) > 0 {
				if st.StepOutputs == nil {
					st.StepOutputs = make(map[string]json.RawMessage)
				}
				st.StepOutputs[s.ID] = append(json.RawMessage(nil), s.Output...)
			}
		case workflow.StepFailed:
			st.Failed = append(st.Failed, s.ID)
		case workflow.StepSkipped:
			st.Skipped = append(st.Skipped, s.ID)
		case workflow.StepRunning:
			st.Active = append(st.Active, s.ID)
			if s.StartedAt != nil && s.StartedAt.After(latest) {
				latest = *s.StartedAt
				st.CurrentStep = s.ID
			}
		}
	}
	sort.Strings(st.Active)
	if st.CurrentStep == "" && len(st.Active) > 0 {
		st.CurrentStep = st.Active[0]
	}
	if total := len(r.wf.Steps); total > 0 {
		st.ProgressPercent = float64(len(st.Completed)) / float64(total) * 100
	}
	if len(r.errs) > 0 {
		st.Errors = make(map[string]string, len(r.errs))
		for k, v := range r.errs {
			st.Errors[k] = v
		}
	}
	return st
}
