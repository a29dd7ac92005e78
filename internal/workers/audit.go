package workers

import (
	"context"
	"encoding/json"
	"sort"

	"OpenAgent-Hub/internal/audit"
	"OpenAgent-Hub/internal/bus"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
)

// AuditOutput 是审计步骤的输出。
type AuditOutput struct {
	Status  string   `json:"status"`
	EntryID string   `json:"entry_id"`
	Steps   []string `json:"steps"`
}

// AuditWorker 在工作流末尾记录全部上游步骤的输出。
type AuditWorker struct {
	Recorder audit.Recorder
}

// Handle 实现 bus.Handler。
func (w *AuditWorker) Handle(ctx context.Context, msg bus.Message) (json.RawMessage, error) {
	req, err := decodeRequest(msg)
	if err != nil {
		return nil, err
	}
	steps := make([]string, 0, len(req.Upstream))
	for id := range req.Upstream {
		steps = append(steps, id)
	}
	sort.Strings(steps)

	entry := audit.NewEntry(audit.KindWorkflowStatus, string(intent.AgentAudit), req.WorkflowID, map[string]any{
		"request":  stringField(req.Input, "request"),
		"category": stringField(req.Input, "category"),
		"risk":     stringField(req.Input, "risk"),
		"upstream": req.Upstream,
	})
	entry.WorkflowID = req.WorkflowID
	entry.Summary = "workflow audit trail recorded"
	if w.Recorder != nil {
		if err := w.Recorder.Record(ctx, entry); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
		}
	}
	return json.Marshal(AuditOutput{Status: StatusCompleted, EntryID: entry.ID, Steps: steps})
}
