package workers

import (
	"context"
	"encoding/json"

	"OpenAgent-Hub/internal/bus"
	"OpenAgent-Hub/internal/security"
)

// GenericOutput 是通用 worker 的应答。
type GenericOutput struct {
	AgentType string              `json:"agent_type"`
	Action    string              `json:"action"`
	Status    string              `json:"status"`
	Request   string              `json:"request,omitempty"`
	Artifacts []security.Artifact `json:"artifacts,omitempty"`
}

// Echo 是没有专门实现的 agent 类型的占位 handler：确认请求，
// 并把输入中的制品原样交给下游步骤。
func Echo(_ context.Context, msg bus.Message) (json.RawMessage, error) {
	req, err := decodeRequest(msg)
	if err != nil {
		return nil, err
	}
	var artifacts []security.Artifact
	if _, err := decodeField(req.Input, "artifacts", &artifacts); err != nil {
		return nil, err
	}
	return json.Marshal(GenericOutput{
		AgentType: req.AgentType,
		Action:    req.Action,
		Status:    StatusCompleted,
		Request:   stringField(req.Input, "request"),
		Artifacts: artifacts,
	})
}
