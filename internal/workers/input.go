package workers

import (
	"encoding/json"
	"fmt"

	"OpenAgent-Hub/internal/bus"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
	"OpenAgent-Hub/internal/security"
)

func decodeRequest(msg bus.Message) (bus.StepRequest, error) {
	var req bus.StepRequest
	if len(msg.Payload) == 0 {
		return req, xerrors.New(xerrors.CodeInvalidInput, "请求缺少负载")
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return req, xerrors.Wrap(xerrors.CodeInvalidInput, err, "解析步骤请求失败")
	}
	if req.WorkflowID == "" {
		req.WorkflowID = msg.WorkflowID
	}
	if req.StepID == "" {
		req.StepID = msg.StepID
	}
	return req, nil
}

// decodeField 将 Input 中的某个键重新解码为具体类型，键不存在时返回 false。
func decodeField(input map[string]any, key string, out any) (bool, error) {
	v, ok := input[key]
	if !ok || v == nil {
		return false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidInput, err, fmt.Sprintf("编码输入 %s 失败", key))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidInput, err, fmt.Sprintf("解析输入 %s 失败", key))
	}
	return true, nil
}

func stringField(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func parameters(req bus.StepRequest) intent.Parameters {
	var p intent.Parameters
	_, _ = decodeField(req.Input, "parameters", &p)
	return p
}

// collectArtifacts 汇总步骤输入与上游输出中的制品。
func collectArtifacts(req bus.StepRequest) ([]security.Artifact, error) {
	var out []security.Artifact
	if _, err := decodeField(req.Input, "artifacts", &out); err != nil {
		return nil, err
	}
	for _, raw := range req.Upstream {
		var upstream struct {
			Artifacts []security.Artifact `json:"artifacts"`
		}
		if err := json.Unmarshal(raw, &upstream); err != nil {
			continue
		}
		out = append(out, upstream.Artifacts...)
	}
	return out, nil
}
