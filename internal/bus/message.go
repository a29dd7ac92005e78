package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/workflow"
)

// MessageType 描述消息在通道中的语义。
type MessageType string

const (
	TypeRequest    MessageType = "request"
	TypeResponse   MessageType = "response"
	TypeEvent      MessageType = "event"
	TypeError      MessageType = "error"
	TypeCancelStep MessageType = "cancel-step"
)

// Message 是编排器与 agent 实例之间交换的信封。
type Message struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Type          MessageType       `json:"type"`
	Action        string            `json:"action,omitempty"`
	WorkflowID    string            `json:"workflow_id,omitempty"`
	StepID        string            `json:"step_id,omitempty"`
	Priority      workflow.Priority `json:"priority,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Code          string            `json:"code,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewMessage 创建带 ID 与时间戳的消息。
func NewMessage(from, to string, typ MessageType, payload json.RawMessage) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Reply 构造对 request 的响应消息。
func (m Message) Reply(payload json.RawMessage) Message {
	resp := NewMessage(m.To, m.From, TypeResponse, payload)
	resp.CorrelationID = m.ID
	resp.WorkflowID = m.WorkflowID
	resp.StepID = m.StepID
	resp.Action = m.Action
	return resp
}

// Fail 构造对 request 的错误消息，保留统一错误码以便调用方判断是否可重试。
func (m Message) Fail(err error) Message {
	resp := NewMessage(m.To, m.From, TypeError, nil)
	resp.CorrelationID = m.ID
	resp.WorkflowID = m.WorkflowID
	resp.StepID = m.StepID
	resp.Action = m.Action
	resp.Error = err.Error()
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeUpstreamFailure
	}
	resp.Code = string(code)
	if e, ok := xerrors.From(err); ok {
		resp.Error = e.Message()
	}
	return resp
}

// Err 将 error 类型的响应还原为统一错误。
func (m *Message) Err() error {
	if m == nil || m.Type != TypeError {
		return nil
	}
	code := xerrors.Code(m.Code)
	if code == "" {
		code = xerrors.CodeUpstreamFailure
	}
	return xerrors.New(code, m.Error,
		xerrors.WithMetadata("agent", m.From),
		xerrors.WithMetadata("step_id", m.StepID))
}

// Handler 处理投递给某个 agent 实例的 request，返回响应负载。
// ctx 会在超时或收到 cancel-step 时被取消。
type Handler func(ctx context.Context, msg Message) (json.RawMessage, error)

// Channel 是编排器依赖的消息通道：request 同步等待响应，
// event 与 cancel-step 只投递不等待。
type Channel interface {
	Send(ctx context.Context, msg Message) (*Message, error)
	Close() error
}

// Server 由 agent 一侧使用，在实例 ID 上接收消息直到 ctx 结束。
type Server interface {
	Serve(ctx context.Context, instanceID string, handler Handler) error
}

func stepKey(workflowID, stepID string) string {
	return workflowID + "/" + stepID
}

func validate(msg *Message) error {
	if msg.To == "" {
		return xerrors.New(xerrors.CodeDispatchFailure, "消息缺少接收方")
	}
	switch msg.Type {
	case TypeRequest, TypeResponse, TypeEvent, TypeError, TypeCancelStep:
	default:
		return xerrors.New(xerrors.CodeInvalidInput, "未知的消息类型: "+string(msg.Type))
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return nil
}

// StepRequest 是 request 消息的负载：步骤输入以及已完成上游步骤的输出。
type StepRequest struct {
	WorkflowID string                     `json:"workflow_id"`
	StepID     string                     `json:"step_id"`
	AgentType  string                     `json:"agent_type"`
	Action     string                     `json:"action"`
	Input      map[string]any             `json:"input,omitempty"`
	Upstream   map[string]json.RawMessage `json:"upstream,omitempty"`
}
