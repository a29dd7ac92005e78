// Package audit 提供追加写入的审计记录：意图分析、路由决策、冲突处理
// 以及安全结论都会形成带时间戳和责任方的条目。
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"OpenAgent-Hub/pkg/logger"
)

// Kind 标识审计条目的类别。
type Kind string

const (
	KindIntentAnalysis     Kind = "intent_analysis"
	KindRoutingDecision    Kind = "routing_decision"
	KindConflictResolution Kind = "conflict_resolution"
	KindSafetyVerdict      Kind = "safety_verdict"
	KindWorkflowStatus     Kind = "workflow_status"
)

// Entry 是一条不可变的审计记录。
type Entry struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Actor      string          `json:"actor"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Subject    string          `json:"subject"`
	Summary    string          `json:"summary,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	At         time.Time       `json:"at"`
}

// NewEntry 构造审计条目，detail 会被编码为 JSON。
func NewEntry(kind Kind, actor, subject string, detail any) Entry {
	e := Entry{
		ID:      uuid.NewString(),
		Kind:    kind,
		Actor:   actor,
		Subject: subject,
		At:      time.Now().UTC(),
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			e.Detail = raw
		}
	}
	return e
}

// Filter 约束查询结果。
type Filter struct {
	Kind       Kind
	WorkflowID string
	Since      time.Time
	Limit      int
}

func (f Filter) match(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if !f.Since.IsZero() && e.At.Before(f.Since) {
		return false
	}
	return true
}

// Recorder 追加审计条目。
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Store 可追加也可查询的审计存储。
type Store interface {
	Recorder
	List(ctx context.Context, f Filter) ([]Entry, error)
	Close() error
}

// LogRecorder 将条目写入审计日志。
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder 使用 logger.Audit() 输出审计条目。
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{logger: logger.Audit()}
}

// Record 实现 Recorder。
func (r *LogRecorder) Record(ctx context.Context, e Entry) error {
	r.logger.InfoContext(ctx, string(e.Kind),
		"audit_id", e.ID,
		"actor", e.Actor,
		"workflow_id", e.WorkflowID,
		"subject", e.Subject,
		"summary", e.Summary,
		"detail", json.RawMessage(e.Detail),
		"at", e.At,
	)
	return nil
}

// Tee 将条目写入多个 Recorder。
type Tee []Recorder

// Record 实现 Recorder。
func (t Tee) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range t {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
