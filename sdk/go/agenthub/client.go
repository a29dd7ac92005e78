package agenthub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Agent Hub REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Parameters mirrors the entities extracted from a request.
type Parameters struct {
	Numbers    []float64 `json:"numbers,omitempty"`
	Quoted     []string  `json:"quoted,omitempty"`
	Languages  []string  `json:"languages,omitempty"`
	Extensions []string  `json:"extensions,omitempty"`
	Tokens     []string  `json:"tokens,omitempty"`
	Networks   []string  `json:"networks,omitempty"`
	Addresses  []string  `json:"addresses,omitempty"`
}

// Analysis is the classification result for a natural language request.
type Analysis struct {
	ID                 string             `json:"id"`
	Text               string             `json:"text"`
	Primary            string             `json:"primary"`
	Secondary          []string           `json:"secondary,omitempty"`
	Scores             map[string]float64 `json:"scores,omitempty"`
	Complexity         string             `json:"complexity"`
	Risk               string             `json:"risk"`
	Confidence         float64            `json:"confidence"`
	RequiredAgents     []string           `json:"required_agents"`
	Parameters         Parameters         `json:"parameters"`
	Reasoning          string             `json:"reasoning"`
	NeedsClarification bool               `json:"needs_clarification"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Clarification lists the questions to answer before a workflow is built.
type Clarification struct {
	Questions []string `json:"questions"`
	Reasons   []string `json:"reasons,omitempty"`
}

// AnalyzeResult is returned by AnalyzeIntent.
type AnalyzeResult struct {
	Analysis      Analysis       `json:"analysis"`
	Clarification *Clarification `json:"clarification,omitempty"`
}

// Plan is the execution plan created for a submitted workflow.
type Plan struct {
	ID                  string              `json:"id"`
	WorkflowID          string              `json:"workflow_id"`
	Dependencies        map[string][]string `json:"dependencies"`
	ParallelGroups      [][]string          `json:"parallel_groups"`
	EstimatedCompletion time.Time           `json:"estimated_completion"`
	CreatedAt           time.Time           `json:"created_at"`
}

// Submission is returned by SubmitWorkflow.
type Submission struct {
	AnalyzeResult
	Workflow json.RawMessage `json:"workflow,omitempty"`
	Plan     *Plan           `json:"plan,omitempty"`
}

// Status is a snapshot of a running or finished workflow.
type Status struct {
	WorkflowID      string                     `json:"workflow_id"`
	PlanID          string                     `json:"plan_id"`
	Status          string                     `json:"status"`
	Completed       []string                   `json:"completed"`
	Failed          []string                   `json:"failed"`
	Skipped         []string                   `json:"skipped,omitempty"`
	Active          []string                   `json:"active"`
	CurrentStep     string                     `json:"current_step,omitempty"`
	ProgressPercent float64                    `json:"progress_percent"`
	StepOutputs     map[string]json.RawMessage `json:"step_outputs,omitempty"`
	Errors          map[string]string          `json:"errors,omitempty"`
	CancelReason    string                     `json:"cancel_reason,omitempty"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Terminal reports whether the workflow has stopped.
func (s Status) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Event is a state change pushed over the workflow stream.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	PlanID     string         `json:"plan_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// Frame is one message of the workflow stream: a snapshot or an event.
type Frame struct {
	Kind   string  `json:"kind"`
	Status *Status `json:"status,omitempty"`
	Event  *Event  `json:"event,omitempty"`
}

// Artifact is a file submitted for scanning.
type Artifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"error"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Details    json.RawMessage   `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agenthub api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agenthub api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client for the Agent Hub API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, dialer: websocket.DefaultDialer}, nil
}

// AnalyzeIntent classifies text without running anything.
func (c *Client) AnalyzeIntent(ctx context.Context, text string, confirmed bool) (AnalyzeResult, error) {
	var res AnalyzeResult
	body := map[string]any{"text": text, "confirmed": confirmed}
	if err := c.post(ctx, "/api/v1/intents", body, &res); err != nil {
		return AnalyzeResult{}, err
	}
	return res, nil
}

// SubmitWorkflow analyzes text, builds a workflow and starts it. A request
// that needs clarification fails with code CLARIFICATION_NEEDED.
func (c *Client) SubmitWorkflow(ctx context.Context, text string, confirmed bool) (Submission, error) {
	var sub Submission
	body := map[string]any{"text": text, "confirmed": confirmed}
	if err := c.post(ctx, "/api/v1/workflows", body, &sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// WorkflowStatus fetches the status of a workflow.
func (c *Client) WorkflowStatus(ctx context.Context, workflowID string) (Status, error) {
	var st Status
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(workflowID), &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// PlanStatus fetches the status by plan identifier.
func (c *Client) PlanStatus(ctx context.Context, planID string) (Status, error) {
	var st Status
	if err := c.get(ctx, "/api/v1/plans/"+url.PathEscape(planID), &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// CancelWorkflow stops a running workflow.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.post(ctx, "/api/v1/workflows/"+url.PathEscape(workflowID)+"/cancel", body, nil)
}

// Scan runs the vulnerability scanner over artifacts. The report is returned raw.
func (c *Client) Scan(ctx context.Context, artifacts []Artifact) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.post(ctx, "/api/v1/security/scan", map[string]any{"artifacts": artifacts}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateDeFi runs the combined DeFi safety validation. A blocked request
// fails with SAFETY_BLOCKED and the report in APIError.Details.
func (c *Client) ValidateDeFi(ctx context.Context, request any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.post(ctx, "/api/v1/defi/validate", request, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PauseDeFi enters the emergency pause.
func (c *Client) PauseDeFi(ctx context.Context, reason string) error {
	return c.post(ctx, "/api/v1/defi/pause", map[string]string{"reason": reason}, nil)
}

// ResumeDeFi leaves the emergency pause.
func (c *Client) ResumeDeFi(ctx context.Context) error {
	return c.post(ctx, "/api/v1/defi/resume", struct{}{}, nil)
}

// Watch streams frames of a workflow until it reaches a terminal state or
// ctx ends. fn is called for every frame in order.
func (c *Client) Watch(ctx context.Context, workflowID string, fn func(Frame) error) error {
	u := c.endpoint("/api/v1/workflows/" + url.PathEscape(workflowID) + "/stream")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return decodeError(resp)
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(endpoint).String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(endpoint).String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) endpoint(p string) *url.URL {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, p)}
	return c.baseURL.ResolveReference(rel)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		// 非 JSON 响应保留原文作为消息。
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
