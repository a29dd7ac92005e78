package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
)

// IntentRequest 是意图分析与工作流提交的请求体。
type IntentRequest struct {
	Text      string `json:"text"`
	Confirmed bool   `json:"confirmed"`
}

// WorkflowRequest 提交工作流：给出 Analysis 时跳过分析直接构建，否则从 Text 开始。
type WorkflowRequest struct {
	IntentRequest
	Analysis *intent.Analysis `json:"analysis,omitempty"`
}

// CancelRequest 是取消工作流的请求体。
type CancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) analyzeIntent(c echo.Context) error {
	var req IntentRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err, nil)
	}
	res, err := s.hub.AnalyzeIntent(c.Request().Context(), req.Text, req.Confirmed)
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) submitWorkflow(c echo.Context) error {
	var req WorkflowRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err, nil)
	}
	ctx := c.Request().Context()

	if req.Analysis != nil {
		wf, err := s.hub.BuildWorkflow(ctx, *req.Analysis)
		if err != nil {
			return writeError(c, err, nil)
		}
		plan, err := s.hub.Orchestrate(ctx, wf)
		if err != nil {
			return writeError(c, err, nil)
		}
		return c.JSON(http.StatusAccepted, map[string]any{"workflow": wf, "plan": plan})
	}

	sub, err := s.hub.Submit(ctx, req.Text, req.Confirmed)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeClarificationNeeded) {
			return writeError(c, err, sub.AnalyzeResult)
		}
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusAccepted, sub)
}

func (s *Server) planStatus(c echo.Context) error {
	status, err := s.hub.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) workflowStatus(c echo.Context) error {
	status, err := s.hub.StatusOfWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) cancelWorkflow(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return writeError(c, err, nil)
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by user"
	}
	id := c.Param("id")
	if err := s.hub.Cancel(c.Request().Context(), id, reason); err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, map[string]string{"workflow_id": id, "status": "cancelled", "reason": reason})
}

func (s *Server) conflicts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.Conflicts())
}

func (s *Server) agents(c echo.Context) error {
	if s.directory == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, s.directory.Snapshot())
}
