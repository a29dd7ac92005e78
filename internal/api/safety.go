package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"OpenAgent-Hub/internal/defi"
	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/security"
)

// ScanRequest 是扫描与合规检查的请求体。
type ScanRequest struct {
	Artifacts  []security.Artifact `json:"artifacts"`
	Frameworks []string            `json:"frameworks,omitempty"`
}

// SlippageRequest 在兑换参数之外可选地指定链上交易对。
type SlippageRequest struct {
	defi.SwapInput
	Pool *defi.PoolRef `json:"pool,omitempty"`
}

// RugPullRequest 是 rug-pull 检测的请求体。
type RugPullRequest struct {
	Source  string             `json:"source"`
	Metrics *defi.MetricsInput `json:"metrics,omitempty"`
}

// PauseRequest 是紧急暂停的请求体。
type PauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) scan(c echo.Context) error {
	var req ScanRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err, nil)
	}
	report, err := s.hub.Scan(c.Request().Context(), req.Artifacts)
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) compliance(c echo.Context) error {
	var req ScanRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err, nil)
	}
	report, err := s.hub.CheckCompliance(c.Request().Context(), req.Artifacts, req.Frameworks)
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) engine() (*defi.Engine, error) {
	if e := s.hub.DeFi(); e != nil {
		return e, nil
	}
	return nil, xerrors.New(xerrors.CodeUpstreamFailure, "未配置 DeFi 安全引擎", xerrors.WithRetryable(false))
}

func (s *Server) slippage(c echo.Context) error {
	engine, err := s.engine()
	if err != nil {
		return writeError(c, err, nil)
	}
	var req SlippageRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err, nil)
	}
	params, err := req.Params()
	if err != nil {
		return writeError(c, err, nil)
	}
	res, err := engine.SlippageAt(c.Request().Context(), params, req.Pool)
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) rugPull(c echo.Context) error {
	engine, err := s.engine()
	if err != nil {
		return writeError(c, err, nil)
	}
	var req RugPullRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err, nil)
	}
	report, err := engine.RugPull(req.Source, req.Metrics.Metrics())
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) mev(c echo.Context) error {
	engine, err := s.engine()
	if err != nil {
		return writeError(c, err, nil)
	}
	var req defi.TxInput
	if err := bind(c, &req); err != nil {
		return writeError(c, err, nil)
	}
	params, err := req.Params()
	if err != nil {
		return writeError(c, err, nil)
	}
	analysis, err := engine.MEV(c.Request().Context(), params)
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, analysis)
}

func (s *Server) validateDeFi(c echo.Context) error {
	engine, err := s.engine()
	if err != nil {
		return writeError(c, err, nil)
	}
	var req defi.RequestInput
	if err := bind(c, &req); err != nil {
		return writeError(c, err, nil)
	}
	dreq, err := req.Request(c.QueryParam("workflow_id"))
	if err != nil {
		return writeError(c, err, nil)
	}
	report, err := engine.Validate(c.Request().Context(), dreq)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeSafetyBlocked) {
			return writeError(c, err, report)
		}
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) defiStatus(c echo.Context) error {
	engine, err := s.engine()
	if err != nil {
		return writeError(c, err, nil)
	}
	paused, reason := engine.Paused()
	return c.JSON(http.StatusOK, map[string]any{"paused": paused, "reason": reason})
}

func (s *Server) pauseDeFi(c echo.Context) error {
	engine, err := s.engine()
	if err != nil {
		return writeError(c, err, nil)
	}
	var req PauseRequest
	if err := bind(c, &req); err != nil {
		return writeError(c, err, nil)
	}
	if req.Reason == "" {
		return writeError(c, xerrors.New(xerrors.CodeInvalidInput, "暂停需要说明原因"), nil)
	}
	engine.Pause(c.Request().Context(), req.Reason)
	return c.JSON(http.StatusOK, map[string]any{"paused": true, "reason": req.Reason})
}

func (s *Server) resumeDeFi(c echo.Context) error {
	engine, err := s.engine()
	if err != nil {
		return writeError(c, err, nil)
	}
	engine.Resume(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"paused": false})
}
