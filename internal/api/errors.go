package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	xerrors "OpenAgent-Hub/internal/errors"
)

// errorBody 是统一的错误响应。
type errorBody struct {
	Code     string            `json:"code"`
	Error    string            `json:"error"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Details  any               `json:"details,omitempty"`
}

// statusOf 将统一错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeClarificationNeeded:
		return http.StatusUnprocessableEntity
	case xerrors.CodeInvalidTransition, xerrors.CodeConflictRejected:
		return http.StatusConflict
	case xerrors.CodeCapacityExceeded, xerrors.CodeNoAgentAvailable:
		return http.StatusServiceUnavailable
	case xerrors.CodeSafetyBlocked:
		return http.StatusForbidden
	case xerrors.CodeSystemPaused:
		return http.StatusLocked
	case xerrors.CodeUpstreamFailure, xerrors.CodeDispatchFailure, xerrors.CodeStepTimeout:
		return http.StatusBadGateway
	}
	if xerrors.ClassOf(err) == xerrors.ClassInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c echo.Context, err error, details any) error {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Error: err.Error(), Details: details}
	if e, ok := xerrors.From(err); ok {
		body.Error = e.Message()
		body.Metadata = e.Metadata()
	}
	return c.JSON(statusOf(err), body)
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidInput, err, "请求体解析失败")
	}
	return nil
}
