package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/events"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamReadLimit    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamFrame 是推送给客户端的消息：首帧为当前进度快照，其后为状态事件。
type StreamFrame struct {
	Kind   string        `json:"kind"`
	Status any           `json:"status,omitempty"`
	Event  *events.Event `json:"event,omitempty"`
}

func terminalEvent(t events.Type) bool {
	return t == events.WorkflowCompleted || t == events.WorkflowFailed || t == events.WorkflowCancelled
}

// streamWorkflow 通过 websocket 推送工作流的状态变化，工作流结束后关闭连接。
func (s *Server) streamWorkflow(c echo.Context) error {
	if s.broker == nil {
		return writeError(c, xerrors.New(xerrors.CodeNotFound, "未启用状态推送"), nil)
	}
	workflowID := c.Param("id")
	ctx := c.Request().Context()
	// 先订阅再读取快照，避免两者之间的事件丢失。
	ch, unsubscribe := s.broker.Subscribe(workflowID)
	defer unsubscribe()
	status, err := s.hub.StatusOfWorkflow(ctx, workflowID)
	if err != nil {
		return writeError(c, err, nil)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket 升级失败", slog.Any("error", err))
		return nil
	}
	defer conn.Close()
	conn.SetReadLimit(streamReadLimit)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(frame StreamFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteJSON(frame)
	}
	finish := func() {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "workflow finished"))
	}

	if err := write(StreamFrame{Kind: "snapshot", Status: status}); err != nil {
		return nil
	}
	if status.Status.IsTerminal() {
		finish()
		return nil
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				finish()
				return nil
			}
			if err := write(StreamFrame{Kind: "event", Event: &evt}); err != nil {
				return nil
			}
			if terminalEvent(evt.Type) {
				finish()
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
