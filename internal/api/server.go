package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"OpenAgent-Hub/internal/agentdir"
	"OpenAgent-Hub/internal/events"
	"OpenAgent-Hub/internal/hub"
	"OpenAgent-Hub/internal/observability/metrics"
	"OpenAgent-Hub/pkg/logger"
)

const defaultShutdownTimeout = 5 * time.Second

// Server 负责暴露 REST 接口，供外部提交请求并观察工作流执行。
type Server struct {
	addr            string
	hub             *hub.Hub
	broker          *events.Broker
	directory       *agentdir.StaticDirectory
	metrics         *metrics.Metrics
	metricsPath     string
	shutdownTimeout time.Duration
	logger          *slog.Logger
	echo            *echo.Echo
}

// Option 定义可选配置。
type Option func(*Server)

// WithBroker 启用 websocket 状态推送。
func WithBroker(b *events.Broker) Option {
	return func(s *Server) {
		s.broker = b
	}
}

// WithDirectory 暴露 agent 目录快照。
func WithDirectory(d *agentdir.StaticDirectory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithMetrics 注册指标接口并记录 HTTP 请求指标。path 为空时使用 /metrics。
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, h *hub.Hub, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		hub:             h,
		metricsPath:     "/metrics",
		shutdownTimeout: defaultShutdownTimeout,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.echo = s.routes()
	return s
}

// Handler 返回完整的 HTTP 处理器，便于测试直接调用。
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
			}
			s.logger.Debug("http request", attrs...)
			return nil
		},
	}))
	e.Use(s.observe)

	e.GET("/healthz", s.health)
	if s.metrics != nil {
		e.GET(s.metricsPath, echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := e.Group("/api/v1")
	v1.POST("/intents", s.analyzeIntent)
	v1.POST("/workflows", s.submitWorkflow)
	v1.GET("/workflows/:id", s.workflowStatus)
	v1.POST("/workflows/:id/cancel", s.cancelWorkflow)
	v1.GET("/workflows/:id/stream", s.streamWorkflow)
	v1.GET("/plans/:id", s.planStatus)
	v1.GET("/conflicts", s.conflicts)
	v1.GET("/agents", s.agents)

	v1.POST("/security/scan", s.scan)
	v1.POST("/security/compliance", s.compliance)

	v1.POST("/defi/slippage", s.slippage)
	v1.POST("/defi/rugpull", s.rugPull)
	v1.POST("/defi/mev", s.mev)
	v1.POST("/defi/validate", s.validateDeFi)
	v1.GET("/defi/status", s.defiStatus)
	v1.POST("/defi/pause", s.pauseDeFi)
	v1.POST("/defi/resume", s.resumeDeFi)
	return e
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录每个路由的请求数与耗时。
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		s.metrics.ObserveHTTPRequest(c.Path(), c.Request().Method, status, time.Since(start))
		return err
	}
}

func (s *Server) health(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if engine := s.hub.DeFi(); engine != nil {
		paused, _ := engine.Paused()
		body["defi_paused"] = paused
	}
	return c.JSON(http.StatusOK, body)
}
