package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/api/handlers"
	"github.com/daxiondi/seedance2.0/config"
	"github.com/daxiondi/seedance2.0/internal/browser"
	"github.com/daxiondi/seedance2.0/internal/generate"
	"github.com/daxiondi/seedance2.0/internal/metrics"
	"github.com/daxiondi/seedance2.0/internal/platform"
	"github.com/daxiondi/seedance2.0/internal/server"
	"github.com/daxiondi/seedance2.0/internal/task"
	"github.com/daxiondi/seedance2.0/internal/upload"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装网关的全部组件
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	manager *server.Manager

	// 核心组件
	registry  *task.Registry
	pool      *browser.Pool
	collector *metrics.Collector

	// Handlers
	generateHandler *handlers.GenerateHandler
	taskHandler     *handlers.TaskHandler
	proxyHandler    *handlers.ProxyHandler
	healthHandler   *handlers.HealthHandler
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.collector = metrics.NewCollector("seedance", s.logger)

	// 2. 初始化核心组件与 Handlers
	s.initComponents()

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initComponents 组装任务注册表、平台客户端、浏览器池与 handlers
func (s *Server) initComponents() {
	s.registry = task.NewRegistry(task.Config{
		MaxAge:        s.cfg.Task.MaxAge,
		PurgeDelay:    s.cfg.Task.PurgeDelay,
		SweepInterval: s.cfg.Task.SweepInterval,
	}, s.logger)

	apiClient := platform.NewClient(s.logger, platform.WithCallObserver(func(platformKey, outcome string) {
		s.collector.RecordVendorCall(platformKey, "direct", outcome)
	}))
	uploader := upload.NewUploader(apiClient, s.logger, upload.WithObserver(s.collector.RecordUpload))

	s.pool = browser.NewPool(browser.Config{
		Headless:     s.cfg.Browser.Headless,
		UserAgent:    s.cfg.Browser.UserAgent,
		ExecPath:     s.cfg.Browser.ExecPath,
		NavTimeout:   s.cfg.Browser.NavTimeout,
		ReadyTimeout: s.cfg.Browser.ReadyTimeout,
		IdleTimeout:  s.cfg.Browser.IdleTimeout,
	}, s.logger,
		browser.WithSessionGauge(s.collector.SetBrowserSessions),
		browser.WithCallObserver(func(platformKey, outcome string) {
			s.collector.RecordVendorCall(platformKey, "browser", outcome)
		}))

	genCfg := generate.Config{
		WallClock:         s.cfg.Generate.WallClock,
		WarmupDelay:       s.cfg.Generate.WarmupDelay,
		PollInterval:      s.cfg.Generate.PollInterval,
		PollMaxInterval:   s.cfg.Generate.PollMaxInterval,
		AgentPollInterval: s.cfg.Generate.AgentPollInterval,
	}

	direct := generate.NewDirect(apiClient, uploader, s.registry, genCfg, s.logger)
	agent := generate.NewAgent(s.pool, apiClient, s.registry, genCfg, s.logger)

	// 每个平台一个编排器；jimeng 走直连流，dreamina 走代理流
	runners := map[string]handlers.Runner{
		"jimeng":   s.instrument(direct),
		"dreamina": s.instrument(agent),
	}

	s.generateHandler = handlers.NewGenerateHandler(
		s.registry, runners, s.cfg.Platforms.FallbackCredential, s.logger,
	).WithSubmitHook(s.collector.RecordJobSubmitted)
	s.taskHandler = handlers.NewTaskHandler(s.registry, s.logger)
	s.proxyHandler = handlers.NewProxyHandler(s.logger)
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	s.logger.Info("Components initialized")
}

// =============================================================================
// 📊 任务指标包装
// =============================================================================

// instrumentedRunner 在任务终态后记录耗时指标
type instrumentedRunner struct {
	inner     handlers.Runner
	registry  *task.Registry
	collector *metrics.Collector
}

func (s *Server) instrument(inner handlers.Runner) handlers.Runner {
	return &instrumentedRunner{inner: inner, registry: s.registry, collector: s.collector}
}

// Run 委托给内部编排器，结束后按终态记录任务指标。
// Peek 不触发终态清理倒计时，清理仍由调用方的首次轮询观察驱动。
func (r *instrumentedRunner) Run(ctx context.Context, req generate.Request) {
	start := time.Now()
	r.inner.Run(ctx, req)

	job, ok := r.registry.Peek(req.TaskID)
	if !ok {
		return
	}
	switch job.Status {
	case task.StatusDone:
		r.collector.RecordJobCompleted(req.Platform.Key, req.Model, time.Since(start))
	case task.StatusError:
		r.collector.RecordJobFailed(req.Platform.Key, req.Model, errorCode(job.Message), time.Since(start))
	}
}

// errorCode 从终态消息里取出前导的 "[CODE]" 标签
func errorCode(message string) string {
	if strings.HasPrefix(message, "[") {
		if end := strings.Index(message, "]"); end > 1 {
			return message[1:end]
		}
	}
	return "UNKNOWN"
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 注册路由并启动监听
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// API 路由
	// ========================================
	mux.HandleFunc("/v1/videos", s.generateHandler.HandleSubmit)
	mux.HandleFunc("/v1/videos/", s.taskHandler.HandleStatus)
	mux.HandleFunc("/v1/proxy", s.proxyHandler.HandleProxy)

	// ========================================
	// 构建中间件链
	// ========================================
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	)

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	if s.cfg.Server.MetricsPort > 0 {
		serverConfig.MetricsAddr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
	}
	serverConfig.ReadTimeout = s.cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = s.cfg.Server.WriteTimeout
	serverConfig.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.manager = server.NewManager(handler, serverConfig, s.logger)
	return s.manager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.manager != nil {
		s.manager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	// 1. 关闭 HTTP 服务器（重复调用是幂等的）
	if s.manager != nil {
		if err := s.manager.Shutdown(context.Background()); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭浏览器会话池
	if s.pool != nil {
		s.pool.Close()
	}

	// 3. 停止任务注册表清扫
	if s.registry != nil {
		s.registry.Close()
	}

	s.logger.Info("Graceful shutdown completed")
}
