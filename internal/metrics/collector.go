// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 生成任务指标
	jobsSubmitted    *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	vendorCallsTotal *prometheus.CounterVec
	uploadsTotal     *prometheus.CounterVec

	// 浏览器会话指标
	browserSessions prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 生成任务指标
	c.jobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of generation jobs submitted",
		},
		[]string{"platform", "model"},
	)

	c.jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of generation jobs that produced a video",
		},
		[]string{"platform", "model"},
	)

	c.jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of generation jobs that ended in error",
		},
		[]string{"platform", "model", "code"},
	)

	c.jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of generation jobs in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 2700},
		},
		[]string{"platform", "model"},
	)

	c.vendorCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_calls_total",
			Help:      "Total number of upstream vendor calls",
		},
		[]string{"platform", "transport", "outcome"}, // transport: http, browser
	)

	c.uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_uploads_total",
			Help:      "Total number of reference image uploads",
		},
		[]string{"platform", "outcome"},
	)

	// 浏览器会话指标
	c.browserSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browser_sessions_live",
			Help:      "Number of live authenticated browser sessions",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🎬 生成任务指标记录
// =============================================================================

// RecordJobSubmitted 记录任务提交
func (c *Collector) RecordJobSubmitted(platform, model string) {
	c.jobsSubmitted.WithLabelValues(platform, model).Inc()
}

// RecordJobCompleted 记录任务成功
func (c *Collector) RecordJobCompleted(platform, model string, duration time.Duration) {
	c.jobsCompleted.WithLabelValues(platform, model).Inc()
	c.jobDuration.WithLabelValues(platform, model).Observe(duration.Seconds())
}

// RecordJobFailed 记录任务失败
func (c *Collector) RecordJobFailed(platform, model, code string, duration time.Duration) {
	c.jobsFailed.WithLabelValues(platform, model, code).Inc()
	c.jobDuration.WithLabelValues(platform, model).Observe(duration.Seconds())
}

// RecordVendorCall 记录上游调用
func (c *Collector) RecordVendorCall(platform, transport, outcome string) {
	c.vendorCallsTotal.WithLabelValues(platform, transport, outcome).Inc()
}

// RecordUpload 记录参考图上传
func (c *Collector) RecordUpload(platform, outcome string) {
	c.uploadsTotal.WithLabelValues(platform, outcome).Inc()
}

// =============================================================================
// 🌐 浏览器会话指标记录
// =============================================================================

// SetBrowserSessions 记录存活的浏览器会话数
func (c *Collector) SetBrowserSessions(live int) {
	c.browserSessions.Set(float64(live))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
