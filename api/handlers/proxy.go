package handlers

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/internal/platform"
	"github.com/daxiondi/seedance2.0/types"
)

// =============================================================================
// 📺 媒体代理 Handler
// =============================================================================

// ProxyHandler 把生成好的媒体字节透传给调用方。
// 平台 CDN 校验 Referer 等头部，浏览器端无法直接拉取，所以网关代流。
type ProxyHandler struct {
	http   *http.Client
	logger *zap.Logger
}

// NewProxyHandler 创建媒体代理处理器
func NewProxyHandler(logger *zap.Logger) *ProxyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyHandler{
		http:   &http.Client{Timeout: 5 * time.Minute},
		logger: logger.With(zap.String("component", "proxy_handler")),
	}
}

// WithHTTPClient 替换上游 HTTP 客户端（测试用）
func (h *ProxyHandler) WithHTTPClient(c *http.Client) *ProxyHandler {
	h.http = c
	return h
}

// HandleProxy 处理 GET /v1/proxy?platform=&url=
func (h *ProxyHandler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", nil)
		return
	}

	rawURL := r.URL.Query().Get("url")
	platformKey := r.URL.Query().Get("platform")

	p, ok := platform.Lookup(platformKey)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"unknown platform; expected jimeng or dreamina", nil)
		return
	}
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"url must be an absolute http(s) URL", nil)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "build upstream request").WithCause(err), h.logger)
		return
	}
	// CDN 校验来源页
	req.Header.Set("Referer", p.BaseURL+"/")
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		WriteError(w, types.NewError(types.ErrUpstreamError, "media host unreachable").
			WithPlatform(p.Key).WithCause(err), h.logger)
		return
	}
	defer resp.Body.Close()

	// 透传上游状态与内容头
	for _, name := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	if ct := w.Header().Get("Content-Type"); ct == "" || strings.HasPrefix(ct, "text/html") {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("media stream interrupted", zap.Error(err))
	}
}
