package handlers

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/internal/auth"
	"github.com/daxiondi/seedance2.0/internal/generate"
	"github.com/daxiondi/seedance2.0/internal/platform"
	"github.com/daxiondi/seedance2.0/internal/task"
	"github.com/daxiondi/seedance2.0/types"
)

// =============================================================================
// 🎬 生成任务 Handler
// =============================================================================

const (
	maxReferenceImages = 5
	maxImageBytes      = 10 << 20 // 10 MB
	maxRequestBytes    = 64 << 20 // whole request body, either encoding
)

// Runner 在后台把一个任务跑到终态
type Runner interface {
	Run(ctx context.Context, req generate.Request)
}

// GenerateHandler 处理任务提交
type GenerateHandler struct {
	registry *task.Registry
	runners  map[string]Runner // platform key → orchestrator
	fallback func(platformKey string) string
	onSubmit func(platformKey, model string)
	logger   *zap.Logger
}

// NewGenerateHandler 创建任务提交处理器
func NewGenerateHandler(registry *task.Registry, runners map[string]Runner, fallback func(string) string, logger *zap.Logger) *GenerateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback == nil {
		fallback = func(string) string { return "" }
	}
	return &GenerateHandler{
		registry: registry,
		runners:  runners,
		fallback: fallback,
		logger:   logger.With(zap.String("component", "generate_handler")),
	}
}

// WithSubmitHook 注册提交回调（指标记录）
func (h *GenerateHandler) WithSubmitHook(fn func(platformKey, model string)) *GenerateHandler {
	h.onSubmit = fn
	return h
}

// submission 是两种请求编码解出的统一形式
type submission struct {
	Prompt     string
	Platform   string
	Model      string
	Ratio      string
	Duration   int
	Credential string
	Images     [][]byte
}

// jsonSubmission JSON 请求体
type jsonSubmission struct {
	Prompt     string   `json:"prompt"`
	Platform   string   `json:"platform"`
	Model      string   `json:"model"`
	Ratio      string   `json:"ratio"`
	Duration   int      `json:"duration"`
	Credential string   `json:"credential"`
	Images     []string `json:"images"` // base64
}

// HandleSubmit 处理 POST /v1/videos
// 请求可以是 multipart/form-data（参考图作为文件）或 JSON（参考图 base64）。
// 立即返回 task_id，任务在后台运行。
func (h *GenerateHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	sub, err := h.decodeSubmission(w, r)
	if err != nil {
		return // 响应已写出
	}

	p, ok := platform.Lookup(sub.Platform)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"unknown platform; expected jimeng or dreamina", h.logger)
		return
	}
	runner, ok := h.runners[p.Key]
	if !ok {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrInternalError,
			"platform is not configured on this gateway", h.logger)
		return
	}

	if strings.TrimSpace(sub.Prompt) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "prompt is required", nil)
		return
	}
	if sub.Model == "" {
		sub.Model = p.DefaultModel
	}
	if !p.ValidModel(sub.Model) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"model is not available on platform "+p.Key, nil)
		return
	}
	if len(sub.Images) > maxReferenceImages {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"at most 5 reference images are accepted", nil)
		return
	}
	for _, img := range sub.Images {
		if len(img) > maxImageBytes {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"reference images must be 10MB or smaller", nil)
			return
		}
	}

	cred := auth.Normalize(sub.Credential, p.SessionCookies)
	if cred.Token == "" {
		cred = auth.Normalize(h.fallback(p.Key), p.SessionCookies)
	}
	if cred.Token == "" {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrAuthentication,
			"no usable credential; supply one or configure a fallback for "+p.Key, h.logger)
		return
	}

	job := h.registry.Create(p.Key)
	req := generate.Request{
		TaskID:     job.ID,
		Platform:   p,
		Credential: cred,
		Model:      sub.Model,
		Prompt:     sub.Prompt,
		Ratio:      sub.Ratio,
		Duration:   sub.Duration,
		Images:     sub.Images,
	}

	if h.onSubmit != nil {
		h.onSubmit(p.Key, sub.Model)
	}
	h.logger.Info("job accepted",
		zap.String("task_id", job.ID),
		zap.String("platform", p.Key),
		zap.String("model", sub.Model),
		zap.Int("images", len(sub.Images)),
	)

	// 任务脱离请求生命周期，调用方放弃轮询也会继续执行
	go runner.Run(context.Background(), req)

	WriteJSON(w, http.StatusAccepted, map[string]string{"task_id": job.ID})
}

func (h *GenerateHandler) decodeSubmission(w http.ResponseWriter, r *http.Request) (*submission, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		return h.decodeMultipart(w, r)
	}
	return h.decodeJSON(w, r)
}

func (h *GenerateHandler) decodeJSON(w http.ResponseWriter, r *http.Request) (*submission, error) {
	var body jsonSubmission
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return nil, err
	}

	sub := &submission{
		Prompt:     body.Prompt,
		Platform:   body.Platform,
		Model:      body.Model,
		Ratio:      body.Ratio,
		Duration:   body.Duration,
		Credential: body.Credential,
	}
	for _, enc := range body.Images {
		img, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"images must be base64-encoded", nil)
			return nil, err
		}
		sub.Images = append(sub.Images, img)
	}
	return sub, nil
}

func (h *GenerateHandler) decodeMultipart(w http.ResponseWriter, r *http.Request) (*submission, error) {
	if err := r.ParseMultipartForm(maxRequestBytes); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid multipart body").WithCause(err)
		WriteError(w, apiErr, h.logger)
		return nil, apiErr
	}

	duration, _ := strconv.Atoi(r.FormValue("duration"))
	sub := &submission{
		Prompt:     r.FormValue("prompt"),
		Platform:   r.FormValue("platform"),
		Model:      r.FormValue("model"),
		Ratio:      r.FormValue("ratio"),
		Duration:   duration,
		Credential: r.FormValue("credential"),
	}

	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["images"] {
			f, err := fh.Open()
			if err != nil {
				apiErr := types.NewError(types.ErrInvalidRequest, "unreadable image upload").WithCause(err)
				WriteError(w, apiErr, h.logger)
				return nil, apiErr
			}
			data, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
			f.Close()
			if err != nil {
				apiErr := types.NewError(types.ErrInvalidRequest, "unreadable image upload").WithCause(err)
				WriteError(w, apiErr, h.logger)
				return nil, apiErr
			}
			sub.Images = append(sub.Images, data)
		}
	}
	return sub, nil
}
