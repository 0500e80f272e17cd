package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/internal/task"
	"github.com/daxiondi/seedance2.0/types"
)

// =============================================================================
// 🔍 任务查询 Handler
// =============================================================================

// TaskHandler 处理任务状态轮询
type TaskHandler struct {
	registry *task.Registry
	logger   *zap.Logger
}

// NewTaskHandler 创建任务查询处理器
func NewTaskHandler(registry *task.Registry, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "task_handler")),
	}
}

// statusResponse 轮询响应
type statusResponse struct {
	ID       string       `json:"id"`
	Platform string       `json:"platform"`
	Status   task.Status  `json:"status"`
	Progress string       `json:"progress,omitempty"`
	Message  string       `json:"message,omitempty"`
	Result   *task.Result `json:"result,omitempty"`
}

// HandleStatus 处理 GET /v1/videos/{id}
// 终态任务在首次被观察到后短暂保留，随后清理出注册表。
func (h *TaskHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", nil)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/videos/")
	if id == "" || strings.Contains(id, "/") {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrTaskNotFound, "unknown task", nil)
		return
	}

	job, ok := h.registry.Get(id)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrTaskNotFound, "unknown task", nil)
		return
	}

	WriteJSON(w, http.StatusOK, statusResponse{
		ID:       job.ID,
		Platform: job.Platform,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
		Result:   job.Result,
	})
}
