package status

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/joi-gateway/internal/logging"
	"github.com/zhouzirui/joi-gateway/internal/metrics"
	"github.com/zhouzirui/joi-gateway/internal/service/ollama"
	"github.com/zhouzirui/joi-gateway/pkg/utils"
)

const statusCheckFailed = "Ollama status check failed"

// Prober checks backend liveness.
type Prober interface {
	Status(ctx context.Context) (*ollama.StatusResponse, error)
}

// Handler 后端状态与网关指标
type Handler struct {
	backend Prober
	metrics *metrics.Collector
	logger  *log.Logger
}

// New creates a status handler. A nil collector disables /metrics.
func New(backend Prober, collector *metrics.Collector, logger *log.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{backend: backend, metrics: collector, logger: logger}
}

// RegisterRoutes 注册状态路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ollama-status", h.handleOllamaStatus)
	if h.metrics != nil {
		r.Get("/metrics", h.handleMetrics)
	}
}

// handleOllamaStatus 原样转发后端根路径的状态与响应体
func (h *Handler) handleOllamaStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.backend.Status(r.Context())
	if err != nil {
		h.logger.Error("ollama status check failed", "err", err)
		utils.RespondRaw(w, http.StatusInternalServerError, "text/plain; charset=utf-8", []byte(statusCheckFailed))
		return
	}
	utils.RespondRaw(w, status.StatusCode, status.ContentType, status.Body)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.metrics.Snapshot())
}
