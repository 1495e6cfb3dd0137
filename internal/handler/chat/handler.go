package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/joi-gateway/internal/model/chat"
	chatService "github.com/zhouzirui/joi-gateway/internal/service/chat"
	"github.com/zhouzirui/joi-gateway/pkg/utils"
)

// Sessions is the read/reset view of the session store.
type Sessions interface {
	Lookup(sessionID string) (chat.Session, bool)
	Reset(ctx context.Context, sessionID string) (bool, error)
}

// Handler 会话查看与重置的HTTP处理器
type Handler struct {
	sessions Sessions
}

// New 创建会话处理器
func New(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Delete("/sessions/{sessionID}", h.handleResetSession)
}

// handleGetSession 返回会话当前的对话窗口
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, ok := h.sessions.Lookup(sessionID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, chatService.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleResetSession 清空会话, 等待进行中的请求结束
func (h *Handler) handleResetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	removed, err := h.sessions.Reset(r.Context(), sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	if !removed {
		utils.RespondError(w, http.StatusNotFound, chatService.ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
