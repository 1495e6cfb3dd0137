package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/joi-gateway/internal/logging"
	"github.com/zhouzirui/joi-gateway/internal/service/relay"
	"github.com/zhouzirui/joi-gateway/pkg/utils"
)

const maxRequestBody = 1 << 20

// Relayer runs one chat turn against a sink.
type Relayer interface {
	Run(ctx context.Context, sessionID, message string, sink relay.Sink) (relay.Result, error)
}

// ChatRequest is the inbound payload for both transports.
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// Handler 通过SSE和WebSocket流式转发模型回复
type Handler struct {
	relay    Relayer
	logger   *log.Logger
	upgrader websocket.Upgrader
}

// New creates a stream handler.
func New(r Relayer, logger *log.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		relay:    r,
		logger:   logger,
		upgrader: newUpgrader(),
	}
}

// RegisterRoutes 注册聊天路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/ws/chat", h.handleWebSocket)
}

// handleChat 处理 POST /chat, 以SSE返回token流
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The relay reports its own outcome on the stream and in the log.
	_, _ = h.relay.Run(r.Context(), req.SessionID, req.Message, sse)
}

var (
	errInvalidBody  = errors.New("invalid request body")
	errEmptyMessage = errors.New("message is required")
)

func decodeChatRequest(body io.Reader) (ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return req, errInvalidBody
	}
	return req, validate(req)
}

func validate(req ChatRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return errEmptyMessage
	}
	return nil
}
