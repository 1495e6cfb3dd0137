package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/joi-gateway/internal/service/relay"
	"github.com/zhouzirui/joi-gateway/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxWSFrame = 64 << 10
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// wsSink writes relay events as text frames. Writes are serialized since
// gorilla allows one concurrent writer.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *wsSink) Send(text string) error {
	return s.write(text)
}

func (s *wsSink) Done() error {
	return s.write(utils.SSEDone)
}

func (s *wsSink) Fail(message string) error {
	return s.write(utils.SSEErrorPrefix + message)
}

// handleWebSocket 处理 GET /ws/chat; 每条入站JSON消息触发一次转发
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := middleware.GetReqID(r.Context())
	logger := h.logger.With("conn", connID)
	logger.Info("websocket connected", "remote", r.RemoteAddr)

	conn.SetReadLimit(maxWSFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reads happen off the relay goroutine so a closed socket cancels the
	// request in flight.
	inbound := make(chan []byte)
	go func() {
		defer cancel()
		defer close(inbound)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("websocket read failed", "err", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))
			select {
			case inbound <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	go pingLoop(ctx, conn)

	h.serveFrames(ctx, connID, inbound, &wsSink{conn: conn}, logger)
	logger.Info("websocket closed")
}

// serveFrames runs one relay per inbound frame until the socket or the sink
// fails.
func (h *Handler) serveFrames(ctx context.Context, connID string, inbound <-chan []byte, sink relay.Sink, logger *log.Logger) {
	for data := range inbound {
		req, err := decodeFrame(data)
		if err != nil {
			if werr := sink.Fail(err.Error()); werr != nil {
				logger.Warn("write error frame", "err", werr)
				return
			}
			continue
		}

		reqCtx := context.WithValue(ctx, middleware.RequestIDKey, connID+"/"+uuid.NewString()[:8])
		if _, err := h.relay.Run(reqCtx, req.SessionID, req.Message, sink); err != nil && ctx.Err() != nil {
			return
		}
	}
}

func decodeFrame(data []byte) (ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, errInvalidBody
	}
	return req, validate(req)
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
