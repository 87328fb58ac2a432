package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/stroke-risk/server/predictor"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 64 * 1024
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPredictLimit = 5 * time.Second
)

// WebSocketHandler serves the live form: the client sends the form state
// after each edit and gets a prediction back once every field is filled.
type WebSocketHandler struct {
	service  *predictor.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Explain   bool            `json:"explain,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsConn serializes writes; the ping routine and the read loop share it.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// NewWebSocketHandler accepts the listed origins, or any origin when the
// list is empty or contains "*".
func NewWebSocketHandler(service *predictor.Service, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	registerJSONFieldNames()
	allowAll := len(allowedOrigins) == 0
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return &WebSocketHandler{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || origins[origin]
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	clientIP := c.ClientIP()
	h.logger.Info("WebSocket client connected", zap.String("client_ip", clientIP))
	defer h.logger.Info("WebSocket client disconnected", zap.String("client_ip", clientIP))

	ws := &wsConn{conn: conn}

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingRoutine(ws, done)

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		h.handleMessage(ws, &message)
	}
}

func (h *WebSocketHandler) handleMessage(ws *wsConn, message *ClientMessage) {
	switch message.Type {
	case "predict":
		h.predict(ws, message)
	case "ping":
		h.sendMessage(ws, "pong", map[string]any{"timestamp": time.Now().Unix()})
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(ws, "Unknown message type: "+message.Type)
	}
}

func (h *WebSocketHandler) predict(ws *wsConn, message *ClientMessage) {
	if len(message.Data) == 0 {
		h.sendError(ws, "predict message requires data")
		return
	}

	raw, err := decodeRequest(message.Data)
	if err != nil {
		h.sendMessage(ws, "incomplete", map[string]any{
			"missing":   missingFields(err),
			"timestamp": message.Timestamp,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsPredictLimit)
	defer cancel()
	h.sendMessage(ws, "prediction", h.service.Respond(ctx, raw, message.Explain))
}

func (h *WebSocketHandler) sendMessage(ws *wsConn, messageType string, data any) {
	if err := ws.writeJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		h.logger.Error("Failed to send WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(ws *wsConn, errorMsg string) {
	h.sendMessage(ws, "error", map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().Unix(),
	})
}

func (h *WebSocketHandler) pingRoutine(ws *wsConn, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
