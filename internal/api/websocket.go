package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/synapse-lab/backend/internal/apperr"
	"go.uber.org/zap"
)

// WebSocket message types for the upload event feed
const (
	// Client -> Server messages
	MsgTypeUploadList   = "upload:list"
	MsgTypeUploadCancel = "upload:cancel"
	MsgTypeUploadRemove = "upload:remove"
	MsgTypePing         = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeSnapshot  = "upload:snapshot"
	MsgTypeEvent     = "upload:event"
	MsgTypeAck       = "ack"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

const wsWriteTimeout = 10 * time.Second

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Candidate action payload for cancel and remove
type UploadActionPayload struct {
	ID string `json:"id"`
}

// WebSocket error response
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler pushes tracker events to connected clients and accepts
// cancel/remove commands
type WebSocketHandler struct {
	tracker  UploadTracker
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewWebSocketHandler creates a new WebSocket event handler
func NewWebSocketHandler(tracker UploadTracker, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		tracker: tracker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades the HTTP connection and runs the event feed for
// the uploads of the session user
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}
	owner := sc.User.ID

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	conn := &wsConn{ws: ws}
	defer ws.Close()

	events, unsubscribe := wsh.tracker.Subscribe()
	defer unsubscribe()

	wsh.logger.Debug("websocket client connected", zap.String("remote", c.RealIP()))

	wsh.sendMessage(conn, WSMessage{Type: MsgTypeConnected, Timestamp: time.Now().UnixMilli()})
	wsh.sendSnapshot(conn, owner)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Candidate.OwnerID != owner {
					continue
				}
				wsh.sendMessage(conn, WSMessage{
					Type:      MsgTypeEvent,
					ID:        ev.Candidate.ID,
					Payload:   mustJSON(ev),
					Timestamp: time.Now().UnixMilli(),
				})
			}
		}
	}()

	// Main message loop
	for {
		var msg WSMessage
		err := ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsh.logger.Warn("websocket connection error", zap.Error(err))
			}
			break
		}

		switch msg.Type {
		case MsgTypePing:
			wsh.sendMessage(conn, WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
		case MsgTypeUploadList:
			wsh.sendSnapshot(conn, owner)
		case MsgTypeUploadCancel:
			wsh.handleAction(conn, msg, func(id string) error { return cancelOwned(wsh.tracker, owner, id) })
		case MsgTypeUploadRemove:
			wsh.handleAction(conn, msg, func(id string) error { return removeOwned(wsh.tracker, owner, id) })
		default:
			wsh.sendError(conn, "Unknown message type: "+msg.Type, "INVALID_TYPE")
		}
	}

	close(done)
	wg.Wait()
	wsh.logger.Debug("websocket client disconnected")
	return nil
}

// handleAction applies cancel or remove to the candidate named in the payload
func (wsh *WebSocketHandler) handleAction(conn *wsConn, msg WSMessage, action func(id string) error) {
	var payload UploadActionPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ID == "" {
		wsh.sendError(conn, "Invalid payload: candidate id required", "INVALID_PAYLOAD")
		return
	}

	if err := action(payload.ID); err != nil {
		wsh.sendError(conn, apperr.Message(err), FromError(err).Code)
		return
	}

	wsh.sendMessage(conn, WSMessage{
		Type:      MsgTypeAck,
		ID:        payload.ID,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (wsh *WebSocketHandler) sendSnapshot(conn *wsConn, owner string) {
	wsh.sendMessage(conn, WSMessage{
		Type:      MsgTypeSnapshot,
		Payload:   mustJSON(ownedUploads(wsh.tracker.List(), owner)),
		Timestamp: time.Now().UnixMilli(),
	})
}

// Helper methods

func (wsh *WebSocketHandler) sendMessage(conn *wsConn, msg WSMessage) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.ws.WriteJSON(msg); err != nil {
		wsh.logger.Debug("websocket send failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

func (wsh *WebSocketHandler) sendError(conn *wsConn, message, code string) {
	wsh.sendMessage(conn, WSMessage{
		Type:      MsgTypeError,
		Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WSErrorResponse{
			Type:    MsgTypeError,
			Message: message,
			Code:    code,
		}),
	})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
