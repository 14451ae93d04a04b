package handlers

import (
	"chatrelay/internal/audio"
	"chatrelay/internal/logging"
	"chatrelay/internal/models"
	"chatrelay/internal/services"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

const (
	readDeadline = 360 * time.Second
	pingInterval = 30 * time.Second
	writeBuffer  = 100
)

// ChatPipeline is the turn-level work a session delegates to
type ChatPipeline interface {
	StreamChat(ctx context.Context, sink models.EventSink, userID, message string, history []models.ChatTurn) (string, error)
	StreamAudio(ctx context.Context, sink models.EventSink, userID string, data []byte, mimeType string) (string, error)
	WarmUp(ctx context.Context, userID string)
	FetchHistory(ctx context.Context, sink models.EventSink, userID string) error
	ClearHistory(ctx context.Context, sink models.EventSink, userID string) error
}

// WebSocketHandler owns the session protocol: identity binding, warm-up and
// routing of inbound messages to the chat pipeline
type WebSocketHandler struct {
	connManager *services.ConnectionManager
	chat        ChatPipeline
	limiter     *services.ChatRateLimiter
	metrics     *services.Metrics

	inflight sync.WaitGroup
}

// NewWebSocketHandler creates a new WebSocket handler. limiter and metrics may be nil.
func NewWebSocketHandler(connManager *services.ConnectionManager, chat ChatPipeline, limiter *services.ChatRateLimiter, metrics *services.Metrics) *WebSocketHandler {
	return &WebSocketHandler{
		connManager: connManager,
		chat:        chat,
		limiter:     limiter,
		metrics:     metrics,
	}
}

// Handle handles a new WebSocket connection
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	userConn := models.NewUserConnection(connID, c, writeBuffer)
	userConn.ClientIP, _ = c.Locals("client_ip").(string)

	// Create a done channel to signal goroutines to stop
	done := make(chan struct{})

	h.connManager.Add(userConn)
	h.metrics.RecordWebSocketConnect()
	defer func() {
		close(done)
		h.connManager.Remove(connID)
		h.metrics.RecordWebSocketDisconnect()
	}()

	c.SetReadDeadline(time.Now().Add(readDeadline))
	c.SetPongHandler(func(appData string) error {
		// Reset read deadline on pong received
		c.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.pingLoop(userConn, done)
	go h.writeLoop(userConn)

	// a verified token binds the identity before any message arrives
	if userID, ok := c.Locals("user_id").(string); ok && userID != "" && userID != "anonymous" {
		if _, err := h.bind(userConn, userID); err != nil {
			log.Printf("⚠️  [WS] Failed to bind token identity for %s: %v", connID, err)
		}
	}

	h.readLoop(userConn)
}

// pingLoop sends periodic pings to keep the WebSocket connection alive
func (h *WebSocketHandler) pingLoop(userConn *models.UserConnection, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := userConn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				log.Printf("⚠️  [WS] Ping failed for %s: %v", userConn.ConnID, err)
				return
			}
		}
	}
}

// readLoop handles incoming messages from the client
func (h *WebSocketHandler) readLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [WS] Panic in readLoop: %v", r)
		}
	}()

	for {
		_, msg, err := userConn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("❌ [WS] Read error for %s: %v", userConn.ConnID, err)
			}
			break
		}

		// Reset read deadline after successful read
		userConn.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		h.dispatch(userConn, msg)
	}
}

// writeLoop serializes events to the socket until the session closes. After
// a write error it keeps draining the channel so senders never block.
func (h *WebSocketHandler) writeLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [WS] Panic in writeLoop: %v", r)
		}
	}()

	broken := false
	for {
		var msg models.OutboundMessage
		select {
		case <-userConn.Done():
			return
		case msg = <-userConn.WriteChan:
		}
		if broken {
			continue
		}
		if err := userConn.Conn.WriteJSON(msg); err != nil {
			log.Printf("❌ [WS] Write error for %s: %v", userConn.ConnID, err)
			broken = true
			continue
		}
		h.metrics.RecordWebSocketMessage(msg.EventType(), "outbound")
	}
}

// dispatch validates one inbound frame and starts its handler. Frames start
// in arrival order; handlers run concurrently and may finish out of order.
func (h *WebSocketHandler) dispatch(userConn *models.UserConnection, raw []byte) {
	msg, err := models.ParseInbound(raw)
	if err != nil {
		var perr *models.ProtocolError
		if !errors.As(err, &perr) {
			perr = &models.ProtocolError{Code: models.CodeInvalidFormat, Message: "Invalid message format", Err: err}
		}
		log.Printf("⚠️  [WS] Rejected message from %s: %v", userConn.ConnID, perr)
		h.metrics.RecordWebSocketMessage("invalid", "inbound")
		userConn.Send(models.NewProtocolErrorEvent(perr))
		return
	}
	h.metrics.RecordWebSocketMessage(msg.MessageType(), "inbound")

	if msg.MessageType() == models.TypePing {
		userConn.Send(models.PongEvent{Type: models.EventPong})
		return
	}

	userID, perr := h.resolveIdentity(userConn, msg.Identity())
	if perr != nil {
		userConn.Send(models.NewProtocolErrorEvent(perr))
		return
	}
	userConn.Activate()

	if (msg.MessageType() == models.TypeChat || msg.MessageType() == models.TypeAudio) && !h.limiter.Allow(userID) {
		h.metrics.RecordRateLimited()
		userConn.Send(models.NewProtocolErrorEvent(&models.ProtocolError{
			Code:    models.CodeRateLimited,
			Message: "Too many messages. Please wait a moment before sending another.",
		}))
		return
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ [WS] Panic handling %s for %s: %v", msg.MessageType(), userConn.ConnID, r)
				userConn.Send(models.NewError("Internal error while handling message", fmt.Sprint(r)))
			}
		}()
		h.route(userConn, userID, msg)
	}()
}

// resolveIdentity binds or checks the identity carried by a message and
// returns the user the message acts for
func (h *WebSocketHandler) resolveIdentity(userConn *models.UserConnection, identity string) (string, *models.ProtocolError) {
	if identity == "" {
		if bound := userConn.UserID(); bound != "" {
			return bound, nil
		}
		return "", &models.ProtocolError{
			Code:    models.CodeMissingField,
			Message: "Missing required field: userId",
			Err:     models.ErrMissingField,
		}
	}

	if _, err := h.bind(userConn, identity); err != nil {
		log.Printf("⚠️  [WS] Identity mismatch on %s: bound=%s got=%s", userConn.ConnID, userConn.UserID(), identity)
		return "", &models.ProtocolError{
			Code:    models.CodeIdentityMismatch,
			Message: "userId does not match the identity bound to this connection",
			Err:     err,
		}
	}
	return identity, nil
}

// bind attaches userID and, the first time, warms that user's caches in the
// background
func (h *WebSocketHandler) bind(userConn *models.UserConnection, userID string) (bool, error) {
	first, err := userConn.Bind(userID)
	if err != nil || !first {
		return first, err
	}

	log.Printf("🔗 [WS] Connection %s bound to user %s", userConn.ConnID, userID)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ [WS] Panic during warm-up for %s: %v", userID, r)
			}
		}()
		h.chat.WarmUp(context.Background(), userID)
		userConn.MarkContextRefreshed(time.Now())
	}()
	return true, nil
}

// route runs the handler for one validated message. Handlers are not
// cancelled on disconnect; their events are dropped once the session closes.
func (h *WebSocketHandler) route(userConn *models.UserConnection, userID string, msg models.InboundMessage) {
	ctx := context.Background()

	switch m := msg.(type) {
	case *models.ChatMessage:
		done := h.startTurn(userConn, userID, models.TypeChat)
		reply, err := h.chat.StreamChat(ctx, userConn, userID, m.Message, m.HistoryTurns())
		done(len(reply), err)

	case *models.AudioMessage:
		if !audio.IsSupportedFormat(m.MimeType) {
			userConn.Send(models.NewProtocolErrorEvent(&models.ProtocolError{
				Code:    models.CodeInvalidFormat,
				Message: fmt.Sprintf("Unsupported audio format: %s", m.MimeType),
			}))
			return
		}
		done := h.startTurn(userConn, userID, models.TypeAudio)
		reply, err := h.chat.StreamAudio(ctx, userConn, userID, m.Bytes(), m.MimeType)
		done(len(reply), err)

	case *models.FetchHistoryMessage:
		h.chat.FetchHistory(ctx, userConn, userID)

	case *models.ClearHistoryMessage:
		h.chat.ClearHistory(ctx, userConn, userID)

	default:
		userConn.Send(models.NewProtocolErrorEvent(&models.ProtocolError{
			Code:    models.CodeUnknownType,
			Message: fmt.Sprintf("Unknown message type: %s", msg.MessageType()),
		}))
	}
}

// startTurn logs the start of a streamed turn and returns the function that
// logs its outcome
func (h *WebSocketHandler) startTurn(userConn *models.UserConnection, userID, kind string) func(replyLen int, err error) {
	logger := logging.WithTurn(logging.WithConnection(userConn.ConnID, userID), uuid.New().String(), kind)
	start := time.Now()
	logger.Info("turn started")
	return func(replyLen int, err error) {
		if err != nil {
			logger.Warn("turn failed", "duration", time.Since(start), "error", err)
			return
		}
		logger.Info("turn completed", "duration", time.Since(start), "reply_len", replyLen)
	}
}

// Wait blocks until in-flight handlers have returned
func (h *WebSocketHandler) Wait() {
	h.inflight.Wait()
}
