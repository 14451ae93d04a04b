package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Inbound message types
const (
	TypeChat         = "chat"
	TypeAudio        = "audio"
	TypeFetchHistory = "fetch_history"
	TypeClearHistory = "clear_history"
	TypePing         = "ping"
)

// Outbound event types
const (
	EventTranscription  = "transcription"
	EventStreamChunk    = "stream-chunk"
	EventStreamComplete = "stream-complete"
	EventTTSAudio       = "tts-audio"
	EventTTSError       = "tts-error"
	EventChatHistory    = "chat_history"
	EventHistoryCleared = "history_cleared"
	EventError          = "error"
	EventPong           = "pong"
)

// Protocol error codes
const (
	CodeInvalidFormat    = "invalid_format"
	CodeUnknownType      = "unknown_type"
	CodeMissingField     = "missing_field"
	CodeIdentityMismatch = "identity_mismatch"
	CodeRateLimited      = "rate_limited"
)

// MaxAudioBytes is the largest decoded audio payload accepted
const MaxAudioBytes = 25 * 1024 * 1024

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingField       = errors.New("missing required field")
	ErrIdentityMismatch   = errors.New("user id does not match the identity bound to this connection")
)

// ProtocolError is a malformed-input failure detected at the connection boundary
type ProtocolError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// InboundMessage is one validated client message. Concrete types are
// *ChatMessage, *AudioMessage, *FetchHistoryMessage, *ClearHistoryMessage and *PingMessage.
type InboundMessage interface {
	MessageType() string
	// Identity returns the user id carried by the message, or ""
	Identity() string
}

// HistoryPart is one text part of a client-supplied history entry
type HistoryPart struct {
	Text string `json:"text"`
}

// HistoryEntry is a client-supplied prior turn in {role, parts:[{text}]} form
type HistoryEntry struct {
	Role  string        `json:"role"`
	Parts []HistoryPart `json:"parts"`
}

// Turn converts the entry into a ChatTurn. The model role is normalized to assistant.
func (h HistoryEntry) Turn() ChatTurn {
	var sb strings.Builder
	for _, p := range h.Parts {
		sb.WriteString(p.Text)
	}
	role := RoleUser
	if h.Role == "model" || h.Role == RoleAssistant {
		role = RoleAssistant
	}
	return ChatTurn{Role: role, Content: sb.String()}
}

// ChatMessage asks for a streamed reply to Message
type ChatMessage struct {
	Message string         `json:"message"`
	History []HistoryEntry `json:"history,omitempty"`
	UserID  string         `json:"userId,omitempty"`
}

func (m *ChatMessage) MessageType() string { return TypeChat }
func (m *ChatMessage) Identity() string    { return m.UserID }

// HistoryTurns converts the client history into turns
func (m *ChatMessage) HistoryTurns() []ChatTurn {
	if len(m.History) == 0 {
		return nil
	}
	turns := make([]ChatTurn, 0, len(m.History))
	for _, h := range m.History {
		turn := h.Turn()
		if turn.Content == "" {
			continue
		}
		turns = append(turns, turn)
	}
	return turns
}

// AudioMessage carries recorded speech to transcribe and answer
type AudioMessage struct {
	Audio    string `json:"audio"`
	MimeType string `json:"mimeType,omitempty"`
	UserID   string `json:"userId,omitempty"`

	decoded []byte
}

func (m *AudioMessage) MessageType() string { return TypeAudio }
func (m *AudioMessage) Identity() string    { return m.UserID }

// Bytes returns the decoded audio payload
func (m *AudioMessage) Bytes() []byte { return m.decoded }

// FetchHistoryMessage requests the stored chat history
type FetchHistoryMessage struct {
	UserID string `json:"userId"`
}

func (m *FetchHistoryMessage) MessageType() string { return TypeFetchHistory }
func (m *FetchHistoryMessage) Identity() string    { return m.UserID }

// ClearHistoryMessage requests deletion of the stored chat history
type ClearHistoryMessage struct {
	UserID string `json:"userId"`
}

func (m *ClearHistoryMessage) MessageType() string { return TypeClearHistory }
func (m *ClearHistoryMessage) Identity() string    { return m.UserID }

// PingMessage is an application-level heartbeat
type PingMessage struct{}

func (m *PingMessage) MessageType() string { return TypePing }
func (m *PingMessage) Identity() string    { return "" }

// ParseInbound decodes and validates a raw client frame.
// Any failure is a *ProtocolError.
func ParseInbound(raw []byte) (InboundMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidFormat, Message: "Invalid message format", Err: err}
	}

	switch envelope.Type {
	case TypeChat:
		var msg ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalidFormat(err)
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, missingField("message")
		}
		return &msg, nil

	case TypeAudio:
		var msg AudioMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalidFormat(err)
		}
		if msg.Audio == "" {
			return nil, missingField("audio")
		}
		data, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return nil, &ProtocolError{Code: CodeInvalidFormat, Message: "audio must be base64 encoded", Err: err}
		}
		if len(data) > MaxAudioBytes {
			return nil, &ProtocolError{Code: CodeInvalidFormat, Message: "audio payload too large (max 25MB)"}
		}
		if msg.MimeType == "" {
			msg.MimeType = "audio/webm"
		}
		msg.decoded = data
		return &msg, nil

	case TypeFetchHistory:
		var msg FetchHistoryMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalidFormat(err)
		}
		if msg.UserID == "" {
			return nil, missingField("userId")
		}
		return &msg, nil

	case TypeClearHistory:
		var msg ClearHistoryMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalidFormat(err)
		}
		if msg.UserID == "" {
			return nil, missingField("userId")
		}
		return &msg, nil

	case TypePing:
		return &PingMessage{}, nil

	case "":
		return nil, missingField("type")

	default:
		return nil, &ProtocolError{
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("Unknown message type: %s", envelope.Type),
			Err:     ErrUnknownMessageType,
		}
	}
}

func invalidFormat(err error) *ProtocolError {
	return &ProtocolError{Code: CodeInvalidFormat, Message: "Invalid message format", Err: err}
}

func missingField(field string) *ProtocolError {
	return &ProtocolError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("Missing required field: %s", field),
		Err:     ErrMissingField,
	}
}

// OutboundMessage is one server event
type OutboundMessage interface {
	EventType() string
}

type TranscriptionEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type StreamChunkEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type StreamCompleteEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type TTSAudioEvent struct {
	Type     string `json:"type"`
	Audio    string `json:"audio"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type TTSErrorEvent struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type ChatHistoryEvent struct {
	Type    string     `json:"type"`
	History []ChatTurn `json:"history"`
}

type HistoryClearedEvent struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

type PongEvent struct {
	Type string `json:"type"`
}

func (e TranscriptionEvent) EventType() string  { return EventTranscription }
func (e StreamChunkEvent) EventType() string    { return EventStreamChunk }
func (e StreamCompleteEvent) EventType() string { return EventStreamComplete }
func (e TTSAudioEvent) EventType() string       { return EventTTSAudio }
func (e TTSErrorEvent) EventType() string       { return EventTTSError }
func (e ChatHistoryEvent) EventType() string    { return EventChatHistory }
func (e HistoryClearedEvent) EventType() string { return EventHistoryCleared }
func (e ErrorEvent) EventType() string          { return EventError }
func (e PongEvent) EventType() string           { return EventPong }

func NewTranscription(text string) TranscriptionEvent {
	return TranscriptionEvent{Type: EventTranscription, Content: text}
}

func NewStreamChunk(text string) StreamChunkEvent {
	return StreamChunkEvent{Type: EventStreamChunk, Content: text}
}

func NewStreamComplete(text string) StreamCompleteEvent {
	return StreamCompleteEvent{Type: EventStreamComplete, Content: text}
}

func NewTTSAudio(audio []byte, mimeType, text string) TTSAudioEvent {
	return TTSAudioEvent{
		Type:     EventTTSAudio,
		Audio:    base64.StdEncoding.EncodeToString(audio),
		MimeType: mimeType,
		Text:     text,
	}
}

func NewTTSError(reason, details string) TTSErrorEvent {
	return TTSErrorEvent{Type: EventTTSError, Error: reason, Details: details}
}

func NewChatHistory(turns []ChatTurn) ChatHistoryEvent {
	if turns == nil {
		turns = []ChatTurn{}
	}
	return ChatHistoryEvent{Type: EventChatHistory, History: turns}
}

func NewHistoryCleared(success bool) HistoryClearedEvent {
	return HistoryClearedEvent{Type: EventHistoryCleared, Success: success}
}

func NewError(reason, details string) ErrorEvent {
	return ErrorEvent{Type: EventError, Error: reason, Details: details}
}

// NewProtocolErrorEvent converts a boundary failure into an error event
func NewProtocolErrorEvent(err *ProtocolError) ErrorEvent {
	return ErrorEvent{Type: EventError, Error: err.Message, Code: err.Code}
}

// EventSink receives outbound events for one client
type EventSink interface {
	// Send queues msg for delivery; it returns false once the client is gone
	Send(msg OutboundMessage) bool
}

// SessionState is the lifecycle stage of a connection
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionIdentified
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionIdentified:
		return "identified"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// UserConnection is the in-memory session for one live WebSocket.
// Nothing here is persisted; it lives exactly as long as the socket.
type UserConnection struct {
	ConnID    string
	ClientIP  string
	Conn      *websocket.Conn
	CreatedAt time.Time
	WriteChan chan OutboundMessage

	done               chan struct{}
	Mutex              sync.Mutex
	boundUserID        string
	state              SessionState
	lastContextRefresh time.Time
	closed             bool
}

// NewUserConnection creates a session in the Open state
func NewUserConnection(connID string, conn *websocket.Conn, buffer int) *UserConnection {
	return &UserConnection{
		ConnID:    connID,
		Conn:      conn,
		CreatedAt: time.Now(),
		WriteChan: make(chan OutboundMessage, buffer),
		done:      make(chan struct{}),
		state:     SessionOpen,
	}
}

// Bind attaches userID to the connection. It returns true the first time an
// identity is bound, false if the same identity was already bound, and
// ErrIdentityMismatch if a different identity is already bound.
func (uc *UserConnection) Bind(userID string) (bool, error) {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()

	if uc.boundUserID == "" {
		uc.boundUserID = userID
		if uc.state == SessionOpen {
			uc.state = SessionIdentified
		}
		return true, nil
	}
	if uc.boundUserID != userID {
		return false, ErrIdentityMismatch
	}
	return false, nil
}

// UserID returns the bound identity, or "" before binding
func (uc *UserConnection) UserID() string {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	return uc.boundUserID
}

// State returns the current lifecycle stage
func (uc *UserConnection) State() SessionState {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	return uc.state
}

// Activate moves an identified session into the steady state
func (uc *UserConnection) Activate() {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	if uc.state == SessionIdentified {
		uc.state = SessionActive
	}
}

// MarkContextRefreshed records when caches were last warmed for this session
func (uc *UserConnection) MarkContextRefreshed(at time.Time) {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	uc.lastContextRefresh = at
}

// LastContextRefresh returns the last warm-up time (zero if never)
func (uc *UserConnection) LastContextRefresh() time.Time {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	return uc.lastContextRefresh
}

// Send implements EventSink. It returns false once the connection is closed.
// The lock is only held for the closed check so a full WriteChan never
// blocks State, UserID or Close.
func (uc *UserConnection) Send(msg OutboundMessage) bool {
	uc.Mutex.Lock()
	closed := uc.closed
	uc.Mutex.Unlock()
	if closed {
		return false
	}

	select {
	case uc.WriteChan <- msg:
		return true
	case <-uc.done:
		return false
	}
}

// Done is closed when the session closes
func (uc *UserConnection) Done() <-chan struct{} {
	return uc.done
}

// Close marks the session closed and wakes any blocked Send. WriteChan is
// left open; the write loop exits on Done.
func (uc *UserConnection) Close() {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	if uc.closed {
		return
	}
	uc.closed = true
	uc.state = SessionClosed
	close(uc.done)
}

// IsClosed reports whether Close has been called
func (uc *UserConnection) IsClosed() bool {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	return uc.closed
}
