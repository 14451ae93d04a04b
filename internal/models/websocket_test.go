package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseInbound_Chat(t *testing.T) {
	raw := []byte(`{"type":"chat","message":"hi","userId":"u1","history":[{"role":"user","parts":[{"text":"a"}]},{"role":"model","parts":[{"text":"b"},{"text":"c"}]}]}`)

	msg, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chat, ok := msg.(*ChatMessage)
	if !ok {
		t.Fatalf("expected *ChatMessage, got %T", msg)
	}
	if chat.Identity() != "u1" || chat.Message != "hi" {
		t.Errorf("unexpected fields: %+v", chat)
	}

	turns := chat.HistoryTurns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[1].Role != RoleAssistant || turns[1].Content != "bc" {
		t.Errorf("model entry should become assistant turn with joined parts, got %+v", turns[1])
	}
}

func TestParseInbound_UnknownType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"bogus"}`))

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if perr.Code != CodeUnknownType || !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("unexpected error classification: %+v", perr)
	}
}

func TestParseInbound_MissingFields(t *testing.T) {
	cases := map[string]string{
		"chat without message":         `{"type":"chat","message":"  "}`,
		"audio without payload":        `{"type":"audio"}`,
		"fetch_history without userId": `{"type":"fetch_history"}`,
		"clear_history without userId": `{"type":"clear_history"}`,
		"no type":                      `{"message":"hi"}`,
	}
	for name, raw := range cases {
		_, err := ParseInbound([]byte(raw))
		if !errors.Is(err, ErrMissingField) {
			t.Errorf("%s: expected ErrMissingField, got %v", name, err)
		}
	}
}

func TestParseInbound_InvalidJSON(t *testing.T) {
	_, err := ParseInbound([]byte(`{not json`))
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CodeInvalidFormat {
		t.Errorf("expected invalid_format, got %v", err)
	}
}

func TestParseInbound_AudioDecoding(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"audio","audio":"aGVsbG8="}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	audio := msg.(*AudioMessage)
	if string(audio.Bytes()) != "hello" {
		t.Errorf("expected decoded payload, got %q", audio.Bytes())
	}
	if audio.MimeType != "audio/webm" {
		t.Errorf("expected default mime type, got %q", audio.MimeType)
	}

	if _, err := ParseInbound([]byte(`{"type":"audio","audio":"***"}`)); err == nil {
		t.Error("expected base64 error")
	}
}

func TestOutboundEvents_WireShape(t *testing.T) {
	data, _ := json.Marshal(NewHistoryCleared(false))
	if string(data) != `{"type":"history_cleared","success":false}` {
		t.Errorf("unexpected history_cleared shape: %s", data)
	}

	data, _ = json.Marshal(NewChatHistory(nil))
	if string(data) != `{"type":"chat_history","history":[]}` {
		t.Errorf("empty history should encode as []: %s", data)
	}

	data, _ = json.Marshal(NewStreamChunk("Hel"))
	if string(data) != `{"type":"stream-chunk","content":"Hel"}` {
		t.Errorf("unexpected chunk shape: %s", data)
	}

	data, _ = json.Marshal(NewTTSAudio([]byte("abc"), "audio/mpeg", "hi"))
	if !strings.Contains(string(data), `"audio":"YWJj"`) || !strings.Contains(string(data), `"mimeType":"audio/mpeg"`) {
		t.Errorf("unexpected tts-audio shape: %s", data)
	}
}

func TestUserConnection_BindOnce(t *testing.T) {
	uc := NewUserConnection("c1", nil, 4)
	if uc.State() != SessionOpen {
		t.Fatalf("new connection should be open, got %s", uc.State())
	}

	first, err := uc.Bind("u1")
	if err != nil || !first {
		t.Fatalf("first bind should succeed, got %v %v", first, err)
	}
	if uc.State() != SessionIdentified {
		t.Errorf("expected identified, got %s", uc.State())
	}

	again, err := uc.Bind("u1")
	if err != nil || again {
		t.Errorf("rebinding same identity should be a no-op, got %v %v", again, err)
	}

	if _, err := uc.Bind("u2"); !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("expected identity mismatch, got %v", err)
	}
	if uc.UserID() != "u1" {
		t.Errorf("bound identity changed to %q", uc.UserID())
	}

	uc.Activate()
	if uc.State() != SessionActive {
		t.Errorf("expected active, got %s", uc.State())
	}
}

func TestUserConnection_SendAfterClose(t *testing.T) {
	uc := NewUserConnection("c1", nil, 4)
	if !uc.Send(NewStreamChunk("a")) {
		t.Fatal("send on open connection should succeed")
	}
	uc.Close()
	uc.Close()
	if uc.Send(NewStreamChunk("b")) {
		t.Error("send after close should report false")
	}
	if uc.State() != SessionClosed {
		t.Errorf("expected closed state, got %s", uc.State())
	}
}

func TestUserConnection_FullBufferDoesNotBlockAccessors(t *testing.T) {
	uc := NewUserConnection("c1", nil, 1)
	uc.Send(NewStreamChunk("fills the buffer"))

	sent := make(chan bool, 1)
	go func() { sent <- uc.Send(NewStreamChunk("waits for room")) }()

	accessed := make(chan struct{})
	go func() {
		_ = uc.State()
		_ = uc.UserID()
		_ = uc.IsClosed()
		close(accessed)
	}()
	select {
	case <-accessed:
	case <-time.After(time.Second):
		t.Fatal("accessors blocked behind a Send waiting on a full WriteChan")
	}

	uc.Close()
	select {
	case ok := <-sent:
		if ok {
			t.Error("blocked send should report false once the session closes")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not release the blocked Send")
	}
	select {
	case <-uc.Done():
	default:
		t.Error("Done should be closed after Close")
	}
}
