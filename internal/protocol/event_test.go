package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/matheus3301/chatsync/internal/model"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    EventType
		wantErr bool
	}{
		{"new message", `{"type":"NEW_MESSAGE","message":{"id":"m1","chatId":"c1","senderId":"u2","content":"hi","type":"TEXT"}}`, NewMessage, false},
		{"messages read", `{"type":"MESSAGES_READ","chatId":"c1"}`, MessagesRead, false},
		{"typing", `{"type":"USER_TYPING","chatId":"c1","userId":"u2"}`, UserTyping, false},
		{"stopped typing", `{"type":"USER_STOPPED_TYPING","chatId":"c1","userId":"u2"}`, UserStoppedTyping, false},
		{"online", `{"type":"USER_ONLINE","userId":"u2"}`, UserOnline, false},
		{"offline", `{"type":"USER_OFFLINE","userId":"u2"}`, UserOffline, false},
		{"unknown type passes through", `{"type":"SOMETHING_ELSE"}`, "SOMETHING_ELSE", false},
		{"not json", `{"type":`, "", true},
		{"missing type", `{"chatId":"c1"}`, "", true},
		{"new message without body", `{"type":"NEW_MESSAGE"}`, "", true},
		{"new message without id", `{"type":"NEW_MESSAGE","message":{"chatId":"c1"}}`, "", true},
		{"read without chat", `{"type":"MESSAGES_READ"}`, "", true},
		{"typing without user", `{"type":"USER_TYPING","chatId":"c1"}`, "", true},
		{"online without user", `{"type":"USER_ONLINE"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := DecodeEvent([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeEvent error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("error %v does not wrap ErrMalformed", err)
				}
				return
			}
			if evt.Type != tt.want {
				t.Errorf("type = %q, want %q", evt.Type, tt.want)
			}
		})
	}
}

func TestDecodeNewMessageDefaults(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"NEW_MESSAGE","message":{"id":"m1","chatId":"c1","senderId":"u1","content":"hello"}}`))
	if err != nil {
		t.Fatal(err)
	}
	m := evt.Message
	if m.ID != model.Confirmed("m1") {
		t.Errorf("id = %v, want confirmed m1", m.ID)
	}
	if m.State != model.StateSent {
		t.Errorf("state = %q, want SENT", m.State)
	}
	if m.Type != model.TypeText {
		t.Errorf("type = %q, want TEXT", m.Type)
	}
	if evt.ChatID != "c1" {
		t.Errorf("chat = %q, want c1", evt.ChatID)
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	msg := model.Message{
		ID: model.Confirmed("m9"), ConversationID: "c3", SenderID: "u1",
		Content: model.String("yo"), Type: model.TypeText, State: model.StateDelivered,
	}
	data, err := EncodeEvent(Event{Type: NewMessage, Message: &msg})
	if err != nil {
		t.Fatal(err)
	}
	evt, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Message.State != model.StateDelivered || evt.Message.Text() != "yo" {
		t.Errorf("round trip lost fields: %+v", evt.Message)
	}
}

func TestCommandEncoding(t *testing.T) {
	data, err := SendMessageCommand("c1", model.String("hi"), model.TypeText, nil).Encode()
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "SEND_MESSAGE" || got["chatId"] != "c1" || got["content"] != "hi" || got["messageType"] != "TEXT" {
		t.Errorf("unexpected encoding %s", data)
	}
	if _, ok := got["imageId"]; ok {
		t.Error("imageId should be omitted when nil")
	}

	data, _ = HeartbeatCommand().Encode()
	if string(data) != `{"type":"HEARTBEAT"}` {
		t.Errorf("heartbeat = %s", data)
	}
}

func TestParseFrame(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"destination":"/x"}`)); err == nil {
		t.Error("frame without op should fail")
	}
	if _, err := ParseFrame([]byte(`garbage`)); err == nil {
		t.Error("garbage frame should fail")
	}
	f, err := ParseFrame([]byte(`{"op":"MESSAGE","destination":"/topic/presence","body":{"type":"USER_ONLINE","userId":"u1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Op != OpMessage || f.Destination != PresenceTopic {
		t.Errorf("frame = %+v", f)
	}
}

func TestSendFrame(t *testing.T) {
	f, err := SendFrame(MarkReadCommand("c1"))
	if err != nil {
		t.Fatal(err)
	}
	if f.Op != OpSend || f.Destination != AppDestination {
		t.Errorf("frame = %+v", f)
	}
	if string(f.Body) != `{"type":"MARK_READ","chatId":"c1"}` {
		t.Errorf("body = %s", f.Body)
	}
	if UserQueue("u1") != "/user/u1/queue/messages" {
		t.Errorf("UserQueue = %q", UserQueue("u1"))
	}
}
