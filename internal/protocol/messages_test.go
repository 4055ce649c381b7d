package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join_channel message
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinChannel(t *testing.T) {
	input := []byte(`{"type":"join_channel","channel":"conversation:42"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinChannel {
		t.Fatalf("expected type %q, got %q", TypeJoinChannel, msgType)
	}

	jm, ok := msg.(JoinChannelMsg)
	if !ok {
		t.Fatalf("expected JoinChannelMsg, got %T", msg)
	}
	if jm.Channel != "conversation:42" {
		t.Errorf("expected channel %q, got %q", "conversation:42", jm.Channel)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","channel":"conversation:42","client_ref":"tmp-1","body":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.Channel != "conversation:42" {
		t.Errorf("expected channel %q, got %q", "conversation:42", sm.Channel)
	}
	if sm.ClientRef != "tmp-1" {
		t.Errorf("expected client_ref %q, got %q", "tmp-1", sm.ClientRef)
	}
	if sm.Body != "Hello!" {
		t.Errorf("expected body %q, got %q", "Hello!", sm.Body)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a message-received broadcast event
// ---------------------------------------------------------------------------

func TestNewServerMessage_RecordEvent(t *testing.T) {
	payload := RecordEvent{
		ID:      "msg-789",
		Channel: "conversation:42",
		From:    "user-1",
		Body:    "hi",
		Status:  "sent",
		Ts:      1700000000,
	}

	data, err := NewServerMessage(EventMessageReceived, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != EventMessageReceived {
		t.Errorf("expected type %q, got %v", EventMessageReceived, result["type"])
	}
	if result["id"] != "msg-789" {
		t.Errorf("expected id %q, got %v", "msg-789", result["id"])
	}
	if result["channel"] != "conversation:42" {
		t.Errorf("expected channel %q, got %v", "conversation:42", result["channel"])
	}
	if result["status"] != "sent" {
		t.Errorf("expected status %q, got %v", "sent", result["status"])
	}

	ts, ok := result["ts"].(float64)
	if !ok {
		t.Fatalf("expected ts to be a number, got %T", result["ts"])
	}
	if int64(ts) != 1700000000 {
		t.Errorf("expected ts 1700000000, got %v", ts)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"subscribe_firehose","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if msgType != "subscribe_firehose" {
		t.Errorf("expected type to be returned even on error, got %q", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil msg, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Missing type field is rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_MissingType(t *testing.T) {
	input := []byte(`{"channel":"conversation:42"}`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	input := []byte(`{"type":"typing",`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: KnownEvent accepts exactly the dispatcher event names
// ---------------------------------------------------------------------------

func TestKnownEvent(t *testing.T) {
	for _, name := range []string{
		EventMessageReceived, EventMessageRead, EventMessageRecalled,
		EventMessageDeleted, EventCommentReceived, EventCommentUpdated,
		EventCommentDeleted, EventUserOnline, EventUserOffline, EventTyping,
	} {
		if !KnownEvent(name) {
			t.Errorf("expected %q to be a known event", name)
		}
	}

	for _, name := range []string{"", "message_received", "connected", "pong", "firehose"} {
		if KnownEvent(name) {
			t.Errorf("expected %q to be unknown", name)
		}
	}
}
