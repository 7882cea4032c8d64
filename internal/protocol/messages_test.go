package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loanchat/chat-app/internal/chaterr"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","loan_id":"L1","receiver_id":"B","body":"Hello!","client_ref":"r-1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.LoanID != "L1" || sm.ReceiverID != "B" || sm.Body != "Hello!" || sm.ClientRef != "r-1" {
		t.Errorf("unexpected payload %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: Every client type decodes into its struct
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	tests := []struct {
		input string
		want  interface{}
	}{
		{`{"type":"join","loan_id":"L1"}`, JoinMsg{}},
		{`{"type":"leave","loan_id":"L1"}`, LeaveMsg{}},
		{`{"type":"typing","loan_id":"L1"}`, TypingMsg{}},
		{`{"type":"stop_typing","loan_id":"L1"}`, StopTypingMsg{}},
		{`{"type":"mark_read","loan_id":"L1"}`, MarkReadMsg{}},
		{`{"type":"history","loan_id":"L1"}`, HistoryMsg{}},
		{`{"type":"unread_counts","loan_ids":["L1","L2"]}`, UnreadCountsMsg{}},
		{`{"type":"ping"}`, PingMsg{}},
	}

	for _, tt := range tests {
		_, msg, err := ParseClientMessage([]byte(tt.input))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.input, err)
			continue
		}
		if gotT, wantT := fmt.Sprintf("%T", msg), fmt.Sprintf("%T", tt.want); gotT != wantT {
			t.Errorf("%s: expected %s, got %s", tt.input, wantT, gotT)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Field validation
// ---------------------------------------------------------------------------

func TestParseClientMessage_Validation(t *testing.T) {
	inputs := []string{
		`{"type":"join"}`,
		`{"type":"send","loan_id":"L1","body":"hi"}`,
		`{"type":"history","loan_id":"L1","after_id":"not-a-uuid"}`,
		`{"type":"history","loan_id":"L1","limit":10000}`,
		`{"type":"unread_counts","loan_ids":[]}`,
		`{"type":"unread_counts","loan_ids":["L1",""]}`,
	}

	for _, in := range inputs {
		_, _, err := ParseClientMessage([]byte(in))
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %v", in, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"self_destruct","payload":"boom"}`)

	msgType, msg, err := ParseClientMessage(input)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if msgType != "self_destruct" {
		t.Errorf("expected type %q, got %q", "self_destruct", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil msg, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing invalid JSON returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	inputs := []string{
		`{not valid json}`,
		``,
		`{"loan_id":"L1"}`,
		`{"type":""}`,
	}

	for _, in := range inputs {
		if _, _, err := ParseClientMessage([]byte(in)); err == nil {
			t.Errorf("expected error for input %q", in)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages carry their type and survive the client parser
// ---------------------------------------------------------------------------

func TestNewServerMessage_MessageEvent(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	payload := MessageEventMsg{
		LoanID: "L1",
		Message: ChatMessage{
			ID:         "0b7d8c1e-8f53-4d8a-9b1f-2f4a1c7e9d10",
			Seq:        1<<53 + 1,
			LoanID:     "L1",
			SenderID:   "A",
			ReceiverID: "B",
			Body:       "hi",
			CreatedAt:  created,
		},
	}

	data, err := NewServerMessage(TypeMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}
	ev := msg.(MessageEventMsg)
	if ev.Message.Seq != payload.Message.Seq {
		t.Errorf("seq lost precision: got %d want %d", ev.Message.Seq, payload.Message.Seq)
	}
	if !ev.Message.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: %s", ev.Message.CreatedAt)
	}
}

func TestNewServerMessage_TypeOverridesPayload(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Type: "wrong", Code: "forbidden"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != TypeError {
		t.Fatalf("expected type %q, got %v", TypeError, m["type"])
	}
}

// ---------------------------------------------------------------------------
// Test: Error mapping
// ---------------------------------------------------------------------------

func TestNewErrorMsg(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"forbidden", chaterr.Forbidden("not a participant"), "forbidden", false},
		{"validation", chaterr.Validation("empty body"), "validation_error", false},
		{"timeout", chaterr.Timeout("loan service timed out"), "timeout", true},
		{"internal", errors.New("pq: broken pipe"), "internal_error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewErrorMsg(tt.err, "L1", "ref")
			if m.Code != tt.code || m.Retryable != tt.retryable {
				t.Errorf("got code=%q retryable=%v, want %q %v", m.Code, m.Retryable, tt.code, tt.retryable)
			}
			if m.LoanID != "L1" || m.ClientRef != "ref" {
				t.Errorf("context fields lost: %+v", m)
			}
			if back := m.Err(); chaterr.KindOf(back) != chaterr.KindOf(tt.err) {
				t.Errorf("Err() kind = %v, want %v", chaterr.KindOf(back), chaterr.KindOf(tt.err))
			}
		})
	}
}

func TestCorrelate(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		loanID    string
		clientRef string
	}{
		{"send", `{"type":"send","loan_id":"L1","receiver_id":"","client_ref":"r1"}`, "L1", "r1"},
		{"join", `{"type":"join","loan_id":"L2"}`, "L2", ""},
		{"wrong types", `{"type":"send","loan_id":7,"client_ref":"r2"}`, "", "r2"},
		{"not json", `{"type":`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loanID, clientRef := Correlate([]byte(tt.data))
			if loanID != tt.loanID || clientRef != tt.clientRef {
				t.Errorf("got (%q, %q), want (%q, %q)", loanID, clientRef, tt.loanID, tt.clientRef)
			}
		})
	}
}
