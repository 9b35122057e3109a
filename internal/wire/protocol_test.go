package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/seantiz/jsbridge/internal/bridge"
)

func TestWriteReadRequest(t *testing.T) {
	original := Request{
		Op:        OpResolveCall,
		ContextID: "qjs-ctx-1",
		CallID:    "qjs-ctx-1-call-1",
		Result:    json.RawMessage(`{"ok":true}`),
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Request
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Op != original.Op {
		t.Errorf("Op = %q, want %q", decoded.Op, original.Op)
	}
	if decoded.ContextID != original.ContextID {
		t.Errorf("ContextID = %q, want %q", decoded.ContextID, original.ContextID)
	}
	if decoded.CallID != original.CallID {
		t.Errorf("CallID = %q, want %q", decoded.CallID, original.CallID)
	}
	if string(decoded.Result) != `{"ok":true}` {
		t.Errorf("Result = %s, want {\"ok\":true}", decoded.Result)
	}
}

func TestWriteReadResultMessage(t *testing.T) {
	original := Message{
		Type: MsgTypeResult,
		Response: &Response{
			Calls: []bridge.HostCall{{CallID: "c1", FunctionName: "f", ArgsJSON: "[]"}},
		},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Response == nil {
		t.Fatal("Response = nil")
	}
	if len(decoded.Response.Calls) != 1 || decoded.Response.Calls[0].CallID != "c1" {
		t.Errorf("Calls = %+v", decoded.Response.Calls)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	// Only 2 bytes instead of 4.
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var req Request
	if err := ReadMessage(buf, &req); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0x7B, 0x7D})              // "{}"

	var req Request
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var req Request
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestWriteMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	big := Request{Op: OpEval, Code: string(bytes.Repeat([]byte("a"), MaxMessageSize))}
	if err := WriteMessage(&buf, &big); err == nil {
		t.Fatal("expected error for oversized message")
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes, want 0", buf.Len())
	}
}
