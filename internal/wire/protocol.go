package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/jsbridge/internal/bridge"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Operations understood by the server.
const (
	OpPing        = "ping"
	OpCreate      = "create"
	OpEval        = "eval"
	OpDispose     = "dispose"
	OpDrain       = "drain"
	OpResolve     = "resolve"
	OpRegister    = "register"
	OpHostCalls   = "host_calls"
	OpResolveCall = "resolve_call"
	OpRejectCall  = "reject_call"
)

// Request is the JSON payload sent from client to server.
type Request struct {
	Op        string          `json:"op"`
	ContextID string          `json:"context_id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Name      string          `json:"name,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Response is the JSON payload sent from server to client once a request
// has been served.
type Response struct {
	// ContextID is set by create.
	ContextID string `json:"context_id,omitempty"`
	// Text is the eval result as hosts see it: JSON or the error envelope.
	Text     string            `json:"text,omitempty"`
	Failed   bool              `json:"failed,omitempty"`
	NotFound bool              `json:"not_found,omitempty"`
	Jobs     int               `json:"jobs,omitempty"`
	Calls    []bridge.HostCall `json:"calls,omitempty"`
	// Error reports a request the server could not serve.
	Error string `json:"error,omitempty"`
}

// Server→client message types.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Message is the envelope for all server→client frames. While serving a
// request the server sends console output with Type="log", then exactly
// one Type="result" frame.
type Message struct {
	Type     string    `json:"type"`
	Level    string    `json:"level,omitempty"`
	Line     string    `json:"line,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame so concurrent readers never see a split header.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
