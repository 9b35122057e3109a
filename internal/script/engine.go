package script

import (
	"context"
	"errors"
	"time"
)

// Errors returned by engines.
var (
	ErrClosed        = errors.New("engine is closed")
	ErrReleased      = errors.New("value already released")
	ErrForeignValue  = errors.New("value belongs to a different engine")
	ErrNotCallable   = errors.New("value is not a function")
	ErrNotEncodable  = errors.New("value is not JSON-encodable")
	ErrInvalidGlobal = errors.New("invalid global name")
)

// Engine is an isolated script runtime paired with its top-level
// execution context. Implementations are not safe for concurrent use; the
// caller serializes every call against one Engine.
type Engine interface {
	// Eval runs source as a top-level global program. A language-level
	// exception is returned as a *ScriptError whose Value the caller must
	// release.
	Eval(ctx context.Context, source, sourceName string) (Value, error)

	// Call invokes fn with an undefined receiver.
	Call(ctx context.Context, fn Value, args ...Value) (Value, error)

	// RunPendingJob runs exactly one pending job that is due. It reports
	// false when no job is due, even if timers are still scheduled. A job that throws is consumed and its exception is
	// returned as a *ScriptError without a Value.
	RunPendingJob(ctx context.Context) (bool, error)

	// NextJob reports when the earliest pending job is due. It reports
	// false when the queue is empty.
	NextJob() (time.Time, bool)

	// DisplayString converts v to text with String(v) semantics.
	DisplayString(v Value) (string, error)

	// EncodeJSON converts v to JSON text with JSON.stringify semantics.
	// Values that stringify to undefined fail with ErrNotEncodable.
	EncodeJSON(v Value) (string, error)

	// DecodeJSON parses JSON text into an engine value.
	DecodeJSON(text string) (Value, error)

	// NewObject returns a fresh empty object.
	NewObject() Value

	// SetGlobal binds v to name on the global object.
	SetGlobal(name string, v Value) error

	// Release frees a value handle. Every Value handed out by the engine
	// must be released exactly once.
	Release(v Value) error

	// LiveValues reports the number of handles not yet released.
	LiveValues() int

	// Close destroys the context and then the runtime. It is idempotent.
	Close() error
}

// Value is an opaque handle to a value owned by one Engine. The zero
// Value stands for undefined and needs no release.
type Value struct {
	ref *valueRef
}

type valueRef struct {
	owner    any
	raw      any
	released bool
}

// IsZero reports whether v is the zero handle.
func (v Value) IsZero() bool {
	return v.ref == nil
}

// ScriptError is a language-level exception raised by evaluated code.
type ScriptError struct {
	// Value is the thrown value, when the engine still holds one.
	Value Value
	// Message is the engine's own rendering of the failure.
	Message string
}

func (e *ScriptError) Error() string {
	return e.Message
}

// ConsoleFunc receives one formatted console line from script code.
type ConsoleFunc func(level, line string)

// Options configure a new engine instance.
type Options struct {
	// Console, when set, installs console.log/info/warn/error/debug.
	Console ConsoleFunc

	// MaxCallStackSize limits script recursion depth. Zero keeps the
	// engine default.
	MaxCallStackSize int
}

// Factory creates a new engine instance.
type Factory func(opts Options) (Engine, error)

// Capabilities describes what an engine implementation supports.
type Capabilities struct {
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Features []string `json:"features"`
}
