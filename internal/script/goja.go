package script

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/dop251/goja"
)

// GojaCapabilities describes the built-in goja engine.
var GojaCapabilities = Capabilities{
	Name:     DefaultEngine,
	Language: "ECMAScript (goja)",
	Features: []string{"promises", "timers", "console", "json"},
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// IsIdentifier reports whether name is a plain script identifier.
func IsIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// gojaEngine implements Engine on top of a goja runtime. Promise reactions
// are settled by goja itself whenever control leaves the VM; the jobs
// queue holds host-scheduled work (timers, immediates, queueMicrotask).
type gojaEngine struct {
	vm      *goja.Runtime
	jobs    *jobQueue
	console ConsoleFunc

	// Builtins are captured at creation so that scripts reassigning
	// String or JSON cannot break value conversion.
	stringFn    goja.Callable
	stringifyFn goja.Callable
	parseFn     goja.Callable

	live   atomic.Int64
	closed bool
}

var _ Engine = (*gojaEngine)(nil)

// NewGoja creates a goja-backed engine. It satisfies Factory.
func NewGoja(opts Options) (Engine, error) {
	vm := goja.New()
	if opts.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(opts.MaxCallStackSize)
	}

	e := &gojaEngine{
		vm:      vm,
		jobs:    newJobQueue(),
		console: opts.Console,
	}

	if err := e.captureBuiltins(); err != nil {
		return nil, err
	}
	if err := e.bindTimers(); err != nil {
		return nil, fmt.Errorf("bind timers: %w", err)
	}
	if e.console != nil {
		if err := e.bindConsole(); err != nil {
			return nil, fmt.Errorf("bind console: %w", err)
		}
	}

	return e, nil
}

func (e *gojaEngine) captureBuiltins() error {
	var ok bool
	if e.stringFn, ok = goja.AssertFunction(e.vm.Get("String")); !ok {
		return errors.New("String builtin is not callable")
	}

	jsonObj := e.vm.Get("JSON").ToObject(e.vm)
	if e.stringifyFn, ok = goja.AssertFunction(jsonObj.Get("stringify")); !ok {
		return errors.New("JSON.stringify builtin is not callable")
	}
	if e.parseFn, ok = goja.AssertFunction(jsonObj.Get("parse")); !ok {
		return errors.New("JSON.parse builtin is not callable")
	}
	return nil
}

func (e *gojaEngine) wrap(v goja.Value) Value {
	e.live.Add(1)
	return Value{ref: &valueRef{owner: e, raw: v}}
}

func (e *gojaEngine) unwrap(v Value) (goja.Value, error) {
	if v.ref == nil {
		return goja.Undefined(), nil
	}
	if v.ref.owner != e {
		return nil, ErrForeignValue
	}
	if v.ref.released {
		return nil, ErrReleased
	}
	if raw, ok := v.ref.raw.(goja.Value); ok && raw != nil {
		return raw, nil
	}
	return goja.Undefined(), nil
}

// enter runs fn inside the VM. Cancellation of ctx interrupts the running
// script; the interrupt flag is always cleared before returning.
func (e *gojaEngine) enter(ctx context.Context, fn func() error) (err error) {
	if e.closed {
		return ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ScriptError{Message: "interrupted: " + ctxErr.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	if ctx.Done() == nil {
		return fn()
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		e.vm.Interrupt(ctx.Err())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
			e.vm.ClearInterrupt()
		}
	}()

	return fn()
}

// scriptError converts a VM failure into a *ScriptError. When keepValue is
// set the thrown value is handed to the caller as a live handle.
func (e *gojaEngine) scriptError(err error, keepValue bool) error {
	if errors.Is(err, ErrClosed) {
		return err
	}

	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		se := &ScriptError{Message: e.exceptionMessage(ex)}
		if keepValue && ex.Value() != nil {
			se.Value = e.wrap(ex.Value())
		}
		return se
	}

	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return &ScriptError{Message: fmt.Sprintf("interrupted: %v", ie.Value())}
	}

	return &ScriptError{Message: err.Error()}
}

// exceptionMessage renders the thrown value with String(). A throwing
// toString yields an empty message.
func (e *gojaEngine) exceptionMessage(ex *goja.Exception) string {
	val := ex.Value()
	if val == nil || e.stringFn == nil {
		return ""
	}
	res, err := e.stringFn(goja.Undefined(), val)
	if err != nil || res == nil {
		return ""
	}
	return res.String()
}

// Eval implements Engine.
func (e *gojaEngine) Eval(ctx context.Context, source, sourceName string) (Value, error) {
	var result goja.Value
	err := e.enter(ctx, func() error {
		v, err := e.vm.RunScript(sourceName, source)
		result = v
		return err
	})
	if err != nil {
		return Value{}, e.scriptError(err, true)
	}
	return e.wrap(result), nil
}

// Call implements Engine.
func (e *gojaEngine) Call(ctx context.Context, fn Value, args ...Value) (Value, error) {
	rawFn, err := e.unwrap(fn)
	if err != nil {
		return Value{}, err
	}
	callable, ok := goja.AssertFunction(rawFn)
	if !ok {
		return Value{}, ErrNotCallable
	}

	rawArgs := make([]goja.Value, len(args))
	for i, a := range args {
		if rawArgs[i], err = e.unwrap(a); err != nil {
			return Value{}, fmt.Errorf("argument %d: %w", i, err)
		}
	}

	var result goja.Value
	err = e.enter(ctx, func() error {
		v, err := callable(goja.Undefined(), rawArgs...)
		result = v
		return err
	})
	if err != nil {
		return Value{}, e.scriptError(err, true)
	}
	return e.wrap(result), nil
}

// DisplayString implements Engine.
func (e *gojaEngine) DisplayString(v Value) (string, error) {
	raw, err := e.unwrap(v)
	if err != nil {
		return "", err
	}

	var text string
	err = e.enter(context.Background(), func() error {
		res, err := e.stringFn(goja.Undefined(), raw)
		if err != nil {
			return err
		}
		text = res.String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("display string: %w", e.scriptError(err, false))
	}
	return text, nil
}

// EncodeJSON implements Engine.
func (e *gojaEngine) EncodeJSON(v Value) (string, error) {
	raw, err := e.unwrap(v)
	if err != nil {
		return "", err
	}

	var (
		text      string
		undefined bool
	)
	err = e.enter(context.Background(), func() error {
		res, err := e.stringifyFn(goja.Undefined(), raw)
		if err != nil {
			return err
		}
		if res == nil || goja.IsUndefined(res) {
			undefined = true
			return nil
		}
		text = res.String()
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotEncodable, e.scriptError(err, false))
	}
	if undefined {
		return "", ErrNotEncodable
	}
	return text, nil
}

// DecodeJSON implements Engine.
func (e *gojaEngine) DecodeJSON(text string) (Value, error) {
	var result goja.Value
	err := e.enter(context.Background(), func() error {
		res, err := e.parseFn(goja.Undefined(), e.vm.ToValue(text))
		result = res
		return err
	})
	if err != nil {
		return Value{}, fmt.Errorf("decode json: %w", e.scriptError(err, false))
	}
	return e.wrap(result), nil
}

// NewObject implements Engine. A closed engine returns the zero Value.
func (e *gojaEngine) NewObject() Value {
	if e.closed {
		return Value{}
	}
	return e.wrap(e.vm.NewObject())
}

// SetGlobal implements Engine.
func (e *gojaEngine) SetGlobal(name string, v Value) error {
	if !IsIdentifier(name) {
		return fmt.Errorf("%w: %q", ErrInvalidGlobal, name)
	}
	raw, err := e.unwrap(v)
	if err != nil {
		return err
	}
	return e.enter(context.Background(), func() error {
		return e.vm.Set(name, raw)
	})
}

// Release implements Engine.
func (e *gojaEngine) Release(v Value) error {
	if v.ref == nil {
		return nil
	}
	if v.ref.owner != e {
		return ErrForeignValue
	}
	if v.ref.released {
		return ErrReleased
	}
	v.ref.released = true
	v.ref.raw = nil
	e.live.Add(-1)
	return nil
}

// LiveValues implements Engine.
func (e *gojaEngine) LiveValues() int {
	return int(e.live.Load())
}

// Close implements Engine.
func (e *gojaEngine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	// Context state first, then the runtime.
	e.jobs.reset()
	e.console = nil
	e.stringFn, e.stringifyFn, e.parseFn = nil, nil, nil
	e.vm = nil
	return nil
}
