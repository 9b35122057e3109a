package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HostFunc handles a call from script code. args are the JSON-decoded
// call arguments. The returned value is JSON-encoded to resolve the
// script's promise; a returned error rejects it with the error message.
type HostFunc func(ctx context.Context, args []any) (any, error)

// Dispatcher connects Go handlers to env.<name> functions and settles the
// calls scripts make to them.
type Dispatcher struct {
	registry *Registry

	mu       sync.Mutex
	handlers map[string]map[string]HostFunc
}

// NewDispatcher creates a dispatcher for contexts of registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		handlers: make(map[string]map[string]HostFunc),
	}
}

// Register installs env.<name> in the context and routes its calls to fn.
func (d *Dispatcher) Register(ctx context.Context, id, name string, fn HostFunc) error {
	if err := d.registry.RegisterHostFunction(ctx, id, name); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[id] == nil {
		d.handlers[id] = make(map[string]HostFunc)
	}
	d.handlers[id][name] = fn
	return nil
}

// Forget drops the handlers of a context, normally after it is disposed.
func (d *Dispatcher) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, id)
}

func (d *Dispatcher) handler(id, name string) (HostFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.handlers[id][name]
	return fn, ok
}

// Pump settles queued host calls until the queue stays empty and returns
// how many calls it settled. Settling a call drains the context, which can
// queue further calls; those are handled in the same Pump.
func (d *Dispatcher) Pump(ctx context.Context, id string) (int, error) {
	settled := 0
	for {
		calls, err := d.registry.PendingHostCalls(ctx, id)
		if err != nil {
			return settled, err
		}
		if len(calls) == 0 {
			return settled, nil
		}
		for _, call := range calls {
			if err := d.settle(ctx, id, call); err != nil {
				return settled, err
			}
			settled++
		}
	}
}

func (d *Dispatcher) settle(ctx context.Context, id string, call HostCall) error {
	fn, ok := d.handler(id, call.FunctionName)
	if !ok {
		d.registry.RejectHostCall(ctx, id, call.CallID,
			fmt.Sprintf("Host function '%s' not registered", call.FunctionName))
		return nil
	}

	args, err := decodeArgs(call.ArgsJSON)
	if err != nil {
		d.registry.RejectHostCall(ctx, id, call.CallID, err.Error())
		return nil
	}

	result, err := fn(ctx, args)
	if err != nil {
		d.registry.RejectHostCall(ctx, id, call.CallID, err.Error())
		return nil
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		d.registry.RejectHostCall(ctx, id, call.CallID, fmt.Sprintf("encode result: %v", err))
		return nil
	}
	return d.registry.ResolveHostCall(ctx, id, call.CallID, string(encoded))
}

// decodeArgs parses the argument list. A non-array payload becomes the
// single argument.
func decodeArgs(argsJSON string) ([]any, error) {
	if argsJSON == "" {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(argsJSON), &decoded); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if list, ok := decoded.([]any); ok {
		return list, nil
	}
	return []any{decoded}, nil
}
