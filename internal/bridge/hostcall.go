package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/seantiz/jsbridge/internal/script"
)

// HostCall is a call from script code to a registered host function that
// is waiting for the host to settle it.
type HostCall struct {
	CallID       string `json:"callId"`
	FunctionName string `json:"functionName"`
	ArgsJSON     string `json:"argsJson"`
}

// hostBridgeSource installs the pending-call table and the queue that
// env.<name> wrappers push to. It is evaluated once per context with the
// JSON-encoded call id prefix substituted.
const hostBridgeSource = `(function (g, prefix) {
  var pending = {};
  var seq = 0;
  g.__registerPendingCall = function (id, resolve, reject) {
    pending[id] = { resolve: resolve, reject: reject };
  };
  g.__resolvePendingCall = function (id, result) {
    var p = pending[id];
    if (p) {
      delete pending[id];
      p.resolve(result);
    }
  };
  g.__rejectPendingCall = function (id, error) {
    var p = pending[id];
    if (p) {
      delete pending[id];
      p.reject(typeof error === "string" ? new Error(error) : error);
    }
  };
  g.__hostCallQueue = [];
  g.__hostCall__ = function (functionName, args) {
    seq++;
    var id = prefix + seq;
    g.__hostCallQueue.push({
      callId: id,
      functionName: functionName,
      argsJson: JSON.stringify(args)
    });
    return new Promise(function (resolve, reject) {
      g.__registerPendingCall(id, resolve, reject);
    });
  };
})(globalThis, %s);`

// hostWrapperSource defines env.<name>. The name is a validated identifier.
const hostWrapperSource = `env.%[1]s = function () {
  return __hostCall__(%[2]s, Array.prototype.slice.call(arguments));
};`

const takeHostCallsSource = `typeof __hostCallQueue === "undefined" ? "[]" : JSON.stringify(__hostCallQueue.splice(0))`

// RegisterHostFunction exposes env.<name> in the context named by id.
// Calling it from script returns a promise and queues a HostCall for the
// host to settle with ResolveHostCall or RejectHostCall.
func (r *Registry) RegisterHostFunction(ctx context.Context, id, name string) error {
	if !script.IsIdentifier(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	s := r.acquire(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	defer s.mu.Unlock()

	if !s.hostBridge {
		prefix, _ := json.Marshal(id + "-call-")
		if err := r.run(ctx, s, fmt.Sprintf(hostBridgeSource, prefix)); err != nil {
			return fmt.Errorf("install host call bridge: %w", err)
		}
		s.hostBridge = true
	}

	quoted, _ := json.Marshal(name)
	if err := r.run(ctx, s, fmt.Sprintf(hostWrapperSource, name, quoted)); err != nil {
		return fmt.Errorf("install env.%s: %w", name, err)
	}
	if !slices.Contains(s.hostNames, name) {
		s.hostNames = append(s.hostNames, name)
	}

	r.logger.Debug("host function registered", "context_id", id, "name", name)
	return nil
}

// HostFunctions lists the names registered in the context named by id.
func (r *Registry) HostFunctions(id string) ([]string, error) {
	s := r.acquire(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	defer s.mu.Unlock()
	return slices.Clone(s.hostNames), nil
}

// PendingHostCalls removes and returns the queued host calls of the
// context named by id.
func (r *Registry) PendingHostCalls(ctx context.Context, id string) ([]HostCall, error) {
	s := r.acquire(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	defer s.mu.Unlock()

	v, err := s.engine.Eval(ctx, takeHostCallsSource, sourceEval)
	if err != nil {
		return nil, errors.New("read host call queue: " + r.exceptionMessage(s, err))
	}
	defer r.release(s, v)

	text, err := s.engine.DisplayString(v)
	if err != nil {
		return nil, fmt.Errorf("read host call queue: %w", err)
	}

	var calls []HostCall
	if err := json.Unmarshal([]byte(text), &calls); err != nil {
		return nil, fmt.Errorf("decode host call queue: %w", err)
	}
	return calls, nil
}

// ResolveHostCall settles a pending host call with a JSON result and drains
// the context. Unknown contexts and call ids are ignored.
func (r *Registry) ResolveHostCall(ctx context.Context, id, callID, resultJSON string) error {
	if !json.Valid([]byte(resultJSON)) {
		return ErrInvalidResult
	}
	quotedID, _ := json.Marshal(callID)
	r.Resolve(ctx, id, fmt.Sprintf("__resolvePendingCall(%s, %s);", quotedID, resultJSON))
	return nil
}

// RejectHostCall settles a pending host call with an Error carrying
// message and drains the context. Unknown contexts and call ids are
// ignored.
func (r *Registry) RejectHostCall(ctx context.Context, id, callID, message string) {
	quotedID, _ := json.Marshal(callID)
	quotedMsg, _ := json.Marshal(message)
	r.Resolve(ctx, id, fmt.Sprintf("__rejectPendingCall(%s, %s);", quotedID, quotedMsg))
}

// run evaluates bridge plumbing in s and discards the completion value.
func (r *Registry) run(ctx context.Context, s *slot, source string) error {
	v, err := s.engine.Eval(ctx, source, sourceEval)
	if err != nil {
		return errors.New(r.exceptionMessage(s, err))
	}
	r.release(s, v)
	return nil
}
