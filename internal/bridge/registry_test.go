package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/jsbridge/internal/model"
	"github.com/seantiz/jsbridge/internal/script"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	return newTestRegistryWith(t, opts, script.DefaultRegistry(), nil)
}

func newTestRegistryWith(t *testing.T, opts Options, engines *script.Registry, journal Journal) *Registry {
	t.Helper()
	r, err := New(opts, engines, journal, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func mustCreate(t *testing.T, r *Registry) string {
	t.Helper()
	id, err := r.Create(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func eval(t *testing.T, r *Registry, id, source string) Result {
	t.Helper()
	return r.Evaluate(context.Background(), id, source)
}

// liveValues reports unreleased engine handles of a live context.
func liveValues(t *testing.T, r *Registry, id string) int {
	t.Helper()
	s := r.acquire(id)
	require.NotNil(t, s)
	defer s.mu.Unlock()
	return s.engine.LiveValues()
}

// engineWrapping registers a goja-backed factory whose engines are wrapped.
func engineWrapping(wrap func(script.Engine) script.Engine) *script.Registry {
	engines := script.NewRegistry()
	engines.Register(script.DefaultEngine, func(opts script.Options) (script.Engine, error) {
		e, err := script.NewGoja(opts)
		if err != nil {
			return nil, err
		}
		return wrap(e), nil
	}, script.GojaCapabilities)
	return engines
}

type failingDisplay struct{ script.Engine }

func (failingDisplay) DisplayString(script.Value) (string, error) {
	return "", errors.New("display failed")
}

type failingEncode struct{ script.Engine }

func (failingEncode) EncodeJSON(script.Value) (string, error) {
	return "", errors.New("encoder exploded")
}

type failingGlobal struct {
	script.Engine
	closed *bool
}

func (failingGlobal) SetGlobal(string, script.Value) error {
	return errors.New("no globals today")
}

func (f failingGlobal) Close() error {
	*f.closed = true
	return f.Engine.Close()
}

func TestEvaluateArithmetic(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	res := eval(t, r, id, "1+1")
	assert.False(t, res.Failed)
	assert.Equal(t, "2", res.JSON)
	assert.Equal(t, "2", res.String())
	assert.Equal(t, 0, liveValues(t, r, id))
}

func TestEvaluateSyntaxError(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	res := eval(t, r, id, "function (")
	require.True(t, res.Failed)
	assert.NotEmpty(t, res.Error)
	assert.Contains(t, res.Error, "SyntaxError")

	var env map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.String()), &env))
	assert.Equal(t, res.Error, env["error"])
	assert.Equal(t, 0, liveValues(t, r, id))
}

func TestEvaluateNotFound(t *testing.T) {
	r := newTestRegistry(t, Options{})

	res := eval(t, r, "nonexistent-id", "1")
	assert.True(t, res.NotFound)
	assert.Equal(t, `{"error":"Context not found"}`, res.String())
}

func TestEvaluateThrownValue(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	res := eval(t, r, id, `throw new TypeError("bad input")`)
	require.True(t, res.Failed)
	assert.Equal(t, "TypeError: bad input", res.Error)
	assert.Equal(t, `{"error":"TypeError: bad input"}`, res.String())
	assert.Equal(t, 0, liveValues(t, r, id))
}

func TestEvaluateEnvelopeEscaping(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	res := eval(t, r, id, `throw 'say "hi" <now>\n\\'`)
	require.True(t, res.Failed)

	var env map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.String()), &env))
	assert.Equal(t, "say \"hi\" <now>\n\\", env["error"])
}

func TestEvaluateUnprintableException(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	res := eval(t, r, id, `throw { toString() { throw new Error("nope") } }`)
	require.True(t, res.Failed)
	assert.Equal(t, MsgUnknownError, res.Error)
	assert.Equal(t, 0, liveValues(t, r, id))
}

func TestEvaluateDisplayFailure(t *testing.T) {
	engines := engineWrapping(func(e script.Engine) script.Engine { return failingDisplay{e} })
	r := newTestRegistryWith(t, Options{}, engines, nil)
	id := mustCreate(t, r)

	res := eval(t, r, id, `throw new Error("hidden")`)
	assert.Equal(t, `{"error":"Unknown error"}`, res.String())
	assert.Equal(t, 0, liveValues(t, r, id))
}

func TestEvaluateNotEncodableYieldsNull(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	for _, source := range []string{
		"undefined",
		"(function () {})",
		"(() => { const o = {}; o.self = o; return o })()",
		"Symbol('s')",
	} {
		res := eval(t, r, id, source)
		assert.False(t, res.Failed, source)
		assert.Equal(t, NullJSON, res.String(), source)
	}
	assert.Equal(t, 0, liveValues(t, r, id))
}

func TestEvaluateEncoderFailureYieldsNull(t *testing.T) {
	engines := engineWrapping(func(e script.Engine) script.Engine { return failingEncode{e} })
	r := newTestRegistryWith(t, Options{}, engines, nil)
	id := mustCreate(t, r)

	res := eval(t, r, id, "({a: 1})")
	assert.False(t, res.Failed)
	assert.Equal(t, NullJSON, res.JSON)
	assert.Equal(t, 0, liveValues(t, r, id))
}

func TestEvaluateRoundTrip(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	for _, literal := range []string{
		`{"a":[1,2.5,"s",true,null],"b":{"c":"d","e":[]}}`,
		`[{"nested":[[1],[2,[3]]]}]`,
		`"unicode é 😀 and \"quotes\""`,
		`-3.25`,
		`0`,
		`true`,
		`null`,
		`{}`,
	} {
		res := eval(t, r, id, "("+literal+")")
		require.False(t, res.Failed, literal)
		assert.JSONEq(t, literal, res.JSON)
	}
}

func TestEvaluateInterrupted(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := r.Evaluate(ctx, id, "for (;;) {}")
	require.True(t, res.Failed)
	assert.True(t, strings.HasPrefix(res.Error, "interrupted: "), res.Error)

	assert.Equal(t, "7", eval(t, r, id, "3+4").JSON)
}

func TestTruncation(t *testing.T) {
	r := newTestRegistry(t, Options{MaxErrorBytes: 64})
	id := mustCreate(t, r)

	for _, source := range []string{
		`throw "x".repeat(1000)`,
		`throw "é".repeat(500)`,
		`throw '"'.repeat(500)`,
	} {
		res := eval(t, r, id, source)
		require.True(t, res.Failed)

		text := res.String()
		assert.LessOrEqual(t, len(text), 64, source)
		assert.True(t, utf8.ValidString(text), source)

		var env map[string]string
		require.NoError(t, json.Unmarshal([]byte(text), &env), source)
		assert.NotEmpty(t, env["error"], source)
	}
}

func TestTruncationFloor(t *testing.T) {
	r := newTestRegistry(t, Options{MaxErrorBytes: 8})
	id := mustCreate(t, r)

	res := eval(t, r, id, `throw "boom"`)
	require.True(t, res.Failed)
	assert.Equal(t, `{"error":""}`, res.String())
	assert.LessOrEqual(t, len(res.String()), r.opts.MaxErrorBytes)
	assert.Equal(t, MinErrorBytes, r.opts.MaxErrorBytes)
}

func TestTruncateMessage(t *testing.T) {
	assert.Equal(t, "short", truncateMessage("short", 2048))
	assert.Equal(t, "unbounded", truncateMessage("unbounded", 0))

	msg := truncateMessage(strings.Repeat("ab", 100), 20)
	assert.Equal(t, `{"error":"abababab"}`, envelope(msg))
}

func TestCreateInstallsNamespace(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	assert.Equal(t, `"object"`, eval(t, r, id, "typeof env").JSON)
	assert.Equal(t, `{}`, eval(t, r, id, "env").JSON)
}

func TestCreateIdentifiers(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := mustCreate(t, r)
	b := mustCreate(t, r)
	assert.Equal(t, "qjs-ctx-1", a)
	assert.Equal(t, "qjs-ctx-2", b)

	r.Dispose(a)
	c := mustCreate(t, r)
	assert.Equal(t, "qjs-ctx-3", c)
	assert.True(t, eval(t, r, a, "1").NotFound)
}

func TestCreateCustomPrefix(t *testing.T) {
	r := newTestRegistry(t, Options{IDPrefix: "ctx/"})
	assert.Equal(t, "ctx/1", mustCreate(t, r))
}

func TestCapacity(t *testing.T) {
	r := newTestRegistry(t, Options{})
	require.Equal(t, DefaultCapacity, r.Capacity())

	seen := make(map[string]bool)
	var ids []string
	for i := 0; i < DefaultCapacity; i++ {
		id := mustCreate(t, r)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		ids = append(ids, id)
	}

	before := testutil.ToFloat64(contextCreateFailuresTotal.WithLabelValues(reasonCapacity))
	id, err := r.Create(context.Background())
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Empty(t, id)
	assert.Equal(t, before+1, testutil.ToFloat64(contextCreateFailuresTotal.WithLabelValues(reasonCapacity)))

	assert.Equal(t, DefaultCapacity, r.Len())
	for i, id := range ids {
		res := eval(t, r, id, fmt.Sprintf("globalThis.n = %d; n + 1", i))
		require.Equal(t, fmt.Sprint(i+1), res.JSON, id)
	}

	r.Dispose(ids[5])
	mustCreate(t, r)
}

func TestCreateFailureRegistersNothing(t *testing.T) {
	cause := errors.New("out of memory")
	engines := script.NewRegistry()
	engines.Register(script.DefaultEngine, func(script.Options) (script.Engine, error) {
		return nil, cause
	}, script.Capabilities{})
	r := newTestRegistryWith(t, Options{}, engines, nil)

	id, err := r.Create(context.Background())
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Live())
}

func TestCreateNilEngine(t *testing.T) {
	engines := script.NewRegistry()
	engines.Register(script.DefaultEngine, func(script.Options) (script.Engine, error) {
		return nil, nil
	}, script.Capabilities{})
	r := newTestRegistryWith(t, Options{}, engines, nil)

	_, err := r.Create(context.Background())
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 0, r.Len())
}

func TestCreateNamespaceFailureClosesEngine(t *testing.T) {
	closed := false
	engines := engineWrapping(func(e script.Engine) script.Engine {
		return failingGlobal{Engine: e, closed: &closed}
	})
	r := newTestRegistryWith(t, Options{}, engines, nil)

	_, err := r.Create(context.Background())
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.True(t, closed)
	assert.Equal(t, 0, r.Len())
}

func TestNewUnknownEngine(t *testing.T) {
	_, err := New(Options{Engine: "v8"}, script.DefaultRegistry(), nil, testLogger())
	assert.ErrorIs(t, err, script.ErrEngineNotRegistered)
}

func TestDispose(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)
	require.True(t, r.IsLive(id))

	r.Dispose(id)
	assert.False(t, r.IsLive(id))
	assert.Equal(t, 0, r.Len())

	res := eval(t, r, id, "1")
	assert.Equal(t, eval(t, r, "never-created", "1"), res)

	r.Dispose(id)
	r.Dispose("never-created")
	assert.Equal(t, 0, r.Len())
}

func TestIsolation(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a := mustCreate(t, r)
	b := mustCreate(t, r)

	eval(t, r, a, "globalThis.x = 41;")
	assert.Equal(t, "42", eval(t, r, a, "x + 1").JSON)

	res := eval(t, r, b, "x + 1")
	assert.True(t, res.Failed)
	assert.Contains(t, res.Error, "ReferenceError")
}

func TestDrainPromiseContinuation(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	eval(t, r, id, "globalThis.hit = false; Promise.resolve().then(() => { hit = true })")
	r.Drain(context.Background(), id)
	assert.Equal(t, "true", eval(t, r, id, "hit").JSON)

	assert.Equal(t, 0, r.Drain(context.Background(), id))
}

func TestDrainRunsQueuedJobs(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	eval(t, r, id, `
		globalThis.log = [];
		queueMicrotask(() => log.push("a"));
		setTimeout(() => { log.push("b"); queueMicrotask(() => log.push("c")) }, 0);
	`)
	assert.Equal(t, `[]`, eval(t, r, id, "log").JSON)

	before := testutil.ToFloat64(jobsRunTotal)
	assert.Equal(t, 3, r.Drain(context.Background(), id))
	assert.Equal(t, before+3, testutil.ToFloat64(jobsRunTotal))
	assert.Equal(t, `["a","b","c"]`, eval(t, r, id, "log").JSON)
	assert.Equal(t, 0, r.Drain(context.Background(), id))
}

func TestDrainStopsOnJobError(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	eval(t, r, id, `
		globalThis.ran = 0;
		queueMicrotask(() => { ran++ });
		queueMicrotask(() => { throw new Error("job failed") });
		queueMicrotask(() => { ran++ });
	`)

	assert.Equal(t, 1, r.Drain(context.Background(), id))
	assert.Equal(t, 1, r.Drain(context.Background(), id))
	assert.Equal(t, "2", eval(t, r, id, "ran").JSON)
}

func TestDrainLeavesFutureTimers(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	eval(t, r, id, `globalThis.fired = false; setTimeout(() => { fired = true }, 86400000)`)

	start := time.Now()
	assert.Equal(t, 0, r.Drain(context.Background(), id))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "false", eval(t, r, id, "fired").JSON)

	wait, ok := r.NextJob(id)
	require.True(t, ok)
	assert.Greater(t, wait, 23*time.Hour)

	_, ok = r.NextJob("qjs-ctx-99")
	assert.False(t, ok)
}

func TestDisposeWithPendingTimer(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	eval(t, r, id, `setTimeout(() => {}, 86400000)`)

	drained := make(chan int)
	go func() { drained <- r.Drain(context.Background(), id) }()

	start := time.Now()
	r.Dispose(id)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, r.IsLive(id))

	select {
	case n := <-drained:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("Drain still blocked after Dispose")
	}

	_, ok := r.NextJob(id)
	assert.False(t, ok)
}

func TestDrainUnknownContext(t *testing.T) {
	r := newTestRegistry(t, Options{})
	assert.Equal(t, 0, r.Drain(context.Background(), "qjs-ctx-99"))
}

func TestResolveSettlesAndDrains(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	eval(t, r, id, `
		globalThis.out = null;
		new Promise(resolve => { globalThis.settle = resolve })
			.then(v => new Promise(next => setTimeout(() => next(v * 2), 0)))
			.then(v => { out = v });
	`)

	r.Resolve(context.Background(), id, "settle(21)")
	assert.Equal(t, "42", eval(t, r, id, "out").JSON)
}

func TestResolveDiscardsException(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	eval(t, r, id, "globalThis.later = false; setTimeout(() => { later = true }, 0)")
	r.Resolve(context.Background(), id, `throw new Error("ignored")`)

	assert.Equal(t, "true", eval(t, r, id, "later").JSON)
	assert.Equal(t, 0, liveValues(t, r, id))

	r.Resolve(context.Background(), "qjs-ctx-404", "1")
}

func TestConsoleBroadcast(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	ch, unsubscribe := r.Broker().Subscribe(id)
	defer unsubscribe()

	eval(t, r, id, `console.log("hello", {n: 1}); console.warn("careful")`)

	require.Len(t, ch, 2)
	assert.Equal(t, ConsoleEvent{Seq: 0, Level: "log", Line: `hello {"n":1}`}, <-ch)
	assert.Equal(t, ConsoleEvent{Seq: 1, Level: "warn", Line: "careful"}, <-ch)

	r.Dispose(id)
	_, open := <-ch
	assert.False(t, open)
}

func TestClose(t *testing.T) {
	r, err := New(Options{Capacity: 4}, script.DefaultRegistry(), nil, testLogger())
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, mustCreate(t, r))
	}

	require.NoError(t, r.Close())
	assert.Equal(t, 0, r.Len())
	for _, id := range ids {
		assert.True(t, eval(t, r, id, "1").NotFound)
	}

	_, err = r.Create(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, r.Close())
}

func TestLive(t *testing.T) {
	r := newTestRegistry(t, Options{Capacity: 3})
	a := mustCreate(t, r)
	b := mustCreate(t, r)
	r.Dispose(a)

	live := r.Live()
	require.Len(t, live, 1)
	assert.Equal(t, b, live[0].ID)
	assert.False(t, live[0].CreatedAt.IsZero())
}

func TestConcurrentContexts(t *testing.T) {
	r := newTestRegistry(t, Options{Capacity: 8})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Go(func() {
			for i := 0; i < 10; i++ {
				id, err := r.Create(context.Background())
				if err != nil {
					t.Errorf("Create: %v", err)
					return
				}
				res := r.Evaluate(context.Background(), id, fmt.Sprintf("globalThis.v = %d; v * 2", i))
				if res.JSON != fmt.Sprint(i*2) {
					t.Errorf("Evaluate(%s) = %q, want %d", id, res.String(), i*2)
				}
				r.Drain(context.Background(), id)
				r.Dispose(id)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}

func TestDisposeWaitsForEvaluation(t *testing.T) {
	r := newTestRegistry(t, Options{})
	id := mustCreate(t, r)

	done := make(chan Result)
	go func() {
		done <- r.Evaluate(context.Background(), id, `
			const until = Date.now() + 100;
			while (Date.now() < until) {}
			"finished"
		`)
	}()

	// Give the evaluation time to take the slot.
	time.Sleep(20 * time.Millisecond)
	r.Dispose(id)

	res := <-done
	assert.Equal(t, `"finished"`, res.JSON)
	assert.False(t, r.IsLive(id))
}

type recordingJournal struct {
	mu        sync.Mutex
	created   []*model.ContextRecord
	disposed  []string
	evals     []*model.Evaluation
	console   []*model.ConsoleLine
	failWrite bool
}

func (j *recordingJournal) CreateContext(_ context.Context, rec *model.ContextRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failWrite {
		return errors.New("disk full")
	}
	j.created = append(j.created, rec)
	return nil
}

func (j *recordingJournal) MarkContextDisposed(_ context.Context, _, contextID string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failWrite {
		return errors.New("disk full")
	}
	j.disposed = append(j.disposed, contextID)
	return nil
}

func (j *recordingJournal) InsertEvaluation(_ context.Context, ev *model.Evaluation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failWrite {
		return errors.New("disk full")
	}
	j.evals = append(j.evals, ev)
	return nil
}

func (j *recordingJournal) InsertConsoleLine(_ context.Context, line *model.ConsoleLine) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failWrite {
		return errors.New("disk full")
	}
	j.console = append(j.console, line)
	return nil
}

func TestJournal(t *testing.T) {
	j := &recordingJournal{}
	r := newTestRegistryWith(t, Options{}, script.DefaultRegistry(), j)

	id := mustCreate(t, r)
	eval(t, r, id, `console.log("hi"); 1+1`)
	eval(t, r, id, `throw "boom"`)
	r.Resolve(context.Background(), id, "null")
	r.Dispose(id)

	require.Len(t, j.created, 1)
	assert.Equal(t, id, j.created[0].ContextID)
	assert.Equal(t, r.Session(), j.created[0].Session)
	assert.Equal(t, model.StatusLive, j.created[0].Status)

	require.Len(t, j.evals, 3)
	assert.Equal(t, model.OutcomeValue, j.evals[0].Outcome)
	assert.Equal(t, "2", j.evals[0].Result)
	assert.Equal(t, model.OutcomeException, j.evals[1].Outcome)
	assert.Equal(t, `{"error":"boom"}`, j.evals[1].Result)
	assert.Equal(t, model.KindResolve, j.evals[2].Kind)

	require.Len(t, j.console, 1)
	assert.Equal(t, "hi", j.console[0].Line)
	assert.Equal(t, []string{id}, j.disposed)
}

func TestJournalFailureDoesNotChangeResults(t *testing.T) {
	j := &recordingJournal{failWrite: true}
	r := newTestRegistryWith(t, Options{}, script.DefaultRegistry(), j)

	id := mustCreate(t, r)
	assert.Equal(t, "2", eval(t, r, id, "1+1").JSON)
	r.Dispose(id)
	assert.False(t, r.IsLive(id))
}
