package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/jsbridge/internal/script"
)

// Defaults and limits for Options.
const (
	DefaultCapacity      = 32
	DefaultMaxErrorBytes = 2048
	DefaultIDPrefix      = "qjs-ctx-"

	// MinErrorBytes is the size of an envelope with an empty message.
	MinErrorBytes = len(`{"error":""}`)
)

// NamespaceGlobal is the global object installed in every context for
// host functions.
const NamespaceGlobal = "env"

// Errors returned by the registry.
var (
	ErrCapacityExceeded = errors.New("context capacity exceeded")
	ErrNotFound         = errors.New("context not found")
	ErrInvalidName      = errors.New("invalid host function name")
	ErrInvalidResult    = errors.New("host call result is not valid JSON")
	ErrClosed           = errors.New("registry is closed")
)

// Options configure a Registry.
type Options struct {
	// Capacity is the number of contexts that may be live at once.
	Capacity int
	// Engine names the script engine factory used for new contexts.
	Engine string
	// MaxErrorBytes bounds the rendered error envelope. Zero disables
	// truncation; positive values below MinErrorBytes are raised to it.
	MaxErrorBytes int
	// IDPrefix is prepended to the counter to form context identifiers.
	IDPrefix string
}

func (o *Options) setDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.Engine == "" {
		o.Engine = script.DefaultEngine
	}
	switch {
	case o.MaxErrorBytes < 0:
		o.MaxErrorBytes = 0
	case o.MaxErrorBytes > 0 && o.MaxErrorBytes < MinErrorBytes:
		o.MaxErrorBytes = MinErrorBytes
	}
	if o.IDPrefix == "" {
		o.IDPrefix = DefaultIDPrefix
	}
}

// ContextInfo describes a live context.
type ContextInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// slot owns one engine. id and live change only while both Registry.mu
// and slot.mu are held, so either lock is enough to read them.
type slot struct {
	mu sync.Mutex

	id        string
	live      bool
	engine    script.Engine
	createdAt time.Time

	// Guarded by mu alone.
	consoleSeq int
	hostBridge bool
	hostNames  []string
}

// Registry is a fixed-capacity table of script contexts. It is safe for
// concurrent use; operations against one identifier are serialized.
type Registry struct {
	mu      sync.Mutex
	slots   []*slot
	counter uint64
	live    int
	closed  bool

	opts    Options
	factory script.Factory
	journal Journal
	broker  *ConsoleBroker
	logger  *slog.Logger
	session string
}

// New creates a registry using the engine named in opts. journal may be nil.
func New(opts Options, engines *script.Registry, journal Journal, logger *slog.Logger) (*Registry, error) {
	opts.setDefaults()

	factory, err := engines.Resolve(opts.Engine)
	if err != nil {
		return nil, err
	}

	slots := make([]*slot, opts.Capacity)
	for i := range slots {
		slots[i] = &slot{}
	}

	return &Registry{
		slots:   slots,
		opts:    opts,
		factory: factory,
		journal: journal,
		broker:  NewConsoleBroker(),
		logger:  logger,
		session: uuid.NewString(),
	}, nil
}

// Session identifies this registry instance in the journal. Context
// identifiers are only unique within a session.
func (r *Registry) Session() string {
	return r.session
}

// Broker returns the console broker for SSE and wire subscribers.
func (r *Registry) Broker() *ConsoleBroker {
	return r.broker
}

// Capacity returns the configured slot count.
func (r *Registry) Capacity() int {
	return r.opts.Capacity
}

// Engine returns the configured engine name.
func (r *Registry) Engine() string {
	return r.opts.Engine
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Live lists the live contexts in slot order.
func (r *Registry) Live() []ContextInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ContextInfo, 0, r.live)
	for _, s := range r.slots {
		if s.live {
			infos = append(infos, ContextInfo{ID: s.id, CreatedAt: s.createdAt})
		}
	}
	return infos
}

// IsLive reports whether id names a live context.
func (r *Registry) IsLive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(id) != nil
}

// lookup scans for the live slot holding id. Callers hold r.mu.
func (r *Registry) lookup(id string) *slot {
	if id == "" {
		return nil
	}
	for _, s := range r.slots {
		if s.live && s.id == id {
			return s
		}
	}
	return nil
}

// acquire returns the slot for id with its mutex held, or nil. The slot is
// re-checked after locking because a dispose may have won the race.
func (r *Registry) acquire(id string) *slot {
	r.mu.Lock()
	s := r.lookup(id)
	r.mu.Unlock()
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if !s.live || s.id != id {
		s.mu.Unlock()
		return nil
	}
	return s
}

// Create allocates a new context and returns its identifier. When every
// slot is live it fails with ErrCapacityExceeded without creating an
// engine. An engine that cannot be built or prepared is closed and the
// failure is reported as ErrCapacityExceeded wrapping the cause; no slot
// is claimed in either case.
func (r *Registry) Create(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		contextCreateFailuresTotal.WithLabelValues(reasonClosed).Inc()
		return "", ErrClosed
	}

	var free *slot
	for _, s := range r.slots {
		if !s.live {
			free = s
			break
		}
	}
	if free == nil {
		contextCreateFailuresTotal.WithLabelValues(reasonCapacity).Inc()
		return "", ErrCapacityExceeded
	}

	// The identifier is fixed before the engine exists so the console
	// callback can name its topic.
	id := r.opts.IDPrefix + strconv.FormatUint(r.counter+1, 10)

	engine, err := r.newEngine(ctx, id, free)
	if err != nil {
		contextCreateFailuresTotal.WithLabelValues(reasonEngine).Inc()
		r.logger.Warn("context create failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}

	r.counter++
	now := time.Now()

	free.mu.Lock()
	free.id = id
	free.live = true
	free.engine = engine
	free.createdAt = now
	free.consoleSeq = 0
	free.hostBridge = false
	free.hostNames = nil
	free.mu.Unlock()

	r.live++
	contextsActive.Inc()
	contextsCreatedTotal.Inc()
	r.logger.Info("context created", "context_id", id, "engine", r.opts.Engine, "live", r.live)

	r.journalCreate(id, now)
	return id, nil
}

// newEngine builds an engine and installs the env namespace. On any
// failure the engine is closed before returning.
func (r *Registry) newEngine(ctx context.Context, id string, s *slot) (script.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	engine, err := r.factory(script.Options{
		Console: func(level, line string) { r.console(id, s, level, line) },
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	if engine == nil {
		return nil, errors.New("create engine: factory returned no engine")
	}

	env := engine.NewObject()
	if env.IsZero() {
		engine.Close()
		return nil, errors.New("create namespace object")
	}
	err = engine.SetGlobal(NamespaceGlobal, env)
	if relErr := engine.Release(env); err == nil {
		err = relErr
	}
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("install %s namespace: %w", NamespaceGlobal, err)
	}

	return engine, nil
}

// console receives a line from script code. It runs on the goroutine
// evaluating in s, which holds s.mu.
func (r *Registry) console(id string, s *slot, level, line string) {
	ev := ConsoleEvent{Seq: s.consoleSeq, Level: level, Line: line}
	s.consoleSeq++
	r.broker.Publish(id, ev)
	r.journalConsole(id, ev)
}

// Dispose destroys the context named by id. Unknown identifiers are
// ignored. An operation in flight on the same context finishes first.
func (r *Registry) Dispose(id string) {
	if _, err := r.dispose(id); err != nil {
		r.logger.Warn("engine close failed", "context_id", id, "error", err)
	}
}

func (r *Registry) dispose(id string) (bool, error) {
	s := r.acquire(id)
	if s == nil {
		return false, nil
	}
	defer s.mu.Unlock()

	err := s.engine.Close()

	r.mu.Lock()
	s.live = false
	s.id = ""
	r.live--
	r.mu.Unlock()

	s.engine = nil
	s.hostBridge = false
	s.hostNames = nil

	contextsActive.Dec()
	r.broker.Close(id)
	r.logger.Info("context disposed", "context_id", id)
	r.journalDispose(id)
	return true, err
}

// Close disposes every live context and rejects further creates.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, r.live)
	for _, s := range r.slots {
		if s.live {
			ids = append(ids, s.id)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if _, err := r.dispose(id); err != nil {
				return fmt.Errorf("dispose %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
