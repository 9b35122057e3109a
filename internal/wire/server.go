package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/jsbridge/internal/bridge"
)

// Server serves bridge operations on accepted connections. Requests on one
// connection are handled in order; connections are handled concurrently.
type Server struct {
	registry *bridge.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server for registry.
func NewServer(registry *bridge.Registry, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// On return the listener and every open connection are closed and all
// handlers have finished.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	defer s.wg.Wait()
	defer s.closeConns()

	s.logger.Info("wire server listening", "network", l.Addr().Network(), "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.track(conn)
		s.wg.Go(func() {
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
		})
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		conn.Close()
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
}

// handleConnection reads requests from conn until the peer hangs up.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("read request", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		if err := s.serveRequest(ctx, conn, &req); err != nil {
			s.logger.Warn("write response", "op", req.Op, "error", err)
			return
		}
	}
}

// serveRequest runs one request and writes its log frames followed by the
// result frame. Console output is collected while the operation runs.
func (s *Server) serveRequest(ctx context.Context, w io.Writer, req *Request) error {
	var (
		events <-chan bridge.ConsoleEvent
		unsub  = func() {}
	)
	if s.registry.IsLive(req.ContextID) {
		events, unsub = s.registry.Broker().Subscribe(req.ContextID)
	}

	resp := s.dispatch(ctx, req)
	unsub()

	if events != nil {
		for ev := range events {
			msg := Message{Type: MsgTypeLog, Level: ev.Level, Line: ev.Line}
			if err := WriteMessage(w, &msg); err != nil {
				return err
			}
		}
	}

	return WriteMessage(w, &Message{Type: MsgTypeResult, Response: &resp})
}

// dispatch maps a request onto the registry.
func (s *Server) dispatch(ctx context.Context, req *Request) Response {
	reg := s.registry

	switch req.Op {
	case OpPing:
		return Response{Text: "pong"}

	case OpCreate:
		id, err := reg.Create(ctx)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{ContextID: id}

	case OpEval:
		res := reg.Evaluate(ctx, req.ContextID, req.Code)
		return Response{Text: res.String(), Failed: res.Failed, NotFound: res.NotFound}

	case OpDispose:
		reg.Dispose(req.ContextID)
		return Response{}

	case OpDrain:
		return Response{Jobs: reg.Drain(ctx, req.ContextID)}

	case OpResolve:
		reg.Resolve(ctx, req.ContextID, req.Code)
		return Response{}

	case OpRegister:
		if err := reg.RegisterHostFunction(ctx, req.ContextID, req.Name); err != nil {
			return errorResponse(err)
		}
		return Response{}

	case OpHostCalls:
		calls, err := reg.PendingHostCalls(ctx, req.ContextID)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Calls: calls}

	case OpResolveCall:
		result := string(req.Result)
		if result == "" {
			result = bridge.NullJSON
		}
		if err := reg.ResolveHostCall(ctx, req.ContextID, req.CallID, result); err != nil {
			return errorResponse(err)
		}
		return Response{}

	case OpRejectCall:
		reg.RejectHostCall(ctx, req.ContextID, req.CallID, req.Message)
		return Response{}

	default:
		return Response{Error: fmt.Sprintf("unknown op: %q", req.Op)}
	}
}

func errorResponse(err error) Response {
	return Response{Error: err.Error(), NotFound: errors.Is(err, bridge.ErrNotFound)}
}
