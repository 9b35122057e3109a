package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/jsbridge/internal/bridge"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// LogFunc receives console output produced while a request is served.
type LogFunc func(level, line string)

// Client is a connection to a wire server. Requests are serialized.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader io.Reader // buffered reader preserving any bytes read ahead during handshake
}

// Dial connects to a wire server, retrying with exponential backoff.
//
// Addresses by network: unix takes a socket path, tcp a host:port, vsock
// "<cid>:<port>", firecracker "<uds path>:<port>".
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", network, ctx.Err())
		default:
		}

		c, err := dial(ctx, network, addr)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial %s: %w", network, ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		// Set overall deadline from context if present.
		if deadline, ok := ctx.Deadline(); ok {
			if err := c.conn.SetDeadline(deadline); err != nil {
				c.conn.Close()
				return nil, fmt.Errorf("set deadline: %w", err)
			}
		}

		return c, nil
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %w", network, dialMaxRetries, lastErr)
}

func dial(ctx context.Context, network, addr string) (*Client, error) {
	switch network {
	case NetworkUnix, NetworkTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &Client{conn: conn, reader: conn}, nil

	case NetworkVsock:
		cid, port, err := splitPort(addr)
		if err != nil {
			return nil, err
		}
		contextID, err := strconv.ParseUint(cid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid cid %q: %w", cid, err)
		}
		conn, err := vsock.Dial(uint32(contextID), port, nil)
		if err != nil {
			return nil, err
		}
		return &Client{conn: conn, reader: conn}, nil

	case NetworkFirecracker:
		udsPath, port, err := splitPort(addr)
		if err != nil {
			return nil, err
		}
		return dialVsockUDS(ctx, udsPath, port)

	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

func splitPort(addr string) (string, uint32, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("address %q has no port", addr)
	}
	port, err := parsePort(addr[i+1:])
	if err != nil {
		return "", 0, err
	}
	return addr[:i], port, nil
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT handshake.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*Client, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all subsequent reads; it may have read
	// past the handshake line.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &Client{conn: conn, reader: reader}, nil
}

// Do sends req and reads log frames until the result. Each log line is
// passed to logf, which may be nil.
func (c *Client) Do(req Request, logf LogFunc) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteMessage(c.conn, &req); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	return c.readMessages(logf)
}

// readMessages reads Message frames until the result frame.
func (c *Client) readMessages(logf LogFunc) (Response, error) {
	for {
		var msg Message
		if err := ReadMessage(c.reader, &msg); err != nil {
			return Response{}, fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if logf != nil {
				logf(msg.Level, msg.Line)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return Response{}, errors.New("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return Response{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// call runs req and turns a server-side error into a Go error.
func (c *Client) call(req Request, logf LogFunc) (Response, error) {
	resp, err := c.Do(req, logf)
	if err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s: %s", req.Op, resp.Error)
	}
	return resp, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping() error {
	_, err := c.call(Request{Op: OpPing}, nil)
	return err
}

// Create allocates a context and returns its identifier.
func (c *Client) Create() (string, error) {
	resp, err := c.call(Request{Op: OpCreate}, nil)
	return resp.ContextID, err
}

// Eval evaluates code and returns the result text, which is the error
// envelope when evaluation failed.
func (c *Client) Eval(id, code string, logf LogFunc) (Response, error) {
	return c.call(Request{Op: OpEval, ContextID: id, Code: code}, logf)
}

// Dispose destroys a context. Unknown identifiers are ignored.
func (c *Client) Dispose(id string) error {
	_, err := c.call(Request{Op: OpDispose, ContextID: id}, nil)
	return err
}

// Drain runs pending jobs and returns how many ran.
func (c *Client) Drain(id string, logf LogFunc) (int, error) {
	resp, err := c.call(Request{Op: OpDrain, ContextID: id}, logf)
	return resp.Jobs, err
}

// Resolve runs settlement code and drains the context.
func (c *Client) Resolve(id, code string, logf LogFunc) error {
	_, err := c.call(Request{Op: OpResolve, ContextID: id, Code: code}, logf)
	return err
}

// RegisterHostFunction exposes env.<name> in the context.
func (c *Client) RegisterHostFunction(id, name string) error {
	_, err := c.call(Request{Op: OpRegister, ContextID: id, Name: name}, nil)
	return err
}

// PendingHostCalls removes and returns queued host calls.
func (c *Client) PendingHostCalls(id string) ([]bridge.HostCall, error) {
	resp, err := c.call(Request{Op: OpHostCalls, ContextID: id}, nil)
	return resp.Calls, err
}

// ResolveHostCall settles a host call with a JSON result.
func (c *Client) ResolveHostCall(id, callID string, result json.RawMessage, logf LogFunc) error {
	_, err := c.call(Request{Op: OpResolveCall, ContextID: id, CallID: callID, Result: result}, logf)
	return err
}

// RejectHostCall settles a host call with an error message.
func (c *Client) RejectHostCall(id, callID, message string, logf LogFunc) error {
	_, err := c.call(Request{Op: OpRejectCall, ContextID: id, CallID: callID, Message: message}, logf)
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
