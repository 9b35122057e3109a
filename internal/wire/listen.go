package wire

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/mdlayher/vsock"
)

// Supported networks.
const (
	NetworkUnix  = "unix"
	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
	// NetworkFirecracker dials a guest's vsock port through the unix socket
	// Firecracker exposes on the host. Addresses are "<uds path>:<port>".
	NetworkFirecracker = "firecracker"
)

// Listen opens a listener. For unix a stale socket file is removed first.
// For vsock addr is the port number.
func Listen(network, addr string) (net.Listener, error) {
	switch network {
	case NetworkUnix:
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", addr, err)
		}
		return net.Listen("unix", addr)
	case NetworkTCP:
		return net.Listen("tcp", addr)
	case NetworkVsock:
		port, err := parsePort(addr)
		if err != nil {
			return nil, err
		}
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

func parsePort(s string) (uint32, error) {
	port, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return uint32(port), nil
}
