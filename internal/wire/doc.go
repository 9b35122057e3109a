// Package wire exposes a bridge registry over a stream connection using
// length-prefixed JSON frames. It serves the same operations as the HTTP
// surface to hosts that talk over a socket, including an AF_VSOCK port
// inside a microVM.
package wire
