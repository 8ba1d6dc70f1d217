// Package netio implements the listener/connector (C10): a single TCP
// accept loop plus an outbound dialer, handing completed sockets to the
// handshake path. Grounded directly on lib/torrent/scheduler.go's
// listenLoop and initializeOutgoingHandshake.
package netio

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// dialTimeout is the outbound connect timeout, per §4.10.
const dialTimeout = 30 * time.Second

// Listener accepts inbound TCP connections and hands each to a callback.
type Listener struct {
	ln     net.Listener
	logger *zap.SugaredLogger
}

// Listen opens a TCP listen socket on addr (":<port>" or "<ip>:<port>" to
// restrict to a single local address per §6's listen_ip option). Go's
// net.ListenTCP already sets SO_REUSEADDR on the platforms this runs on.
func Listen(addr string, logger *zap.SugaredLogger) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %s: %s", addr, err)
	}
	return &Listener{ln: ln, logger: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until the listener is closed, invoking handle
// for each in its own goroutine. Returns on the first accept error,
// including the one Close causes; transient accept errors are not retried.
func (l *Listener) Serve(handle func(net.Conn)) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go handle(conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial opens an outbound TCP connection to addr with the fixed §4.10
// timeout.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: dial %s: %s", addr, err)
	}
	return conn, nil
}
