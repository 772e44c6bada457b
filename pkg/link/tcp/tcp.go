// Package tcp implements the stream-socket link adapter.
package tcp

import (
	"context"
	"errors"
	"net"

	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/transport"
)

// Scheme is the endpoint scheme served by this adapter.
const Scheme = "tcp"

// Options tunes the adapter.
type Options struct {
	// MTU is the soft batch limit for the byte-oriented stream.
	MTU int
}

func (o Options) mtu() int {
	if o.MTU <= 0 {
		return 65535
	}
	return o.MTU
}

// Dialer opens outbound TCP links.
type Dialer struct {
	opts Options
}

// NewDialer returns a TCP dialer.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

func (d *Dialer) Scheme() string { return Scheme }

// Dial connects to ep and wraps the connection as a stream link.
func (d *Dialer) Dial(ctx context.Context, ep endpoint.Endpoint) (link.Link, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return wrap(conn, d.opts.mtu()), nil
}

// Factory opens TCP listeners.
type Factory struct {
	opts Options
}

// NewFactory returns a TCP listener factory.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Scheme() string { return Scheme }

// Listen binds ep and yields inbound links.
func (f *Factory) Listen(ctx context.Context, ep endpoint.Endpoint) (link.Listener, error) {
	var lc net.ListenConfig
	nl, err := lc.Listen(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, &transport.LinkError{Op: "listen", Endpoint: ep.String(), Err: err}
	}
	return &listener{nl: nl, mtu: f.opts.mtu()}, nil
}

type listener struct {
	nl  net.Listener
	mtu int
}

func (l *listener) Endpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: l.nl.Addr().String()}
}

func (l *listener) Accept(ctx context.Context) (link.Link, error) {
	// net.Listener has no context-aware accept; closing the listener
	// from the watcher below unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.nl.Close()
		case <-done:
		}
	}()

	conn, err := l.nl.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, link.ErrClosed
		}
		return nil, &transport.LinkError{Op: "accept", Endpoint: l.Endpoint().String(), Err: err}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return wrap(conn, l.mtu), nil
}

func (l *listener) Close() error { return l.nl.Close() }

func wrap(conn net.Conn, mtu int) link.Link {
	local := endpoint.Endpoint{Scheme: Scheme, Address: conn.LocalAddr().String()}
	remote := endpoint.Endpoint{Scheme: Scheme, Address: conn.RemoteAddr().String()}
	return link.NewStreamLink(conn, local, remote, mtu)
}

var _ link.Dialer = (*Dialer)(nil)
var _ link.ListenerFactory = (*Factory)(nil)
