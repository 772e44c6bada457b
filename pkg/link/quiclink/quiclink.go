// Package quiclink implements the QUIC link adapter. Each link maps to
// one QUIC connection carrying a single bidirectional stream, so the
// session layer sees the same reliable, byte-oriented contract as TCP
// while gaining QUIC's connection migration and built-in encryption.
package quiclink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/quic-go/quic-go"

	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/transport"
)

// Scheme is the endpoint scheme served by this adapter.
const Scheme = "quic"

const alpnProtocol = "weft"

// Options tunes the adapter.
type Options struct {
	MTU      int
	CertFile string
	KeyFile  string
	CAFile   string
	// Insecure skips peer certificate verification. Test rigs only.
	Insecure bool
}

func (o Options) mtu() int {
	if o.MTU <= 0 {
		return 65535
	}
	return o.MTU
}

func (o Options) clientTLS() (*tls.Config, error) {
	cfg := &tls.Config{
		NextProtos:         []string{alpnProtocol},
		InsecureSkipVerify: o.Insecure,
	}
	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates found", o.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (o Options) serverTLS() (*tls.Config, error) {
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("quic listener requires cert_file and key_file")
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	return &tls.Config{
		NextProtos:   []string{alpnProtocol},
		Certificates: []tls.Certificate{cert},
	}, nil
}

// Dialer opens outbound QUIC links.
type Dialer struct {
	opts Options
}

// NewDialer returns a QUIC dialer.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

func (d *Dialer) Scheme() string { return Scheme }

// Dial opens a connection to ep and its single link stream.
func (d *Dialer) Dial(ctx context.Context, ep endpoint.Endpoint) (link.Link, error) {
	tlsConf, err := d.opts.clientTLS()
	if err != nil {
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	conn, err := quic.DialAddr(ctx, ep.Address, tlsConf, nil)
	if err != nil {
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	return wrap(conn, stream, d.opts.mtu()), nil
}

// Factory opens QUIC listeners.
type Factory struct {
	opts Options
}

// NewFactory returns a QUIC listener factory.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Scheme() string { return Scheme }

// Listen binds ep with the configured server certificate.
func (f *Factory) Listen(ctx context.Context, ep endpoint.Endpoint) (link.Listener, error) {
	tlsConf, err := f.opts.serverTLS()
	if err != nil {
		return nil, &transport.LinkError{Op: "listen", Endpoint: ep.String(), Err: err}
	}
	ql, err := quic.ListenAddr(ep.Address, tlsConf, nil)
	if err != nil {
		return nil, &transport.LinkError{Op: "listen", Endpoint: ep.String(), Err: err}
	}
	lctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		ql:      ql,
		mtu:     f.opts.mtu(),
		ctx:     lctx,
		cancel:  cancel,
		pending: make(chan link.Link, 16),
	}
	go l.acceptLoop()
	return l, nil
}

type listener struct {
	ql      *quic.Listener
	mtu     int
	ctx     context.Context
	cancel  context.CancelFunc
	pending chan link.Link
}

func (l *listener) Endpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: l.ql.Addr().String()}
}

// acceptLoop takes connections as they arrive and waits for each link
// stream in its own goroutine, so a connection that never opens its
// stream cannot stall the ones behind it.
func (l *listener) acceptLoop() {
	for {
		conn, err := l.ql.Accept(l.ctx)
		if err != nil {
			l.cancel()
			return
		}
		go func(conn quic.Connection) {
			stream, err := conn.AcceptStream(l.ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no link stream")
				return
			}
			select {
			case l.pending <- wrap(conn, stream, l.mtu):
			case <-l.ctx.Done():
				_ = conn.CloseWithError(0, "listener closed")
			}
		}(conn)
	}
}

func (l *listener) Accept(ctx context.Context) (link.Link, error) {
	select {
	case lk := <-l.pending:
		return lk, nil
	case <-l.ctx.Done():
		return nil, link.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	l.cancel()
	return l.ql.Close()
}

// streamConn bundles the link stream with its connection so closing
// the link tears down both.
type streamConn struct {
	quic.Stream
	conn quic.Connection
}

func (c *streamConn) Close() error {
	_ = c.Stream.Close()
	return c.conn.CloseWithError(0, "link closed")
}

func wrap(conn quic.Connection, stream quic.Stream, mtu int) link.Link {
	local := endpoint.Endpoint{Scheme: Scheme, Address: conn.LocalAddr().String()}
	remote := endpoint.Endpoint{Scheme: Scheme, Address: conn.RemoteAddr().String()}
	return link.NewStreamLink(&streamConn{Stream: stream, conn: conn}, local, remote, mtu)
}

var _ link.Dialer = (*Dialer)(nil)
var _ link.ListenerFactory = (*Factory)(nil)
