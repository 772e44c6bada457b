// Package tlslink implements the secure-tunnel-over-stream adapter:
// TLS on top of TCP, classified exactly like TCP (reliable, stream)
// since the tunnel changes confidentiality, not transport semantics.
package tlslink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/transport"
)

// Scheme is the endpoint scheme served by this adapter.
const Scheme = "tls"

// Options tunes the adapter. CertFile/KeyFile are required for
// listening; CAFile overrides the system roots for dialing.
type Options struct {
	MTU        int
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
	// Insecure skips peer certificate verification. Test rigs only.
	Insecure bool
}

func (o Options) mtu() int {
	if o.MTU <= 0 {
		return 65535
	}
	return o.MTU
}

func (o Options) clientConfig(ep endpoint.Endpoint) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: o.Insecure,
	}
	cfg.ServerName = ep.Meta("servername", o.ServerName)
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(ep.Address)
		if err == nil {
			cfg.ServerName = host
		}
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

func (o Options) serverConfig() (*tls.Config, error) {
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls listener requires cert_file and key_file")
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// Dialer opens outbound TLS links.
type Dialer struct {
	opts Options
}

// NewDialer returns a TLS dialer.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

func (d *Dialer) Scheme() string { return Scheme }

// Dial connects and completes the TLS handshake before returning.
func (d *Dialer) Dial(ctx context.Context, ep endpoint.Endpoint) (link.Link, error) {
	cfg, err := d.opts.clientConfig(ep)
	if err != nil {
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	td := &tls.Dialer{Config: cfg}
	conn, err := td.DialContext(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	return wrap(conn, d.opts.mtu()), nil
}

// Factory opens TLS listeners.
type Factory struct {
	opts Options
}

// NewFactory returns a TLS listener factory.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Scheme() string { return Scheme }

// Listen binds ep with the configured server certificate.
func (f *Factory) Listen(ctx context.Context, ep endpoint.Endpoint) (link.Listener, error) {
	cfg, err := f.opts.serverConfig()
	if err != nil {
		return nil, &transport.LinkError{Op: "listen", Endpoint: ep.String(), Err: err}
	}
	var lc net.ListenConfig
	nl, err := lc.Listen(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, &transport.LinkError{Op: "listen", Endpoint: ep.String(), Err: err}
	}
	return &listener{nl: tls.NewListener(nl, cfg), mtu: f.opts.mtu()}, nil
}

type listener struct {
	nl  net.Listener
	mtu int
}

func (l *listener) Endpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: l.nl.Addr().String()}
}

func (l *listener) Accept(ctx context.Context) (link.Link, error) {
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
