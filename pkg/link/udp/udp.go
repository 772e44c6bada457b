// Package udp implements the datagram-socket link adapter. One batch
// maps to one datagram; the link is lossy and boundary-preserving.
//
// A listener owns a single socket and demultiplexes inbound traffic by
// source address into per-peer links, the usual server-side UDP
// arrangement.
package udp

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/transport"
)

// Scheme is the endpoint scheme served by this adapter.
const Scheme = "udp"

// maxDatagram is the largest UDP payload the OS can carry.
const maxDatagram = 65507

// Options tunes the adapter.
type Options struct {
	// MTU caps the datagram payload. Defaults to 1472 to stay inside a
	// typical Ethernet MTU and avoid IP fragmentation.
	MTU int

	// AcceptBacklog bounds datagrams queued per peer before the session
	// layer drains them.
	AcceptBacklog int
}

func (o Options) mtu() int {
	switch {
	case o.MTU <= 0:
		return 1472
	case o.MTU > maxDatagram:
		return maxDatagram
	default:
		return o.MTU
	}
}

func (o Options) backlog() int {
	if o.AcceptBacklog <= 0 {
		return 64
	}
	return o.AcceptBacklog
}

// Dialer opens outbound connected-UDP links.
type Dialer struct {
	opts Options
}

// NewDialer returns a UDP dialer.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

func (d *Dialer) Scheme() string { return Scheme }

// Dial opens a connected UDP socket to ep.
func (d *Dialer) Dial(ctx context.Context, ep endpoint.Endpoint) (link.Link, error) {
	raddr, err := net.ResolveUDPAddr("udp", ep.Address)
	if err != nil {
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	return &dialLink{conn: conn, mtu: d.opts.mtu()}, nil
}

// dialLink is a connected-socket link on the dialing side.
type dialLink struct {
	conn      *net.UDPConn
	mtu       int
	closeOnce sync.Once
	closeErr  error
}

func (l *dialLink) Send(b []byte) error {
	if len(b) > l.mtu {
		return link.ErrOversized
	}
	if _, err := l.conn.Write(b); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return link.ErrClosed
		}
		return err
	}
	return nil
}

func (l *dialLink) Recv(buf []byte) (int, error) {
	n, err := l.conn.Read(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, link.ErrClosed
		}
		return 0, err
	}
	return n, nil
}

func (l *dialLink) MTU() int { return l.mtu }
func (l *dialLink) Reliability() link.Reliability { return link.Lossy }
func (l *dialLink) Boundary() link.Boundary { return link.Datagram }

func (l *dialLink) LocalEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: l.conn.LocalAddr().String()}
}

func (l *dialLink) RemoteEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: l.conn.RemoteAddr().String()}
}

func (l *dialLink) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.conn.Close() })
	return l.closeErr
}

// Factory opens UDP listeners.
type Factory struct {
	opts Options
}

// NewFactory returns a UDP listener factory.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Scheme() string { return Scheme }

// Listen binds ep and starts the demultiplexing read loop.
func (f *Factory) Listen(ctx context.Context, ep endpoint.Endpoint) (link.Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", ep.Address)
	if err != nil {
		return nil, &transport.LinkError{Op: "listen", Endpoint: ep.String(), Err: err}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, &transport.LinkError{Op: "listen", Endpoint: ep.String(), Err: err}
	}
	l := &listener{
		conn:    conn,
		opts:    f.opts,
		peers:   make(map[string]*peerLink),
		pending: make(chan *peerLink, f.opts.backlog()),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

type listener struct {
	conn    *net.UDPConn
	opts    Options
	mu      sync.Mutex
	peers   map[string]*peerLink
	pending chan *peerLink
	done    chan struct{}
	once    sync.Once
}

func (l *listener) Endpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: l.conn.LocalAddr().String()}
}

// readLoop fans datagrams out to per-peer links, creating a link on
// first contact from a new source address.
func (l *listener) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			l.closeAllPeers()
			return
		}
		batch := append([]byte(nil), buf[:n]...)

		l.mu.Lock()
		p, ok := l.peers[raddr.String()]
		if !ok {
			p = newPeerLink(l, raddr)
			l.peers[raddr.String()] = p
			select {
			case l.pending <- p:
			default:
				// Accept backlog full: drop the newcomer, not the lock.
				delete(l.peers, raddr.String())
				l.mu.Unlock()
				continue
			}
		}
		l.mu.Unlock()

		select {
		case p.rx <- batch:
		default:
			// Peer queue full. UDP is lossy; dropping here is within
			// the link's contract.
		}
	}
}

func (l *listener) Accept(ctx context.Context) (link.Link, error) {
	select {
	case p := <-l.pending:
		return p, nil
	case <-l.done:
		return nil, link.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

func (l *listener) closeAllPeers() {
	l.mu.Lock()
	peers := make([]*peerLink, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()
	for _, p := range peers {
		_ = p.Close()
	}
}

func (l *listener) removePeer(addr string) {
	l.mu.Lock()
	delete(l.peers, addr)
	l.mu.Unlock()
}

// peerLink is one demultiplexed peer on the listening socket.
type peerLink struct {
	parent *listener
	raddr  *net.UDPAddr
	rx     chan []byte
	done   chan struct{}
	once   sync.Once
}

func newPeerLink(parent *listener, raddr *net.UDPAddr) *peerLink {
	return &peerLink{
		parent: parent,
		raddr:  raddr,
		rx:     make(chan []byte, parent.opts.backlog()),
		done:   make(chan struct{}),
	}
}

func (p *peerLink) Send(b []byte) error {
	if len(b) > p.parent.opts.mtu() {
		return link.ErrOversized
	}
	select {
	case <-p.done:
		return link.ErrClosed
	default:
	}
	if _, err := p.parent.conn.WriteToUDP(b, p.raddr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return link.ErrClosed
		}
		return err
	}
	return nil
}

func (p *peerLink) Recv(buf []byte) (int, error) {
	select {
	case b, ok := <-p.rx:
		if !ok {
			return 0, link.ErrClosed
		}
		if len(b) > len(buf) {
			return 0, link.ErrOversized
		}
		return copy(buf, b), nil
	case <-p.done:
		return 0, link.ErrClosed
	}
}

func (p *peerLink) MTU() int { return p.parent.opts.mtu() }
func (p *peerLink) Reliability() link.Reliability { return link.Lossy }
func (p *peerLink) Boundary() link.Boundary { return link.Datagram }

func (p *peerLink) LocalEndpoint() endpoint.Endpoint {
	return p.parent.Endpoint()
}

func (p *peerLink) RemoteEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: p.raddr.String()}
}

func (p *peerLink) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.parent.removePeer(p.raddr.String())
	})
	return nil
}

var _ link.Dialer = (*Dialer)(nil)
var _ link.ListenerFactory = (*Factory)(nil)
