// Package mem implements an in-process link adapter used by tests and
// single-process deployments. Links are channel-backed pipes: reliable,
// boundary-preserving, with an MTU chosen at construction.
package mem

import (
	"context"
	"sync"

	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
)

// Scheme is the endpoint scheme served by this adapter.
const Scheme = "mem"

// Options tunes the adapter.
type Options struct {
	MTU     int
	Backlog int
}

func (o Options) mtu() int {
	if o.MTU <= 0 {
		return 8192
	}
	return o.MTU
}

func (o Options) backlog() int {
	if o.Backlog <= 0 {
		return 16
	}
	return o.Backlog
}

// Hub connects dialers to listeners by address within one process.
// Tests create a hub and register both ends on it.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]*listener
	opts      Options
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	return &Hub{listeners: make(map[string]*listener), opts: opts}
}

// Dialer returns the hub's outbound adapter.
func (h *Hub) Dialer() link.Dialer { return &dialer{hub: h} }

// Factory returns the hub's inbound adapter.
func (h *Hub) Factory() link.ListenerFactory { return &factory{hub: h} }

// Pipe returns a connected pair of links directly, bypassing the
// dial/listen machinery. The first link is the "dialer" side.
func (h *Hub) Pipe() (link.Link, link.Link) {
	a := endpoint.Endpoint{Scheme: Scheme, Address: "pipe-a"}
	b := endpoint.Endpoint{Scheme: Scheme, Address: "pipe-b"}
	return newPair(a, b, h.opts)
}

type dialer struct {
	hub *Hub
}

func (d *dialer) Scheme() string { return Scheme }

func (d *dialer) Dial(ctx context.Context, ep endpoint.Endpoint) (link.Link, error) {
	d.hub.mu.Lock()
	l, ok := d.hub.listeners[ep.Address]
	d.hub.mu.Unlock()
	if !ok {
		return nil, link.ErrClosed
	}
	local := endpoint.Endpoint{Scheme: Scheme, Address: "dial:" + ep.Address}
	a, b := newPair(local, ep, d.hub.opts)
	select {
	case l.pending <- b:
		return a, nil
	case <-l.done:
		_ = a.Close()
		return nil, link.ErrClosed
	case <-ctx.Done():
		_ = a.Close()
		return nil, ctx.Err()
	}
}

type factory struct {
	hub *Hub
}

func (f *factory) Scheme() string { return Scheme }

func (f *factory) Listen(_ context.Context, ep endpoint.Endpoint) (link.Listener, error) {
	l := &listener{
		hub:     f.hub,
		ep:      ep,
		pending: make(chan link.Link, f.hub.opts.backlog()),
		done:    make(chan struct{}),
	}
	f.hub.mu.Lock()
	f.hub.listeners[ep.Address] = l
	f.hub.mu.Unlock()
	return l, nil
}

type listener struct {
	hub     *Hub
	ep      endpoint.Endpoint
	pending chan link.Link
	done    chan struct{}
	once    sync.Once
}

func (l *listener) Endpoint() endpoint.Endpoint { return l.ep }

func (l *listener) Accept(ctx context.Context) (link.Link, error) {
	select {
	case lk := <-l.pending:
		return lk, nil
	case <-l.done:
		return nil, link.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.hub.mu.Lock()
		delete(l.hub.listeners, l.ep.Address)
		l.hub.mu.Unlock()
	})
	return nil
}

// memLink is one direction pair of a channel pipe.
type memLink struct {
	local, remote endpoint.Endpoint
	mtu           int
	tx            chan []byte
	rx            chan []byte
	localDone     chan struct{}
	remoteDone    chan struct{}
	once          sync.Once
}

func newPair(a, b endpoint.Endpoint, opts Options) (link.Link, link.Link) {
	ab := make(chan []byte, opts.backlog())
	ba := make(chan []byte, opts.backlog())
	adone := make(chan struct{})
	bdone := make(chan struct{})
	la := &memLink{local: a, remote: b, mtu: opts.mtu(), tx: ab, rx: ba, localDone: adone, remoteDone: bdone}
	lb := &memLink{local: b, remote: a, mtu: opts.mtu(), tx: ba, rx: ab, localDone: bdone, remoteDone: adone}
	return la, lb
}

func (l *memLink) Send(b []byte) error {
	if len(b) > l.mtu {
		return link.ErrOversized
	}
	cp := append([]byte(nil), b...)
	select {
	case <-l.localDone:
		return link.ErrClosed
	case <-l.remoteDone:
		return link.ErrClosed
	case l.tx <- cp:
		return nil
	}
}

func (l *memLink) Recv(buf []byte) (int, error) {
	select {
	case b := <-l.rx:
		if len(b) > len(buf) {
			return 0, link.ErrOversized
		}
		return copy(buf, b), nil
	case <-l.localDone:
		return 0, link.ErrClosed
	case <-l.remoteDone:
		// Drain what was sent before the remote closed.
		select {
		case b := <-l.rx:
			if len(b) > len(buf) {
				return 0, link.ErrOversized
			}
			return copy(buf, b), nil
		default:
			return 0, link.ErrClosed
		}
	}
}

func (l *memLink) MTU() int { return l.mtu }
func (l *memLink) Reliability() link.Reliability { return link.Reliable }
func (l *memLink) Boundary() link.Boundary { return link.Datagram }
func (l *memLink) LocalEndpoint() endpoint.Endpoint { return l.local }
func (l *memLink) RemoteEndpoint() endpoint.Endpoint { return l.remote }

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.localDone) })
	return nil
}

var _ link.Dialer = (*dialer)(nil)
var _ link.ListenerFactory = (*factory)(nil)
