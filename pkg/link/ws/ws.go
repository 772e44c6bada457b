// Package ws implements the WebSocket link adapter. WebSocket rides a
// reliable stream but preserves message boundaries, so the adapter is
// classified reliable and datagram-like: one batch per binary message,
// no length prefix.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/transport"
)

// Scheme is the endpoint scheme served by this adapter.
const Scheme = "ws"

// DefaultPath is the HTTP path when the endpoint carries no path
// metadata.
const DefaultPath = "/weft"

// Options tunes the adapter.
type Options struct {
	MTU  int
	Path string
}

func (o Options) mtu() int {
	if o.MTU <= 0 {
		return 65535
	}
	return o.MTU
}

func (o Options) path() string {
	if o.Path == "" {
		return DefaultPath
	}
	return o.Path
}

// Dialer opens outbound WebSocket links.
type Dialer struct {
	opts Options
}

// NewDialer returns a WebSocket dialer.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

func (d *Dialer) Scheme() string { return Scheme }

// Dial upgrades an HTTP connection to ep into a link.
func (d *Dialer) Dial(ctx context.Context, ep endpoint.Endpoint) (link.Link, error) {
	u := url.URL{Scheme: "ws", Host: ep.Address, Path: ep.Meta("path", d.opts.path())}
	wd := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   d.opts.mtu(),
		WriteBufferSize:  d.opts.mtu(),
	}
	conn, resp, err := wd.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return newWSLink(conn, d.opts.mtu()), nil
}

// Factory opens WebSocket listeners.
type Factory struct {
	opts Options
}

// NewFactory returns a WebSocket listener factory.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Scheme() string { return Scheme }

// Listen starts an HTTP server on ep that upgrades connections on the
// configured path.
func (f *Factory) Listen(ctx context.Context, ep endpoint.Endpoint) (link.Listener, error) {
	var lc net.ListenConfig
	nl, err := lc.Listen(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, &transport.LinkError{Op: "listen", Endpoint: ep.String(), Err: err}
	}

	l := &listener{
		nl:      nl,
		mtu:     f.opts.mtu(),
		pending: make(chan *wsLink, 16),
		done:    make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  f.opts.mtu(),
		WriteBufferSize: f.opts.mtu(),
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ep.Meta("path", f.opts.path()), func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wl := newWSLink(conn, l.mtu)
		select {
		case l.pending <- wl:
		case <-l.done:
			_ = wl.Close()
		}
	})

	l.srv = &http.Server{Handler: mux}
	go func() { _ = l.srv.Serve(nl) }()
	return l, nil
}

type listener struct {
	nl      net.Listener
	srv     *http.Server
	mtu     int
	pending chan *wsLink
	done    chan struct{}
	once    sync.Once
}

func (l *listener) Endpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: l.nl.Addr().String()}
}

func (l *listener) Accept(ctx context.Context) (link.Link, error) {
	select {
	case wl := <-l.pending:
		return wl, nil
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
		err = l.srv.Close()
	})
	return err
}

// wsLink carries one batch per binary WebSocket message.
type wsLink struct {
	conn   *websocket.Conn
	mtu    int
	sendMu sync.Mutex
	once   sync.Once
}

func newWSLink(conn *websocket.Conn, mtu int) *wsLink {
	return &wsLink{conn: conn, mtu: mtu}
}

func (l *wsLink) Send(b []byte) error {
	if len(b) > l.mtu {
		return link.ErrOversized
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := l.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return mapWSErr(err)
	}
	return nil
}

func (l *wsLink) Recv(buf []byte) (int, error) {
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			return 0, mapWSErr(err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(data) > len(buf) {
			return 0, link.ErrOversized
		}
		return copy(buf, data), nil
	}
}

func (l *wsLink) MTU() int { return l.mtu }
func (l *wsLink) Reliability() link.Reliability { return link.Reliable }
func (l *wsLink) Boundary() link.Boundary { return link.Datagram }

func (l *wsLink) LocalEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: l.conn.LocalAddr().String()}
}

func (l *wsLink) RemoteEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: Scheme, Address: l.conn.RemoteAddr().String()}
}

func (l *wsLink) Close() error {
	l.once.Do(func() {
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = l.conn.Close()
	})
	return nil
}

func mapWSErr(err error) error {
	if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		return link.ErrClosed
	}
	return err
}

var _ link.Dialer = (*Dialer)(nil)
var _ link.ListenerFactory = (*Factory)(nil)
