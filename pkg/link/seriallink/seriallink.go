// Package seriallink implements the serial-line link adapter. A serial
// port is a lossy point-to-point byte pipe with no framing of its own;
// the adapter delimits batches with COBS so the link presents itself as
// boundary-preserving, and classifies itself lossy since line noise can
// corrupt or drop frames.
//
// A serial endpoint addresses a device path: "serial//dev/ttyUSB0?baud=115200".
// Listening and dialing differ only in who speaks first; both open the
// same port, and a listener yields exactly one link.
package seriallink

import (
	"bufio"
	"context"
	"strconv"
	"sync"

	"go.bug.st/serial"

	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/transport"
)

// Scheme is the endpoint scheme served by this adapter.
const Scheme = "serial"

// Options tunes the adapter.
type Options struct {
	// MTU caps the decoded batch size. Serial lines are slow; the
	// default keeps latency per batch tolerable at common baud rates.
	MTU int

	// BaudRate used when the endpoint carries no baud metadata.
	BaudRate int
}

func (o Options) mtu() int {
	if o.MTU <= 0 {
		return 1500
	}
	return o.MTU
}

func (o Options) baud(ep endpoint.Endpoint) int {
	if s := ep.Meta("baud", ""); s != "" {
		if b, err := strconv.Atoi(s); err == nil && b > 0 {
			return b
		}
	}
	if o.BaudRate > 0 {
		return o.BaudRate
	}
	return 115200
}

func openPort(ep endpoint.Endpoint, baud int) (serial.Port, error) {
	port, err := serial.Open(ep.Address, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, &transport.LinkError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	return port, nil
}

// Dialer opens serial links.
type Dialer struct {
	opts Options
}

// NewDialer returns a serial dialer.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

func (d *Dialer) Scheme() string { return Scheme }

// Dial opens the device named by ep.
func (d *Dialer) Dial(_ context.Context, ep endpoint.Endpoint) (link.Link, error) {
	port, err := openPort(ep, d.opts.baud(ep))
	if err != nil {
		return nil, err
	}
	return newSerialLink(port, ep, d.opts.mtu()), nil
}

// Factory opens serial "listeners": the port itself, yielded once.
type Factory struct {
	opts Options
}

// NewFactory returns a serial listener factory.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Scheme() string { return Scheme }

// Listen opens the device; the single link is handed out by the first
// Accept.
func (f *Factory) Listen(_ context.Context, ep endpoint.Endpoint) (link.Listener, error) {
	port, err := openPort(ep, f.opts.baud(ep))
	if err != nil {
		return nil, err
	}
	l := &listener{ep: ep, done: make(chan struct{}), pending: make(chan link.Link, 1)}
	l.pending <- newSerialLink(port, ep, f.opts.mtu())
	return l, nil
}

type listener struct {
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
		select {
		case lk := <-l.pending:
			_ = lk.Close()
		default:
		}
	})
	return nil
}

// serialLink frames batches with COBS over the raw port.
type serialLink struct {
	port   serial.Port
	reader *bufio.Reader
	ep     endpoint.Endpoint
	mtu    int

	sendMu sync.Mutex
	recvMu sync.Mutex
	once   sync.Once
	cerr   error
}

func newSerialLink(port serial.Port, ep endpoint.Endpoint, mtu int) *serialLink {
	return &serialLink{
		port:   port,
		reader: bufio.NewReaderSize(port, 4096),
		ep:     ep,
		mtu:    mtu,
	}
}

func (l *serialLink) Send(b []byte) error {
	if len(b) > l.mtu {
		return link.ErrOversized
	}
	frame := append(cobsEncode(b), 0)
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if _, err := l.port.Write(frame); err != nil {
		return link.ErrClosed
	}
	return nil
}

func (l *serialLink) Recv(buf []byte) (int, error) {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()
	for {
		frame, err := l.reader.ReadBytes(0)
		if err != nil {
			return 0, link.ErrClosed
		}
		frame = frame[:len(frame)-1] // strip delimiter
		if len(frame) == 0 {
			continue // idle delimiter between frames
		}
		decoded, err := cobsDecode(frame)
		if err != nil {
			// Line noise. The link is lossy; drop the frame.
			continue
		}
		if len(decoded) > len(buf) {
			return 0, link.ErrOversized
		}
		return copy(buf, decoded), nil
	}
}

func (l *serialLink) MTU() int { return l.mtu }
func (l *serialLink) Reliability() link.Reliability { return link.Lossy }
func (l *serialLink) Boundary() link.Boundary { return link.Datagram }

func (l *serialLink) LocalEndpoint() endpoint.Endpoint { return l.ep }
func (l *serialLink) RemoteEndpoint() endpoint.Endpoint { return l.ep }

func (l *serialLink) Close() error {
	l.once.Do(func() { l.cerr = l.port.Close() })
	return l.cerr
}

var _ link.Dialer = (*Dialer)(nil)
var _ link.ListenerFactory = (*Factory)(nil)
