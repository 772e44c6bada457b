package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gezibash/weft/pkg/endpoint"
)

// StreamLink adapts a byte-oriented connection into a batch-carrying
// link by length-prefixing every batch with a 16-bit big-endian count.
// TCP, TLS, and QUIC adapters all wrap their connections with it.
type StreamLink struct {
	conn   io.ReadWriteCloser
	local  endpoint.Endpoint
	remote endpoint.Endpoint
	mtu    int

	sendMu    sync.Mutex
	sendBuf   []byte
	closeOnce sync.Once
	closeErr  error
}

// NewStreamLink wraps conn. mtu is the soft MTU: streams have no
// inherent frame limit, so the configured value bounds batch size.
func NewStreamLink(conn io.ReadWriteCloser, local, remote endpoint.Endpoint, mtu int) *StreamLink {
	return &StreamLink{
		conn:    conn,
		local:   local,
		remote:  remote,
		mtu:     mtu,
		sendBuf: make([]byte, 0, mtu+2),
	}
}

// Send writes one length-prefixed batch as a single conn write, so
// concurrent senders never interleave partial batches.
func (l *StreamLink) Send(b []byte) error {
	if len(b) > l.mtu {
		return fmt.Errorf("send %d bytes: %w (mtu %d)", len(b), ErrOversized, l.mtu)
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.sendBuf = binary.BigEndian.AppendUint16(l.sendBuf[:0], uint16(len(b)))
	l.sendBuf = append(l.sendBuf, b...)
	if _, err := l.conn.Write(l.sendBuf); err != nil {
		return mapClosed(err)
	}
	return nil
}

// Recv reads the next length-prefixed batch into buf.
func (l *StreamLink) Recv(buf []byte) (int, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(l.conn, hdr[:]); err != nil {
		return 0, mapClosed(err)
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > len(buf) {
		return 0, fmt.Errorf("recv %d bytes: %w (buffer %d)", n, ErrOversized, len(buf))
	}
	if _, err := io.ReadFull(l.conn, buf[:n]); err != nil {
		return 0, mapClosed(err)
	}
	return n, nil
}

func (l *StreamLink) MTU() int { return l.mtu }
func (l *StreamLink) Reliability() Reliability { return Reliable }
func (l *StreamLink) Boundary() Boundary { return Stream }
func (l *StreamLink) LocalEndpoint() endpoint.Endpoint { return l.local }
func (l *StreamLink) RemoteEndpoint() endpoint.Endpoint { return l.remote }

func (l *StreamLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// mapClosed folds the zoo of closed-connection errors into ErrClosed.
func mapClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}
