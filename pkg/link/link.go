// Package link abstracts one physical or logical point-to-point
// connection. Every adapter reports its MTU, reliability class, and
// whether it preserves message boundaries; those three properties
// parameterize all session-layer behavior and must never be asserted
// incorrectly.
//
// Links exchange whole batches: one Send carries exactly one batch and
// one Recv yields exactly one batch. Stream adapters frame batches with
// a 16-bit big-endian length prefix; datagram adapters map a batch to
// one datagram.
package link

import (
	"context"
	"errors"

	"github.com/gezibash/weft/pkg/endpoint"
)

var (
	// ErrClosed indicates I/O on a closed link.
	ErrClosed = errors.New("link closed")

	// ErrOversized indicates a Send larger than the link MTU. The link
	// never fragments; that is the message layer's job.
	ErrOversized = errors.New("batch exceeds link mtu")

	// ErrUnknownScheme indicates no adapter is registered for the
	// endpoint's scheme.
	ErrUnknownScheme = errors.New("unknown endpoint scheme")
)

// Reliability classifies whether a link may lose or reorder batches.
type Reliability uint8

const (
	// Reliable links lose nothing and preserve order (TCP, TLS, WS, QUIC).
	Reliable Reliability = iota

	// Lossy links may drop or reorder batches (UDP, serial).
	Lossy
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "lossy"
}

// Boundary classifies how a link frames writes.
type Boundary uint8

const (
	// Stream links are byte-oriented; batches are length-prefixed.
	Stream Boundary = iota

	// Datagram links preserve message boundaries; one batch is exactly
	// one link-level write.
	Datagram
)

func (b Boundary) String() string {
	if b == Stream {
		return "stream"
	}
	return "datagram"
}

// Link is one established connection carrying batches between peers.
// Send and Recv may block; closing the link unblocks both with
// ErrClosed. Implementations are safe for one concurrent sender and
// one concurrent receiver.
type Link interface {
	// Send transmits one batch. Batches larger than MTU fail with
	// ErrOversized.
	Send(b []byte) error

	// Recv fills buf with the next batch and returns its length.
	// buf must hold at least MTU bytes.
	Recv(buf []byte) (int, error)

	MTU() int
	Reliability() Reliability
	Boundary() Boundary
	LocalEndpoint() endpoint.Endpoint
	RemoteEndpoint() endpoint.Endpoint

	// Close releases the link. Idempotent.
	Close() error
}

// Dialer opens outbound links for one scheme.
type Dialer interface {
	Scheme() string
	Dial(ctx context.Context, ep endpoint.Endpoint) (Link, error)
}

// Listener accepts inbound links on one endpoint.
type Listener interface {
	// Accept blocks for the next inbound link. It returns ErrClosed
	// after Close, and respects ctx cancellation.
	Accept(ctx context.Context) (Link, error)

	Endpoint() endpoint.Endpoint
	Close() error
}

// ListenerFactory opens listeners for one scheme.
type ListenerFactory interface {
	Scheme() string
	Listen(ctx context.Context, ep endpoint.Endpoint) (Listener, error)
}
