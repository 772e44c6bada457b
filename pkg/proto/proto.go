// Package proto defines the transport-level wire messages exchanged
// over an established link and the batch codec that packs them into
// link-sized buffers.
//
// A batch is a sequence of encoded messages whose total size never
// exceeds the link MTU. Control messages (Init, Open, Close, KeepAlive)
// are self-delimiting and may be followed by at most one Frame or
// Fragment, whose payload section runs to the end of the batch. Stream
// links prefix each batch with a 16-bit big-endian length; datagram
// links map one batch to one datagram.
package proto

import "errors"

// Version is the protocol version proposed in Init. Negotiation
// requires an exact match.
const Version uint8 = 0x08

const (
	// MinBatchSize is the smallest MTU the codec supports. Below this
	// a fragment header would leave no room for payload progress and
	// an Init carrying a cookie could not be expressed.
	MinBatchSize = 128

	// MaxBatchSize is bounded by the 16-bit stream length prefix.
	MaxBatchSize = 1<<16 - 1

	// DefaultBatchSize is the soft MTU for stream links.
	DefaultBatchSize = MaxBatchSize

	// MaxCookieSize bounds the responder cookie echoed in Open.
	MaxCookieSize = 255
)

var (
	// ErrBatchFull indicates the next message does not fit in the
	// remaining batch capacity.
	ErrBatchFull = errors.New("batch full")

	// ErrMalformed indicates a batch that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)

// Message identifiers, carried in the low five bits of the header byte.
const (
	idInit      uint8 = 0x01
	idOpen      uint8 = 0x02
	idClose     uint8 = 0x03
	idKeepAlive uint8 = 0x04
	idFrame     uint8 = 0x05
	idFragment  uint8 = 0x06

	idMask   uint8 = 0x1f
	flagMask uint8 = 0xe0
)

// Per-message flag bits, in the high three bits of the header byte.
const (
	flagAck   uint8 = 1 << 5 // Init, Open: this is the acknowledgement
	flagMore  uint8 = 1 << 5 // Fragment: more fragments follow
	flagRetry uint8 = 1 << 5 // Close: the peer may retry the handshake
)

// Extension bits advertised in Init and echoed in InitAck.
const (
	extMultilink   uint8 = 1 << 0
	extCompression uint8 = 1 << 1
)

// CloseReason explains a Close message.
type CloseReason uint8

const (
	CloseGeneric CloseReason = iota
	CloseUnsupported
	CloseInvalid
	CloseMaxSessions
	CloseExpired
)

func (r CloseReason) String() string {
	switch r {
	case CloseGeneric:
		return "generic"
	case CloseUnsupported:
		return "unsupported"
	case CloseInvalid:
		return "invalid"
	case CloseMaxSessions:
		return "max sessions"
	case CloseExpired:
		return "lease expired"
	default:
		return "unknown"
	}
}
