package proto

import (
	"time"

	"github.com/gezibash/weft/pkg/transport"
)

// Message is one decoded transport message.
type Message interface {
	isMessage()
}

// Init opens the handshake. The acknowledgement carries the negotiated
// values and the responder's stateless cookie.
type Init struct {
	Ack         bool
	Version     uint8
	Zid         transport.Zid
	SeqNumRes   uint32 // proposed (syn) or negotiated (ack) wrap modulus
	BatchSize   uint16 // proposed (syn) or negotiated (ack) batch size
	Multilink   bool
	Compression bool
	Cookie      []byte // ack only
}

// Open completes the handshake. The syn echoes the responder cookie;
// both directions carry the sender's lease and initial sequence
// numbers per reliability class.
type Open struct {
	Ack       bool
	Lease     time.Duration
	InitialSN [transport.NumReliabilities]uint32
	Cookie    []byte // syn only
}

// Close tears down the session or rejects a handshake.
type Close struct {
	Reason   CloseReason
	CanRetry bool
}

// KeepAlive is an empty liveness probe.
type KeepAlive struct{}

// Frame carries a batch of application payloads for one channel. The
// payload sequence extends to the end of the batch, so a frame is
// always the last message in its batch.
type Frame struct {
	Priority    transport.Priority
	Reliability transport.Reliability
	SN          uint32
	Payloads    [][]byte
}

// Fragment carries one piece of an oversized message. Fragments of a
// message consume consecutive sequence numbers on their channel; the
// final fragment clears More.
type Fragment struct {
	Priority    transport.Priority
	Reliability transport.Reliability
	SN          uint32
	More        bool
	Payload     []byte
}

func (*Init) isMessage()      {}
func (*Open) isMessage()      {}
func (*Close) isMessage()     {}
func (*KeepAlive) isMessage() {}
func (*Frame) isMessage()     {}
func (*Fragment) isMessage()  {}

// channelID packs priority and reliability into one byte.
func channelID(p transport.Priority, r transport.Reliability) uint8 {
	return uint8(p)&0x07 | uint8(r)<<3
}

func splitChannelID(b uint8) (transport.Priority, transport.Reliability) {
	return transport.Priority(b & 0x07), transport.Reliability(b >> 3 & 0x01)
}
