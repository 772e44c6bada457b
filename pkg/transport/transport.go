// Package transport defines the primitives shared by the session layer
// and its consumers: peer identity, priority and reliability classes,
// and the message unit handed to and received from a session.
package transport

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Zid is the globally unique identity of a peer.
type Zid [16]byte

// NewZid generates a random peer identity.
func NewZid() Zid {
	return Zid(uuid.New())
}

// ParseZid decodes a hex-encoded peer identity.
func ParseZid(s string) (Zid, error) {
	var z Zid
	b, err := hex.DecodeString(s)
	if err != nil {
		return z, fmt.Errorf("parse zid: %w", err)
	}
	if len(b) != len(z) {
		return z, fmt.Errorf("parse zid: expected %d bytes, got %d", len(z), len(b))
	}
	copy(z[:], b)
	return z, nil
}

// String returns the hex form of the identity.
func (z Zid) String() string {
	return hex.EncodeToString(z[:])
}

// Less reports whether z orders before other under byte-wise comparison.
// Used as the deterministic tie-break for simultaneous session opens.
func (z Zid) Less(other Zid) bool {
	return bytes.Compare(z[:], other[:]) < 0
}

// IsZero reports whether the identity is unset.
func (z Zid) IsZero() bool {
	return z == Zid{}
}

// Priority is the scheduling class of a message. Lower values are
// scheduled first.
type Priority uint8

const (
	PriorityControl Priority = iota
	PriorityRealTime
	PriorityInteractiveHigh
	PriorityInteractiveLow
	PriorityDataHigh
	PriorityData
	PriorityDataLow
	PriorityBackground

	NumPriorities = 8
)

func (p Priority) String() string {
	switch p {
	case PriorityControl:
		return "control"
	case PriorityRealTime:
		return "real_time"
	case PriorityInteractiveHigh:
		return "interactive_high"
	case PriorityInteractiveLow:
		return "interactive_low"
	case PriorityDataHigh:
		return "data_high"
	case PriorityData:
		return "data"
	case PriorityDataLow:
		return "data_low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a defined priority level.
func (p Priority) Valid() bool {
	return p < NumPriorities
}

// Reliability selects the delivery class of a channel.
type Reliability uint8

const (
	// Reliable channels deliver in sender order with no gaps and no
	// duplicates. A gap that cannot be closed is a protocol error.
	Reliable Reliability = iota

	// BestEffort channels deliver whatever arrives, tolerate gaps, and
	// reject only duplicates.
	BestEffort

	NumReliabilities = 2
)

func (r Reliability) String() string {
	switch r {
	case Reliable:
		return "reliable"
	case BestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// Valid reports whether r is a defined reliability class.
func (r Reliability) Valid() bool {
	return r < NumReliabilities
}

// Message is one application message moving through a session.
type Message struct {
	Priority    Priority
	Reliability Reliability
	Payload     []byte
}
