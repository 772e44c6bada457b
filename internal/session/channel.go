package session

import (
	"fmt"
	"sync"

	"github.com/gezibash/weft/pkg/seqnum"
	"github.com/gezibash/weft/pkg/transport"
)

// txChannel owns the send-side sequence space of one (priority,
// reliability) ordering domain. Sequence numbers are handed out under
// the counter's lock so concurrent packers on bonded links keep them
// strictly monotonic. sendMu serializes taking a number with putting
// the resulting batch on a link, so wire order per channel matches
// sequence order even when bonded links transmit concurrently.
type txChannel struct {
	counter *seqnum.Counter
	sendMu  sync.Mutex
}

func newTxChannel(space seqnum.Space, initial uint32) *txChannel {
	return &txChannel{counter: seqnum.NewCounter(space, initial)}
}

func (c *txChannel) nextSN() uint32 { return c.counter.Next() }

// rxChannel owns the receive side of one ordering domain: duplicate
// rejection, bounded reordering for reliable delivery, and fragment
// reassembly. Deliveries surface in sequence order (reliable) or
// arrival order (best effort).
type rxChannel struct {
	mu          sync.Mutex
	space       seqnum.Space
	reliability transport.Reliability

	// next is the next expected sequence number, seeded with the
	// initial value the peer announced in the handshake.
	next uint32

	// pending buffers frames that arrived ahead of the expected
	// sequence number, bounded by window. Reliable channels only.
	pending map[uint32]rxEntry
	window  uint32

	// Fragment reassembly. Fragments occupy consecutive sequence
	// numbers, so after reordering they arrive here contiguously.
	fragBuf      []byte
	fragActive   bool
	fragDropping bool // best effort: discarding until the final fragment
	defragLimit  int
}

// rxEntry is one received frame or fragment awaiting delivery.
type rxEntry struct {
	payloads [][]byte // frame
	fragment []byte   // fragment, when fragMore is meaningful
	isFrag   bool
	fragMore bool
}

func newRxChannel(space seqnum.Space, rel transport.Reliability, initial uint32, window uint32, defragLimit int) *rxChannel {
	return &rxChannel{
		space:       space,
		reliability: rel,
		next:        initial,
		pending:     make(map[uint32]rxEntry),
		window:      window,
		defragLimit: defragLimit,
	}
}

// receive ingests one frame or fragment and returns the application
// payloads it unlocks, in delivery order. A non-nil error is a
// protocol violation and fatal to the session.
func (c *rxChannel) receive(sn uint32, e rxEntry) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reliability == transport.BestEffort {
		return c.receiveBestEffort(sn, e)
	}
	return c.receiveReliable(sn, e)
}

func (c *rxChannel) receiveReliable(sn uint32, e rxEntry) ([][]byte, error) {
	switch {
	case sn == c.next:
		// In order: deliver it and everything it unblocks.
		var out [][]byte
		entry, ok := e, true
		for ok {
			delivered, err := c.emit(entry, &out)
			if err != nil {
				return nil, err
			}
			_ = delivered
			c.next = c.space.Next(c.next)
			entry, ok = c.pending[c.next]
			if ok {
				delete(c.pending, c.next)
			}
		}
		return out, nil

	case c.space.Precedes(c.next, sn):
		// Ahead of the expected number: buffer within the window.
		if c.space.Distance(c.next, sn) > c.window {
			return nil, &transport.ProtocolError{
				Reason: fmt.Sprintf("reliable channel gap exceeds reorder window (%d ahead of %d)", sn, c.next),
			}
		}
		if uint32(len(c.pending)) >= c.window {
			return nil, &transport.ProtocolError{Reason: "reorder buffer overflow"}
		}
		c.pending[sn] = e
		return nil, nil

	default:
		// Late or duplicate: reject silently.
		return nil, nil
	}
}

func (c *rxChannel) receiveBestEffort(sn uint32, e rxEntry) ([][]byte, error) {
	if !c.space.Precedes(c.next, sn) && sn != c.next {
		// Late or duplicate on a lossy path: drop it. An in-progress
		// reassembly is untouched, the straggler is not part of it.
		return nil, nil
	}
	if c.fragActive && sn != c.next {
		// A gap interrupted the fragment train: the partial message
		// can never complete, and whatever fragments follow belong to
		// its tail. Discard until a final fragment resynchronizes.
		c.dropPartial()
		c.fragDropping = true
	}
	c.next = c.space.Next(sn)

	var out [][]byte
	if _, err := c.emit(e, &out); err != nil {
		// Best effort tolerates malformed reassembly by discarding.
		c.dropPartial()
		return nil, nil
	}
	return out, nil
}

// emit feeds one in-order entry through reassembly and appends any
// completed messages to out.
func (c *rxChannel) emit(e rxEntry, out *[][]byte) (bool, error) {
	if !e.isFrag {
		if c.fragActive {
			if c.reliability == transport.Reliable {
				return false, &transport.ProtocolError{Reason: "frame interleaved with fragment train"}
			}
			c.dropPartial()
		}
		// A frame means the previous train ended, even if its final
		// fragment was lost.
		c.fragDropping = false
		*out = append(*out, e.payloads...)
		return true, nil
	}

	if c.fragDropping {
		if !e.fragMore {
			// Final fragment of a discarded message: resynchronized.
			c.fragDropping = false
		}
		return false, nil
	}

	c.fragBuf = append(c.fragBuf, e.fragment...)
	c.fragActive = true
	if len(c.fragBuf) > c.defragLimit {
		if c.reliability == transport.Reliable {
			return false, &transport.ProtocolError{
				Reason: fmt.Sprintf("reassembly buffer exceeds %d bytes", c.defragLimit),
			}
		}
		c.dropPartial()
		c.fragDropping = e.fragMore
		return false, nil
	}

	if !e.fragMore {
		msg := c.fragBuf
		c.fragBuf = nil
		c.fragActive = false
		*out = append(*out, msg)
		return true, nil
	}
	return false, nil
}

func (c *rxChannel) dropPartial() {
	c.fragBuf = nil
	c.fragActive = false
}
