package session

import (
	"github.com/multiformats/go-varint"

	"github.com/gezibash/weft/pkg/proto"
	"github.com/gezibash/weft/pkg/transport"
)

// txLoop drains the staging queues onto one link. With several links
// bonded, each loop competes for queued messages; the channel's send
// lock keeps sequence allocation and the wire write atomic per
// channel, so interleaving across links stays ordered for the
// receiver.
func (s *Session) txLoop(w *linkWorker) {
	defer s.wg.Done()
	wr := proto.NewBatchWriter(s.budgetFor(w.link))
	for {
		// inflight covers the window between popping a message and its
		// batch reaching the link, so a graceful close can tell an
		// empty queue from one whose last message is mid-transmit.
		s.inflight.Add(1)
		pri, rel, payload, ok := s.popAny()
		if !ok {
			s.inflight.Add(-1)
			select {
			case <-w.notify:
				continue
			case <-w.done:
				return
			case <-s.ctx.Done():
				return
			}
		}
		err := s.transmit(w, wr, pri, rel, payload)
		s.inflight.Add(-1)
		if err != nil {
			s.detachLink(w, err)
			return
		}
	}
}

// popAny takes the highest-priority staged message, reliable before
// best effort within a level.
func (s *Session) popAny() (transport.Priority, transport.Reliability, []byte, bool) {
	for pri := 0; pri < transport.NumPriorities; pri++ {
		for rel := 0; rel < transport.NumReliabilities; rel++ {
			select {
			case p := <-s.queues[pri][rel]:
				return transport.Priority(pri), transport.Reliability(rel), p, true
			default:
			}
		}
	}
	return 0, 0, nil, false
}

func (s *Session) tryPop(pri transport.Priority, rel transport.Reliability) ([]byte, bool) {
	select {
	case p := <-s.queues[pri][rel]:
		return p, true
	default:
		return nil, false
	}
}

// transmit packs one staged message, coalescing further messages of
// the same channel into the frame while they fit, and flushes the
// batch to the link. Messages too large for a single frame are
// fragmented.
func (s *Session) transmit(w *linkWorker, wr *proto.BatchWriter, pri transport.Priority, rel transport.Reliability, payload []byte) error {
	for {
		wr.Reset()
		if !s.fitsFrame(wr, payload) {
			return s.sendFragments(w, wr, pri, rel, payload)
		}
		overflow, err := s.sendFrame(w, wr, pri, rel, payload)
		if err != nil {
			return err
		}
		if overflow == nil {
			return nil
		}
		payload = overflow
	}
}

// sendFrame packs and sends one frame under the channel's send lock,
// so no other link can slip a sequence number between this frame's
// allocation and its batch hitting the wire.
func (s *Session) sendFrame(w *linkWorker, wr *proto.BatchWriter, pri transport.Priority, rel transport.Reliability, payload []byte) ([]byte, error) {
	ch := s.tx[pri][rel]
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	if err := wr.BeginFrame(pri, rel, ch.nextSN()); err != nil {
		return nil, err
	}
	if err := wr.AppendPayload(payload); err != nil {
		return nil, err
	}
	count := 1
	var overflow []byte
	for {
		next, ok := s.tryPop(pri, rel)
		if !ok {
			break
		}
		if err := wr.AppendPayload(next); err != nil {
			overflow = next
			break
		}
		count++
	}
	wr.EndFrame()
	if err := s.sendBatch(w, wr.Bytes()); err != nil {
		return nil, err
	}
	s.metrics.MessagesTotal.WithLabelValues("tx").Add(float64(count))
	return overflow, nil
}

// fitsFrame reports whether payload fits a fresh single-payload frame
// in the writer's budget, sizing the header for the worst-case
// sequence number.
func (s *Session) fitsFrame(wr *proto.BatchWriter, payload []byte) bool {
	head := 2 + varint.UvarintSize(uint64(s.p.space.Resolution()-1))
	need := head + varint.UvarintSize(uint64(len(payload))) + len(payload)
	return need <= wr.Remaining()
}

// sendFragments splits an oversized message across fragment batches.
// Each fragment consumes one sequence number on the channel; the
// writer clears More on the final piece. The channel's send lock is
// held across the whole train: fragments must occupy consecutive
// sequence numbers, so no other link may allocate one mid-train.
func (s *Session) sendFragments(w *linkWorker, wr *proto.BatchWriter, pri transport.Priority, rel transport.Reliability, payload []byte) error {
	ch := s.tx[pri][rel]
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	rest := payload
	for len(rest) > 0 {
		wr.Reset()
		sn := ch.nextSN()
		n, err := wr.AppendFragment(pri, rel, sn, rest, false)
		if err != nil {
			return err
		}
		if err := s.sendBatch(w, wr.Bytes()); err != nil {
			return err
		}
		s.metrics.FragmentsTotal.WithLabelValues("tx").Inc()
		rest = rest[n:]
	}
	s.metrics.MessagesTotal.WithLabelValues("tx").Inc()
	return nil
}

// sendBatch puts one encoded batch on the wire, applying the
// compression extension when negotiated.
func (s *Session) sendBatch(w *linkWorker, batch []byte) error {
	out := batch
	if s.p.compression {
		mtu := int(s.p.batchSize)
		if m := w.link.MTU(); m < mtu {
			mtu = m
		}
		var err error
		out, err = proto.CompressBatch(batch, mtu)
		if err != nil {
			return err
		}
	}
	if err := w.link.Send(out); err != nil {
		return &transport.LinkError{Op: "send", Endpoint: w.link.RemoteEndpoint().String(), Err: err}
	}
	s.touchTx()
	s.metrics.BatchesTotal.WithLabelValues("tx").Inc()
	s.metrics.BytesTotal.WithLabelValues("tx").Add(float64(len(out)))
	return nil
}
