package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/proto"
	"github.com/gezibash/weft/pkg/transport"
)

// rxLoop reads batches off one link and dispatches their messages. A
// malformed batch on a lossy link is line noise and dropped; on a
// reliable link it is a protocol violation and fatal.
func (s *Session) rxLoop(w *linkWorker) {
	defer s.wg.Done()
	lossy := w.link.Reliability() == link.Lossy
	// The peer caps its batches by its own link MTU, which on
	// asymmetric links can exceed ours; size for the negotiated batch.
	bufSize := w.link.MTU()
	if bs := int(s.p.batchSize); bs > bufSize {
		bufSize = bs
	}
	buf := make([]byte, bufSize)
	for {
		n, err := w.link.Recv(buf)
		if err != nil {
			select {
			case <-w.done:
				s.detachLink(w, nil)
			default:
				s.detachLink(w, &transport.LinkError{
					Op:       "recv",
					Endpoint: w.link.RemoteEndpoint().String(),
					Err:      err,
				})
			}
			return
		}
		s.touchRx()
		s.metrics.BatchesTotal.WithLabelValues("rx").Inc()
		s.metrics.BytesTotal.WithLabelValues("rx").Add(float64(n))

		if err := s.handleBatch(buf[:n]); err != nil {
			if lossy && errors.Is(err, proto.ErrMalformed) {
				s.metrics.DropsTotal.WithLabelValues("malformed").Inc()
				continue
			}
			s.fail(err)
			return
		}
	}
}

func (s *Session) handleBatch(b []byte) error {
	if s.p.compression {
		var err error
		b, err = proto.DecompressBatch(b, int(s.p.batchSize))
		if err != nil {
			return err
		}
	}
	r := proto.NewBatchReader(b)
	for {
		msg, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *proto.KeepAlive:
			s.metrics.KeepAlivesTotal.WithLabelValues("rx").Inc()
		case *proto.Close:
			s.handleRemoteClose(m)
			return nil
		case *proto.Frame:
			if err := s.deliver(m.Priority, m.Reliability, m.SN, rxEntry{payloads: m.Payloads}); err != nil {
				return err
			}
		case *proto.Fragment:
			s.metrics.FragmentsTotal.WithLabelValues("rx").Inc()
			e := rxEntry{fragment: m.Payload, isFrag: true, fragMore: m.More}
			if err := s.deliver(m.Priority, m.Reliability, m.SN, e); err != nil {
				return err
			}
		default:
			return &transport.ProtocolError{Reason: "handshake message on established session"}
		}
	}
}

// deliver routes one frame or fragment through its channel and hands
// completed messages to the handler.
func (s *Session) deliver(pri transport.Priority, rel transport.Reliability, sn uint32, e rxEntry) error {
	msgs, err := s.rx[pri][rel].receive(sn, e)
	if err != nil {
		return err
	}
	for _, payload := range msgs {
		s.metrics.MessagesTotal.WithLabelValues("rx").Inc()
		if s.handler != nil {
			s.handler.HandleMessage(s, transport.Message{
				Priority:    pri,
				Reliability: rel,
				Payload:     payload,
			})
		}
	}
	return nil
}

func (s *Session) handleRemoteClose(m *proto.Close) {
	err := fmt.Errorf("%w: peer sent close (%s)", transport.ErrClosed, m.Reason)
	s.teardown(err, proto.CloseGeneric, false)
}
