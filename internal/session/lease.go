package session

import (
	"time"

	"github.com/gezibash/weft/pkg/proto"
	"github.com/gezibash/weft/pkg/transport"
)

// leaseLoop keeps the session alive and detects a dead peer. A probe
// goes out whenever the send side has been idle for a fraction of the
// local lease, so the peer always observes traffic well inside the
// interval we announced. The peer is declared dead when nothing has
// been received within its lease plus the grace period.
func (s *Session) leaseLoop() {
	defer s.wg.Done()

	interval := s.p.localLease / time.Duration(s.cfg.KeepAliveFactor)
	if interval <= 0 {
		interval = time.Millisecond
	}
	grace := s.cfg.Grace
	if grace <= 0 {
		grace = s.p.peerLease
	}
	deadline := s.p.peerLease + grace

	t := s.clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-t.C:
			if now.Sub(time.Unix(0, s.lastRx.Load())) >= deadline {
				s.metrics.LeaseExpiriesTotal.Inc()
				s.teardown(transport.ErrLeaseExpired, proto.CloseExpired, false)
				return
			}
			if now.Sub(time.Unix(0, s.lastTx.Load())) >= interval {
				s.sendKeepAlive()
			}
		}
	}
}

// sendKeepAlive emits one probe on the first available link. Failures
// are left to the tx and rx loops to observe and handle.
func (s *Session) sendKeepAlive() {
	s.linkMu.Lock()
	var w *linkWorker
	if len(s.links) > 0 {
		w = s.links[0]
	}
	s.linkMu.Unlock()
	if w == nil {
		return
	}
	wr := proto.NewBatchWriter(s.budgetFor(w.link))
	if err := wr.AppendKeepAlive(); err != nil {
		return
	}
	if err := s.sendBatch(w, wr.Bytes()); err == nil {
		s.metrics.KeepAlivesTotal.WithLabelValues("tx").Inc()
	}
}
