package session

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/proto"
	"github.com/gezibash/weft/pkg/seqnum"
	"github.com/gezibash/weft/pkg/transport"
)

// The handshake is two exchanges on a fresh link:
//
//	initiator                    responder
//	   | -- Init ------------------> |   propose version, resolution,
//	   | <------------- InitAck --   |   batch size, extensions; the
//	   |                             |   ack carries the negotiated
//	   |                             |   values and a stateless cookie
//	   | -- Open (echoes cookie) --> |   lease and initial sequence
//	   | <------------- OpenAck --   |   numbers, both directions
//
// The responder commits no state until the cookie comes back, so a
// half-open flood costs it nothing but MAC checks.

func handshakeBudget(l link.Link) int {
	b := l.MTU()
	if b > proto.MaxBatchSize {
		b = proto.MaxBatchSize
	}
	return b
}

func sendHandshake(l link.Link, enc func(*proto.BatchWriter) error) error {
	wr := proto.NewBatchWriter(handshakeBudget(l))
	if err := enc(wr); err != nil {
		return err
	}
	if err := l.Send(wr.Bytes()); err != nil {
		return &transport.LinkError{Op: "send", Endpoint: l.RemoteEndpoint().String(), Err: err}
	}
	return nil
}

// recvHandshake reads one message off the link. Links have no read
// deadline, so cancellation closes the link out from under the
// blocked Recv.
func recvHandshake(ctx context.Context, l link.Link) (proto.Message, error) {
	type result struct {
		msg proto.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, l.MTU())
		n, err := l.Recv(buf)
		if err != nil {
			ch <- result{err: &transport.LinkError{Op: "recv", Endpoint: l.RemoteEndpoint().String(), Err: err}}
			return
		}
		m, err := proto.NewBatchReader(buf[:n]).Next()
		ch <- result{msg: m, err: err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	}
}

// openHandshake runs the initiator side on a fresh link and returns
// the negotiated session parameters.
func (m *Manager) openHandshake(ctx context.Context, l link.Link) (params, error) {
	cfg := m.cfg
	proposal := &proto.Init{
		Version:     proto.Version,
		Zid:         cfg.Zid,
		SeqNumRes:   cfg.SeqNumRes,
		BatchSize:   cfg.BatchSize,
		Multilink:   cfg.Multilink,
		Compression: cfg.Compression,
	}
	if err := sendHandshake(l, func(w *proto.BatchWriter) error { return w.AppendInit(proposal) }); err != nil {
		return params{}, err
	}

	msg, err := recvHandshake(ctx, l)
	if err != nil {
		return params{}, err
	}
	ack, err := expectInitAck(msg)
	if err != nil {
		return params{}, err
	}
	if ack.Version != proto.Version {
		return params{}, &transport.HandshakeError{
			Reason: fmt.Sprintf("peer version 0x%02x, want 0x%02x", ack.Version, proto.Version),
		}
	}
	if ack.SeqNumRes > proposal.SeqNumRes || ack.SeqNumRes < seqnum.MinResolution {
		return params{}, &transport.ProtocolError{
			Reason: fmt.Sprintf("negotiated resolution %d outside proposal", ack.SeqNumRes),
		}
	}
	if ack.BatchSize > proposal.BatchSize || ack.BatchSize < proto.MinBatchSize {
		return params{}, &transport.ProtocolError{
			Reason: fmt.Sprintf("negotiated batch size %d outside proposal", ack.BatchSize),
		}
	}
	space, err := seqnum.NewSpace(ack.SeqNumRes)
	if err != nil {
		return params{}, err
	}

	var initial [transport.NumReliabilities]uint32
	for i := range initial {
		initial[i] = space.Rand()
	}
	open := &proto.Open{Lease: cfg.Lease, InitialSN: initial, Cookie: ack.Cookie}
	if err := sendHandshake(l, func(w *proto.BatchWriter) error { return w.AppendOpen(open) }); err != nil {
		return params{}, err
	}

	msg, err = recvHandshake(ctx, l)
	if err != nil {
		return params{}, err
	}
	oack, err := expectOpenAck(msg)
	if err != nil {
		return params{}, err
	}
	if oack.Lease <= 0 {
		return params{}, &transport.ProtocolError{Reason: "zero lease"}
	}

	return params{
		peer:          ack.Zid,
		initiator:     cfg.Zid,
		space:         space,
		batchSize:     ack.BatchSize,
		localLease:    cfg.Lease,
		peerLease:     oack.Lease,
		initialSN:     initial,
		peerInitialSN: oack.InitialSN,
		multilink:     proposal.Multilink && ack.Multilink,
		compression:   proposal.Compression && ack.Compression,
	}, nil
}

// respond runs the responder side on an inbound link, attaching the
// link to an existing session or creating a new one.
func (m *Manager) respond(ctx context.Context, l link.Link) error {
	msg, err := recvHandshake(ctx, l)
	if err != nil {
		return err
	}
	syn, ok := msg.(*proto.Init)
	if !ok || syn.Ack {
		return &transport.ProtocolError{Reason: "expected init"}
	}

	if syn.Version != proto.Version {
		m.reject(l, proto.CloseUnsupported, false)
		return &transport.HandshakeError{Reason: fmt.Sprintf("peer version 0x%02x", syn.Version)}
	}
	if m.recentProtocolError(syn.Zid) {
		m.reject(l, proto.CloseInvalid, false)
		return &transport.HandshakeError{Reason: "peer recently closed for protocol error"}
	}
	if m.sessionCount() >= m.cfg.MaxSessions && !m.hasSession(syn.Zid) {
		m.reject(l, proto.CloseMaxSessions, true)
		return &transport.HandshakeError{Reason: "session limit reached", CanRetry: true}
	}

	res := syn.SeqNumRes
	if m.cfg.SeqNumRes < res {
		res = m.cfg.SeqNumRes
	}
	if res < seqnum.MinResolution {
		m.reject(l, proto.CloseInvalid, false)
		return &transport.ProtocolError{Reason: fmt.Sprintf("proposed resolution %d too small", syn.SeqNumRes)}
	}
	bs := syn.BatchSize
	if m.cfg.BatchSize < bs {
		bs = m.cfg.BatchSize
	}
	if bs < proto.MinBatchSize {
		m.reject(l, proto.CloseInvalid, false)
		return &transport.ProtocolError{Reason: fmt.Sprintf("proposed batch size %d too small", syn.BatchSize)}
	}
	multilink := syn.Multilink && m.cfg.Multilink
	compression := syn.Compression && m.cfg.Compression

	cookie := m.cookie(syn.Zid, res, bs, multilink, compression)
	ack := &proto.Init{
		Ack:         true,
		Version:     proto.Version,
		Zid:         m.cfg.Zid,
		SeqNumRes:   res,
		BatchSize:   bs,
		Multilink:   multilink,
		Compression: compression,
		Cookie:      cookie,
	}
	if err := sendHandshake(l, func(w *proto.BatchWriter) error { return w.AppendInit(ack) }); err != nil {
		return err
	}

	msg, err = recvHandshake(ctx, l)
	if err != nil {
		return err
	}
	open, ok := msg.(*proto.Open)
	if !ok || open.Ack {
		return &transport.ProtocolError{Reason: "expected open"}
	}
	if subtle.ConstantTimeCompare(open.Cookie, cookie) != 1 {
		m.reject(l, proto.CloseInvalid, false)
		return &transport.ProtocolError{Reason: "cookie mismatch"}
	}
	if open.Lease <= 0 {
		m.reject(l, proto.CloseInvalid, false)
		return &transport.ProtocolError{Reason: "zero lease"}
	}

	space, err := seqnum.NewSpace(res)
	if err != nil {
		return err
	}
	var initial [transport.NumReliabilities]uint32
	for i := range initial {
		initial[i] = space.Rand()
	}
	p := params{
		peer:          syn.Zid,
		initiator:     syn.Zid,
		space:         space,
		batchSize:     bs,
		localLease:    m.cfg.Lease,
		peerLease:     open.Lease,
		initialSN:     initial,
		peerInitialSN: open.InitialSN,
		multilink:     multilink,
		compression:   compression,
	}
	_, attached, err := m.adopt(p, l)
	if err != nil || !attached {
		m.reject(l, proto.CloseGeneric, false)
		if err == nil {
			err = fmt.Errorf("duplicate session with %s", p.peer)
		}
		return err
	}

	oack := &proto.Open{Ack: true, Lease: m.cfg.Lease, InitialSN: initial}
	return sendHandshake(l, func(w *proto.BatchWriter) error { return w.AppendOpen(oack) })
}

// reject answers a handshake with a Close and leaves the link to the
// caller to drop.
func (m *Manager) reject(l link.Link, reason proto.CloseReason, canRetry bool) {
	_ = sendHandshake(l, func(w *proto.BatchWriter) error {
		return w.AppendClose(&proto.Close{Reason: reason, CanRetry: canRetry})
	})
}

func expectInitAck(msg proto.Message) (*proto.Init, error) {
	switch m := msg.(type) {
	case *proto.Init:
		if m.Ack {
			return m, nil
		}
	case *proto.Close:
		return nil, &transport.HandshakeError{Reason: m.Reason.String(), CanRetry: m.CanRetry}
	}
	return nil, &transport.ProtocolError{Reason: "expected init ack"}
}

func expectOpenAck(msg proto.Message) (*proto.Open, error) {
	switch m := msg.(type) {
	case *proto.Open:
		if m.Ack {
			return m, nil
		}
	case *proto.Close:
		return nil, &transport.HandshakeError{Reason: m.Reason.String(), CanRetry: m.CanRetry}
	}
	return nil, &transport.ProtocolError{Reason: "expected open ack"}
}
