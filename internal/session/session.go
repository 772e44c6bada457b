// Package session implements the transport session layer: handshake and
// lifecycle, per-channel sequencing, batching, fragmentation, keep-alive
// liveness, and multi-link bonding on top of the link abstraction.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gezibash/weft/internal/observability"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/proto"
	"github.com/gezibash/weft/pkg/seqnum"
	"github.com/gezibash/weft/pkg/transport"
)

// State is the session lifecycle phase.
type State int32

const (
	StateEstablished State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives session events. Callbacks run on session goroutines;
// a slow HandleMessage stalls delivery on the link that produced it.
type Handler interface {
	HandleMessage(s *Session, msg transport.Message)
	HandleClosed(s *Session, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are
// ignored.
type HandlerFuncs struct {
	OnMessage func(*Session, transport.Message)
	OnClosed  func(*Session, error)
}

func (h HandlerFuncs) HandleMessage(s *Session, msg transport.Message) {
	if h.OnMessage != nil {
		h.OnMessage(s, msg)
	}
}

func (h HandlerFuncs) HandleClosed(s *Session, err error) {
	if h.OnClosed != nil {
		h.OnClosed(s, err)
	}
}

// Config tunes the session layer. Zero values select defaults.
type Config struct {
	// Zid is the local peer identity. Generated when unset.
	Zid transport.Zid

	// SeqNumRes is the proposed sequence-number wrap modulus.
	SeqNumRes uint32

	// BatchSize is the proposed upper bound on batch size. The
	// negotiated value is further capped per link by its MTU.
	BatchSize uint16

	// Lease is the liveness interval announced to peers.
	Lease time.Duration

	// Grace extends the peer's lease before the session is declared
	// dead. Defaults to the peer's lease.
	Grace time.Duration

	// KeepAliveFactor divides the lease to set the probe cadence.
	KeepAliveFactor int

	// QueueSize bounds each per-channel staging queue, in messages.
	QueueSize int

	// ReorderWindow bounds how far ahead of the expected sequence
	// number a reliable channel buffers.
	ReorderWindow uint32

	// DefragLimit bounds a reassembly buffer, in bytes.
	DefragLimit int

	// DrainTimeout bounds how long a graceful close waits for staged
	// messages to reach the wire.
	DrainTimeout time.Duration

	// Multilink advertises support for bonding several links to one
	// session.
	Multilink bool

	// Compression advertises the batch compression extension.
	Compression bool

	// MaxSessions caps concurrently established sessions.
	MaxSessions int

	// HandshakeTimeout bounds each handshake exchange.
	HandshakeTimeout time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (c Config) withDefaults() Config {
	if c.Zid.IsZero() {
		c.Zid = transport.NewZid()
	}
	if c.SeqNumRes == 0 {
		c.SeqNumRes = seqnum.DefaultResolution
	}
	if c.BatchSize == 0 {
		c.BatchSize = proto.DefaultBatchSize
	}
	if c.BatchSize < proto.MinBatchSize {
		c.BatchSize = proto.MinBatchSize
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Second
	}
	if c.KeepAliveFactor <= 0 {
		c.KeepAliveFactor = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ReorderWindow == 0 {
		c.ReorderWindow = 256
	}
	if c.DefragLimit <= 0 {
		c.DefragLimit = 1 << 20
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = time.Second
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1024
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewMetrics()
	}
	return c
}

// params is the negotiated outcome of a handshake.
type params struct {
	peer          transport.Zid
	initiator     transport.Zid
	space         seqnum.Space
	batchSize     uint16
	localLease    time.Duration
	peerLease     time.Duration
	initialSN     [transport.NumReliabilities]uint32
	peerInitialSN [transport.NumReliabilities]uint32
	multilink     bool
	compression   bool
}

// Session is one established transport session with a peer. It owns
// the bonded links, the per-channel sequence state, and the liveness
// loop.
type Session struct {
	cfg     Config
	p       params
	handler Handler
	onClose func(*Session, error)
	log     *slog.Logger
	clk     clock.Clock
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	tx [transport.NumPriorities][transport.NumReliabilities]*txChannel
	rx [transport.NumPriorities][transport.NumReliabilities]*rxChannel

	queues [transport.NumPriorities][transport.NumReliabilities]chan []byte

	linkMu sync.Mutex
	links  []*linkWorker

	lastRx   atomic.Int64
	lastTx   atomic.Int64
	inflight atomic.Int64

	closeOnce sync.Once
	closeMu   sync.Mutex
	closeErr  error
	wg        sync.WaitGroup
}

// linkWorker is one attached link with its tx and rx loops.
type linkWorker struct {
	link   link.Link
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (w *linkWorker) stop() {
	w.once.Do(func() {
		close(w.done)
		_ = w.link.Close()
	})
}

func newSession(cfg Config, p params, handler Handler, onClose func(*Session, error)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		p:       p,
		handler: handler,
		onClose: onClose,
		log: cfg.Logger.With(
			slog.String("peer", p.peer.String()),
		),
		clk:     cfg.Clock,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	for pri := 0; pri < transport.NumPriorities; pri++ {
		for rel := 0; rel < transport.NumReliabilities; rel++ {
			s.tx[pri][rel] = newTxChannel(p.space, p.initialSN[rel])
			s.rx[pri][rel] = newRxChannel(p.space, transport.Reliability(rel), p.peerInitialSN[rel], cfg.ReorderWindow, cfg.DefragLimit)
			s.queues[pri][rel] = make(chan []byte, cfg.QueueSize)
		}
	}
	now := s.clk.Now().UnixNano()
	s.lastRx.Store(now)
	s.lastTx.Store(now)
	s.state.Store(int32(StateEstablished))
	s.metrics.SessionsOpen.Inc()
	s.wg.Add(1)
	go s.leaseLoop()
	return s
}

// Peer returns the remote identity.
func (s *Session) Peer() transport.Zid { return s.p.peer }

// Local returns the local identity.
func (s *Session) Local() transport.Zid { return s.cfg.Zid }

// State returns the lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Multilink reports whether link bonding was negotiated.
func (s *Session) Multilink() bool { return s.p.multilink }

// Lease returns the lease announced by the peer.
func (s *Session) Lease() time.Duration { return s.p.peerLease }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns the close reason once the session is closing or closed.
func (s *Session) Err() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeErr
}

// Links returns a snapshot of the attached links.
func (s *Session) Links() []link.Link {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	out := make([]link.Link, len(s.links))
	for i, w := range s.links {
		out[i] = w.link
	}
	return out
}

// Send stages one message, blocking while the channel's queue is full.
func (s *Session) Send(ctx context.Context, msg transport.Message) error {
	if err := s.checkSend(msg); err != nil {
		return err
	}
	select {
	case s.queues[msg.Priority][msg.Reliability] <- msg.Payload:
		s.wake()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return transport.ErrClosed
	}
}

// TrySend stages one message, failing with ErrCapacity instead of
// blocking.
func (s *Session) TrySend(msg transport.Message) error {
	if err := s.checkSend(msg); err != nil {
		return err
	}
	select {
	case s.queues[msg.Priority][msg.Reliability] <- msg.Payload:
		s.wake()
		return nil
	default:
		s.metrics.DropsTotal.WithLabelValues("queue_full").Inc()
		return transport.ErrCapacity
	}
}

func (s *Session) checkSend(msg transport.Message) error {
	if !msg.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", msg.Priority)
	}
	if !msg.Reliability.Valid() {
		return fmt.Errorf("invalid reliability %d", msg.Reliability)
	}
	if s.State() != StateEstablished {
		return transport.ErrClosed
	}
	return nil
}

func (s *Session) wake() {
	s.linkMu.Lock()
	for _, w := range s.links {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
	s.linkMu.Unlock()
}

// Close tears the session down gracefully: no new sends are accepted,
// staged messages drain onto the links within the drain timeout, and a
// Close message goes out before they detach.
func (s *Session) Close() error {
	if s.state.CompareAndSwap(int32(StateEstablished), int32(StateClosing)) {
		s.drainQueues(s.cfg.DrainTimeout)
	}
	s.teardown(transport.ErrClosed, proto.CloseGeneric, true)
	return nil
}

// drainQueues waits for the staging queues and in-flight transmissions
// to empty, waking the link workers while anything remains.
func (s *Session) drainQueues(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !s.hasLinks() {
			return
		}
		if s.queuesEmpty() && s.inflight.Load() == 0 {
			return
		}
		s.wake()
		time.Sleep(time.Millisecond)
	}
}

func (s *Session) hasLinks() bool {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	return len(s.links) > 0
}

func (s *Session) queuesEmpty() bool {
	for pri := range s.queues {
		for rel := range s.queues[pri] {
			if len(s.queues[pri][rel]) > 0 {
				return false
			}
		}
	}
	return true
}

// attachLink bonds one more link to the session and starts its loops.
func (s *Session) attachLink(l link.Link) error {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	if s.State() != StateEstablished {
		return transport.ErrClosed
	}
	if !s.p.multilink && len(s.links) > 0 {
		return errors.New("multilink not negotiated")
	}
	w := &linkWorker{link: l, notify: make(chan struct{}, 1), done: make(chan struct{})}
	s.links = append(s.links, w)
	s.metrics.LinksOpen.WithLabelValues(l.RemoteEndpoint().Scheme).Inc()
	s.log.Info("link attached",
		slog.String("remote", l.RemoteEndpoint().String()),
		slog.Int("links", len(s.links)))
	s.wg.Add(2)
	go s.txLoop(w)
	go s.rxLoop(w)
	return nil
}

// detachLink removes a failed or stopped link. The session survives as
// long as at least one link remains; losing the last one closes it
// without a close exchange, since there is no path left to carry one.
func (s *Session) detachLink(w *linkWorker, cause error) {
	s.linkMu.Lock()
	found := false
	for i, lw := range s.links {
		if lw == w {
			s.links = append(s.links[:i], s.links[i+1:]...)
			found = true
			break
		}
	}
	remaining := len(s.links)
	s.linkMu.Unlock()
	if !found {
		return
	}
	w.stop()
	s.metrics.LinksOpen.WithLabelValues(w.link.RemoteEndpoint().Scheme).Dec()
	if s.State() != StateEstablished {
		return
	}
	if remaining > 0 {
		s.log.Warn("link lost, session continues",
			slog.String("remote", w.link.RemoteEndpoint().String()),
			slog.Int("links", remaining),
			slog.Any("error", cause))
		return
	}
	if cause == nil {
		cause = transport.ErrClosed
	}
	s.teardown(cause, proto.CloseGeneric, false)
}

// fail closes the session over a protocol violation, notifying the
// peer when a link is still up.
func (s *Session) fail(err error) {
	var perr *transport.ProtocolError
	if !errors.As(err, &perr) {
		err = &transport.ProtocolError{Reason: err.Error()}
	}
	s.teardown(err, proto.CloseInvalid, true)
}

func (s *Session) teardown(reason error, wire proto.CloseReason, sendClose bool) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.closeMu.Lock()
		s.closeErr = reason
		s.closeMu.Unlock()

		if sendClose {
			s.sendCloseMessage(wire)
		}
		s.cancel()

		s.linkMu.Lock()
		links := s.links
		s.links = nil
		s.linkMu.Unlock()
		for _, w := range links {
			w.stop()
			s.metrics.LinksOpen.WithLabelValues(w.link.RemoteEndpoint().Scheme).Dec()
		}

		s.state.Store(int32(StateClosed))
		s.metrics.SessionsOpen.Dec()
		s.metrics.SessionClosesTotal.WithLabelValues(closeKind(reason)).Inc()
		s.log.Info("session closed", slog.String("reason", reason.Error()))

		if s.onClose != nil {
			s.onClose(s, reason)
		}
		if s.handler != nil {
			s.handler.HandleClosed(s, reason)
		}
	})
}

func closeKind(err error) string {
	var perr *transport.ProtocolError
	switch {
	case errors.Is(err, transport.ErrLeaseExpired):
		return "lease_expired"
	case errors.As(err, &perr):
		return "protocol_error"
	case errors.Is(err, transport.ErrClosed):
		return "closed"
	default:
		return "link_failure"
	}
}

func (s *Session) sendCloseMessage(reason proto.CloseReason) {
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
	if err := wr.AppendClose(&proto.Close{Reason: reason}); err != nil {
		return
	}
	_ = s.sendBatch(w, wr.Bytes())
}

func (s *Session) touchRx() { s.lastRx.Store(s.clk.Now().UnixNano()) }
func (s *Session) touchTx() { s.lastTx.Store(s.clk.Now().UnixNano()) }

// budgetFor is the batch size usable on a link: the negotiated batch
// size capped by the link MTU, minus the compression marker byte when
// that extension is active.
func (s *Session) budgetFor(l link.Link) int {
	budget := int(s.p.batchSize)
	if m := l.MTU(); m < budget {
		budget = m
	}
	if s.p.compression {
		budget--
	}
	return budget
}
