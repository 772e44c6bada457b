package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/gezibash/weft/internal/observability"
	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/proto"
	"github.com/gezibash/weft/pkg/transport"
)

// recentClosedSize bounds the cache of recently closed peers.
const recentClosedSize = 256

type closeRecord struct {
	err error
	at  time.Time
}

// Manager owns the session registry, the listeners, and the handshake
// machinery. One manager is one transport-layer peer.
type Manager struct {
	cfg     Config
	reg     *link.Registry
	handler Handler
	log     *slog.Logger
	clk     clock.Clock
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group

	// secret keys the stateless handshake cookie. Rotates with the
	// process; a cookie never outlives its handshake anyway.
	secret [32]byte

	mu        sync.Mutex
	closed    bool
	sessions  map[transport.Zid]*Session
	listeners []link.Listener

	recent *lru.Cache[transport.Zid, closeRecord]
}

// NewManager builds a manager over the given link registry.
func NewManager(cfg Config, reg *link.Registry, handler Handler) (*Manager, error) {
	cfg = cfg.withDefaults()
	recent, err := lru.New[transport.Zid, closeRecord](recentClosedSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		handler:  handler,
		log:      cfg.Logger.With(slog.String("zid", cfg.Zid.String())),
		clk:      cfg.Clock,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[transport.Zid]*Session),
		recent:   recent,
	}
	if _, err := rand.Read(m.secret[:]); err != nil {
		cancel()
		return nil, fmt.Errorf("cookie secret: %w", err)
	}
	return m, nil
}

// Zid returns the local identity.
func (m *Manager) Zid() transport.Zid { return m.cfg.Zid }

// Listen binds a listener on ep and accepts inbound sessions until
// the manager closes.
func (m *Manager) Listen(ep endpoint.Endpoint) error {
	lst, err := m.reg.Listen(m.ctx, ep)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = lst.Close()
		return transport.ErrClosed
	}
	m.listeners = append(m.listeners, lst)
	m.mu.Unlock()

	m.log.Info("listening", slog.String("endpoint", lst.Endpoint().String()))
	m.eg.Go(func() error {
		m.acceptLoop(lst)
		return nil
	})
	return nil
}

func (m *Manager) acceptLoop(lst link.Listener) {
	for {
		l, err := lst.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil && !errors.Is(err, link.ErrClosed) {
				m.log.Warn("accept failed",
					slog.String("endpoint", lst.Endpoint().String()),
					slog.Any("error", err))
			}
			return
		}
		m.eg.Go(func() error {
			m.handleInbound(l)
			return nil
		})
	}
}

func (m *Manager) handleInbound(l link.Link) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	if err := m.respond(ctx, l); err != nil {
		m.metrics.HandshakesTotal.WithLabelValues("rejected").Inc()
		m.log.Debug("inbound handshake failed",
			slog.String("remote", l.RemoteEndpoint().String()),
			slog.Any("error", err))
		_ = l.Close()
		return
	}
	m.metrics.HandshakesTotal.WithLabelValues("accepted").Inc()
}

// Open dials ep and establishes a session with whoever answers. When a
// session with that peer already exists and multilink was negotiated,
// the new link is bonded to it instead.
func (m *Manager) Open(ctx context.Context, ep endpoint.Endpoint) (*Session, error) {
	if m.isClosed() {
		return nil, transport.ErrClosed
	}
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	l, err := m.reg.Dial(hctx, ep)
	if err != nil {
		m.metrics.HandshakesTotal.WithLabelValues("dial_failed").Inc()
		return nil, err
	}
	p, err := m.openHandshake(hctx, l)
	if err != nil {
		m.metrics.HandshakesTotal.WithLabelValues("failed").Inc()
		_ = l.Close()
		return nil, err
	}
	sess, attached, err := m.adopt(p, l)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	if !attached {
		// A session initiated by the tie-break winner already exists;
		// the fresh link is surplus.
		_ = l.Close()
	}
	m.metrics.HandshakesTotal.WithLabelValues("opened").Inc()
	return sess, nil
}

// adopt installs the handshake outcome: bond the link to an existing
// multilink session, resolve a simultaneous open, or create a new
// session. attached reports whether the link was taken.
func (m *Manager) adopt(p params, l link.Link) (sess *Session, attached bool, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, transport.ErrClosed
	}
	if existing, ok := m.sessions[p.peer]; ok {
		if existing.p.multilink && p.multilink {
			m.mu.Unlock()
			if err := existing.attachLink(l); err != nil {
				return nil, false, err
			}
			return existing, true, nil
		}
		// Simultaneous open: the session initiated by the smaller
		// identity survives on both peers.
		winner := m.cfg.Zid
		if p.peer.Less(winner) {
			winner = p.peer
		}
		if existing.p.initiator == winner {
			m.mu.Unlock()
			return existing, false, nil
		}
		delete(m.sessions, p.peer)
		go func() { _ = existing.Close() }()
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, false, errors.New("session limit reached")
	}
	sess = newSession(m.cfg, p, m.handler, m.removeSession)
	m.sessions[p.peer] = sess
	m.mu.Unlock()

	if err := sess.attachLink(l); err != nil {
		sess.teardown(err, proto.CloseGeneric, false)
		return nil, false, err
	}
	m.log.Info("session established",
		slog.String("peer", p.peer.String()),
		slog.String("remote", l.RemoteEndpoint().String()),
		slog.Bool("multilink", p.multilink),
		slog.Bool("compression", p.compression))
	return sess, true, nil
}

func (m *Manager) removeSession(s *Session, reason error) {
	m.mu.Lock()
	if m.sessions[s.p.peer] == s {
		delete(m.sessions, s.p.peer)
	}
	m.mu.Unlock()
	m.recent.Add(s.p.peer, closeRecord{err: reason, at: m.clk.Now()})
}

// Session returns the established session with the given peer.
func (m *Manager) Session(zid transport.Zid) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[zid]
	return s, ok
}

// Sessions returns a snapshot of the established sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// LastClose reports why the most recent session with zid ended.
func (m *Manager) LastClose(zid transport.Zid) (error, bool) {
	rec, ok := m.recent.Get(zid)
	if !ok {
		return nil, false
	}
	return rec.err, true
}

func (m *Manager) hasSession(zid transport.Zid) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[zid]
	return ok
}

func (m *Manager) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// recentProtocolError reports whether zid's previous session died of a
// protocol violation inside the cooldown window. Such peers are
// refused rather than allowed to churn.
func (m *Manager) recentProtocolError(zid transport.Zid) bool {
	rec, ok := m.recent.Get(zid)
	if !ok {
		return false
	}
	var perr *transport.ProtocolError
	if !errors.As(rec.err, &perr) {
		return false
	}
	return m.clk.Now().Sub(rec.at) < m.cfg.Lease
}

// cookie MACs the negotiated parameters under the manager secret. The
// responder holds no handshake state; the Open echo proves the peer
// saw the InitAck and pins the negotiation.
func (m *Manager) cookie(zid transport.Zid, res uint32, bs uint16, multilink, compression bool) []byte {
	h, _ := blake2b.New256(m.secret[:])
	var b [23]byte
	copy(b[:16], zid[:])
	binary.BigEndian.PutUint32(b[16:20], res)
	binary.BigEndian.PutUint16(b[20:22], bs)
	var ext uint8
	if multilink {
		ext |= 1
	}
	if compression {
		ext |= 2
	}
	b[22] = ext
	h.Write(b[:])
	return h.Sum(nil)[:16]
}

// Close stops the listeners and closes every session gracefully.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listeners := m.listeners
	m.listeners = nil
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.cancel()
	for _, lst := range listeners {
		_ = lst.Close()
	}
	for _, s := range sessions {
		_ = s.Close()
	}
	return m.eg.Wait()
}
