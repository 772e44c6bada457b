package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
	"github.com/gezibash/weft/pkg/link/mem"
	"github.com/gezibash/weft/pkg/proto"
	"github.com/gezibash/weft/pkg/seqnum"
	"github.com/gezibash/weft/pkg/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type collector struct {
	mu     sync.Mutex
	msgs   []transport.Message
	closed chan error
}

func newCollector() *collector {
	return &collector{closed: make(chan error, 1)}
}

func (c *collector) HandleMessage(_ *Session, m transport.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) HandleClosed(_ *Session, err error) {
	select {
	case c.closed <- err:
	default:
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) snapshot() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.msgs...)
}

type pairEnv struct {
	hub    *mem.Hub
	ep     endpoint.Endpoint
	ma, mb *Manager
	ca, cb *collector
	sa, sb *Session
}

func newTestPair(t *testing.T, mtu int, tune func(a, b *Config)) *pairEnv {
	t.Helper()
	env := &pairEnv{
		hub: mem.NewHub(mem.Options{MTU: mtu}),
		ep:  endpoint.Endpoint{Scheme: mem.Scheme, Address: "responder"},
		ca:  newCollector(),
		cb:  newCollector(),
	}

	cfgA := Config{Logger: quietLogger()}
	cfgB := Config{Logger: quietLogger()}
	if tune != nil {
		tune(&cfgA, &cfgB)
	}

	regA := link.NewRegistry()
	regA.RegisterDialer(env.hub.Dialer())
	regB := link.NewRegistry()
	regB.RegisterListener(env.hub.Factory())

	var err error
	env.mb, err = NewManager(cfgB, regB, env.cb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = env.mb.Close() })
	if err := env.mb.Listen(env.ep); err != nil {
		t.Fatal(err)
	}

	env.ma, err = NewManager(cfgA, regA, env.ca)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = env.ma.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.sa, err = env.ma.Open(ctx, env.ep)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		s, ok := env.mb.Session(env.ma.Zid())
		env.sb = s
		return ok
	}, "responder session not established")
	return env
}

func TestSessionRoundTrip(t *testing.T) {
	env := newTestPair(t, 8192, nil)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		msg := transport.Message{
			Priority:    transport.PriorityData,
			Reliability: transport.Reliable,
			Payload:     []byte(fmt.Sprintf("msg-%03d", i)),
		}
		if err := env.sa.Send(ctx, msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return env.cb.count() == n }, "messages not delivered")

	for i, m := range env.cb.snapshot() {
		want := fmt.Sprintf("msg-%03d", i)
		if string(m.Payload) != want {
			t.Fatalf("message %d = %q, want %q", i, m.Payload, want)
		}
		if m.Priority != transport.PriorityData || m.Reliability != transport.Reliable {
			t.Fatalf("message %d channel = %v/%v", i, m.Priority, m.Reliability)
		}
	}

	// And the other direction.
	if err := env.sb.Send(ctx, transport.Message{
		Priority:    transport.PriorityControl,
		Reliability: transport.Reliable,
		Payload:     []byte("pong"),
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return env.ca.count() == 1 }, "reply not delivered")
}

func TestHandshakeAdoptsPeerInitialSN(t *testing.T) {
	env := newTestPair(t, 8192, nil)

	// Each side's receive channels start at the initial sequence
	// numbers the peer announced, not at whatever arrives first.
	for rel := 0; rel < transport.NumReliabilities; rel++ {
		rxB := env.sb.rx[transport.PriorityData][rel]
		rxB.mu.Lock()
		got := rxB.next
		rxB.mu.Unlock()
		if want := env.sa.p.initialSN[rel]; got != want {
			t.Errorf("responder channel rel=%d starts at %d, want announced %d", rel, got, want)
		}

		rxA := env.sa.rx[transport.PriorityData][rel]
		rxA.mu.Lock()
		got = rxA.next
		rxA.mu.Unlock()
		if want := env.sb.p.initialSN[rel]; got != want {
			t.Errorf("initiator channel rel=%d starts at %d, want announced %d", rel, got, want)
		}
	}
}

func TestChannelOrderingIndependent(t *testing.T) {
	env := newTestPair(t, 8192, nil)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		if err := env.sa.Send(ctx, transport.Message{
			Priority:    transport.PriorityData,
			Reliability: transport.Reliable,
			Payload:     []byte(fmt.Sprintf("rel-%02d", i)),
		}); err != nil {
			t.Fatal(err)
		}
		if err := env.sa.Send(ctx, transport.Message{
			Priority:    transport.PriorityBackground,
			Reliability: transport.BestEffort,
			Payload:     []byte(fmt.Sprintf("be-%02d", i)),
		}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return env.cb.count() == 2*n }, "messages not delivered")

	var rel, be int
	for _, m := range env.cb.snapshot() {
		switch m.Reliability {
		case transport.Reliable:
			if want := fmt.Sprintf("rel-%02d", rel); string(m.Payload) != want {
				t.Fatalf("reliable channel out of order: got %q, want %q", m.Payload, want)
			}
			rel++
		case transport.BestEffort:
			if want := fmt.Sprintf("be-%02d", be); string(m.Payload) != want {
				t.Fatalf("best-effort channel out of order: got %q, want %q", m.Payload, want)
			}
			be++
		}
	}
	if rel != n || be != n {
		t.Errorf("delivered %d reliable, %d best effort, want %d each", rel, be, n)
	}
}

func TestLargeMessageFragmentation(t *testing.T) {
	env := newTestPair(t, 256, nil)
	ctx := context.Background()

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	if err := env.sa.Send(ctx, transport.Message{
		Priority:    transport.PriorityData,
		Reliability: transport.Reliable,
		Payload:     payload,
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return env.cb.count() == 1 }, "fragmented message not delivered")
	got := env.cb.snapshot()[0]
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("reassembled payload differs: %d bytes, want %d", len(got.Payload), len(payload))
	}
}

func TestCompressionNegotiated(t *testing.T) {
	env := newTestPair(t, 8192, func(a, b *Config) {
		a.Compression = true
		b.Compression = true
	})
	ctx := context.Background()

	payload := bytes.Repeat([]byte("weft"), 512)
	if err := env.sa.Send(ctx, transport.Message{
		Priority:    transport.PriorityData,
		Reliability: transport.Reliable,
		Payload:     payload,
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return env.cb.count() == 1 }, "compressed message not delivered")
	if !bytes.Equal(env.cb.snapshot()[0].Payload, payload) {
		t.Error("payload corrupted through compression")
	}
}

func TestGracefulClose(t *testing.T) {
	env := newTestPair(t, 8192, nil)

	if err := env.sa.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-env.cb.closed:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("responder close reason = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("responder never observed the close")
	}
	waitFor(t, 2*time.Second, func() bool { return len(env.mb.Sessions()) == 0 }, "responder registry not cleaned up")
	waitFor(t, 2*time.Second, func() bool { return len(env.ma.Sessions()) == 0 }, "initiator registry not cleaned up")
	if env.sa.State() != StateClosed {
		t.Errorf("initiator state = %v", env.sa.State())
	}
	if _, ok := env.mb.LastClose(env.ma.Zid()); !ok {
		t.Error("close not recorded")
	}

	if err := env.sa.Send(context.Background(), transport.Message{Payload: []byte("x")}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("send on closed session = %v, want ErrClosed", err)
	}
}

func TestMultilinkBonding(t *testing.T) {
	env := newTestPair(t, 8192, func(a, b *Config) {
		a.Multilink = true
		b.Multilink = true
	})
	ctx := context.Background()

	second, err := env.ma.Open(ctx, env.ep)
	if err != nil {
		t.Fatalf("open second link: %v", err)
	}
	if second != env.sa {
		t.Fatal("second open did not bond to the existing session")
	}
	waitFor(t, 2*time.Second, func() bool { return len(env.sa.Links()) == 2 }, "initiator did not bond second link")
	waitFor(t, 2*time.Second, func() bool { return len(env.sb.Links()) == 2 }, "responder did not bond second link")

	// Losing one link leaves the session up.
	_ = env.sa.Links()[0].Close()
	waitFor(t, 2*time.Second, func() bool { return len(env.sa.Links()) == 1 }, "initiator kept the dead link")
	waitFor(t, 2*time.Second, func() bool { return len(env.sb.Links()) == 1 }, "responder kept the dead link")
	if env.sa.State() != StateEstablished || env.sb.State() != StateEstablished {
		t.Fatalf("states after link loss: %v, %v", env.sa.State(), env.sb.State())
	}

	if err := env.sa.Send(ctx, transport.Message{
		Priority:    transport.PriorityData,
		Reliability: transport.Reliable,
		Payload:     []byte("still here"),
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return env.cb.count() == 1 }, "message lost after link failover")

	// Losing the last link closes the session outright.
	_ = env.sa.Links()[0].Close()
	waitFor(t, 2*time.Second, func() bool { return env.sa.State() == StateClosed }, "initiator not closed after last link loss")
	waitFor(t, 2*time.Second, func() bool { return env.sb.State() == StateClosed }, "responder not closed after last link loss")
}

func TestHandshakeVersionMismatch(t *testing.T) {
	hub := mem.NewHub(mem.Options{})
	ep := endpoint.Endpoint{Scheme: mem.Scheme, Address: "responder"}
	reg := link.NewRegistry()
	reg.RegisterListener(hub.Factory())
	m, err := NewManager(Config{Logger: quietLogger()}, reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if err := m.Listen(ep); err != nil {
		t.Fatal(err)
	}

	raw, err := hub.Dialer().Dial(context.Background(), ep)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	wr := proto.NewBatchWriter(raw.MTU())
	if err := wr.AppendInit(&proto.Init{
		Version:   proto.Version + 1,
		Zid:       transport.NewZid(),
		SeqNumRes: seqnum.DefaultResolution,
		BatchSize: 8192,
	}); err != nil {
		t.Fatal(err)
	}
	if err := raw.Send(wr.Bytes()); err != nil {
		t.Fatal(err)
	}

	cl, ok := recvRaw(t, raw).(*proto.Close)
	if !ok {
		t.Fatal("expected close")
	}
	if cl.Reason != proto.CloseUnsupported {
		t.Errorf("reason = %v, want %v", cl.Reason, proto.CloseUnsupported)
	}
	if cl.CanRetry {
		t.Error("version mismatch must not be retryable")
	}
}

func TestHandshakeCookieMismatch(t *testing.T) {
	hub := mem.NewHub(mem.Options{})
	ep := endpoint.Endpoint{Scheme: mem.Scheme, Address: "responder"}
	reg := link.NewRegistry()
	reg.RegisterListener(hub.Factory())
	m, err := NewManager(Config{Logger: quietLogger()}, reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if err := m.Listen(ep); err != nil {
		t.Fatal(err)
	}

	raw, err := hub.Dialer().Dial(context.Background(), ep)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	wr := proto.NewBatchWriter(raw.MTU())
	if err := wr.AppendInit(&proto.Init{
		Version:   proto.Version,
		Zid:       transport.NewZid(),
		SeqNumRes: seqnum.DefaultResolution,
		BatchSize: 8192,
	}); err != nil {
		t.Fatal(err)
	}
	if err := raw.Send(wr.Bytes()); err != nil {
		t.Fatal(err)
	}
	ack, ok := recvRaw(t, raw).(*proto.Init)
	if !ok || !ack.Ack {
		t.Fatal("expected init ack")
	}

	cookie := append([]byte(nil), ack.Cookie...)
	cookie[0] ^= 0xff
	wr.Reset()
	if err := wr.AppendOpen(&proto.Open{Lease: time.Second, Cookie: cookie}); err != nil {
		t.Fatal(err)
	}
	if err := raw.Send(wr.Bytes()); err != nil {
		t.Fatal(err)
	}

	cl, ok := recvRaw(t, raw).(*proto.Close)
	if !ok {
		t.Fatal("expected close")
	}
	if cl.Reason != proto.CloseInvalid {
		t.Errorf("reason = %v, want %v", cl.Reason, proto.CloseInvalid)
	}
}

func recvRaw(t *testing.T, l link.Link) proto.Message {
	t.Helper()
	type result struct {
		msg proto.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, l.MTU())
		n, err := l.Recv(buf)
		if err != nil {
			ch <- result{err: err}
			return
		}
		msg, err := proto.NewBatchReader(buf[:n]).Next()
		ch <- result{msg: msg, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("recv: %v", r.err)
		}
		return r.msg
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func TestSimultaneousOpenTieBreak(t *testing.T) {
	hub := mem.NewHub(mem.Options{})
	low := transport.Zid{0x01}
	high := transport.Zid{0xff}
	sp, err := seqnum.NewSpace(seqnum.DefaultResolution)
	if err != nil {
		t.Fatal(err)
	}

	mk := func(local transport.Zid) *Manager {
		m, err := NewManager(Config{Zid: local, Logger: quietLogger()}, link.NewRegistry(), nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = m.Close() })
		return m
	}
	base := func(peer, initiator transport.Zid) params {
		return params{
			peer:       peer,
			initiator:  initiator,
			space:      sp,
			batchSize:  8192,
			localLease: time.Second,
			peerLease:  time.Second,
		}
	}

	// Local identity is the smaller: the locally initiated session
	// survives a concurrent inbound open.
	m := mk(low)
	la, _ := hub.Pipe()
	s1, attached, err := m.adopt(base(high, low), la)
	if err != nil || !attached {
		t.Fatalf("first adopt: attached=%v err=%v", attached, err)
	}
	lb, _ := hub.Pipe()
	s2, attached, err := m.adopt(base(high, high), lb)
	if err != nil {
		t.Fatal(err)
	}
	if attached {
		t.Error("losing open must not take the link")
	}
	if s2 != s1 {
		t.Error("existing session should survive")
	}

	// Local identity is the larger: the peer-initiated session wins
	// and replaces ours.
	m2 := mk(high)
	lc, _ := hub.Pipe()
	s3, _, err := m2.adopt(base(low, high), lc)
	if err != nil {
		t.Fatal(err)
	}
	ld, _ := hub.Pipe()
	s4, attached, err := m2.adopt(base(low, low), ld)
	if err != nil || !attached {
		t.Fatalf("replacement adopt: attached=%v err=%v", attached, err)
	}
	if s4 == s3 {
		t.Error("expected a replacement session")
	}
	waitFor(t, 2*time.Second, func() bool { return s3.State() == StateClosed }, "losing session not closed")
}
