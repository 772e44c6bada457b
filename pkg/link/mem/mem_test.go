package mem

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gezibash/weft/pkg/endpoint"
	"github.com/gezibash/weft/pkg/link"
)

func TestPipeRoundTrip(t *testing.T) {
	hub := NewHub(Options{MTU: 128})
	a, b := hub.Pipe()
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 128)
	n, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Errorf("got %q", buf[:n])
	}
}

func TestOversizedSendRejected(t *testing.T) {
	hub := NewHub(Options{MTU: 16})
	a, b := hub.Pipe()
	defer a.Close()
	defer b.Close()

	if err := a.Send(make([]byte, 17)); !errors.Is(err, link.ErrOversized) {
		t.Errorf("want ErrOversized, got %v", err)
	}
}

func TestCloseUnblocksRecv(t *testing.T) {
	hub := NewHub(Options{})
	a, b := hub.Pipe()
	defer b.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := a.Recv(make([]byte, 64))
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = a.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, link.ErrClosed) {
			t.Errorf("want ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock on Close")
	}
}

func TestDialListen(t *testing.T) {
	hub := NewHub(Options{})
	ep := endpoint.Endpoint{Scheme: Scheme, Address: "node-a"}

	l, err := hub.Factory().Listen(context.Background(), ep)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	dialed, err := hub.Dialer().Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer dialed.Close()

	accepted, err := l.Accept(context.Background())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer accepted.Close()

	if err := dialed.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := accepted.Recv(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Recv = %q, %v", buf[:n], err)
	}
}

func TestDialUnknownAddress(t *testing.T) {
	hub := NewHub(Options{})
	_, err := hub.Dialer().Dial(context.Background(), endpoint.Endpoint{Scheme: Scheme, Address: "nobody"})
	if !errors.Is(err, link.ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}
