package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gezibash/weft/pkg/seqnum"
	"github.com/gezibash/weft/pkg/transport"
)

func newSpace(t *testing.T, res uint32) seqnum.Space {
	t.Helper()
	sp, err := seqnum.NewSpace(res)
	if err != nil {
		t.Fatal(err)
	}
	return sp
}

func frameEntry(payloads ...string) rxEntry {
	e := rxEntry{}
	for _, p := range payloads {
		e.payloads = append(e.payloads, []byte(p))
	}
	return e
}

func fragEntry(p string, more bool) rxEntry {
	return rxEntry{fragment: []byte(p), isFrag: true, fragMore: more}
}

func isProtocolError(err error) bool {
	var perr *transport.ProtocolError
	return errors.As(err, &perr)
}

func TestReliableInOrderDelivery(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.Reliable, 5, 64, 1<<20)

	var got []string
	for sn := uint32(5); sn < 8; sn++ {
		out, err := c.receive(sn, frameEntry("m"+string(rune('0'+sn))))
		if err != nil {
			t.Fatalf("receive %d: %v", sn, err)
		}
		for _, p := range out {
			got = append(got, string(p))
		}
	}
	want := []string{"m5", "m6", "m7"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReliableHoldsFirstArrivalAboveInitial(t *testing.T) {
	// Bonded links can deliver a channel's first frames out of order.
	// The channel starts at the initial sequence number announced in
	// the handshake, so an early arrival of a later frame is buffered
	// instead of becoming the sync point.
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.Reliable, 100, 64, 1<<20)

	out, err := c.receive(102, frameEntry("m102"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("frame 102 delivered before 100 and 101")
	}
	var got []string
	for _, st := range []struct {
		sn  uint32
		msg string
	}{{100, "m100"}, {101, "m101"}} {
		out, err = c.receive(st.sn, frameEntry(st.msg))
		if err != nil {
			t.Fatalf("receive %d: %v", st.sn, err)
		}
		for _, p := range out {
			got = append(got, string(p))
		}
	}
	want := []string{"m100", "m101", "m102"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReliableReorder(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.Reliable, 10, 64, 1<<20)

	// The channel starts at 10; deliver 12 and 13 ahead of 11.
	if _, err := c.receive(10, frameEntry("a")); err != nil {
		t.Fatal(err)
	}
	for _, sn := range []uint32{12, 13} {
		out, err := c.receive(sn, frameEntry("x"))
		if err != nil {
			t.Fatalf("receive %d: %v", sn, err)
		}
		if len(out) != 0 {
			t.Fatalf("receive %d delivered early", sn)
		}
	}
	out, err := c.receive(11, frameEntry("b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("gap fill delivered %d messages, want 3", len(out))
	}
	if string(out[0]) != "b" {
		t.Errorf("first delivery = %q, want %q", out[0], "b")
	}
}

func TestReliableDuplicateRejected(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.Reliable, 3, 64, 1<<20)

	if _, err := c.receive(3, frameEntry("a")); err != nil {
		t.Fatal(err)
	}
	out, err := c.receive(3, frameEntry("a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("duplicate delivered %d messages", len(out))
	}
}

func TestReliableWindowExceeded(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.Reliable, 0, 8, 1<<20)

	if _, err := c.receive(0, frameEntry("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.receive(100, frameEntry("far")); !isProtocolError(err) {
		t.Errorf("want protocol error for gap beyond window, got %v", err)
	}
}

func TestReliableFragmentReassembly(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.Reliable, 0, 64, 1<<20)

	// The final fragment overtakes the middle one; reordering must
	// hide it from reassembly.
	steps := []struct {
		sn uint32
		e  rxEntry
	}{
		{0, fragEntry("aa", true)},
		{2, fragEntry("cc", false)},
		{1, fragEntry("bb", true)},
	}
	var got []byte
	for i, st := range steps {
		out, err := c.receive(st.sn, st.e)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		for _, p := range out {
			got = append(got, p...)
		}
	}
	if !bytes.Equal(got, []byte("aabbcc")) {
		t.Errorf("reassembled %q, want %q", got, "aabbcc")
	}
}

func TestReliableFrameInterruptsFragmentTrain(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.Reliable, 0, 64, 1<<20)

	if _, err := c.receive(0, fragEntry("aa", true)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.receive(1, frameEntry("whole")); !isProtocolError(err) {
		t.Errorf("want protocol error, got %v", err)
	}
}

func TestReliableReassemblyLimit(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.Reliable, 0, 64, 4)

	if _, err := c.receive(0, fragEntry("abc", true)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.receive(1, fragEntry("def", true)); !isProtocolError(err) {
		t.Errorf("want protocol error for oversized reassembly, got %v", err)
	}
}

func TestBestEffortGapTolerated(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.BestEffort, 1, 64, 1<<20)

	out, err := c.receive(1, frameEntry("a"))
	if err != nil || len(out) != 1 {
		t.Fatalf("receive 1 = %v, %v", out, err)
	}
	// 2 was lost.
	out, err = c.receive(3, frameEntry("c"))
	if err != nil || len(out) != 1 || string(out[0]) != "c" {
		t.Fatalf("receive 3 = %v, %v", out, err)
	}
}

func TestBestEffortLateDropped(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.BestEffort, 5, 64, 1<<20)

	if _, err := c.receive(5, frameEntry("a")); err != nil {
		t.Fatal(err)
	}
	out, err := c.receive(3, frameEntry("late"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("late frame delivered %d messages", len(out))
	}
}

func TestBestEffortFragmentGapDropsPartial(t *testing.T) {
	c := newRxChannel(newSpace(t, seqnum.DefaultResolution), transport.BestEffort, 0, 64, 1<<20)

	if _, err := c.receive(0, fragEntry("aa", true)); err != nil {
		t.Fatal(err)
	}
	// Fragment 1 lost; the train resumes mid-message at 2.
	out, err := c.receive(2, fragEntry("cc", false))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("partial message delivered: %q", out)
	}
	// The next complete message goes through untouched.
	out, err = c.receive(3, frameEntry("next"))
	if err != nil || len(out) != 1 || string(out[0]) != "next" {
		t.Fatalf("post-drop delivery = %v, %v", out, err)
	}
}

func TestReliableWrapAround(t *testing.T) {
	sp := newSpace(t, 16)
	c := newRxChannel(sp, transport.Reliable, 14, 4, 1<<20)

	var got []string
	for i, sn := range []uint32{14, 15, 0, 1} {
		out, err := c.receive(sn, frameEntry(string(rune('a'+i))))
		if err != nil {
			t.Fatalf("receive %d: %v", sn, err)
		}
		for _, p := range out {
			got = append(got, string(p))
		}
	}
	if len(got) != 4 || got[3] != "d" {
		t.Errorf("wrap delivery = %v", got)
	}
}
