package proto

import (
	"fmt"
	"io"
	"time"

	"github.com/multiformats/go-varint"

	"github.com/gezibash/weft/pkg/transport"
)

// BatchWriter packs messages into one MTU-bounded batch. Appends fail
// with ErrBatchFull rather than ever constructing an oversized batch.
type BatchWriter struct {
	buf       []byte
	mtu       int
	frameMark int // start of an open frame, -1 when none
	payloads  int // payloads appended to the open frame
	messages  int
}

// NewBatchWriter returns a writer for batches of at most mtu bytes.
func NewBatchWriter(mtu int) *BatchWriter {
	if mtu > MaxBatchSize {
		mtu = MaxBatchSize
	}
	return &BatchWriter{buf: make([]byte, 0, mtu), mtu: mtu, frameMark: -1}
}

// Reset clears the writer for the next batch.
func (w *BatchWriter) Reset() {
	w.buf = w.buf[:0]
	w.frameMark = -1
	w.payloads = 0
	w.messages = 0
}

// Len returns the bytes written so far.
func (w *BatchWriter) Len() int { return len(w.buf) }

// Remaining returns the capacity left before the MTU boundary.
func (w *BatchWriter) Remaining() int { return w.mtu - len(w.buf) }

// Empty reports whether nothing has been written.
func (w *BatchWriter) Empty() bool { return len(w.buf) == 0 }

// Messages returns the number of messages packed, counting an open
// frame as one.
func (w *BatchWriter) Messages() int { return w.messages }

// Bytes returns the encoded batch. An open frame with no payloads is a
// caller bug; AbortFrame first.
func (w *BatchWriter) Bytes() []byte { return w.buf }

func (w *BatchWriter) append(b []byte) error {
	if len(w.buf)+len(b) > w.mtu {
		return ErrBatchFull
	}
	w.buf = append(w.buf, b...)
	return nil
}

func (w *BatchWriter) appendMessage(b []byte) error {
	if w.frameMark >= 0 {
		// A frame's payload section runs to the end of the batch, so
		// nothing may follow it.
		return ErrBatchFull
	}
	if err := w.append(b); err != nil {
		return err
	}
	w.messages++
	return nil
}

// AppendInit encodes an Init or InitAck.
func (w *BatchWriter) AppendInit(m *Init) error {
	h := idInit
	if m.Ack {
		h |= flagAck
	}
	ext := uint8(0)
	if m.Multilink {
		ext |= extMultilink
	}
	if m.Compression {
		ext |= extCompression
	}
	b := make([]byte, 0, 32+len(m.Cookie))
	b = append(b, h, m.Version)
	b = append(b, m.Zid[:]...)
	b = appendUvarint(b, uint64(m.SeqNumRes))
	b = appendUvarint(b, uint64(m.BatchSize))
	b = append(b, ext)
	if m.Ack {
		if len(m.Cookie) > MaxCookieSize {
			return fmt.Errorf("%w: cookie too large", ErrMalformed)
		}
		b = appendUvarint(b, uint64(len(m.Cookie)))
		b = append(b, m.Cookie...)
	}
	return w.appendMessage(b)
}

// AppendOpen encodes an Open or OpenAck.
func (w *BatchWriter) AppendOpen(m *Open) error {
	h := idOpen
	if m.Ack {
		h |= flagAck
	}
	b := make([]byte, 0, 24+len(m.Cookie))
	b = append(b, h)
	b = appendUvarint(b, uint64(m.Lease/time.Millisecond))
	for _, sn := range m.InitialSN {
		b = appendUvarint(b, uint64(sn))
	}
	if !m.Ack {
		if len(m.Cookie) > MaxCookieSize {
			return fmt.Errorf("%w: cookie too large", ErrMalformed)
		}
		b = appendUvarint(b, uint64(len(m.Cookie)))
		b = append(b, m.Cookie...)
	}
	return w.appendMessage(b)
}

// AppendClose encodes a Close.
func (w *BatchWriter) AppendClose(m *Close) error {
	h := idClose
	if m.CanRetry {
		h |= flagRetry
	}
	return w.appendMessage([]byte{h, uint8(m.Reason)})
}

// AppendKeepAlive encodes a KeepAlive probe.
func (w *BatchWriter) AppendKeepAlive() error {
	return w.appendMessage([]byte{idKeepAlive})
}

// BeginFrame opens a frame for the given channel. Exactly one frame or
// fragment may end a batch.
func (w *BatchWriter) BeginFrame(p transport.Priority, r transport.Reliability, sn uint32) error {
	if w.frameMark >= 0 {
		return ErrBatchFull
	}
	b := make([]byte, 0, 8)
	b = append(b, idFrame, channelID(p, r))
	b = appendUvarint(b, uint64(sn))
	mark := len(w.buf)
	if err := w.append(b); err != nil {
		return err
	}
	w.frameMark = mark
	w.payloads = 0
	return nil
}

// AppendPayload adds one length-prefixed payload to the open frame.
func (w *BatchWriter) AppendPayload(p []byte) error {
	if w.frameMark < 0 {
		return fmt.Errorf("%w: no open frame", ErrMalformed)
	}
	need := varint.UvarintSize(uint64(len(p))) + len(p)
	if w.Remaining() < need {
		return ErrBatchFull
	}
	w.buf = appendUvarint(w.buf, uint64(len(p)))
	w.buf = append(w.buf, p...)
	w.payloads++
	return nil
}

// FramePayloads returns the payload count of the open frame.
func (w *BatchWriter) FramePayloads() int { return w.payloads }

// AbortFrame rolls back an open frame that received no payloads.
func (w *BatchWriter) AbortFrame() {
	if w.frameMark < 0 || w.payloads > 0 {
		return
	}
	w.buf = w.buf[:w.frameMark]
	w.frameMark = -1
}

// EndFrame closes the open frame.
func (w *BatchWriter) EndFrame() {
	if w.frameMark < 0 {
		return
	}
	w.frameMark = -1
	w.messages++
}

// AppendFragment encodes one fragment. The chunk runs to the end of
// the batch, so the fragment must be the final message; the returned
// count is the number of chunk bytes consumed, letting the caller slice
// the next fragment.
func (w *BatchWriter) AppendFragment(p transport.Priority, r transport.Reliability, sn uint32, chunk []byte, more bool) (int, error) {
	if w.frameMark >= 0 {
		return 0, ErrBatchFull
	}
	h := idFragment
	head := make([]byte, 0, 8)
	head = append(head, h, channelID(p, r))
	head = appendUvarint(head, uint64(sn))

	room := w.Remaining() - len(head)
	if room <= 0 {
		return 0, ErrBatchFull
	}
	n := len(chunk)
	if n > room {
		n = room
		more = true
	}
	if more {
		head[0] |= flagMore
	}
	w.buf = append(w.buf, head...)
	w.buf = append(w.buf, chunk[:n]...)
	w.messages++
	return n, nil
}

// BatchReader decodes the messages of one batch in order.
type BatchReader struct {
	buf []byte
	off int
}

// NewBatchReader wraps a received batch.
func NewBatchReader(b []byte) *BatchReader {
	return &BatchReader{buf: b}
}

// Next returns the next message, or io.EOF at the end of the batch.
func (r *BatchReader) Next() (Message, error) {
	if r.off >= len(r.buf) {
		return nil, io.EOF
	}
	h := r.buf[r.off]
	r.off++

	switch h & idMask {
	case idInit:
		return r.readInit(h&flagAck != 0)
	case idOpen:
		return r.readOpen(h&flagAck != 0)
	case idClose:
		return r.readClose(h&flagRetry != 0)
	case idKeepAlive:
		return &KeepAlive{}, nil
	case idFrame:
		return r.readFrame()
	case idFragment:
		return r.readFragment(h&flagMore != 0)
	default:
		return nil, fmt.Errorf("%w: id 0x%02x", ErrMalformed, h&idMask)
	}
}

func (r *BatchReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *BatchReader) uvarint() (uint64, error) {
	v, n, err := varint.FromUvarint(r.buf[r.off:])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r.off += n
	return v, nil
}

func (r *BatchReader) readInit(ack bool) (Message, error) {
	ver, err := r.take(1)
	if err != nil {
		return nil, err
	}
	zid, err := r.take(16)
	if err != nil {
		return nil, err
	}
	res, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	bs, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if bs > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size %d", ErrMalformed, bs)
	}
	ext, err := r.take(1)
	if err != nil {
		return nil, err
	}
	m := &Init{
		Ack:         ack,
		Version:     ver[0],
		SeqNumRes:   uint32(res),
		BatchSize:   uint16(bs),
		Multilink:   ext[0]&extMultilink != 0,
		Compression: ext[0]&extCompression != 0,
	}
	copy(m.Zid[:], zid)
	if ack {
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if n > MaxCookieSize {
			return nil, fmt.Errorf("%w: cookie size %d", ErrMalformed, n)
		}
		c, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		m.Cookie = append([]byte(nil), c...)
	}
	return m, nil
}

func (r *BatchReader) readOpen(ack bool) (Message, error) {
	lease, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	m := &Open{Ack: ack, Lease: time.Duration(lease) * time.Millisecond}
	for i := range m.InitialSN {
		sn, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		m.InitialSN[i] = uint32(sn)
	}
	if !ack {
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if n > MaxCookieSize {
			return nil, fmt.Errorf("%w: cookie size %d", ErrMalformed, n)
		}
		c, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		m.Cookie = append([]byte(nil), c...)
	}
	return m, nil
}

func (r *BatchReader) readClose(retry bool) (Message, error) {
	b, err := r.take(1)
	if err != nil {
		return nil, err
	}
	return &Close{Reason: CloseReason(b[0]), CanRetry: retry}, nil
}

func (r *BatchReader) readFrame() (Message, error) {
	cid, err := r.take(1)
	if err != nil {
		return nil, err
	}
	sn, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	p, rel := splitChannelID(cid[0])
	m := &Frame{Priority: p, Reliability: rel, SN: uint32(sn)}
	for r.off < len(r.buf) {
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		pl, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		m.Payloads = append(m.Payloads, append([]byte(nil), pl...))
	}
	if len(m.Payloads) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	return m, nil
}

func (r *BatchReader) readFragment(more bool) (Message, error) {
	cid, err := r.take(1)
	if err != nil {
		return nil, err
	}
	sn, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	p, rel := splitChannelID(cid[0])
	payload := append([]byte(nil), r.buf[r.off:]...)
	r.off = len(r.buf)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty fragment", ErrMalformed)
	}
	return &Fragment{Priority: p, Reliability: rel, SN: uint32(sn), More: more, Payload: payload}, nil
}

func appendUvarint(b []byte, x uint64) []byte {
	return append(b, varint.ToUvarint(x)...)
}
