package proto

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Batch compression is a negotiated extension. When both peers
// advertise it, every batch on the wire gains a one-byte marker:
// 0 for a plain batch, 1 for a zstd-compressed one. Small batches are
// sent plain since the marker plus zstd framing would only grow them.
const (
	batchPlain      uint8 = 0
	batchCompressed uint8 = 1

	// compressThreshold is the smallest batch worth compressing.
	compressThreshold = 512
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1))
)

// CompressBatch wraps an encoded batch for a compression-negotiated
// link. The result is never larger than mtu; when compression does not
// pay off the batch is sent plain.
func CompressBatch(batch []byte, mtu int) ([]byte, error) {
	if len(batch)+1 <= mtu && len(batch) < compressThreshold {
		return append([]byte{batchPlain}, batch...), nil
	}
	c := zstdEncoder.EncodeAll(batch, make([]byte, 1, len(batch)+1))
	c[0] = batchCompressed
	if len(c) < len(batch)+1 {
		return c, nil
	}
	if len(batch)+1 > mtu {
		return nil, fmt.Errorf("%w: incompressible batch exceeds mtu", ErrBatchFull)
	}
	return append([]byte{batchPlain}, batch...), nil
}

// DecompressBatch unwraps a batch received on a compression-negotiated
// link. maxSize bounds the decoded size against decompression bombs.
func DecompressBatch(b []byte, maxSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformed)
	}
	switch b[0] {
	case batchPlain:
		return b[1:], nil
	case batchCompressed:
		out, err := zstdDecoder.DecodeAll(b[1:], make([]byte, 0, maxSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		if len(out) > maxSize {
			return nil, fmt.Errorf("%w: decompressed batch exceeds limit", ErrMalformed)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: batch marker 0x%02x", ErrMalformed, b[0])
	}
}
