package seriallink

import "errors"

var errCOBSMalformed = errors.New("malformed cobs frame")

// cobsEncode returns the COBS encoding of src. The output contains no
// zero bytes, so a zero delimiter unambiguously terminates each frame
// on the wire.
func cobsEncode(src []byte) []byte {
	dst := make([]byte, 0, len(src)+1+len(src)/254)
	codeIdx := len(dst)
	dst = append(dst, 0)
	code := byte(1)

	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xff {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// cobsDecode reverses cobsEncode.
func cobsDecode(src []byte) ([]byte, error) {
	dst := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		code := src[i]
		if code == 0 {
			return nil, errCOBSMalformed
		}
		i++
		n := int(code) - 1
		if i+n > len(src) {
			return nil, errCOBSMalformed
		}
		dst = append(dst, src[i:i+n]...)
		i += n
		if code < 0xff && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
