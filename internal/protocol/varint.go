package protocol

import (
	"errors"
	"fmt"
	"iter"
)

/*
LEARNING: VARINT FRAMING

The Yjs wire protocol prefixes every sub-message with its length encoded as a
variable-length unsigned integer (LEB128):

  - each byte carries 7 payload bits, least significant group first
  - the high bit (0x80) is set when more bytes follow

  300 -> 0b1_0010_1100 -> [0xAC, 0x02]

A single transport message can then carry several sub-messages back to back.
*/

// ErrProtocol is wrapped by every decoding failure in this package.
var ErrProtocol = errors.New("protocol error")

// maxVarintLen is the longest encoding of a uint64.
const maxVarintLen = 10

// EncodeUint encodes n with base-128 continuation encoding.
func EncodeUint(n uint64) []byte {
	return AppendUint(make([]byte, 0, maxVarintLen), n)
}

// AppendUint appends the varint encoding of n to dst.
func AppendUint(dst []byte, n uint64) []byte {
	for n > 0x7f {
		dst = append(dst, byte(n&0x7f)|0x80)
		n >>= 7
	}
	return append(dst, byte(n))
}

// DecodeUint reads a varint starting at offset and returns the value together
// with the offset of the first byte after it.
func DecodeUint(b []byte, offset int) (uint64, int, error) {
	var (
		value uint64
		shift uint
	)
	for i := offset; i < len(b); i++ {
		c := b[i]
		if shift >= 64 || (shift == 63 && c > 1) {
			return 0, offset, fmt.Errorf("%w: varint overflows 64 bits", ErrProtocol)
		}
		value |= uint64(c&0x7f) << shift
		if c < 0x80 {
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, offset, fmt.Errorf("%w: truncated varint at offset %d", ErrProtocol, offset)
}

// AppendFrame appends payload to dst prefixed with its varint length.
func AppendFrame(dst, payload []byte) []byte {
	dst = AppendUint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// Frames lazily splits b into its length-prefixed sub-messages.
// The sequence ends when every byte has been consumed. A declared length
// running past the end of b yields ErrProtocol and stops the sequence
// without yielding the truncated frame.
func Frames(b []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		pos := 0
		for pos < len(b) {
			n, next, err := DecodeUint(b, pos)
			if err != nil {
				yield(nil, err)
				return
			}
			remaining := uint64(len(b) - next)
			if n > remaining {
				yield(nil, fmt.Errorf("%w: frame of %d bytes exceeds remaining %d", ErrProtocol, n, remaining))
				return
			}
			end := next + int(n)
			if !yield(b[next:end:end], nil) {
				return
			}
			pos = end
		}
	}
}

// SplitFrames collects every sub-message of b.
func SplitFrames(b []byte) ([][]byte, error) {
	var frames [][]byte
	for frame, err := range Frames(b) {
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
