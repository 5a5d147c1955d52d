package utils

import "github.com/pkg/errors"

// ReadUleb128 decodes the unsigned LEB128 value at data[off:] and returns it
// together with the offset of the first byte after it.
func ReadUleb128(data []byte, off int) (uint64, int, error) {
	var result uint64
	var shift uint

	for {
		if off < 0 || off >= len(data) {
			return 0, off, errors.New("could not parse ULEB128 value: extends past end of buffer")
		}
		b := data[off]
		off++

		slice := uint64(b & 0x7f)
		if shift >= 64 || (shift == 63 && slice > 1) {
			return 0, off, errors.New("could not parse ULEB128 value: too big for uint64")
		}
		result |= slice << shift

		if b&0x80 == 0 {
			break
		}
		shift += 7
	}

	return result, off, nil
}

// ReadSleb128 decodes the signed LEB128 value at data[off:].
func ReadSleb128(data []byte, off int) (int64, int, error) {
	var result int64
	var shift uint
	var b byte

	for {
		if off < 0 || off >= len(data) {
			return 0, off, errors.New("could not parse SLEB128 value: extends past end of buffer")
		}
		b = data[off]
		off++

		if shift >= 64 {
			return 0, off, errors.New("could not parse SLEB128 value: too big for int64")
		}
		result |= int64(b&0x7f) << shift
		shift += 7

		if b&0x80 == 0 {
			break
		}
	}
	// sign extend
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}

	return result, off, nil
}

// AppendUleb128 appends the unsigned LEB128 encoding of v to dst.
func AppendUleb128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// AppendSleb128 appends the signed LEB128 encoding of v to dst.
func AppendSleb128(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		dst = append(dst, b)
		if done {
			return dst
		}
	}
}

// Uleb128Size returns the number of bytes needed to encode v.
func Uleb128Size(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}
