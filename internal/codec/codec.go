// Package codec converts application values to and from the payloads
// exchanged with the CESAM firmware.
//
// Integers travel as unsigned big-endian values of minimal width: the
// firmware reads one or two bytes, so padding to a fixed width would change
// the meaning of small values. Zero is a legitimate empty payload.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// MaxSafeInteger is the largest value EncodeInteger accepts (2^53 - 1).
const MaxSafeInteger int64 = 1<<53 - 1

var (
	// ErrRange is returned when an integer is outside [0, MaxSafeInteger].
	ErrRange = errors.New("codec: integer out of range")
	// ErrEncoding is returned when a string holds a character that does not
	// fit in a single byte.
	ErrEncoding = errors.New("codec: character not encodable as one byte")
)

// EncodeInteger returns the shortest big-endian representation of n.
// EncodeInteger(0) returns an empty, non-nil slice.
func EncodeInteger(n int64) ([]byte, error) {
	if n < 0 || n > MaxSafeInteger {
		return nil, fmt.Errorf("%w: %d", ErrRange, n)
	}

	size := 0
	for x := n; x > 0; x >>= 8 {
		size++
	}

	out := make([]byte, size)
	x := n
	for i := size - 1; i >= 0; i-- {
		out[i] = byte(x & 0xff)
		x >>= 8
	}
	return out, nil
}

// DecodeInteger reads b as a big-endian unsigned integer. An empty slice
// decodes to 0. Values wider than eight bytes keep only the low 64 bits.
func DecodeInteger(b []byte) uint64 {
	var x uint64
	for _, c := range b {
		x = x<<8 | uint64(c)
	}
	return x
}

// EncodeASCII maps every character of s to one byte. Characters above 255
// are rejected rather than truncated.
func EncodeASCII(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i, r := range s {
		if r > 0xff {
			return nil, fmt.Errorf("%w: %q at offset %d", ErrEncoding, r, i)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

// DecodeASCII maps every byte of b to one character.
func DecodeASCII(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}
