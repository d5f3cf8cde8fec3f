// Package codec implements the reversible mapping between numeric
// identifiers and fixed-length short codes.
package codec

import (
	"errors"
	"fmt"
	"math"
)

// Base62Alphabet is the default code alphabet, matching the usual
// shortener convention of digits plus lower and upper case letters.
const Base62Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

var (
	// ErrInvalidCodeFormat is returned by Decode when the input has the
	// wrong length or contains characters outside the alphabet.
	ErrInvalidCodeFormat = errors.New("invalid code format")
	// ErrIDOutOfRange is returned by Encode when the identifier is
	// negative or does not fit into the configured code length.
	ErrIDOutOfRange = errors.New("identifier out of range")
)

// Codec converts identifiers to codes of a fixed length over a fixed
// alphabet and back. Both directions are pure functions; a Codec is
// immutable after construction and safe for concurrent use.
type Codec struct {
	alphabet string
	length   int
	index    map[byte]int64
	capacity int64
}

// New creates a Codec over the given alphabet producing codes of the
// given fixed length. The alphabet must contain at least two distinct
// single-byte characters and no duplicates.
func New(alphabet string, length int) (*Codec, error) {
	const op = "codec.New"

	if length < 1 {
		return nil, fmt.Errorf("%s: code length must be positive, got %d", op, length)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("%s: alphabet must contain at least 2 characters, got %d", op, len(alphabet))
	}

	index := make(map[byte]int64, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if _, ok := index[c]; ok {
			return nil, fmt.Errorf("%s: duplicate character %q in alphabet", op, c)
		}
		index[c] = int64(i)
	}

	return &Codec{
		alphabet: alphabet,
		length:   length,
		index:    index,
		capacity: capacity(int64(len(alphabet)), length),
	}, nil
}

// capacity computes base^length saturating at MaxInt64.
func capacity(base int64, length int) int64 {
	c := int64(1)
	for i := 0; i < length; i++ {
		if c > math.MaxInt64/base {
			return math.MaxInt64
		}
		c *= base
	}
	return c
}

// Length returns the fixed code length.
func (c *Codec) Length() int {
	return c.length
}

// Capacity returns the size of the code address space, A^L, saturating
// at MaxInt64. Valid identifiers are [0, Capacity).
func (c *Codec) Capacity() int64 {
	return c.capacity
}

// Encode converts an identifier to its fixed-length code, left-padded
// with the alphabet's zero character.
func (c *Codec) Encode(id int64) (string, error) {
	const op = "codec.Codec.Encode"

	if id < 0 || id >= c.capacity {
		return "", fmt.Errorf("%s: %w: %d not in [0, %d)", op, ErrIDOutOfRange, id, c.capacity)
	}

	base := int64(len(c.alphabet))
	buf := make([]byte, c.length)
	for i := c.length - 1; i >= 0; i-- {
		buf[i] = c.alphabet[id%base]
		id /= base
	}

	return string(buf), nil
}

// Decode converts a code back to the identifier it was encoded from.
// It is the exact inverse of Encode over [0, Capacity).
func (c *Codec) Decode(code string) (int64, error) {
	const op = "codec.Codec.Decode"

	if len(code) != c.length {
		return 0, fmt.Errorf("%s: %w: expected length %d, got %d", op, ErrInvalidCodeFormat, c.length, len(code))
	}

	base := int64(len(c.alphabet))
	var id int64
	for i := 0; i < len(code); i++ {
		v, ok := c.index[code[i]]
		if !ok {
			return 0, fmt.Errorf("%s: %w: character %q not in alphabet", op, ErrInvalidCodeFormat, code[i])
		}
		id = id*base + v
	}

	return id, nil
}

// String describes the codec, useful in startup logs.
func (c *Codec) String() string {
	return fmt.Sprintf("codec(base%d, length %d)", len(c.alphabet), c.length)
}
