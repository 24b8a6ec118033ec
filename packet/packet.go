// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding binary datagram
// contents. Multi-byte integers are encoded in big-endian order.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Builder is a buffer that accumulates data into a datagram. The zero value
// is ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// NewBuilder constructs a [Builder] with capacity for at least n bytes.
func NewBuilder(n int) *Builder { return &Builder{buf: make([]byte, 0, n)} }

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the specified string to b without framing.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// Uint16 appends v to b in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Bytes reports the current contents of the buffer. The builder retains ownership
// of the reported slice, and the caller must not retain or modify its contents
// unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }


// A Scanner reads encoded values from the contents of a datagram.
// Incomplete values report [io.ErrUnexpectedEOF].
type Scanner struct {
	rest []byte
}

// NewScanner constructs a [Scanner] that consumes data from input.
// The scanner does not modify the contents of input, but retains slices
// into it, so the caller should ensure it is not modified while the scanner
// is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Uint16 parses a big-endian uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, fmt.Errorf("value truncated (%d < 2 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint16(s.rest[:2])
	s.rest = s.rest[2:]
	return out, nil
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Rest returns a slice of the remaining unconsumed input of s.
// The caller must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }

// Get returns a string of exactly n bytes from the head of the input.
// If the full requested amount is not available, a partial result is returned
// along with an error.  When the result is a slice, the value aliases the
// input, and the caller must not modify its contents.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if len(s.rest) < n {
		return Str(s.rest), fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := Str(s.rest[:n])
	s.rest = s.rest[n:]
	return out, nil
}
