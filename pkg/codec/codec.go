/*
Package codec converts the value field of an ASCII command into binary.

The value is a sequence of:

	0156A9BC     pairs of uppercase hex digits, one byte per pair
	'Hello'      quoted text, copied literally ('' stands for a single ')
	s p          lowercase "control characters", written after the escape
	             character, or dropped when no escape character is used

Anything else is ignored. Decoding stops at NUL or ';'.

With the escape character '^':

	s6A52p   ->  ^ s 0x6A 0x52 ^ p
	5E       ->  ^ ^
*/
package codec

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidHex        = errors.New("invalid hex digit")
	ErrUnterminatedQuote = errors.New("unterminated quoted string")
	ErrShortBuffer       = errors.New("destination buffer too small")
)

type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode decodes src into dst and returns the number of bytes written.
// On error nothing is written to dst.
func Decode(dst []byte, src []byte, esc byte) (int, error) {
	// Dry run first so that a failure never leaves partial output behind
	n, err := decode(nil, src, esc, len(dst))
	if err != nil {
		return 0, err
	}

	if n == 0 {
		return 0, nil
	}

	return decode(dst, src, esc, len(dst))
}

// DecodeString decodes src into a newly allocated slice.
func DecodeString(src string, esc byte) ([]byte, error) {
	n, err := decode(nil, []byte(src), esc, math.MaxInt)
	if err != nil {
		return nil, err
	}

	dst := make([]byte, n)
	if _, err := decode(dst, []byte(src), esc, n); err != nil {
		return nil, err
	}

	return dst, nil
}

// decode writes to dst unless it is nil, in which case it only counts.
func decode(dst []byte, src []byte, esc byte, limit int) (int, error) {
	n := 0
	put := func(c byte) bool {
		if n >= limit {
			return false
		}
		if dst != nil {
			dst[n] = c
		}
		n++
		return true
	}

	var (
		inQuote      bool
		quotePending bool // ' seen inside a quoted string
		quoteStart   int
		hexPending   bool
		hexStart     int
		hi           byte
	)

	shortBuffer := func(offset int) (int, error) {
		return 0, &DecodeError{Offset: offset, Err: ErrShortBuffer}
	}

	for i, c := range src {
		if c == 0 || c == ';' {
			break
		}

		if quotePending {
			quotePending = false
			if c == '\'' {
				if !put('\'') {
					return shortBuffer(i)
				}
				continue
			}
			inQuote = false
		}

		if inQuote {
			if c == '\'' {
				quotePending = true
			} else if !put(c) {
				return shortBuffer(i)
			}
			continue
		}

		if hexPending {
			lo, ok := nibble(c)
			if !ok {
				return 0, &DecodeError{Offset: i, Err: ErrInvalidHex}
			}
			hexPending = false

			v := hi<<4 | lo
			if esc != 0 && v == esc && !put(esc) {
				return shortBuffer(i)
			}
			if !put(v) {
				return shortBuffer(i)
			}
			continue
		}

		switch {
		case c >= '0' && c <= 'F':
			v, ok := nibble(c)
			if !ok {
				return 0, &DecodeError{Offset: i, Err: ErrInvalidHex}
			}
			hi = v
			hexPending = true
			hexStart = i

		case c == '\'':
			inQuote = true
			quoteStart = i

		case c >= 'a' && c <= 'z':
			if esc == 0 {
				continue
			}
			if !put(esc) || !put(c) {
				return shortBuffer(i)
			}
		}
	}

	if hexPending {
		return 0, &DecodeError{Offset: hexStart, Err: ErrInvalidHex}
	}

	if inQuote && !quotePending {
		return 0, &DecodeError{Offset: quoteStart, Err: ErrUnterminatedQuote}
	}

	return n, nil
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}

	return 0, false
}
