package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for framing and message decoding.
var (
	ErrFrameTooLarge  = errors.New("wire: frame exceeds maximum payload")
	ErrUnknownMessage = errors.New("wire: unknown message type")
	ErrValueRange     = errors.New("wire: value out of varint range")
	ErrLayout         = errors.New("wire: inconsistent channel layout")
	ErrAlignment      = errors.New("wire: channel data is not a whole number of samples")
)

// ParseError indicates a failure to parse a message field. It wraps the
// underlying I/O or format error and records which field was being parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
