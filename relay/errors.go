package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected is reported to error listeners when the backend refuses
	// the token. The relay stops and does not retry.
	ErrAuthRejected = errors.New("relay: authentication rejected")
	ErrInvalidURL   = errors.New("relay: invalid backend URL")
)

// NetworkError is a dial, read or write failure on the backend connection.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError is an inbound message that is not a JSON object.
type ParseError struct {
	Raw []byte
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("relay: malformed message (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
