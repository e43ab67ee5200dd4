package serial

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start on a transport that is running.
	ErrAlreadyStarted = errors.New("line transport already started")

	// ErrNotStarted is returned by Stop and Write when no stream is open.
	ErrNotStarted = errors.New("line transport not started")
)

// StreamOpenError indicates the device could not be opened or prepared by Start.
type StreamOpenError struct {
	Device string
	Err    error
}

func (e *StreamOpenError) Error() string {
	return fmt.Sprintf("open %s failed: %v", e.Device, e.Err)
}

func (e *StreamOpenError) Unwrap() error {
	return e.Err
}

// StreamIOError indicates a read or write failed after the stream was opened.
// A read failure ends the receive worker.
type StreamIOError struct {
	Op  string
	Err error
}

func (e *StreamIOError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StreamIOError) Unwrap() error {
	return e.Err
}

// DecodeError reports a received batch that is not valid in the configured encoding.
// The receive worker drops such batches and keeps running.
type DecodeError struct {
	Encoding Encoding
	Offset   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid %s byte at offset %d", e.Encoding, e.Offset)
}

// EncodeError reports an outgoing payload that cannot be represented in the configured encoding.
type EncodeError struct {
	Encoding Encoding
	Offset   int
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("payload not representable as %s at offset %d", e.Encoding, e.Offset)
}
