package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrAlreadyConnected is returned by Connect while a connection is live
	// or being established.
	ErrAlreadyConnected = errors.New("ble: already connected")
	// ErrBusy is returned when the manager is in a state that does not
	// accept the operation (e.g. scanning twice).
	ErrBusy = errors.New("ble: busy")
	// ErrDiscarded is returned for a write whose connection was torn down
	// while it was in flight. Its outcome is not acted upon.
	ErrDiscarded = errors.New("ble: completion discarded after disconnect")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("ble: transport error")
)

// TransportError is a failure reported by the adapter.
type TransportError struct {
	Op  string // scan, connect, subscribe, write, link
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ble: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
