package smu

import (
	"errors"
	"fmt"
)

var (
	// ErrActive is returned by operations that are forbidden while the
	// session is streaming.
	ErrActive = errors.New("smu: session is active")
	// ErrNotFound is returned when a lookup by serial or handle misses.
	ErrNotFound = errors.New("smu: device not found")
	// ErrAlreadyBound is returned by Add for a device already in the
	// session.
	ErrAlreadyBound = errors.New("smu: device already bound")
)

// FlashError is an unrecoverable firmware flashing failure. A half-flashed
// device is left to the bootloader's own integrity checks on next boot;
// nothing is retried.
type FlashError struct {
	Stage string
	Err   error
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("smu: firmware flash failed at %s: %v", e.Stage, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }
