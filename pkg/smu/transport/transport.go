// Package transport defines the boundary between the streaming engine and
// the underlying USB stack. A Provider enumerates physical devices, a Handle
// wraps one open device, and Transfers are asynchronous bulk submissions
// whose completions are delivered by HandleEvents on the goroutine that
// calls it. The engine runs exactly one such goroutine per session.
package transport

import (
	"fmt"
	"time"
)

// ID is a USB vendor/product identity pair.
type ID struct {
	Vendor  uint16
	Product uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// Status is the terminal state of an asynchronous transfer.
type Status int

const (
	StatusCompleted Status = iota
	StatusError
	StatusTimedOut
	StatusCancelled
	StatusStall
	StatusNoDevice
	StatusOverflow
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "io error"
	case StatusTimedOut:
		return "timed out"
	case StatusCancelled:
		return "cancelled"
	case StatusStall:
		return "stall"
	case StatusNoDevice:
		return "no device"
	case StatusOverflow:
		return "overflow"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Fatal reports whether a transfer status should stop the whole session
// rather than just the device that reported it.
func (s Status) Fatal() bool {
	switch s {
	case StatusError, StatusNoDevice:
		return true
	}
	return false
}

// Error is a transport-layer failure tagged with the operation that hit it.
type Error struct {
	Status Status
	Op     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %s", e.Op, e.Status)
}

// Transfer is one asynchronous bulk transfer. Data and Length are set by the
// submitter; Actual and Status are filled in before Callback runs. Callback
// executes on the event-dispatch goroutine and must not block.
type Transfer struct {
	Endpoint byte
	Data     []byte
	Length   int
	Actual   int
	Status   Status
	Callback func(*Transfer)
}

// Handle is one physical device on the bus. A handle is opened by the probe
// path and stays open while the device sits on the session's available list.
type Handle interface {
	// ID returns the vendor/product identity of the device.
	ID() ID
	// Location identifies the physical attachment point (bus address). It is
	// stable while the device remains connected and is used to correlate
	// detach edges with open handles.
	Location() string

	Open() error
	Close() error

	// Serial returns the device serial number string descriptor. Valid only
	// after Open.
	Serial() (string, error)

	// ControlTransfer performs a synchronous control request and returns the
	// number of bytes transferred.
	ControlTransfer(reqType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)

	// Submit queues an asynchronous bulk transfer. The transfer's callback
	// fires from a later HandleEvents call.
	Submit(t *Transfer) error

	// CancelAll requests cancellation of every outstanding transfer on this
	// handle. Cancelled transfers still complete, with StatusCancelled,
	// through HandleEvents.
	CancelAll() error

	// FrameNumber returns the current transport frame counter, the timebase
	// used to phase-align stream start across devices.
	FrameNumber() (uint32, error)
}

// Provider enumerates devices and dispatches completions and hotplug edges.
type Provider interface {
	// Enumerate returns a handle for every device currently on the bus,
	// opened lazily by the caller. Callers own the returned handles.
	Enumerate() ([]Handle, error)

	// SetHotplugHandler registers callbacks invoked from HandleEvents when a
	// device arrives on or leaves the bus.
	SetHotplugHandler(attach, detach func(Handle))

	// HandleEvents dispatches pending transfer completions and hotplug edges
	// on the calling goroutine, blocking up to timeout when nothing is
	// pending.
	HandleEvents(timeout time.Duration) error

	Close() error
}
