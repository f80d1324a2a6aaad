// Package device defines the interface implemented by each supported
// hardware revision, the lifecycle state machine driven by the owning
// session, and the Signal descriptor/configuration type.
package device

import (
	"errors"
	"time"

	"github.com/openinstrument/smu/pkg/smu/transport"
)

// Mode is a channel operating mode.
type Mode int

const (
	// HighZ disables the channel, leaving its output high impedance.
	HighZ Mode = iota
	// SVMI sources voltage and measures current.
	SVMI
	// SIMV sources current and measures voltage.
	SIMV
)

func (m Mode) String() string {
	switch m {
	case HighZ:
		return "HI_Z"
	case SVMI:
		return "SVMI"
	case SIMV:
		return "SIMV"
	}
	return "unknown"
}

// State is a device lifecycle position. All transitions except the fall from
// Running back to Added are driven by session calls.
type State int32

const (
	StateAvailable State = iota
	StateAdded
	StateConfigured
	StateRunning
	StateStopping
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateAdded:
		return "added"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Faults raised on the read/write path. Each is reported once per
// occurrence, alongside the samples that were transferred, then cleared.
var (
	ErrOverflow  = errors.New("sample overflow")
	ErrUnderflow = errors.New("sample underflow")
)

// ErrConfiguration marks an invalid channel, mode, or rate, or a
// precondition violated, such as mutating state while streaming. Always
// returned synchronously; never destabilizes the session.
var ErrConfiguration = errors.New("invalid configuration")

// Info describes a device model.
type Info struct {
	Label    string `json:"label"`
	Channels int    `json:"channels"`
}

// ChannelInfo describes one channel of a device.
type ChannelInfo struct {
	Label   string `json:"label"`
	Modes   int    `json:"modes"`
	Signals int    `json:"signals"`
}

// Statistics counts samples moved since the current run started.
type Statistics struct {
	InSamples  uint64 `json:"in_samples"`
	OutSamples uint64 `json:"out_samples"`
	Dropped    uint64 `json:"dropped"`
}

// Controller is the slice of the owning session a device reports into from
// the event-dispatch goroutine.
type Controller interface {
	// Completion records that this device finished its run, normally or not.
	// Called exactly once per run.
	Completion(dev Device)
	// HandleError classifies a transfer failure, stopping either the
	// reporting device or the whole session depending on severity.
	HandleError(status transport.Status, tag string)
	// Cancelled reports whether a session-wide cancellation is in progress.
	Cancelled() bool
	// QueueSize is the per-queue sample capacity configured on the session.
	QueueSize() int
}

// Device is one instrument bound to a session. One implementation exists per
// hardware revision; the session drives the lifecycle hooks, application
// goroutines use everything else.
type Device interface {
	Info() Info
	ChannelInfo(channel int) (ChannelInfo, error)
	Signal(channel, signal int) (*Signal, error)
	Serial() string
	FWVersion() string
	HWVersion() string
	DefaultRate() int
	State() State
	Statistics() Statistics
	Handle() transport.Handle

	// SetMode assigns a channel's operating mode. Not legal while running.
	SetMode(channel int, mode Mode) error

	// Read drains up to len(p) sample tuples, one slot per measured quantity
	// per instant, blocking up to timeout. A zero timeout returns whatever
	// is already buffered. Returns ErrOverflow alongside the count if the
	// producer dropped samples since the previous Read.
	Read(p [][4]float32, timeout time.Duration) (int, error)

	// Write queues samples for one channel, blocking up to timeout for
	// space. Returns ErrUnderflow alongside the count if the transmit path
	// ran ahead of the application since the previous Write.
	Write(p []float32, channel int, timeout time.Duration) (int, error)

	// ControlTransfer passes a raw control request through to the transport.
	ControlTransfer(reqType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)

	// SambaMode reboots the device into its bootloader identity. The device
	// drops off the bus and re-enumerates with the bootloader vendor/product
	// pair.
	SambaMode() error

	// Sync records a future transport frame at which this device starts its
	// sample clock. Call on every participating device before a shared
	// session start.
	Sync() error

	// Lock/Unlock exclude the transfer-processing goroutine while signal or
	// mode configuration is mutated mid-stream. Hold only across the
	// mutation, never across blocking I/O.
	Lock()
	Unlock()

	// Calibration returns the per-channel gain/offset rows currently loaded.
	Calibration() [][]float32
	// WriteCalibration writes a calibration file to device non-volatile
	// storage. An empty path resets to factory defaults.
	WriteCalibration(path string) error

	// Lifecycle hooks. Session use only.

	// Added claims the device when it joins a session.
	Added() error
	// Removed releases the device when it leaves a session.
	Removed() error
	// Configure prepares the device and its queues for the given rate.
	Configure(rate uint64) error
	// On powers the device and clears sampling state.
	On() error
	// Off stops sampling and puts outputs into high impedance.
	Off() error
	// Run starts streaming. A zero budget runs until cancelled.
	Run(samples uint64) error
	// CancelTransfers aborts this device's outstanding transfers.
	CancelTransfers() error
}
