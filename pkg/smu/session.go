// Package smu coordinates discovery, binding, and synchronized sample
// streaming across USB source/measure instruments. A Session owns the
// available and bound device sets and a single event-dispatch goroutine
// that processes every transfer completion and hotplug edge; application
// goroutines stream samples through each device's bounded queues.
package smu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openinstrument/smu/pkg/smu/device"
	"github.com/openinstrument/smu/pkg/smu/device/m1000"
	"github.com/openinstrument/smu/pkg/smu/transport"
	"github.com/openinstrument/smu/pkg/util"
)

const (
	// DefaultQueueSize is roughly 100ms of samples at the default rate.
	DefaultQueueSize = 10000

	eventLoopTimeout = 100 * time.Millisecond
)

type deviceFactory func(ctrl device.Controller, h transport.Handle, log zerolog.Logger) (device.Device, error)

// supportedDevices maps vendor/product identities to their driver.
var supportedDevices = map[transport.ID]deviceFactory{}

// sambaDevices are the identities a device presents in SAM-BA bootloader
// mode.
var sambaDevices = []transport.ID{
	{Vendor: 0x03eb, Product: 0x6124},
}

func init() {
	for _, id := range m1000.IDs {
		supportedDevices[id] = func(ctrl device.Controller, h transport.Handle, log zerolog.Logger) (device.Device, error) {
			return m1000.New(ctrl, h, log)
		}
	}
}

// CompletionFunc runs on the event-dispatch goroutine when the last active
// device stops. token is the cancellation token at that moment: zero for a
// natural stop, nonzero when the run was cancelled.
type CompletionFunc func(token uint32)

// HotplugFunc runs on the event-dispatch goroutine when a supported device
// arrives or leaves. It must not synchronously call blocking session
// operations.
type HotplugFunc func(dev device.Device)

// Session composes devices into a synchronized streaming run.
type Session struct {
	provider transport.Provider
	log      zerolog.Logger
	writeAPI api.WriteAPI

	queueSize    int
	queueSizeSet bool

	// devlistMu guards available, the owning references to every
	// discovered device.
	devlistMu sync.Mutex
	available []device.Device

	// mu guards the bound set, the active count, and the callbacks; the
	// completion condition waits on it.
	mu           sync.Mutex
	completion   *sync.Cond
	bound        map[string]device.Device
	activeCount  int
	completionCb CompletionFunc
	attachCb     HotplugFunc
	detachCb     HotplugFunc

	cancellation uint32 // atomic

	loop     uint32 // atomic
	loopDone chan struct{}
}

// Option configures a Session.
type Option func(s *Session)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.log = logger }
}

func WithInfluxDB(writeAPI api.WriteAPI) Option {
	return func(s *Session) { s.writeAPI = writeAPI }
}

// WithQueueSize overrides the per-queue sample capacity. Without it the
// capacity follows the configured rate at roughly 100ms of samples.
func WithQueueSize(size int) Option {
	return func(s *Session) {
		s.queueSize = size
		s.queueSizeSet = true
	}
}

// New creates a session over the given transport and starts its
// event-dispatch goroutine.
func New(provider transport.Provider, opts ...Option) (*Session, error) {
	if provider == nil {
		return nil, fmt.Errorf("smu: transport provider required")
	}
	s := &Session{
		provider:  provider,
		log:       log.Logger,
		writeAPI:  &util.MockWriteAPI{},
		queueSize: DefaultQueueSize,
		bound:     make(map[string]device.Device),
		loopDone:  make(chan struct{}),
	}
	s.completion = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	provider.SetHotplugHandler(s.attached, s.detached)
	atomic.StoreUint32(&s.loop, 1)
	go s.eventLoop()
	return s, nil
}

// Close stops the event loop and releases every discovered device and the
// transport.
func (s *Session) Close() error {
	atomic.StoreUint32(&s.loop, 0)
	<-s.loopDone

	s.devlistMu.Lock()
	devs := s.available
	s.available = nil
	s.devlistMu.Unlock()
	for _, dev := range devs {
		dev.Handle().Close()
	}
	return s.provider.Close()
}

func (s *Session) eventLoop() {
	defer close(s.loopDone)
	for atomic.LoadUint32(&s.loop) == 1 {
		if err := s.provider.HandleEvents(eventLoopTimeout); err != nil {
			s.log.Warn().Err(err).Msg("event dispatch error")
		}
	}
}

// SetCompletionHandler installs the callback fired when the last active
// device stops.
func (s *Session) SetCompletionHandler(fn CompletionFunc) {
	s.mu.Lock()
	s.completionCb = fn
	s.mu.Unlock()
}

// SetAttachHandler installs the hotplug attach callback.
func (s *Session) SetAttachHandler(fn HotplugFunc) {
	s.mu.Lock()
	s.attachCb = fn
	s.mu.Unlock()
}

// SetDetachHandler installs the hotplug detach callback.
func (s *Session) SetDetachHandler(fn HotplugFunc) {
	s.mu.Lock()
	s.detachCb = fn
	s.mu.Unlock()
}

// AvailableDevices returns a snapshot of every discovered device.
func (s *Session) AvailableDevices() []device.Device {
	s.devlistMu.Lock()
	defer s.devlistMu.Unlock()
	out := make([]device.Device, len(s.available))
	copy(out, s.available)
	return out
}

// Devices returns a snapshot of the bound set.
func (s *Session) Devices() []device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]device.Device, 0, len(s.bound))
	for _, dev := range s.bound {
		out = append(out, dev)
	}
	return out
}

// ActiveCount returns the number of devices still streaming.
func (s *Session) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount
}

// Scan queries the transport for supported devices and reconciles them
// against the available list by identity. Devices that merely failed to
// show up in one scan are kept; removal happens only on a detach edge.
func (s *Session) Scan() error {
	handles, err := s.provider.Enumerate()
	if err != nil {
		return fmt.Errorf("smu: scanning bus: %w", err)
	}
	for _, h := range handles {
		if _, ok := supportedDevices[h.ID()]; !ok {
			continue
		}
		if s.findByLocation(h.Location()) != nil {
			continue
		}
		if _, err := s.probe(h); err != nil {
			s.log.Warn().Err(err).Stringer("id", h.ID()).Msg("probe failed")
		}
	}
	return nil
}

// probe constructs the driver for a supported handle and appends it to the
// available list, deduplicating by identity.
func (s *Session) probe(h transport.Handle) (device.Device, error) {
	factory := supportedDevices[h.ID()]
	dev, err := factory(s, h, s.log)
	if err != nil {
		return nil, err
	}

	s.devlistMu.Lock()
	for _, existing := range s.available {
		if existing.Handle().ID() == h.ID() && existing.Serial() == dev.Serial() {
			s.devlistMu.Unlock()
			dev.Handle().Close()
			return existing, nil
		}
	}
	s.available = append(s.available, dev)
	s.devlistMu.Unlock()

	s.log.Info().
		Str("serial", dev.Serial()).
		Str("fw", dev.FWVersion()).
		Str("hw", dev.HWVersion()).
		Msg("device discovered")
	return dev, nil
}

func (s *Session) findByLocation(location string) device.Device {
	s.devlistMu.Lock()
	defer s.devlistMu.Unlock()
	for _, dev := range s.available {
		if dev.Handle().Location() == location {
			return dev
		}
	}
	return nil
}

func (s *Session) isAvailable(dev device.Device) bool {
	s.devlistMu.Lock()
	defer s.devlistMu.Unlock()
	for _, d := range s.available {
		if d == dev {
			return true
		}
	}
	return false
}

// Add binds an available device to the session. Fails with no state change
// if the device is unknown, already bound, or the session is streaming.
func (s *Session) Add(dev device.Device) error {
	s.mu.Lock()
	if s.activeCount > 0 {
		s.mu.Unlock()
		return ErrActive
	}
	if _, dup := s.bound[dev.Serial()]; dup {
		s.mu.Unlock()
		return ErrAlreadyBound
	}
	s.mu.Unlock()

	if !s.isAvailable(dev) {
		return ErrNotFound
	}
	if err := dev.Added(); err != nil {
		return fmt.Errorf("smu: adding device %s: %w", dev.Serial(), err)
	}

	s.mu.Lock()
	if s.activeCount > 0 {
		s.mu.Unlock()
		dev.Removed()
		return ErrActive
	}
	s.bound[dev.Serial()] = dev
	s.mu.Unlock()
	return nil
}

// AddAll scans and binds every available device, best-effort. It returns
// the number of devices that could not be added; already-bound devices are
// not failures.
func (s *Session) AddAll() (int, error) {
	if err := s.Scan(); err != nil {
		return 0, err
	}
	failures := 0
	for _, dev := range s.AvailableDevices() {
		s.mu.Lock()
		_, dup := s.bound[dev.Serial()]
		s.mu.Unlock()
		if dup {
			continue
		}
		if err := s.Add(dev); err != nil {
			s.log.Warn().Err(err).Str("serial", dev.Serial()).Msg("could not add device")
			failures++
		}
	}
	return failures, nil
}

// GetDevice returns the bound device with the given serial.
func (s *Session) GetDevice(serial string) (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.bound[serial]
	if !ok {
		return nil, ErrNotFound
	}
	return dev, nil
}

// Remove unbinds a device; it stays on the available list. Forbidden while
// streaming.
func (s *Session) Remove(dev device.Device) error {
	s.mu.Lock()
	if s.activeCount > 0 {
		s.mu.Unlock()
		return ErrActive
	}
	if _, ok := s.bound[dev.Serial()]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.bound, dev.Serial())
	s.mu.Unlock()
	return dev.Removed()
}

// Destroy drops a device from the available list and closes its handle.
// Forbidden while streaming.
func (s *Session) Destroy(dev device.Device) error {
	s.mu.Lock()
	if s.activeCount > 0 {
		s.mu.Unlock()
		return ErrActive
	}
	delete(s.bound, dev.Serial())
	s.mu.Unlock()

	s.devlistMu.Lock()
	found := false
	for i, d := range s.available {
		if d == dev {
			s.available = append(s.available[:i], s.available[i+1:]...)
			found = true
			break
		}
	}
	s.devlistMu.Unlock()
	if !found {
		return ErrNotFound
	}
	return dev.Handle().Close()
}

// Configure propagates the sample rate to every bound device, stopping at
// the first failure. Forbidden while streaming.
func (s *Session) Configure(rate uint64) error {
	s.mu.Lock()
	if s.activeCount > 0 {
		s.mu.Unlock()
		return ErrActive
	}
	if !s.queueSizeSet {
		// about 100ms worth of samples at the configured rate
		if size := int(rate / 10); size > 0 {
			s.queueSize = size
		}
	}
	s.mu.Unlock()

	for _, dev := range s.Devices() {
		if err := dev.Configure(rate); err != nil {
			return err
		}
	}
	return nil
}

// Start begins streaming on every bound device and returns immediately.
// samples is the per-device budget; zero runs continuously. Once started,
// only Cancel and End are legal until the run drains.
func (s *Session) Start(samples uint64) error {
	s.mu.Lock()
	if s.activeCount > 0 {
		s.mu.Unlock()
		return ErrActive
	}
	devs := make([]device.Device, 0, len(s.bound))
	for _, dev := range s.bound {
		devs = append(devs, dev)
	}
	s.mu.Unlock()

	started := 0
	for _, dev := range devs {
		if err := dev.On(); err != nil {
			s.failStart(started)
			return fmt.Errorf("smu: powering on %s: %w", dev.Serial(), err)
		}
		s.mu.Lock()
		s.activeCount++
		s.mu.Unlock()
		if err := dev.Run(samples); err != nil {
			s.mu.Lock()
			s.activeCount--
			s.mu.Unlock()
			dev.Off()
			s.failStart(started)
			return fmt.Errorf("smu: starting %s: %w", dev.Serial(), err)
		}
		started++
	}
	return nil
}

// failStart cancels the devices already running after a partial Start.
func (s *Session) failStart(started int) {
	if started > 0 {
		s.Cancel()
	}
}

// Run starts the configured capture and waits for it to complete.
func (s *Session) Run(samples uint64) error {
	if err := s.Start(samples); err != nil {
		return err
	}
	s.WaitForCompletion()
	return nil
}

// Cancel sets the cancellation token and asks every bound device to abort
// its outstanding transfers. It does not block; quiescence is observed
// through completion bookkeeping.
func (s *Session) Cancel() {
	atomic.AddUint32(&s.cancellation, 1)
	for _, dev := range s.Devices() {
		if err := dev.CancelTransfers(); err != nil {
			s.log.Debug().Err(err).Str("serial", dev.Serial()).Msg("cancel transfers")
		}
	}
}

// Cancelled reports whether a cancellation is in progress or occurred and
// has not yet been reset by End.
func (s *Session) Cancelled() bool {
	return atomic.LoadUint32(&s.cancellation) != 0
}

// WaitForCompletion blocks until every started device has finished
// streaming.
func (s *Session) WaitForCompletion() {
	s.mu.Lock()
	for s.activeCount > 0 {
		s.completion.Wait()
	}
	s.mu.Unlock()
}

// End waits for completion, powers off every bound device, and resets the
// cancellation token, leaving the session ready for reuse.
func (s *Session) End() error {
	s.WaitForCompletion()
	var firstErr error
	for _, dev := range s.Devices() {
		if err := dev.Off(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	atomic.StoreUint32(&s.cancellation, 0)
	return firstErr
}

// Completion implements device.Controller. Each device's run-completion
// path calls it exactly once per run on the event-dispatch goroutine.
func (s *Session) Completion(dev device.Device) {
	s.mu.Lock()
	if s.activeCount > 0 {
		s.activeCount--
	}
	remaining := s.activeCount
	cb := s.completionCb
	if remaining == 0 {
		s.completion.Broadcast()
	}
	s.mu.Unlock()

	stats := dev.Statistics()
	s.writeAPI.WritePoint(influxdb2.NewPoint("smu.device.complete",
		map[string]string{"serial": dev.Serial()},
		map[string]interface{}{
			"in_samples":  stats.InSamples,
			"out_samples": stats.OutSamples,
			"dropped":     stats.Dropped,
		}, time.Now()))

	if remaining == 0 {
		token := atomic.LoadUint32(&s.cancellation)
		s.log.Info().Uint32("token", token).Msg("session complete")
		if cb != nil {
			cb(token)
		}
	}
}

// HandleError implements device.Controller. Severities deemed session-fatal
// force a full stop across all bound devices; anything else degrades only
// the reporting device, whose own completion path takes care of the rest.
func (s *Session) HandleError(status transport.Status, tag string) {
	s.log.Error().Stringer("status", status).Str("tag", tag).Msg("device error")
	s.writeAPI.WritePoint(influxdb2.NewPoint("smu.device.error",
		map[string]string{"status": status.String()},
		map[string]interface{}{"tag": tag}, time.Now()))
	if status.Fatal() {
		s.Cancel()
	}
}

// QueueSize implements device.Controller.
func (s *Session) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueSize
}

// attached runs on the event-dispatch goroutine when a device arrives.
func (s *Session) attached(h transport.Handle) {
	if _, ok := supportedDevices[h.ID()]; !ok {
		return
	}
	dev, err := s.probe(h)
	if err != nil {
		s.log.Warn().Err(err).Stringer("id", h.ID()).Msg("attach probe failed")
		return
	}
	s.mu.Lock()
	cb := s.attachCb
	s.mu.Unlock()
	if cb != nil {
		cb(dev)
	}
}

// detached runs on the event-dispatch goroutine when a device leaves. A
// device that was bound and streaming is routed through the error handler
// before it is dropped.
func (s *Session) detached(h transport.Handle) {
	dev := s.findByLocation(h.Location())
	if dev == nil {
		return
	}

	s.devlistMu.Lock()
	for i, d := range s.available {
		if d == dev {
			s.available = append(s.available[:i], s.available[i+1:]...)
			break
		}
	}
	s.devlistMu.Unlock()

	s.mu.Lock()
	_, wasBound := s.bound[dev.Serial()]
	active := s.activeCount > 0
	s.mu.Unlock()

	if wasBound {
		if active && dev.State() == device.StateRunning {
			s.HandleError(transport.StatusNoDevice, "device detached")
		}
		s.mu.Lock()
		delete(s.bound, dev.Serial())
		s.mu.Unlock()
	}
	dev.Handle().Close()
	s.log.Info().Str("serial", dev.Serial()).Msg("device detached")

	s.mu.Lock()
	cb := s.detachCb
	s.mu.Unlock()
	if cb != nil {
		cb(dev)
	}
}
