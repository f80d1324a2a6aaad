// Package m1000 drives the M1000-class source/measure instrument: two
// channels, each sourcing voltage or current while measuring the other
// quantity, streamed over one bulk IN and one bulk OUT endpoint.
package m1000

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openinstrument/smu/pkg/smu/device"
	"github.com/openinstrument/smu/pkg/smu/queue"
	"github.com/openinstrument/smu/pkg/smu/transport"
)

// IDs are the vendor/product pairs this driver claims.
var IDs = []transport.ID{
	{Vendor: 0x0456, Product: 0xcee2},
	{Vendor: 0x064b, Product: 0x784c},
}

// Vendor control requests.
const (
	ctrlIn  = 0xc0
	ctrlOut = 0x40

	ReqGetFWVersion uint8 = 0x41
	ReqGetHWVersion uint8 = 0x42
	ReqSetPower     uint8 = 0x50
	ReqSetMode      uint8 = 0x53
	ReqSetRate      uint8 = 0x58
	ReqSamba        uint8 = 0xbb
	ReqStart        uint8 = 0xc5
	ReqReadCal      uint8 = 0xe0
	ReqWriteCal     uint8 = 0xe1

	ctrlTimeout = 100 * time.Millisecond
)

const (
	maxSampleRate   = 100000
	defaultRate     = 100000
	numTransfers    = 8
	syncFramesAhead = 256
	maxIdentityLen  = 32
)

// Device is one M1000 instrument.
type Device struct {
	ctrl   device.Controller
	handle transport.Handle
	log    zerolog.Logger

	serial    string
	fwVersion string
	hwVersion string

	// mu is the device lock: it excludes the transfer-processing goroutine
	// from application goroutines mutating signal or mode state mid-stream.
	mu sync.Mutex

	state int32 // device.State, atomic

	modes   [2]device.Mode
	signals [2][2]*device.Signal
	inQ     [4]*queue.Queue // A voltage, A current, B voltage, B current
	outQ    [2]*queue.Queue

	// set once the application streams its own output samples for a channel;
	// until then the channel's source signal generates them
	streaming [2]uint32

	cal calTable

	sampleRate uint64
	sofStart   uint32
	hasSOF     bool

	// run bookkeeping, guarded by mu
	requested    uint64 // sample budget for the current run; 0 = continuous
	inSubmitted  uint64
	outSubmitted uint64
	pendingIn    int
	pendingOut   int
	finished     bool

	inCount  uint64 // atomic
	outCount uint64 // atomic
	abort    uint32 // atomic
}

var signalInfos = [2]device.SignalInfo{
	{
		Label:       "Voltage",
		InputModes:  1<<uint(device.HighZ) | 1<<uint(device.SIMV),
		OutputModes: 1 << uint(device.SVMI),
		Min:         voltageMin,
		Max:         voltageMax,
		Resolution:  voltageStep,
	},
	{
		Label:       "Current",
		InputModes:  1<<uint(device.HighZ) | 1<<uint(device.SVMI),
		OutputModes: 1 << uint(device.SIMV),
		Min:         currentMin,
		Max:         currentMax,
		Resolution:  currentStep,
	},
}

var channelLabels = [2]string{"A", "B"}

// New opens the handle and probes device identity. The handle stays open
// for the life of the device.
func New(ctrl device.Controller, h transport.Handle, log zerolog.Logger) (*Device, error) {
	if err := h.Open(); err != nil {
		return nil, fmt.Errorf("opening device: %w", err)
	}
	serial, err := h.Serial()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("reading serial: %w", err)
	}

	d := &Device{
		ctrl:   ctrl,
		handle: h,
		log:    log.With().Str("serial", serial).Logger(),
		serial: serial,
		cal:    defaultCalibration(),
		state:  int32(device.StateAvailable),
	}
	d.fwVersion, err = d.readVersion(ReqGetFWVersion)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("reading firmware version: %w", err)
	}
	d.hwVersion, err = d.readVersion(ReqGetHWVersion)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("reading hardware version: %w", err)
	}
	for _, s := range []string{serial, d.fwVersion, d.hwVersion} {
		if len(s) > maxIdentityLen {
			h.Close()
			return nil, fmt.Errorf("identity string %q exceeds %d bytes", s, maxIdentityLen)
		}
	}

	for c := 0; c < 2; c++ {
		d.modes[c] = device.HighZ
		for s := 0; s < 2; s++ {
			d.signals[c][s] = device.NewSignal(signalInfos[s])
		}
	}
	d.allocQueues()
	return d, nil
}

func (d *Device) readVersion(req uint8) (string, error) {
	buf := make([]byte, 2*maxIdentityLen)
	n, err := d.handle.ControlTransfer(ctrlIn, req, 0, 0, buf, ctrlTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf[:n]), "\x00"), nil
}

func (d *Device) allocQueues() {
	size := d.ctrl.QueueSize()
	for i := range d.inQ {
		d.inQ[i] = queue.New(size)
	}
	for i := range d.outQ {
		d.outQ[i] = queue.New(size)
	}
}

func (d *Device) Info() device.Info {
	return device.Info{Label: "ADALM1000", Channels: 2}
}

func (d *Device) ChannelInfo(channel int) (device.ChannelInfo, error) {
	if channel < 0 || channel > 1 {
		return device.ChannelInfo{}, fmt.Errorf("%w: channel %d", device.ErrConfiguration, channel)
	}
	return device.ChannelInfo{Label: channelLabels[channel], Modes: 3, Signals: 2}, nil
}

func (d *Device) Signal(channel, signal int) (*device.Signal, error) {
	if channel < 0 || channel > 1 || signal < 0 || signal > 1 {
		return nil, fmt.Errorf("%w: channel %d signal %d", device.ErrConfiguration, channel, signal)
	}
	return d.signals[channel][signal], nil
}

func (d *Device) Serial() string           { return d.serial }
func (d *Device) FWVersion() string        { return d.fwVersion }
func (d *Device) HWVersion() string        { return d.hwVersion }
func (d *Device) DefaultRate() int         { return defaultRate }
func (d *Device) Handle() transport.Handle { return d.handle }
func (d *Device) Lock()                    { d.mu.Lock() }
func (d *Device) Unlock()                  { d.mu.Unlock() }

func (d *Device) State() device.State {
	return device.State(atomic.LoadInt32(&d.state))
}

func (d *Device) setState(s device.State) {
	atomic.StoreInt32(&d.state, int32(s))
}

func (d *Device) Statistics() device.Statistics {
	d.mu.Lock()
	inQ := d.inQ
	d.mu.Unlock()
	var dropped uint64
	for i := range inQ {
		dropped += inQ[i].Stats().Dropped
	}
	return device.Statistics{
		InSamples:  atomic.LoadUint64(&d.inCount),
		OutSamples: atomic.LoadUint64(&d.outCount),
		Dropped:    dropped,
	}
}

// Mode returns the channel's current operating mode.
func (d *Device) Mode(channel int) device.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modes[channel]
}

func (d *Device) SetMode(channel int, mode device.Mode) error {
	if d.State() == device.StateRunning {
		return fmt.Errorf("%w: cannot set mode while running", device.ErrConfiguration)
	}
	if channel < 0 || channel > 1 {
		return fmt.Errorf("%w: channel %d", device.ErrConfiguration, channel)
	}
	if mode != device.HighZ {
		supported := false
		for _, sig := range d.signals[channel] {
			if sig.Info().IsOutput(mode) {
				supported = true
			}
		}
		if !supported {
			return fmt.Errorf("%w: channel %s does not support mode %s",
				device.ErrConfiguration, channelLabels[channel], mode)
		}
	}
	d.mu.Lock()
	d.modes[channel] = mode
	d.mu.Unlock()
	_, err := d.handle.ControlTransfer(ctrlOut, ReqSetMode, uint16(channel), uint16(mode), nil, ctrlTimeout)
	return err
}

func (d *Device) Read(p [][4]float32, timeout time.Duration) (int, error) {
	d.mu.Lock()
	inQ := d.inQ
	d.mu.Unlock()
	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(p) {
		var tuple [4]float32
		ok := true
		for q := 0; q < 4; q++ {
			remaining := time.Duration(0)
			if timeout > 0 {
				if remaining = time.Until(deadline); remaining < 0 {
					remaining = 0
				}
			}
			v, got := inQ[q].Pop(remaining)
			if !got {
				ok = false
				break
			}
			tuple[q] = v
		}
		if !ok {
			break
		}
		p[n] = tuple
		n++
	}
	var err error
	for q := range inQ {
		if inQ[q].Overflow() {
			err = device.ErrOverflow
		}
	}
	return n, err
}

func (d *Device) Write(p []float32, channel int, timeout time.Duration) (int, error) {
	if channel < 0 || channel > 1 {
		return 0, fmt.Errorf("%w: channel %d", device.ErrConfiguration, channel)
	}
	atomic.StoreUint32(&d.streaming[channel], 1)
	d.mu.Lock()
	q := d.outQ[channel]
	d.mu.Unlock()
	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(p) {
		remaining := time.Duration(0)
		if timeout > 0 {
			if remaining = time.Until(deadline); remaining < 0 {
				remaining = 0
			}
		}
		if !q.Push(p[n], remaining) {
			break
		}
		n++
	}
	var err error
	if q.Underflow() {
		err = device.ErrUnderflow
	}
	return n, err
}

func (d *Device) ControlTransfer(reqType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	return d.handle.ControlTransfer(reqType, request, value, index, data, timeout)
}

// SambaMode reboots into the SAM-BA bootloader. The device drops off the
// bus; the handle is dead afterwards.
func (d *Device) SambaMode() error {
	_, err := d.handle.ControlTransfer(ctrlOut, ReqSamba, 0, 0, nil, ctrlTimeout)
	if err != nil {
		return fmt.Errorf("entering samba mode: %w", err)
	}
	return nil
}

func (d *Device) Sync() error {
	frame, err := d.handle.FrameNumber()
	if err != nil {
		return fmt.Errorf("reading frame counter: %w", err)
	}
	d.mu.Lock()
	d.sofStart = (frame + syncFramesAhead) & 0xffff
	d.hasSOF = true
	d.mu.Unlock()
	return nil
}

func (d *Device) Calibration() [][]float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]float32, calRows)
	for i := range d.cal {
		row := d.cal[i]
		out[i] = []float32{row[0], row[1], row[2]}
	}
	return out
}

func (d *Device) WriteCalibration(path string) error {
	if d.State() == device.StateRunning {
		return fmt.Errorf("%w: cannot write calibration while running", device.ErrConfiguration)
	}
	table := defaultCalibration()
	if path != "" {
		var err error
		if table, err = parseCalibrationFile(path); err != nil {
			return err
		}
	}
	if err := d.writeDeviceCalibration(table); err != nil {
		return err
	}
	d.mu.Lock()
	d.cal = table
	d.mu.Unlock()
	return nil
}

// Lifecycle hooks.

func (d *Device) Added() error {
	cal, err := d.readDeviceCalibration()
	if err != nil {
		return fmt.Errorf("reading calibration: %w", err)
	}
	d.mu.Lock()
	d.cal = cal
	d.mu.Unlock()
	d.setState(device.StateAdded)
	return nil
}

func (d *Device) Removed() error {
	d.mu.Lock()
	d.modes = [2]device.Mode{device.HighZ, device.HighZ}
	d.mu.Unlock()
	d.setState(device.StateAvailable)
	return nil
}

func (d *Device) Configure(rate uint64) error {
	if d.State() == device.StateRunning {
		return fmt.Errorf("%w: cannot configure while running", device.ErrConfiguration)
	}
	if rate == 0 || rate > maxSampleRate {
		return fmt.Errorf("%w: sample rate %d out of range [1, %d]", device.ErrConfiguration, rate, maxSampleRate)
	}
	divisor := uint16(maxSampleRate / rate)
	if _, err := d.handle.ControlTransfer(ctrlOut, ReqSetRate, divisor, 0, nil, ctrlTimeout); err != nil {
		return fmt.Errorf("setting sample rate: %w", err)
	}
	d.mu.Lock()
	d.sampleRate = rate
	d.allocQueues()
	d.mu.Unlock()
	d.setState(device.StateConfigured)
	return nil
}

func (d *Device) On() error {
	for i := range d.inQ {
		d.inQ[i].Reset()
	}
	for i := range d.outQ {
		d.outQ[i].Reset()
	}
	for c := range d.streaming {
		atomic.StoreUint32(&d.streaming[c], 0)
	}
	atomic.StoreUint64(&d.inCount, 0)
	atomic.StoreUint64(&d.outCount, 0)
	_, err := d.handle.ControlTransfer(ctrlOut, ReqSetPower, 1, 0, nil, ctrlTimeout)
	return err
}

func (d *Device) Off() error {
	_, err := d.handle.ControlTransfer(ctrlOut, ReqSetPower, 0, 0, nil, ctrlTimeout)
	if d.State() == device.StateConfigured {
		d.setState(device.StateAdded)
	}
	return err
}

func (d *Device) Run(samples uint64) error {
	if st := d.State(); st != device.StateConfigured && st != device.StateAdded {
		return fmt.Errorf("%w: device %s cannot run from state %s", device.ErrConfiguration, d.serial, st)
	}
	d.mu.Lock()
	rate := d.sampleRate
	if rate == 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: device %s not configured", device.ErrConfiguration, d.serial)
	}
	var sof uint16
	if d.hasSOF {
		sof = uint16(d.sofStart)
		d.hasSOF = false
	}
	d.mu.Unlock()
	if _, err := d.handle.ControlTransfer(ctrlOut, ReqStart, sof, 0, nil, ctrlTimeout); err != nil {
		return fmt.Errorf("starting sampling: %w", err)
	}

	d.mu.Lock()
	d.requested = samples
	d.inSubmitted = 0
	d.outSubmitted = 0
	d.pendingIn = 0
	d.pendingOut = 0
	d.finished = false
	atomic.StoreUint32(&d.abort, 0)
	d.setState(device.StateRunning)

	for i := 0; i < numTransfers; i++ {
		if !d.submitInLocked(nil) {
			break
		}
	}
	for i := 0; i < numTransfers; i++ {
		if !d.submitOutLocked(nil) {
			break
		}
	}
	d.mu.Unlock()
	d.log.Debug().Uint64("samples", samples).Uint64("rate", rate).Msg("run started")
	return nil
}

func (d *Device) CancelTransfers() error {
	atomic.StoreUint32(&d.abort, 1)
	return d.handle.CancelAll()
}

// budget returns how many samples remain to submit, capped at one packet.
func (d *Device) budget(submitted uint64) uint64 {
	if d.requested == 0 {
		return packetSamples
	}
	if submitted >= d.requested {
		return 0
	}
	if left := d.requested - submitted; left < packetSamples {
		return left
	}
	return packetSamples
}

func (d *Device) aborted() bool {
	return atomic.LoadUint32(&d.abort) == 1 || d.ctrl.Cancelled()
}

// submitInLocked queues the next IN transfer, allocating one if t is nil.
// Caller holds d.mu.
func (d *Device) submitInLocked(t *transport.Transfer) bool {
	if d.aborted() {
		return false
	}
	n := d.budget(d.inSubmitted)
	if n == 0 {
		return false
	}
	if t == nil {
		t = &transport.Transfer{
			Endpoint: epIn,
			Data:     make([]byte, inPacketSize),
			Callback: d.inDone,
		}
	}
	t.Length = int(n) * inSampleSize
	if err := d.handle.Submit(t); err != nil {
		d.log.Warn().Err(err).Msg("in transfer submit failed")
		d.ctrl.HandleError(transport.StatusError, "submit in transfer")
		return false
	}
	d.inSubmitted += n
	d.pendingIn++
	return true
}

// submitOutLocked fills and queues the next OUT transfer. Caller holds d.mu.
func (d *Device) submitOutLocked(t *transport.Transfer) bool {
	if d.aborted() {
		return false
	}
	n := d.budget(d.outSubmitted)
	if n == 0 {
		return false
	}
	if t == nil {
		t = &transport.Transfer{
			Endpoint: epOut,
			Data:     make([]byte, outPacketSize),
			Callback: d.outDone,
		}
	}
	d.fillOutLocked(t, int(n))
	if err := d.handle.Submit(t); err != nil {
		d.log.Warn().Err(err).Msg("out transfer submit failed")
		d.ctrl.HandleError(transport.StatusError, "submit out transfer")
		return false
	}
	d.outSubmitted += n
	d.pendingOut++
	return true
}

// fillOutLocked encodes the next n output samples into t, drawing each
// channel's value from its stream queue or source signal. Caller holds d.mu.
func (d *Device) fillOutLocked(t *transport.Transfer, n int) {
	for i := 0; i < n; i++ {
		idx := atomic.AddUint64(&d.outCount, 1) - 1
		var codes [2]uint16
		for c := 0; c < 2; c++ {
			v := d.outValue(c, idx)
			switch d.modes[c] {
			case device.SIMV:
				codes[c] = ampsToCode(d.cal.unapply(c*4+3, v))
			default:
				codes[c] = voltsToCode(d.cal.unapply(c*4+2, v))
			}
		}
		encodeOutSample(t.Data, i, codes[0], codes[1])
	}
	t.Length = n * outSampleSize
}

func (d *Device) outValue(c int, idx uint64) float32 {
	if atomic.LoadUint32(&d.streaming[c]) == 1 {
		return d.outQ[c].PopRepeat()
	}
	switch d.modes[c] {
	case device.SIMV:
		return d.signals[c][1].Sample(idx)
	default:
		return d.signals[c][0].Sample(idx)
	}
}

// Transfer completions run on the event-dispatch goroutine. They take the
// device lock for their whole duration, which is what makes Lock/Unlock
// exclude transfer processing for application goroutines.

func (d *Device) inDone(t *transport.Transfer) {
	d.mu.Lock()
	d.pendingIn--
	finished := false
	if t.Status != transport.StatusCompleted {
		d.transferFailedLocked(t.Status, "in transfer")
		finished = d.maybeFinishLocked()
	} else {
		d.processInLocked(t.Data[:t.Actual])
		if !d.submitInLocked(t) {
			finished = d.maybeFinishLocked()
		}
	}
	d.mu.Unlock()
	if finished {
		d.ctrl.Completion(d)
	}
}

func (d *Device) outDone(t *transport.Transfer) {
	d.mu.Lock()
	d.pendingOut--
	finished := false
	if t.Status != transport.StatusCompleted {
		d.transferFailedLocked(t.Status, "out transfer")
		finished = d.maybeFinishLocked()
	} else if !d.submitOutLocked(t) {
		finished = d.maybeFinishLocked()
	}
	d.mu.Unlock()
	if finished {
		d.ctrl.Completion(d)
	}
}

// processInLocked decodes measured samples, applies calibration, and feeds
// the channel FIFOs. Tuples are pushed or dropped whole so the four
// quantities stay aligned on the same sample index. Caller holds d.mu.
func (d *Device) processInLocked(data []byte) {
	n := len(data) / inSampleSize
	for i := 0; i < n; i++ {
		raw := decodeInSample(data, i)
		var vals [4]float32
		for q := 0; q < 4; q++ {
			c, s := q>>1, q&1
			v := d.cal.apply(c*4+s, raw[q])
			d.signals[c][s].Deliver(v)
			vals[q] = v
		}
		full := false
		for q := range d.inQ {
			if d.inQ[q].Full() {
				full = true
			}
		}
		if full {
			for q := range d.inQ {
				d.inQ[q].Drop()
			}
		} else {
			// reverse order so a visible first quantity implies a whole tuple
			for q := 3; q >= 0; q-- {
				d.inQ[q].PushDrop(vals[q])
			}
		}
		atomic.AddUint64(&d.inCount, 1)
	}
}

func (d *Device) transferFailedLocked(st transport.Status, tag string) {
	atomic.StoreUint32(&d.abort, 1)
	if st == transport.StatusCancelled {
		return
	}
	d.log.Warn().Stringer("status", st).Str("tag", tag).Msg("transfer failed")
	d.ctrl.HandleError(st, tag)
}

// maybeFinishLocked winds the run down once both directions have drained
// and reports whether this call finished it. The caller must notify the
// controller only after releasing d.mu: the controller reads statistics
// back through the device lock.
func (d *Device) maybeFinishLocked() bool {
	if d.pendingIn > 0 || d.pendingOut > 0 || d.finished {
		return false
	}
	d.finished = true
	d.setState(device.StateStopping)
	for i := range d.inQ {
		d.inQ[i].Close()
	}
	for i := range d.outQ {
		d.outQ[i].Close()
	}
	d.setState(device.StateAdded)
	d.log.Debug().
		Uint64("in_samples", atomic.LoadUint64(&d.inCount)).
		Uint64("out_samples", atomic.LoadUint64(&d.outCount)).
		Msg("run complete")
	return true
}
