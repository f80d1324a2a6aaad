// Package sim is an in-memory transport provider that emulates M1000-class
// instruments, including their SAM-BA bootloader identity. It exists so the
// whole streaming engine, session tests included, runs without hardware:
// transfer completions and hotplug edges are queued inside the provider and
// delivered through HandleEvents exactly like a real USB event loop.
package sim

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openinstrument/smu/pkg/smu/device/m1000"
	"github.com/openinstrument/smu/pkg/smu/transport"
)

// SambaID is the bootloader identity presented after a samba reboot.
var SambaID = transport.ID{Vendor: 0x03eb, Product: 0x6124}

const maxEventsPerDispatch = 256

type event struct {
	due     time.Time
	h       *Handle
	t       *transport.Transfer // nil for hotplug edges
	hotplug int                 // 0 none, 1 attach, 2 detach
}

// Provider is a simulated bus.
type Provider struct {
	mu      sync.Mutex
	wake    *sync.Cond
	handles []*Handle
	events  []event
	attach  func(transport.Handle)
	detach  func(transport.Handle)
	pacing  time.Duration
	nextLoc int
	start   time.Time
	closed  bool
}

// Option configures a Provider.
type Option func(p *Provider)

// WithPacing delays each IN completion by d, approximating a device
// producing at a fixed rate. Without it completions are delivered as fast
// as the event loop can take them.
func WithPacing(d time.Duration) Option {
	return func(p *Provider) { p.pacing = d }
}

func New(opts ...Option) *Provider {
	p := &Provider{start: time.Now()}
	p.wake = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddDevice attaches a simulated instrument to the bus and reports the
// attach edge through the next HandleEvents call.
func (p *Provider) AddDevice(serial string) *Handle {
	p.mu.Lock()
	h := &Handle{
		p:        p,
		id:       m1000.IDs[1],
		serial:   serial,
		location: fmt.Sprintf("sim:%d", p.nextLoc),
		fw:       "2.17",
		hw:       "F",
	}
	for i := range h.cal {
		h.cal[i] = [3]float32{0, 1, 1}
	}
	p.nextLoc++
	p.handles = append(p.handles, h)
	p.events = append(p.events, event{due: time.Now(), h: h, hotplug: 1})
	p.wake.Broadcast()
	p.mu.Unlock()
	return h
}

// RemoveDevice detaches a handle: outstanding transfers complete with a
// no-device status and the detach edge is delivered afterwards.
func (p *Provider) RemoveDevice(h *Handle) {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()

	p.mu.Lock()
	p.dropHandleLocked(h)
	now := time.Now()
	for i := range p.events {
		if p.events[i].h == h && p.events[i].t != nil {
			p.events[i].due = now
		}
	}
	p.events = append(p.events, event{due: now, h: h, hotplug: 2})
	p.wake.Broadcast()
	p.mu.Unlock()
}

func (p *Provider) dropHandleLocked(h *Handle) {
	for i, cur := range p.handles {
		if cur == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return
		}
	}
}

func (p *Provider) Enumerate() ([]transport.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.Handle, len(p.handles))
	for i, h := range p.handles {
		out[i] = h
	}
	return out, nil
}

func (p *Provider) SetHotplugHandler(attach, detach func(transport.Handle)) {
	p.mu.Lock()
	p.attach = attach
	p.detach = detach
	p.mu.Unlock()
}

// HandleEvents delivers due completions and hotplug edges on the calling
// goroutine, waiting up to timeout for the first one.
func (p *Provider) HandleEvents(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	dispatched := 0
	for dispatched < maxEventsPerDispatch {
		ev, ok := p.next(deadline)
		if !ok {
			return nil
		}
		p.fire(ev)
		dispatched++
	}
	return nil
}

// next pops the earliest due event, blocking until deadline when none is
// due yet.
func (p *Provider) next(deadline time.Time) (event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return event{}, false
		}
		now := time.Now()
		best := -1
		for i := range p.events {
			if !p.events[i].due.After(now) && (best < 0 || p.events[i].due.Before(p.events[best].due)) {
				best = i
			}
		}
		if best >= 0 {
			ev := p.events[best]
			p.events = append(p.events[:best], p.events[best+1:]...)
			return ev, true
		}
		if !now.Before(deadline) {
			return event{}, false
		}
		stop := time.AfterFunc(deadline.Sub(now), p.wake.Broadcast)
		p.wake.Wait()
		stop.Stop()
	}
}

func (p *Provider) fire(ev event) {
	if ev.t != nil {
		ev.h.complete(ev.t)
		return
	}
	p.mu.Lock()
	attach, detach := p.attach, p.detach
	p.mu.Unlock()
	switch ev.hotplug {
	case 1:
		if attach != nil {
			attach(ev.h)
		}
	case 2:
		if detach != nil {
			detach(ev.h)
		}
	}
}

func (p *Provider) schedule(h *Handle, t *transport.Transfer, delay time.Duration) {
	p.mu.Lock()
	p.events = append(p.events, event{due: time.Now().Add(delay), h: h, t: t})
	p.wake.Broadcast()
	p.mu.Unlock()
}

func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.wake.Broadcast()
	p.mu.Unlock()
	return nil
}

// frame returns the bus frame counter, shared by every handle so that
// devices can phase-align against a common timebase.
func (p *Provider) frame() uint32 {
	return uint32(time.Since(p.start)/(125*time.Microsecond)) & 0xffffff
}

// Handle is one simulated device. It emulates the instrument's control
// requests, generates IN sample packets, and records OUT traffic; in
// bootloader identity it speaks enough SAM-BA to flash an image.
type Handle struct {
	p        *Provider
	id       transport.ID
	serial   string
	location string
	fw, hw   string

	mu        sync.Mutex
	open      bool
	removed   bool
	cancelled map[*transport.Transfer]bool

	powered    bool
	running    bool
	divisor    uint16
	modes      [2]uint16
	startFrame uint16
	counter    uint64
	cal        [8][3]float32
	outTail    []uint16
	failReqs   map[uint8]bool

	// SAM-BA state
	mem        map[uint32]byte
	expectData int
	dataAddr   uint32
	readBuf    []byte
}

func (h *Handle) ID() transport.ID { return h.id }
func (h *Handle) Location() string { return h.location }

func (h *Handle) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		return &transport.Error{Status: transport.StatusNoDevice, Op: "open"}
	}
	h.open = true
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	h.open = false
	h.mu.Unlock()
	return nil
}

func (h *Handle) Serial() (string, error) { return h.serial, nil }

func (h *Handle) FrameNumber() (uint32, error) {
	h.mu.Lock()
	removed := h.removed
	h.mu.Unlock()
	if removed {
		return 0, &transport.Error{Status: transport.StatusNoDevice, Op: "frame number"}
	}
	return h.p.frame(), nil
}

// FailControl makes subsequent control transfers with the given request
// code fail. Test hook.
func (h *Handle) FailControl(req uint8) {
	h.mu.Lock()
	if h.failReqs == nil {
		h.failReqs = make(map[uint8]bool)
	}
	h.failReqs[req] = true
	h.mu.Unlock()
}

// StartFrame reports the frame target received with the last start
// request. Test hook.
func (h *Handle) StartFrame() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startFrame
}

// Running reports whether the device received a start request. Test hook.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// OutTail returns the most recently received output codes. Test hook.
func (h *Handle) OutTail() []uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint16, len(h.outTail))
	copy(out, h.outTail)
	return out
}

func (h *Handle) ControlTransfer(reqType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		return 0, &transport.Error{Status: transport.StatusNoDevice, Op: "control transfer"}
	}
	if h.failReqs[request] {
		return 0, &transport.Error{Status: transport.StatusStall, Op: "control transfer"}
	}

	switch request {
	case m1000.ReqGetFWVersion:
		return copy(data, h.fw), nil
	case m1000.ReqGetHWVersion:
		return copy(data, h.hw), nil
	case m1000.ReqSetPower:
		h.powered = value == 1
		if !h.powered {
			h.running = false
		}
		return 0, nil
	case m1000.ReqSetMode:
		if value < 2 {
			h.modes[value] = index
		}
		return 0, nil
	case m1000.ReqSetRate:
		h.divisor = value
		return 0, nil
	case m1000.ReqStart:
		h.running = true
		h.startFrame = value
		h.counter = 0
		return 0, nil
	case m1000.ReqReadCal:
		if int(value) < len(h.cal) && len(data) >= 12 {
			row := h.cal[value]
			for i := 0; i < 3; i++ {
				putFloat32(data[i*4:], row[i])
			}
			return 12, nil
		}
		return 0, &transport.Error{Status: transport.StatusStall, Op: "control transfer"}
	case m1000.ReqWriteCal:
		if int(value) < len(h.cal) && len(data) >= 12 {
			for i := 0; i < 3; i++ {
				h.cal[value][i] = getFloat32(data[i*4:])
			}
			return 12, nil
		}
		return 0, &transport.Error{Status: transport.StatusStall, Op: "control transfer"}
	case m1000.ReqSamba:
		h.rebootToSambaLocked()
		return 0, nil
	}
	return len(data), nil
}

// rebootToSambaLocked drops the instrument identity off the bus and
// re-attaches the handle's location as a bootloader device.
func (h *Handle) rebootToSambaLocked() {
	p := h.p
	h.removed = true

	p.mu.Lock()
	p.dropHandleLocked(h)
	now := time.Now()
	for i := range p.events {
		if p.events[i].h == h && p.events[i].t != nil {
			p.events[i].due = now
		}
	}
	p.events = append(p.events, event{due: now, h: h, hotplug: 2})

	boot := &Handle{
		p:        p,
		id:       SambaID,
		serial:   h.serial,
		location: fmt.Sprintf("sim:%d", p.nextLoc),
		mem:      make(map[uint32]byte),
	}
	p.nextLoc++
	p.handles = append(p.handles, boot)
	p.events = append(p.events, event{due: now, h: boot, hotplug: 1})
	p.wake.Broadcast()
	p.mu.Unlock()
}

func (h *Handle) Submit(t *transport.Transfer) error {
	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return &transport.Error{Status: transport.StatusNoDevice, Op: "submit"}
	}
	h.mu.Unlock()
	h.p.schedule(h, t, h.delayFor(t))
	return nil
}

func (h *Handle) delayFor(t *transport.Transfer) time.Duration {
	if t.Endpoint == 0x81 {
		return h.p.pacing
	}
	return 0
}

// CancelAll marks every pending transfer on this handle for cancelled
// completion and makes them due immediately. Lock order is h.mu then p.mu,
// matching the samba reboot path.
func (h *Handle) CancelAll() error {
	h.mu.Lock()
	if h.cancelled == nil {
		h.cancelled = make(map[*transport.Transfer]bool)
	}
	p := h.p
	p.mu.Lock()
	now := time.Now()
	for i := range p.events {
		if p.events[i].h == h && p.events[i].t != nil {
			h.cancelled[p.events[i].t] = true
			p.events[i].due = now
		}
	}
	p.wake.Broadcast()
	p.mu.Unlock()
	h.mu.Unlock()
	return nil
}

// complete finishes one transfer on the event-dispatch goroutine.
func (h *Handle) complete(t *transport.Transfer) {
	h.mu.Lock()
	switch {
	case h.cancelled[t]:
		delete(h.cancelled, t)
		t.Status = transport.StatusCancelled
		t.Actual = 0
	case h.removed:
		t.Status = transport.StatusNoDevice
		t.Actual = 0
	default:
		t.Status = transport.StatusCompleted
		h.fillLocked(t)
	}
	h.mu.Unlock()
	if t.Callback != nil {
		t.Callback(t)
	}
}

// fillLocked produces or consumes the transfer's payload.
func (h *Handle) fillLocked(t *transport.Transfer) {
	if h.id == SambaID {
		h.sambaLocked(t)
		return
	}
	switch t.Endpoint {
	case 0x81: // bulk in: synthesize measured samples as a rising ramp
		n := t.Length / 8
		for i := 0; i < n; i++ {
			code := uint16(h.counter & 0xffff)
			for q := 0; q < 4; q++ {
				putUint16(t.Data[i*8+q*2:], code)
			}
			h.counter++
		}
		t.Actual = n * 8
	case 0x02: // bulk out: keep a short tail for inspection
		n := t.Length / 4
		for i := 0; i < n; i++ {
			h.outTail = append(h.outTail, getUint16(t.Data[i*4:]), getUint16(t.Data[i*4+2:]))
		}
		if len(h.outTail) > 4096 {
			h.outTail = h.outTail[len(h.outTail)-4096:]
		}
		t.Actual = t.Length
	default:
		t.Actual = t.Length
	}
}

// sambaLocked implements the bootloader protocol end of bulk traffic.
func (h *Handle) sambaLocked(t *transport.Transfer) {
	t.Actual = t.Length
	switch t.Endpoint {
	case 0x01: // commands and staged data
		data := t.Data[:t.Length]
		if h.expectData > 0 {
			for i, b := range data {
				h.mem[h.dataAddr+uint32(i)] = b
			}
			h.expectData -= len(data)
			return
		}
		h.sambaCommandLocked(string(data))
	case 0x82: // read responses
		n := copy(t.Data[:t.Length], h.readBuf)
		h.readBuf = h.readBuf[n:]
		t.Actual = n
	}
}

func (h *Handle) sambaCommandLocked(cmd string) {
	cmd = strings.TrimSuffix(cmd, "#")
	if cmd == "" || cmd == "N" {
		return
	}
	body := cmd[1:]
	addr, arg, ok := parseArgs(body)
	if !ok {
		return
	}
	switch cmd[0] {
	case 'W':
		for i := 0; i < 4; i++ {
			h.mem[addr+uint32(i)] = byte(arg >> (8 * i))
		}
	case 'S':
		h.expectData = int(arg)
		h.dataAddr = addr
	case 'R':
		buf := make([]byte, arg)
		for i := range buf {
			buf[i] = h.mem[addr+uint32(i)]
		}
		h.readBuf = buf
	}
}

func parseArgs(body string) (uint32, uint64, bool) {
	parts := strings.Split(body, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	addr, err1 := strconv.ParseUint(parts[0], 16, 32)
	arg, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(addr), arg, true
}

func putUint16(p []byte, v uint16) {
	p[0] = byte(v)
	p[1] = byte(v >> 8)
}

func getUint16(p []byte) uint16 {
	return uint16(p[0]) | uint16(p[1])<<8
}

func putFloat32(p []byte, v float32) {
	binary.LittleEndian.PutUint32(p, math.Float32bits(v))
}

func getFloat32(p []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(p))
}
