// Package usb is the gousb-backed transport provider. gousb exposes only
// synchronous endpoint I/O and no hotplug callbacks, so this package adds
// both: submitted transfers run on per-endpoint worker goroutines and are
// reported through a completion queue drained by HandleEvents, and attach
// and detach edges are synthesized by comparing successive enumerations.
package usb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/openinstrument/smu/pkg/smu/transport"
)

const hotplugPollInterval = 250 * time.Millisecond

// Provider enumerates devices on the host USB bus.
type Provider struct {
	ctx *gousb.Context

	mu       sync.Mutex
	wake     *sync.Cond
	done     []*transport.Transfer
	doneOf   map[*transport.Transfer]*Handle
	attach   func(transport.Handle)
	detach   func(transport.Handle)
	known    map[string]*Handle
	lastPoll time.Time
	start    time.Time
	closed   bool
}

func New() *Provider {
	p := &Provider{
		ctx:    gousb.NewContext(),
		doneOf: make(map[*transport.Transfer]*Handle),
		known:  make(map[string]*Handle),
		start:  time.Now(),
	}
	p.wake = sync.NewCond(&p.mu)
	return p
}

// Enumerate opens a descriptor-level view of every device on the bus.
// Handles are cached by bus location so repeated scans and the hotplug
// poller agree on identity.
func (p *Provider) Enumerate() ([]transport.Handle, error) {
	found := make(map[string]*gousb.DeviceDesc)
	devs, err := p.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		found[locationOf(desc)] = desc
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("enumerating bus: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.Handle, 0, len(found))
	for loc, desc := range found {
		h, ok := p.known[loc]
		if !ok {
			h = newHandle(p, desc)
			p.known[loc] = h
		}
		out = append(out, h)
	}
	return out, nil
}

func locationOf(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%d:%d", desc.Bus, desc.Address)
}

func (p *Provider) SetHotplugHandler(attach, detach func(transport.Handle)) {
	p.mu.Lock()
	p.attach = attach
	p.detach = detach
	p.mu.Unlock()
}

// HandleEvents drains completed transfers, invoking their callbacks on the
// calling goroutine, and periodically re-enumerates the bus to detect
// attach and detach edges. Returns after timeout when nothing completes.
func (p *Provider) HandleEvents(timeout time.Duration) error {
	p.pollHotplug()
	deadline := time.Now().Add(timeout)
	for {
		t, h, ok := p.nextDone(deadline)
		if !ok {
			return nil
		}
		h.finish(t)
	}
}

func (p *Provider) nextDone(deadline time.Time) (*transport.Transfer, *Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.done) > 0 {
			t := p.done[0]
			p.done = p.done[1:]
			h := p.doneOf[t]
			delete(p.doneOf, t)
			return t, h, true
		}
		if p.closed {
			return nil, nil, false
		}
		now := time.Now()
		if !now.Before(deadline) {
			return nil, nil, false
		}
		stop := time.AfterFunc(deadline.Sub(now), p.wake.Broadcast)
		p.wake.Wait()
		stop.Stop()
	}
}

// pollHotplug compares the current bus population against the cached one
// and reports the difference through the registered handlers.
func (p *Provider) pollHotplug() {
	p.mu.Lock()
	if p.attach == nil && p.detach == nil {
		p.mu.Unlock()
		return
	}
	if time.Since(p.lastPoll) < hotplugPollInterval {
		p.mu.Unlock()
		return
	}
	p.lastPoll = time.Now()
	before := make(map[string]*Handle, len(p.known))
	for loc, h := range p.known {
		before[loc] = h
	}
	p.mu.Unlock()

	handles, err := p.Enumerate()
	if err != nil {
		return
	}
	seen := make(map[string]bool, len(handles))
	for _, h := range handles {
		seen[h.Location()] = true
	}

	p.mu.Lock()
	attach, detach := p.attach, p.detach
	var gone []*Handle
	for loc, h := range p.known {
		if !seen[loc] {
			delete(p.known, loc)
			gone = append(gone, h)
		}
	}
	p.mu.Unlock()

	for _, h := range gone {
		h.markGone()
		if detach != nil {
			detach(h)
		}
	}
	if attach != nil {
		for _, h := range handles {
			if _, ok := before[h.Location()]; !ok {
				attach(h)
			}
		}
	}
}

func (p *Provider) complete(h *Handle, t *transport.Transfer) {
	p.mu.Lock()
	p.done = append(p.done, t)
	p.doneOf[t] = h
	p.wake.Broadcast()
	p.mu.Unlock()
}

func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	known := make([]*Handle, 0, len(p.known))
	for _, h := range p.known {
		known = append(known, h)
	}
	p.known = make(map[string]*Handle)
	p.wake.Broadcast()
	p.mu.Unlock()

	for _, h := range known {
		h.Close()
	}
	return p.ctx.Close()
}

// frame approximates the bus microframe counter. gousb does not expose the
// host controller's SOF counter, so this derives one from a shared clock;
// all handles of a provider read the same timebase.
func (p *Provider) frame() uint32 {
	return uint32(time.Since(p.start)/(125*time.Microsecond)) & 0xffffff
}

// Handle is one physical device. The gousb device and its endpoints are
// opened lazily on Open so that enumeration never claims interfaces.
type Handle struct {
	p        *Provider
	id       transport.ID
	desc     *gousb.DeviceDesc
	location string

	mu      sync.Mutex
	dev     *gousb.Device
	intf    *gousb.Interface
	closer  func()
	eps     map[byte]endpoint
	queues  map[byte]chan *transport.Transfer
	cancel  context.CancelFunc
	xferCtx context.Context
	gone    bool
	wg      sync.WaitGroup
}

type endpoint interface {
	io(ctx context.Context, buf []byte) (int, error)
}

type inEndpoint struct{ ep *gousb.InEndpoint }

func (e inEndpoint) io(ctx context.Context, buf []byte) (int, error) {
	return e.ep.ReadContext(ctx, buf)
}

type outEndpoint struct{ ep *gousb.OutEndpoint }

func (e outEndpoint) io(ctx context.Context, buf []byte) (int, error) {
	return e.ep.WriteContext(ctx, buf)
}

func newHandle(p *Provider, desc *gousb.DeviceDesc) *Handle {
	return &Handle{
		p:        p,
		id:       transport.ID{Vendor: uint16(desc.Vendor), Product: uint16(desc.Product)},
		desc:     desc,
		location: locationOf(desc),
	}
}

func (h *Handle) ID() transport.ID { return h.id }
func (h *Handle) Location() string { return h.location }

func (h *Handle) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gone {
		return &transport.Error{Status: transport.StatusNoDevice, Op: "open"}
	}
	if h.dev != nil {
		return nil
	}
	devs, err := h.p.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return locationOf(desc) == h.location
	})
	if err != nil || len(devs) == 0 {
		for _, d := range devs {
			d.Close()
		}
		return &transport.Error{Status: transport.StatusNoDevice, Op: "open"}
	}
	dev := devs[0]
	for _, d := range devs[1:] {
		d.Close()
	}
	dev.SetAutoDetach(true)

	intf, closer, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return fmt.Errorf("claiming interface at %s: %w", h.location, err)
	}

	h.dev = dev
	h.intf = intf
	h.closer = closer
	h.eps = make(map[byte]endpoint)
	h.queues = make(map[byte]chan *transport.Transfer)
	h.xferCtx, h.cancel = context.WithCancel(context.Background())
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	if h.dev == nil {
		h.mu.Unlock()
		return nil
	}
	if h.cancel != nil {
		h.cancel()
	}
	for _, q := range h.queues {
		close(q)
	}
	dev, closer := h.dev, h.closer
	h.dev, h.intf, h.closer = nil, nil, nil
	h.eps, h.queues, h.cancel = nil, nil, nil
	h.mu.Unlock()

	h.wg.Wait()
	if closer != nil {
		closer()
	}
	return dev.Close()
}

func (h *Handle) markGone() {
	h.mu.Lock()
	h.gone = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) Serial() (string, error) {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return "", &transport.Error{Status: transport.StatusNoDevice, Op: "serial"}
	}
	s, err := dev.SerialNumber()
	if err != nil {
		return "", fmt.Errorf("reading serial at %s: %w", h.location, err)
	}
	return s, nil
}

func (h *Handle) ControlTransfer(reqType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return 0, &transport.Error{Status: transport.StatusNoDevice, Op: "control transfer"}
	}
	dev.ControlTimeout = timeout
	n, err := dev.Control(reqType, request, value, index, data)
	if err != nil {
		return n, &transport.Error{Status: controlStatus(err), Op: "control transfer"}
	}
	return n, nil
}

func controlStatus(err error) transport.Status {
	switch {
	case err == gousb.ErrorNoDevice:
		return transport.StatusNoDevice
	case err == gousb.ErrorTimeout:
		return transport.StatusTimedOut
	case err == gousb.ErrorPipe:
		return transport.StatusStall
	}
	return transport.StatusError
}

// Submit queues a transfer for its endpoint's worker. Per-endpoint workers
// keep submission order, which the streaming protocol depends on.
func (h *Handle) Submit(t *transport.Transfer) error {
	h.mu.Lock()
	if h.dev == nil || h.gone {
		h.mu.Unlock()
		return &transport.Error{Status: transport.StatusNoDevice, Op: "submit"}
	}
	q, ok := h.queues[t.Endpoint]
	if !ok {
		ep, err := h.openEndpointLocked(t.Endpoint)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		q = make(chan *transport.Transfer, 64)
		h.queues[t.Endpoint] = q
		h.eps[t.Endpoint] = ep
		h.wg.Add(1)
		go h.worker(ep, q, h.xferCtx)
	}
	h.mu.Unlock()

	select {
	case q <- t:
		return nil
	default:
		return &transport.Error{Status: transport.StatusError, Op: "submit"}
	}
}

// openEndpointLocked resolves an endpoint address to a claimed endpoint.
// gousb addresses endpoints by number, without the direction bit.
func (h *Handle) openEndpointLocked(addr byte) (endpoint, error) {
	if addr&0x80 != 0 {
		ep, err := h.intf.InEndpoint(int(addr & 0x0f))
		if err != nil {
			return nil, fmt.Errorf("opening in endpoint %#02x: %w", addr, err)
		}
		return inEndpoint{ep}, nil
	}
	ep, err := h.intf.OutEndpoint(int(addr & 0x0f))
	if err != nil {
		return nil, fmt.Errorf("opening out endpoint %#02x: %w", addr, err)
	}
	return outEndpoint{ep}, nil
}

func (h *Handle) worker(ep endpoint, q chan *transport.Transfer, ctx context.Context) {
	defer h.wg.Done()
	for t := range q {
		if ctx.Err() != nil {
			t.Actual = 0
			t.Status = transport.StatusCancelled
			h.p.complete(h, t)
			continue
		}
		n, err := ep.io(ctx, t.Data[:t.Length])
		t.Actual = n
		t.Status = transferStatus(err, ctx)
		h.p.complete(h, t)
	}
}

func transferStatus(err error, ctx context.Context) transport.Status {
	switch {
	case err == nil:
		return transport.StatusCompleted
	case ctx.Err() != nil:
		return transport.StatusCancelled
	case err == gousb.ErrorNoDevice, err == gousb.ErrorNotFound:
		return transport.StatusNoDevice
	case err == gousb.ErrorTimeout:
		return transport.StatusTimedOut
	case err == gousb.ErrorPipe:
		return transport.StatusStall
	case err == gousb.ErrorOverflow:
		return transport.StatusOverflow
	}
	return transport.StatusError
}

// finish runs the transfer callback on the event-dispatch goroutine.
func (h *Handle) finish(t *transport.Transfer) {
	if t.Callback != nil {
		t.Callback(t)
	}
}

// CancelAll aborts in-flight endpoint I/O. Queued transfers drain through
// the workers and complete with a cancelled status. The handle needs a
// reopen before it can stream again.
func (h *Handle) CancelAll() error {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (h *Handle) FrameNumber() (uint32, error) {
	h.mu.Lock()
	gone := h.gone
	h.mu.Unlock()
	if gone {
		return 0, &transport.Error{Status: transport.StatusNoDevice, Op: "frame number"}
	}
	return h.p.frame(), nil
}
