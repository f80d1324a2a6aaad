package m1000_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openinstrument/smu/pkg/smu/device"
	"github.com/openinstrument/smu/pkg/smu/device/m1000"
	"github.com/openinstrument/smu/pkg/smu/transport"
	"github.com/openinstrument/smu/pkg/smu/transport/sim"
)

type testController struct {
	mu         sync.Mutex
	errors     []transport.Status
	cancelled  bool
	completed  chan device.Device
	onComplete func(device.Device)
}

func newTestController() *testController {
	return &testController{completed: make(chan device.Device, 4)}
}

func (c *testController) Completion(dev device.Device) {
	if c.onComplete != nil {
		c.onComplete(dev)
	}
	c.completed <- dev
}

func (c *testController) HandleError(status transport.Status, tag string) {
	c.mu.Lock()
	c.errors = append(c.errors, status)
	c.mu.Unlock()
}

func (c *testController) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *testController) QueueSize() int { return 10000 }

func (c *testController) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

// pump runs the provider's event dispatch in the background for the life
// of one test.
func pump(t *testing.T, p *sim.Provider) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				p.HandleEvents(10 * time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func newDevice(t *testing.T, serial string) (*m1000.Device, *sim.Handle, *testController) {
	t.Helper()
	p := sim.New()
	pump(t, p)
	h := p.AddDevice(serial)
	ctrl := newTestController()
	d, err := m1000.New(ctrl, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d, h, ctrl
}

func TestNew_Identity(t *testing.T) {
	d, _, _ := newDevice(t, "203A1B2C")
	if got := d.Serial(); got != "203A1B2C" {
		t.Errorf("Serial() = %q, want 203A1B2C", got)
	}
	if got := d.FWVersion(); got != "2.17" {
		t.Errorf("FWVersion() = %q, want 2.17", got)
	}
	if got := d.HWVersion(); got != "F" {
		t.Errorf("HWVersion() = %q, want F", got)
	}
	if got := d.DefaultRate(); got != 100000 {
		t.Errorf("DefaultRate() = %d, want 100000", got)
	}
	if got := d.Info().Channels; got != 2 {
		t.Errorf("Info().Channels = %d, want 2", got)
	}
	if got := d.State(); got != device.StateAvailable {
		t.Errorf("State() = %v, want %v", got, device.StateAvailable)
	}
}

func TestNew_RejectsOversizeIdentity(t *testing.T) {
	p := sim.New()
	pump(t, p)
	h := p.AddDevice("a-serial-number-well-past-the-thirty-two-byte-limit")
	if _, err := m1000.New(newTestController(), h, zerolog.Nop()); err == nil {
		t.Fatal("New() with oversize serial: error = nil, want non-nil")
	}
}

func TestDevice_SetMode(t *testing.T) {
	tests := []struct {
		name    string
		channel int
		mode    device.Mode
		wantErr bool
	}{
		{"hi_z", 0, device.HighZ, false},
		{"svmi", 0, device.SVMI, false},
		{"simv", 1, device.SIMV, false},
		{"bad channel", 2, device.SVMI, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newDevice(t, "203A0001")
			err := d.SetMode(tt.channel, tt.mode)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetMode(%d, %v) error = %v, wantErr %v", tt.channel, tt.mode, err, tt.wantErr)
			}
			if err == nil {
				if got := d.Mode(tt.channel); got != tt.mode {
					t.Errorf("Mode(%d) = %v, want %v", tt.channel, got, tt.mode)
				}
			}
		})
	}
}

func TestDevice_ReadZeroTimeoutEmpty(t *testing.T) {
	d, _, _ := newDevice(t, "203A0002")
	start := time.Now()
	buf := make([][4]float32, 8)
	n, err := d.Read(buf, 0)
	if n != 0 || err != nil {
		t.Errorf("Read() = %d, %v, want 0, nil", n, err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Read() with zero timeout blocked for %v", elapsed)
	}
}

func TestDevice_CalibrationDefaults(t *testing.T) {
	d, _, _ := newDevice(t, "203A0003")
	if err := d.Added(); err != nil {
		t.Fatalf("Added() error = %v", err)
	}
	cal := d.Calibration()
	if len(cal) != 8 {
		t.Fatalf("Calibration() rows = %d, want 8", len(cal))
	}
	for i, row := range cal {
		if row[0] != 0 || row[1] != 1 || row[2] != 1 {
			t.Errorf("row %d = %v, want [0 1 1]", i, row)
		}
	}
}

func TestDevice_FiniteRun(t *testing.T) {
	d, _, ctrl := newDevice(t, "203A0004")
	if err := d.Added(); err != nil {
		t.Fatalf("Added() error = %v", err)
	}
	if err := d.Configure(100000); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := d.On(); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	if err := d.Run(512); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case <-ctrl.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete")
	}
	if got := d.State(); got != device.StateAdded {
		t.Errorf("State() after run = %v, want %v", got, device.StateAdded)
	}

	buf := make([][4]float32, 1024)
	n, err := d.Read(buf, 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n != 512 {
		t.Errorf("Read() = %d samples, want 512", n)
	}
	if buf[1][0] <= buf[0][0] {
		t.Errorf("samples not rising: buf[0][0]=%v buf[1][0]=%v", buf[0][0], buf[1][0])
	}

	stats := d.Statistics()
	if stats.InSamples != 512 {
		t.Errorf("Statistics().InSamples = %d, want 512", stats.InSamples)
	}
	if stats.OutSamples != 512 {
		t.Errorf("Statistics().OutSamples = %d, want 512", stats.OutSamples)
	}
	if got := ctrl.errorCount(); got != 0 {
		t.Errorf("controller saw %d transfer errors, want 0", got)
	}
}

// The completion callback runs on the event-dispatch goroutine and must be
// free to call back into the device, as the session does when it records
// run statistics.
func TestDevice_CompletionReentersDevice(t *testing.T) {
	d, _, ctrl := newDevice(t, "203A0009")
	statsCh := make(chan device.Statistics, 1)
	ctrl.onComplete = func(dev device.Device) {
		statsCh <- dev.Statistics()
	}
	if err := d.Added(); err != nil {
		t.Fatalf("Added() error = %v", err)
	}
	if err := d.Configure(100000); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := d.On(); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	if err := d.Run(128); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case stats := <-statsCh:
		if stats.InSamples != 128 {
			t.Errorf("Statistics().InSamples in completion = %d, want 128", stats.InSamples)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("completion never delivered; device lock held across the callback")
	}
	select {
	case <-ctrl.completed:
	case <-time.After(time.Second):
		t.Fatal("run did not complete")
	}
	if got := d.State(); got != device.StateAdded {
		t.Errorf("State() after run = %v, want %v", got, device.StateAdded)
	}
}

func TestDevice_CancelContinuousRun(t *testing.T) {
	d, _, ctrl := newDevice(t, "203A0005")
	if err := d.Added(); err != nil {
		t.Fatalf("Added() error = %v", err)
	}
	if err := d.Configure(100000); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := d.On(); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	if err := d.Run(0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// let some samples move before pulling the plug
	time.Sleep(50 * time.Millisecond)
	if err := d.CancelTransfers(); err != nil {
		t.Fatalf("CancelTransfers() error = %v", err)
	}

	select {
	case <-ctrl.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled run did not complete")
	}
	if got := d.State(); got != device.StateAdded {
		t.Errorf("State() after cancel = %v, want %v", got, device.StateAdded)
	}
	// cancellation is not a transfer error
	if got := ctrl.errorCount(); got != 0 {
		t.Errorf("controller saw %d transfer errors, want 0", got)
	}
}

func TestDevice_WriteDrivesOutput(t *testing.T) {
	d, h, ctrl := newDevice(t, "203A0006")
	if err := d.Added(); err != nil {
		t.Fatalf("Added() error = %v", err)
	}
	if err := d.SetMode(0, device.SVMI); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	if err := d.Configure(100000); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := d.On(); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	samples := make([]float32, 512)
	for i := range samples {
		samples[i] = 2.5
	}
	if n, err := d.Write(samples, 0, time.Second); n != len(samples) || err != nil {
		t.Fatalf("Write() = %d, %v, want %d, nil", n, err, len(samples))
	}

	if err := d.Run(512); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	select {
	case <-ctrl.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete")
	}

	// 2.5V over a 0-5V range lands mid-scale
	var max uint16
	for _, code := range h.OutTail() {
		if code > max {
			max = code
		}
	}
	if max < 32000 || max > 33500 {
		t.Errorf("peak output code = %d, want mid-scale near 32767", max)
	}
}

func TestDevice_ConfigureRejectsBadRate(t *testing.T) {
	d, _, _ := newDevice(t, "203A0007")
	if err := d.Added(); err != nil {
		t.Fatalf("Added() error = %v", err)
	}
	for _, rate := range []uint64{0, 100001} {
		if err := d.Configure(rate); !errors.Is(err, device.ErrConfiguration) {
			t.Errorf("Configure(%d) error = %v, want ErrConfiguration", rate, err)
		}
	}
}

func TestDevice_RunRequiresConfigure(t *testing.T) {
	d, _, _ := newDevice(t, "203A0008")
	if err := d.Added(); err != nil {
		t.Fatalf("Added() error = %v", err)
	}
	if err := d.Run(16); !errors.Is(err, device.ErrConfiguration) {
		t.Errorf("Run() without Configure error = %v, want ErrConfiguration", err)
	}
}

func TestDevice_SyncSetsStartFrame(t *testing.T) {
	d, h, _ := newDevice(t, "203A0009")
	if err := d.Added(); err != nil {
		t.Fatalf("Added() error = %v", err)
	}
	if err := d.Configure(100000); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := d.On(); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	if err := d.Run(16); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.StartFrame(); got == 0 {
		t.Error("StartFrame() = 0 after Sync, want a future frame target")
	}
}
