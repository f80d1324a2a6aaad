package device

import "math"

// Src selects how output samples for a signal are produced at transfer
// submission time.
type Src int

const (
	SrcConstant Src = iota
	SrcSquare
	SrcSawtooth
	SrcStairstep
	SrcSine
	SrcTriangle
	SrcBuffer
	SrcCallback
)

// Dest selects where measured samples for a signal are delivered.
type Dest int

const (
	// DestDefault pushes samples into the per-channel FIFO drained by Read.
	DestDefault Dest = iota
	DestBuffer
	DestCallback
)

// SignalInfo is the immutable capability descriptor for one measurable or
// drivable quantity. Mode bitmasks use (1 << Mode) positions.
type SignalInfo struct {
	Label       string  `json:"label"`
	InputModes  uint32  `json:"input_modes"`
	OutputModes uint32  `json:"output_modes"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Resolution  float64 `json:"resolution"`
}

// IsInput reports whether the signal is measured in the given mode.
func (si SignalInfo) IsInput(m Mode) bool { return si.InputModes&(1<<uint(m)) != 0 }

// IsOutput reports whether the signal is driven in the given mode.
func (si SignalInfo) IsOutput(m Mode) bool { return si.OutputModes&(1<<uint(m)) != 0 }

// Signal pairs a capability descriptor with the live source and destination
// configuration for one quantity. The descriptor never changes; the
// configuration is owned by the device and mutated only under the device
// lock. Sample generation and delivery happen on the event-dispatch
// goroutine, so buffer and callback configurations must not block.
type Signal struct {
	info SignalInfo

	src       Src
	midpoint  float64
	peak      float64
	period    float64
	duty      float64
	phase     float64
	srcBuf    []float32
	srcRepeat bool
	srcFn     func(index uint64) float32

	dest    Dest
	destBuf []float32
	destN   int
	destFn  func(v float32)
}

func NewSignal(info SignalInfo) *Signal {
	return &Signal{info: info, src: SrcConstant, midpoint: 0}
}

// Info returns the capability descriptor. The returned value is shared
// read-only state, valid for the device's lifetime.
func (s *Signal) Info() SignalInfo { return s.info }

func (s *Signal) Source() Src { return s.src }

// SourceConstant drives a fixed value.
func (s *Signal) SourceConstant(v float64) {
	s.src = SrcConstant
	s.midpoint = v
}

func (s *Signal) periodic(src Src, midpoint, peak, period, phase float64) {
	s.src = src
	s.midpoint = midpoint
	s.peak = peak
	s.period = period
	s.phase = phase
}

// SourceSquare drives a square wave. duty is the high fraction of each
// period, in [0, 1].
func (s *Signal) SourceSquare(midpoint, peak, period, duty, phase float64) {
	s.periodic(SrcSquare, midpoint, peak, period, phase)
	s.duty = duty
}

func (s *Signal) SourceSawtooth(midpoint, peak, period, phase float64) {
	s.periodic(SrcSawtooth, midpoint, peak, period, phase)
}

func (s *Signal) SourceStairstep(midpoint, peak, period, phase float64) {
	s.periodic(SrcStairstep, midpoint, peak, period, phase)
}

func (s *Signal) SourceSine(midpoint, peak, period, phase float64) {
	s.periodic(SrcSine, midpoint, peak, period, phase)
}

func (s *Signal) SourceTriangle(midpoint, peak, period, phase float64) {
	s.periodic(SrcTriangle, midpoint, peak, period, phase)
}

// SourceBuffer plays samples from buf. If repeat is set the buffer wraps,
// otherwise the last value holds after the buffer is exhausted.
func (s *Signal) SourceBuffer(buf []float32, repeat bool) {
	s.src = SrcBuffer
	s.srcBuf = buf
	s.srcRepeat = repeat
}

// SourceCallback pulls each output sample from fn, called with the sample
// index on the event-dispatch goroutine.
func (s *Signal) SourceCallback(fn func(index uint64) float32) {
	s.src = SrcCallback
	s.srcFn = fn
}

// DestinationDefault routes measured samples into the channel FIFO.
func (s *Signal) DestinationDefault() {
	s.dest = DestDefault
	s.destBuf = nil
	s.destFn = nil
}

// DestinationBuffer fills buf with measured samples, then discards.
func (s *Signal) DestinationBuffer(buf []float32) {
	s.dest = DestBuffer
	s.destBuf = buf
	s.destN = 0
}

// DestinationCallback hands each measured sample to fn on the
// event-dispatch goroutine.
func (s *Signal) DestinationCallback(fn func(v float32)) {
	s.dest = DestCallback
	s.destFn = fn
}

// Sample produces the output value for the given sample index. Called on
// the event-dispatch goroutine under the device lock.
func (s *Signal) Sample(index uint64) float32 {
	switch s.src {
	case SrcConstant:
		return float32(s.midpoint)
	case SrcBuffer:
		if len(s.srcBuf) == 0 {
			return 0
		}
		i := int(index)
		if i >= len(s.srcBuf) {
			if !s.srcRepeat {
				return s.srcBuf[len(s.srcBuf)-1]
			}
			i %= len(s.srcBuf)
		}
		return s.srcBuf[i]
	case SrcCallback:
		if s.srcFn == nil {
			return 0
		}
		return s.srcFn(index)
	}

	pos := math.Mod(float64(index)+s.phase, s.period) / s.period
	switch s.src {
	case SrcSquare:
		if pos < s.duty {
			return float32(s.midpoint + s.peak)
		}
		return float32(s.midpoint - s.peak)
	case SrcSawtooth:
		return float32(s.midpoint + s.peak*(2*pos-1))
	case SrcStairstep:
		// 10 flats per period
		step := math.Floor(pos * 10)
		return float32(s.midpoint + s.peak*(step/4.5-1))
	case SrcSine:
		return float32(s.midpoint + s.peak*math.Sin(2*math.Pi*pos))
	case SrcTriangle:
		return float32(s.midpoint + s.peak*(1-4*math.Abs(pos-0.5)))
	}
	return 0
}

// Deliver hands one measured sample to a buffer or callback destination.
// The channel FIFO is fed independently of the destination so that the four
// quantities of a device stay index-aligned for interleaved reads.
func (s *Signal) Deliver(v float32) {
	switch s.dest {
	case DestBuffer:
		if s.destN < len(s.destBuf) {
			s.destBuf[s.destN] = v
			s.destN++
		}
	case DestCallback:
		if s.destFn != nil {
			s.destFn(v)
		}
	}
}
