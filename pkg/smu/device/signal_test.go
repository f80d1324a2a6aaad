package device

import (
	"math"
	"testing"
)

func almostEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func TestSignal_Sample(t *testing.T) {
	type args struct {
		configure func(s *Signal)
		index     uint64
	}
	tests := []struct {
		name string
		args args
		want float32
	}{{
		"constant",
		args{func(s *Signal) { s.SourceConstant(2.5) }, 17},
		2.5,
	}, {
		"square high",
		args{func(s *Signal) { s.SourceSquare(2, 1, 100, 0.5, 0) }, 10},
		3,
	}, {
		"square low",
		args{func(s *Signal) { s.SourceSquare(2, 1, 100, 0.5, 0) }, 60},
		1,
	}, {
		"square phase shifts into low half",
		args{func(s *Signal) { s.SourceSquare(2, 1, 100, 0.5, 50) }, 10},
		1,
	}, {
		"sawtooth start",
		args{func(s *Signal) { s.SourceSawtooth(0, 1, 100, 0) }, 0},
		-1,
	}, {
		"sawtooth midpoint",
		args{func(s *Signal) { s.SourceSawtooth(0, 1, 100, 0) }, 50},
		0,
	}, {
		"stairstep first flat",
		args{func(s *Signal) { s.SourceStairstep(0, 1, 100, 0) }, 0},
		-1,
	}, {
		"stairstep last flat",
		args{func(s *Signal) { s.SourceStairstep(0, 1, 100, 0) }, 95},
		1,
	}, {
		"sine zero crossing",
		args{func(s *Signal) { s.SourceSine(1, 2, 100, 0) }, 0},
		1,
	}, {
		"sine peak",
		args{func(s *Signal) { s.SourceSine(1, 2, 100, 0) }, 25},
		3,
	}, {
		"triangle trough at start",
		args{func(s *Signal) { s.SourceTriangle(0, 1, 100, 0) }, 0},
		-1,
	}, {
		"triangle crest at half period",
		args{func(s *Signal) { s.SourceTriangle(0, 1, 100, 0) }, 50},
		1,
	}, {
		"buffer in range",
		args{func(s *Signal) { s.SourceBuffer([]float32{4, 5, 6}, false) }, 1},
		5,
	}, {
		"buffer holds last without repeat",
		args{func(s *Signal) { s.SourceBuffer([]float32{4, 5, 6}, false) }, 9},
		6,
	}, {
		"buffer wraps with repeat",
		args{func(s *Signal) { s.SourceBuffer([]float32{4, 5, 6}, true) }, 4},
		5,
	}, {
		"callback",
		args{func(s *Signal) {
			s.SourceCallback(func(index uint64) float32 { return float32(index) * 2 })
		}, 21},
		42,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSignal(SignalInfo{Label: "Voltage"})
			tt.args.configure(s)
			if got := s.Sample(tt.args.index); !almostEqual(got, tt.want) {
				t.Errorf("Sample(%d) = %v, want %v", tt.args.index, got, tt.want)
			}
		})
	}
}

func TestSignal_SampleSquareDuty(t *testing.T) {
	s := NewSignal(SignalInfo{})
	s.SourceSquare(0, 1, 10, 0.2, 0)
	high := 0
	for i := uint64(0); i < 10; i++ {
		if s.Sample(i) > 0 {
			high++
		}
	}
	if high != 2 {
		t.Errorf("high samples = %d over a 10-sample period with duty 0.2, want 2", high)
	}
}

func TestSignalInfo_ModeMasks(t *testing.T) {
	si := SignalInfo{
		InputModes:  1<<uint(HighZ) | 1<<uint(SIMV),
		OutputModes: 1 << uint(SVMI),
	}
	tests := []struct {
		name       string
		mode       Mode
		wantInput  bool
		wantOutput bool
	}{
		{"hi_z", HighZ, true, false},
		{"svmi", SVMI, false, true},
		{"simv", SIMV, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := si.IsInput(tt.mode); got != tt.wantInput {
				t.Errorf("IsInput(%v) = %v, want %v", tt.mode, got, tt.wantInput)
			}
			if got := si.IsOutput(tt.mode); got != tt.wantOutput {
				t.Errorf("IsOutput(%v) = %v, want %v", tt.mode, got, tt.wantOutput)
			}
		})
	}
}

func TestSignal_DeliverBuffer(t *testing.T) {
	s := NewSignal(SignalInfo{})
	buf := make([]float32, 2)
	s.DestinationBuffer(buf)
	for _, v := range []float32{1, 2, 3} {
		s.Deliver(v)
	}
	if buf[0] != 1 || buf[1] != 2 {
		t.Errorf("buffer = %v, want [1 2]: extra samples discard once full", buf)
	}
}

func TestSignal_DeliverCallback(t *testing.T) {
	s := NewSignal(SignalInfo{})
	var got []float32
	s.DestinationCallback(func(v float32) { got = append(got, v) })
	s.Deliver(7)
	s.Deliver(8)
	if len(got) != 2 || got[0] != 7 || got[1] != 8 {
		t.Errorf("callback received %v, want [7 8]", got)
	}
}

func TestSignal_DeliverDefaultIsNoop(t *testing.T) {
	s := NewSignal(SignalInfo{})
	s.DestinationDefault()
	s.Deliver(1) // must not panic with no destination configured
}
