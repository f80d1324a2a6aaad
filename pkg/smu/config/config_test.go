package config

import (
	"testing"

	"gopkg.in/yaml.v2"

	"github.com/openinstrument/smu/pkg/smu/device"
)

func TestChannel_DeviceMode(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		want    device.Mode
		wantErr bool
	}{
		{"default", "", device.HighZ, false},
		{"hi_z", "hi_z", device.HighZ, false},
		{"svmi", "svmi", device.SVMI, false},
		{"simv", "simv", device.SIMV, false},
		{"unknown", "smu", device.HighZ, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Channel{Mode: tt.mode}.DeviceMode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("DeviceMode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("DeviceMode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSource_Apply(t *testing.T) {
	sig := device.NewSignal(device.SignalInfo{})
	src := Source{Kind: "sine", Value: 2.5, Peak: 1, Period: 100}
	if err := src.Apply(sig); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := sig.Source(); got != device.SrcSine {
		t.Errorf("Source() = %v, want %v", got, device.SrcSine)
	}

	if err := (Source{Kind: "noise"}).Apply(sig); err == nil {
		t.Error("Apply() with unknown kind error = nil, want non-nil")
	}
}

func TestConfig_Unmarshal(t *testing.T) {
	raw := `
device: sim
serial: "203A0001"
sample_rate: 50000
samples: 100000
queue_size: 5000
channels:
  - mode: svmi
    source:
      kind: sine
      value: 2.5
      peak: 2.0
      period: 500
  - mode: hi_z
monitor:
  port: 8089
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if cfg.Device != "sim" || cfg.SampleRate != 50000 || cfg.QueueSize != 5000 {
		t.Errorf("parsed config = %+v", cfg)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0].Source.Kind != "sine" {
		t.Errorf("channels = %+v, want sine source on channel A", cfg.Channels)
	}
	if cfg.Monitor.Port != 8089 {
		t.Errorf("monitor port = %d, want 8089", cfg.Monitor.Port)
	}
}
