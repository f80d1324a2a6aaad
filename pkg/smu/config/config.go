package config

import (
	"fmt"
	"time"

	"github.com/openinstrument/smu/pkg/smu/device"
)

type Config struct {
	Device     string    `yaml:"device"` // usb or sim
	Serial     string    `yaml:"serial"`
	SampleRate uint64    `yaml:"sample_rate"`
	Samples    uint64    `yaml:"samples"` // 0 streams until interrupted
	QueueSize  int       `yaml:"queue_size"`
	OutputFile string    `yaml:"output_file"`
	Channels   []Channel `yaml:"channels"`
	Sim        struct {
		Devices  int           `yaml:"devices"`
		PacingUS time.Duration `yaml:"pacing_us"`
	} `yaml:"sim"`
	Monitor struct {
		Port int `yaml:"port"`
	} `yaml:"monitor"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	}
}

type Channel struct {
	Mode   string `yaml:"mode"` // hi_z, svmi or simv
	Source Source `yaml:"source"`
}

type Source struct {
	Kind   string  `yaml:"kind"` // constant, square, sawtooth, stairstep, sine or triangle
	Value  float64 `yaml:"value"`
	Peak   float64 `yaml:"peak"`
	Period float64 `yaml:"period"`
	Duty   float64 `yaml:"duty"`
	Phase  float64 `yaml:"phase"`
}

func (c Channel) DeviceMode() (device.Mode, error) {
	switch c.Mode {
	case "", "hi_z":
		return device.HighZ, nil
	case "svmi":
		return device.SVMI, nil
	case "simv":
		return device.SIMV, nil
	}
	return device.HighZ, fmt.Errorf("unknown channel mode %q", c.Mode)
}

// Apply configures a signal from the source description.
func (s Source) Apply(sig *device.Signal) error {
	switch s.Kind {
	case "", "constant":
		sig.SourceConstant(s.Value)
	case "square":
		sig.SourceSquare(s.Value, s.Peak, s.Period, s.Duty, s.Phase)
	case "sawtooth":
		sig.SourceSawtooth(s.Value, s.Peak, s.Period, s.Phase)
	case "stairstep":
		sig.SourceStairstep(s.Value, s.Peak, s.Period, s.Phase)
	case "sine":
		sig.SourceSine(s.Value, s.Peak, s.Period, s.Phase)
	case "triangle":
		sig.SourceTriangle(s.Value, s.Peak, s.Period, s.Phase)
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}
