package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"golang.org/x/sync/errgroup"

	"github.com/openinstrument/smu/pkg/smu"
	"github.com/openinstrument/smu/pkg/smu/config"
	"github.com/openinstrument/smu/pkg/smu/device"
	"github.com/openinstrument/smu/pkg/smu/monitor"
	"github.com/openinstrument/smu/pkg/smu/transport"
	"github.com/openinstrument/smu/pkg/smu/transport/sim"
	"github.com/openinstrument/smu/pkg/smu/transport/usb"
)

const readChunk = 1024

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "smu.yaml", "YAML config file")
	scan := flag.Bool("scan", false, "list attached devices and exit")
	flash := flag.String("flash", "", "firmware image to flash, then exit")

	flag.Parse()

	configContents, err := os.ReadFile(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error reading config file")
	}
	var opts config.Config
	if err := yaml.Unmarshal(configContents, &opts); err != nil {
		log.Fatal().Err(err).Msg("error unmarshaling yaml file")
	}

	var provider transport.Provider
	switch opts.Device {
	case "sim":
		log.Info().Str("device", "sim").Msg("initializing bus...")
		var simOpts []sim.Option
		if opts.Sim.PacingUS > 0 {
			simOpts = append(simOpts, sim.WithPacing(opts.Sim.PacingUS*time.Microsecond))
		}
		p := sim.New(simOpts...)
		n := opts.Sim.Devices
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.AddDevice(fmt.Sprintf("sim%04d", i))
		}
		provider = p
	default:
		log.Info().Str("device", "usb").Msg("initializing bus...")
		provider = usb.New()
	}

	sessionOpts := []smu.Option{smu.WithLogger(log.Logger)}
	if opts.InfluxDB.Host != "" {
		writeAPI := influxdb2.NewClient(opts.InfluxDB.Host, "").WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
		sessionOpts = append(sessionOpts, smu.WithInfluxDB(writeAPI))
	}
	if opts.QueueSize > 0 {
		sessionOpts = append(sessionOpts, smu.WithQueueSize(opts.QueueSize))
	}

	session, err := smu.New(provider, sessionOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}
	defer session.Close()

	added, err := session.AddAll()
	if err != nil {
		log.Warn().Err(err).Msg("some devices failed to bind")
	}
	if *scan {
		for _, dev := range session.Devices() {
			info := dev.Info()
			fmt.Printf("%s %s fw=%s hw=%s\n", info.Label, dev.Serial(), dev.FWVersion(), dev.HWVersion())
		}
		return
	}
	if added == 0 {
		log.Fatal().Msg("no devices found")
	}

	if *flash != "" {
		if err := session.FlashFirmware(*flash, nil); err != nil {
			log.Fatal().Err(err).Str("path", *flash).Msg("flash failed")
		}
		return
	}

	target, err := pickDevice(session, opts.Serial)
	if err != nil {
		log.Fatal().Err(err).Msg("selecting device")
	}
	if err := applyChannels(target, opts.Channels); err != nil {
		log.Fatal().Err(err).Msg("configuring channels")
	}

	rate := opts.SampleRate
	if rate == 0 {
		rate = uint64(target.DefaultRate())
	}
	if err := session.Configure(rate); err != nil {
		log.Fatal().Err(err).Msg("configuring session")
	}

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
			log.Info().Msg("interrupted, cancelling")
			session.Cancel()
		case <-ctx.Done():
		}
		return nil
	})

	if opts.Monitor.Port != 0 {
		monitorServer := monitor.NewServer(session, opts.Monitor.Port)
		eg.Go(func() error {
			return monitorServer.Run(ctx)
		})
		defer monitorServer.Stop(context.Background())
	}

	if err := session.Start(opts.Samples); err != nil {
		log.Fatal().Err(err).Msg("starting stream")
	}

	eg.Go(func() error {
		defer session.Cancel()
		return stream(target, opts.OutputFile)
	})

	eg.Go(func() error {
		session.WaitForCompletion()
		return session.End()
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}

func pickDevice(session *smu.Session, serial string) (device.Device, error) {
	if serial != "" {
		return session.GetDevice(serial)
	}
	devs := session.Devices()
	if len(devs) == 0 {
		return nil, fmt.Errorf("no bound devices")
	}
	return devs[0], nil
}

func applyChannels(dev device.Device, channels []config.Channel) error {
	for i, ch := range channels {
		m, err := ch.DeviceMode()
		if err != nil {
			return err
		}
		if err := dev.SetMode(i, m); err != nil {
			return err
		}
		if m == device.HighZ {
			continue
		}
		// drive the sourced quantity: voltage under SVMI, current under SIMV
		sigIdx := 0
		if m == device.SIMV {
			sigIdx = 1
		}
		sig, err := dev.Signal(i, sigIdx)
		if err != nil {
			return err
		}
		if err := ch.Source.Apply(sig); err != nil {
			return err
		}
	}
	return nil
}

// stream copies measured samples to a CSV file, or stdout when no output
// path is configured. Columns are voltage and current per channel.
func stream(dev device.Device, path string) error {
	out := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	w := csv.NewWriter(out)
	defer w.Flush()
	if err := w.Write([]string{"a_v", "a_i", "b_v", "b_i"}); err != nil {
		return err
	}

	buf := make([][4]float32, readChunk)
	row := make([]string, 4)
	for {
		n, err := dev.Read(buf, time.Second)
		for i := 0; i < n; i++ {
			for j, v := range buf[i] {
				row[j] = strconv.FormatFloat(float64(v), 'g', -1, 32)
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		if err != nil {
			if err == device.ErrOverflow {
				log.Warn().Str("serial", dev.Serial()).Msg("sample queue overflowed, data dropped")
				continue
			}
			if dev.State() != device.StateRunning {
				return nil
			}
			return err
		}
		// closed queues read as empty once the run is over
		if n == 0 && dev.State() != device.StateRunning {
			return nil
		}
	}
}
