// Command wanderctl talks to a Wanderer temperature/vibration logger
// over its serial link: query status, start and stop recordings, pull
// stored samples, set the device clock.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wanderer-tools/wanderctl/internal/device"
	"github.com/wanderer-tools/wanderctl/internal/devicesim"
	"github.com/wanderer-tools/wanderctl/internal/export"
	"github.com/wanderer-tools/wanderctl/internal/logging"
	"github.com/wanderer-tools/wanderctl/internal/observability"
	"github.com/wanderer-tools/wanderctl/internal/protocol"
	"github.com/wanderer-tools/wanderctl/internal/transport"
)

// Exit codes, stable for scripting.
const (
	exitOK           = 0
	exitUsage        = 1
	exitPort         = 2
	exitComms        = 3
	exitCorrupt      = 4
	exitInvalidState = 5
)

type options struct {
	configPath string
	port       string
	fake       bool
}

func main() {
	logging.ConfigureRuntime()
	observability.RegisterMetrics()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	command := args[0]

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	if command == "program" {
		// Inspection only, no device I/O.
		var configPath string
		fs.StringVar(&configPath, "config", "", "TOML config file")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		cfg, err := loadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "wanderctl: %v\n", err)
			return exitUsage
		}
		cmdProgram(cfg.Program)
		return exitOK
	}
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "TOML config file")
	fs.StringVar(&opts.port, "port", "", "serial device path, overrides the config file")
	fs.BoolVar(&opts.fake, "fake", false, "talk to a simulated device instead of a serial port")

	var csvPath string
	var startAt string
	if command == "download" {
		fs.StringVar(&csvPath, "csv", "-", "CSV output path, - for stdout")
		fs.StringVar(&startAt, "start", "", "recording start time (RFC 3339) for sample timestamps")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wanderctl: %v\n", err)
		return exitUsage
	}
	if opts.port != "" {
		cfg.Port.Path = opts.port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, cleanup, err := openSession(ctx, cfg, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wanderctl: %v\n", err)
		return exitCode(err)
	}
	defer cleanup()

	switch command {
	case "status":
		err = cmdStatus(ctx, sess)
	case "start":
		err = cmdStart(ctx, sess, cfg.Program)
	case "stop":
		err = cmdStop(ctx, sess)
	case "download":
		err = cmdDownload(ctx, sess, csvPath, startAt)
	case "clock":
		err = cmdClock(ctx, sess)
	default:
		fmt.Fprintf(os.Stderr, "wanderctl: unknown command %q\n", command)
		usage()
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "wanderctl: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: wanderctl <command> [flags]

commands:
  status     query device state, sample count, and battery
  start      start a recording (program from the config file, if any)
  stop       stop the running recording
  download   pull stored samples, write CSV (-csv, -start flags)
  clock      set the device clock to the host clock
  program    show the measurement program start would send

common flags:
  -config path   TOML config file
  -port path     serial device path, overrides the config file
  -fake          talk to a built-in simulated device`)
}

// exitCode maps the error taxonomy onto stable exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, protocol.ErrPortUnavailable):
		return exitPort
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, protocol.ErrLinkError):
		return exitComms
	case errors.Is(err, protocol.ErrCorrupt):
		return exitCorrupt
	case errors.Is(err, protocol.ErrInvalidStateTransition):
		return exitInvalidState
	default:
		return exitUsage
	}
}

// openSession opens the serial port (or spins up the simulator),
// wraps it in a transport session, and connects to the device.
func openSession(ctx context.Context, cfg config, opts options) (*device.Session, func(), error) {
	var link transport.Link
	cleanup := func() {}

	if opts.fake {
		hostLink, devLink := transport.Pipe()
		sim := devicesim.New(cfg.Variant)
		sim.LoadSamples(devicesim.MakeRamp(32))
		simCtx, cancel := context.WithCancel(context.Background())
		go sim.Serve(simCtx, devLink)
		link = hostLink
		cleanup = cancel
		log.Info().Msg("using simulated device")
	} else {
		if cfg.Port.Path == "" {
			return nil, nil, fmt.Errorf("no serial port configured (use -port or the config file): %w", protocol.ErrPortUnavailable)
		}
		var err error
		link, err = transport.OpenPort(cfg.Port)
		if err != nil {
			return nil, nil, err
		}
	}

	tcfg := transport.DefaultSessionConfig()
	tcfg.Variant = cfg.Variant
	tcfg.Backoff = cfg.Backoff
	tr := transport.NewSession(link, tcfg)

	sess := device.NewSession(tr, cfg.Device)
	if _, err := sess.Connect(ctx); err != nil {
		tr.Close()
		cleanup()
		return nil, nil, err
	}
	if err := sess.Resume(); err != nil {
		tr.Close()
		cleanup()
		return nil, nil, err
	}

	wrapped := cleanup
	return sess, func() {
		sess.Disconnect()
		wrapped()
	}, nil
}

func cmdStatus(ctx context.Context, sess *device.Session) error {
	st, err := sess.RefreshStatus(ctx)
	if err != nil {
		return err
	}
	state := "idle"
	if st.Sampling {
		state = "sampling"
	}
	fmt.Printf("state:    %s\n", state)
	fmt.Printf("samples:  %d / %d\n", st.SampleCount, protocol.MaxStoredSamples)
	fmt.Printf("battery:  %d%%\n", st.BatteryPercent)
	return nil
}

func cmdStart(ctx context.Context, sess *device.Session, prog *protocol.Program) error {
	if err := sess.StartSampling(ctx, prog); err != nil {
		return err
	}
	fmt.Println("recording started")
	return nil
}

func cmdStop(ctx context.Context, sess *device.Session) error {
	if err := sess.StopSampling(ctx); err != nil {
		return err
	}
	fmt.Println("recording stopped")
	return nil
}

func cmdDownload(ctx context.Context, sess *device.Session, csvPath, startAt string) error {
	var start time.Time
	if startAt != "" {
		var err error
		start, err = time.Parse(time.RFC3339, startAt)
		if err != nil {
			return fmt.Errorf("parse -start: %w", err)
		}
	}

	// Reading out the memory stops a running recording on the device,
	// so stop session-side first to keep the two in step.
	if sess.State() == device.StateSampling {
		if err := sess.StopSampling(ctx); err != nil {
			return err
		}
	}

	res, err := sess.Download(ctx)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if csvPath != "" && csvPath != "-" {
		f, err := os.Create(csvPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", csvPath, err)
		}
		defer f.Close()
		out = f
	}
	if err := export.WriteCSV(out, res.Samples, start); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "downloaded %d samples (%s", len(res.Samples), res.Completeness)
	if res.Dropped > 0 {
		fmt.Fprintf(os.Stderr, ", %d dropped", res.Dropped)
	}
	fmt.Fprintln(os.Stderr, ")")
	return nil
}

func cmdProgram(prog *protocol.Program) {
	if prog == nil {
		fmt.Println("no program configured; start keeps the device's stored program")
		return
	}
	fmt.Printf("sample period:   %s\n", prog.SamplePeriod)
	fmt.Printf("store period:    %s\n", prog.StorePeriod)
	fmt.Printf("record length:   %dh\n", prog.RecordHours)
	fmt.Printf("res vibration:   %d\n", prog.ResVibration)
	fmt.Printf("res temperature: %d\n", prog.ResTemperature)
}

func cmdClock(ctx context.Context, sess *device.Session) error {
	now := time.Now()
	if err := sess.SetClock(ctx, now); err != nil {
		return err
	}
	fmt.Printf("device clock set to %s\n", now.Format(time.RFC3339))
	return nil
}
