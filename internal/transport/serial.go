package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/wanderer-tools/wanderctl/internal/protocol"
)

// PortConfig is the physical link configuration. The defaults are the
// empirically discovered settings of the tested unit; everything is
// overridable because the values were recovered, not documented.
type PortConfig struct {
	Path        string
	BaudRate    int
	DataBits    int
	Parity      string // "none", "even", "odd"
	StopBits    int
	ReadTimeout time.Duration

	// The unit appears to draw extra power from RTS; DTR is not
	// connected in the original straight cable.
	AssertRTS bool
	ClearDTR  bool
}

// DefaultPortConfig returns 9600-8-N-1 with RTS asserted and DTR
// cleared.
func DefaultPortConfig(path string) PortConfig {
	return PortConfig{
		Path:        path,
		BaudRate:    9600,
		DataBits:    8,
		Parity:      "none",
		StopBits:    1,
		ReadTimeout: 2 * time.Second,
		AssertRTS:   true,
		ClearDTR:    true,
	}
}

type serialLink struct {
	port serial.Port
}

// OpenPort opens and configures the serial device, drains the NUL
// byte the unit emits after power-up on the line, and returns the
// exclusively-owned link. Failure to open or configure surfaces as
// protocol.ErrPortUnavailable.
func OpenPort(cfg PortConfig) (Link, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	switch cfg.Parity {
	case "", "none":
		mode.Parity = serial.NoParity
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("open %s: parity %q: %w", cfg.Path, cfg.Parity, protocol.ErrPortUnavailable)
	}
	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("open %s: stop bits %d: %w", cfg.Path, cfg.StopBits, protocol.ErrPortUnavailable)
	}

	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", cfg.Path, err, protocol.ErrPortUnavailable)
	}

	if cfg.AssertRTS {
		if err := port.SetRTS(true); err != nil {
			port.Close()
			return nil, fmt.Errorf("open %s: set RTS: %v: %w", cfg.Path, err, protocol.ErrPortUnavailable)
		}
	}
	if cfg.ClearDTR {
		if err := port.SetDTR(false); err != nil {
			port.Close()
			return nil, fmt.Errorf("open %s: clear DTR: %v: %w", cfg.Path, err, protocol.ErrPortUnavailable)
		}
	}
	link := &serialLink{port: port}
	link.drainInitialByte()

	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("open %s: set read timeout: %v: %w", cfg.Path, err, protocol.ErrPortUnavailable)
	}
	return link, nil
}

// drainInitialByte swallows the NUL the unit writes right after the
// port powers its line. Best effort: absence is not an error.
func (l *serialLink) drainInitialByte() {
	var one [1]byte
	l.port.SetReadTimeout(500 * time.Millisecond)
	l.port.Read(one[:])
	l.port.ResetInputBuffer()
}

func (l *serialLink) Read(p []byte) (int, error)  { return l.port.Read(p) }
func (l *serialLink) Write(p []byte) (int, error) { return l.port.Write(p) }

func (l *serialLink) SetReadTimeout(d time.Duration) error {
	return l.port.SetReadTimeout(d)
}

func (l *serialLink) Close() error {
	return l.port.Close()
}
