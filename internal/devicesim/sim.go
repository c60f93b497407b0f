// Package devicesim speaks the Wanderer wire protocol from the device
// side over any transport.Link. It exists so the session, state
// machine, and decoder are testable against real framing without
// hardware, and backs the CLI's --fake mode. Fault injection mimics
// the failure modes the physical unit and its flaky adapters actually
// show: silence, flipped bits, truncated downloads.
package devicesim

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wanderer-tools/wanderctl/internal/protocol"
	"github.com/wanderer-tools/wanderctl/internal/protocol/record"
	"github.com/wanderer-tools/wanderctl/internal/protocol/wire"
	"github.com/wanderer-tools/wanderctl/internal/transport"
)

// Faults configures misbehavior, consumed one unit per request.
type Faults struct {
	// DropRequests silences the device for the next N requests.
	DropRequests int
	// CorruptResponses flips a checksum bit in the next N responses.
	CorruptResponses int
	// TruncateDownloadAfter cuts the next download stream after N
	// bytes. Zero means no truncation.
	TruncateDownloadAfter int
}

// Sample seeds one stored reading.
type Sample struct {
	Seq        uint16
	ElapsedSec uint16
	RawTemp    byte
	RawVib     byte
}

// Device is one simulated Wanderer unit.
type Device struct {
	mu       sync.Mutex
	variant  wire.Variant
	sampling bool
	battery  uint8
	program  protocol.Program
	clock    time.Time
	samples  []Sample
	faults   Faults
	logger   zerolog.Logger
}

func New(variant wire.Variant) *Device {
	return &Device{
		variant: variant,
		battery: 93,
		program: protocol.DefaultProgram(),
		logger:  log.With().Str("component", "devicesim").Logger(),
	}
}

// LoadSamples seeds the device memory.
func (d *Device) LoadSamples(samples []Sample) {
	d.mu.Lock()
	d.samples = append([]Sample(nil), samples...)
	d.mu.Unlock()
}

// Inject arms fault counters for upcoming requests.
func (d *Device) Inject(f Faults) {
	d.mu.Lock()
	d.faults = f
	d.mu.Unlock()
}

// Sampling reports whether a recording is running.
func (d *Device) Sampling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampling
}

// Program returns the currently stored measurement program.
func (d *Device) Program() protocol.Program {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.program
}

// Clock returns the last time pushed by set_clock.
func (d *Device) Clock() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

// Serve reads frames off link and answers them until ctx is done or
// the link closes. Run it on its own goroutine.
func (d *Device) Serve(ctx context.Context, link transport.Link) {
	if err := link.SetReadTimeout(20 * time.Millisecond); err != nil {
		return
	}
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, consumed, err := d.variant.Decode(buf)
		switch {
		case err == nil:
			buf = buf[consumed:]
			if !d.handle(frame, link) {
				return
			}
			continue
		case errors.Is(err, protocol.ErrNeedMoreData):
		default:
			var corrupt *wire.CorruptError
			if errors.As(err, &corrupt) {
				buf = buf[corrupt.Discard:]
				continue
			}
			return
		}
		n, err := link.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)
	}
}

type writer interface {
	Write(p []byte) (int, error)
}

// handle answers one request. Returns false when the link is gone.
func (d *Device) handle(req wire.Frame, link writer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.faults.DropRequests > 0 {
		d.faults.DropRequests--
		d.logger.Debug().Str("command", req.Command.String()).Msg("dropping request")
		return true
	}

	switch req.Command {
	case protocol.CmdQueryStatus:
		payload := protocol.EncodeStatus(protocol.DeviceStatus{
			Sampling:       d.sampling,
			SampleCount:    uint16(len(d.samples)),
			BatteryPercent: d.battery,
		})
		return d.respond(link, req.Command, payload)

	case protocol.CmdStartSampling:
		if len(req.Payload) == protocol.ProgramPayloadLen {
			if prog, err := protocol.ParseProgram(req.Payload); err == nil {
				d.program = prog
			}
		}
		d.sampling = true
		return d.respond(link, req.Command, nil)

	case protocol.CmdStopSampling:
		d.sampling = false
		return d.respond(link, req.Command, nil)

	case protocol.CmdSetClock:
		if at, err := protocol.ParseClock(req.Payload); err == nil {
			d.clock = at
		}
		return d.respond(link, req.Command, nil)

	case protocol.CmdDownloadSamples:
		// Reading stops any running recording, as the real unit does.
		d.sampling = false
		ack := make([]byte, 2)
		binary.LittleEndian.PutUint16(ack, uint16(len(d.samples)))
		if !d.respond(link, req.Command, ack) {
			return false
		}
		return d.stream(link)

	case protocol.CmdAbortDownload:
		// No response on the wire; the unit just goes quiet.
		return true

	default:
		d.logger.Debug().Str("command", req.Command.String()).Msg("unknown command ignored")
		return true
	}
}

// respond encodes and writes one response frame, applying the
// corrupt-response fault if armed.
func (d *Device) respond(link writer, cmd protocol.Command, payload []byte) bool {
	raw, err := d.variant.Encode(cmd, payload)
	if err != nil {
		d.logger.Error().Err(err).Msg("simulated device cannot frame response")
		return true
	}
	if d.faults.CorruptResponses > 0 {
		d.faults.CorruptResponses--
		raw[len(raw)-1] ^= 0x01
	}
	_, err = link.Write(raw)
	return err == nil
}

// stream writes the raw record bytes plus the end marker.
func (d *Device) stream(link writer) bool {
	out := make([]byte, 0, len(d.samples)*record.RecordSize+2)
	for _, s := range d.samples {
		rec := make([]byte, record.RecordSize)
		binary.LittleEndian.PutUint16(rec[0:2], s.Seq)
		binary.LittleEndian.PutUint16(rec[2:4], s.ElapsedSec)
		rec[4] = s.RawTemp
		rec[5] = s.RawVib
		out = append(out, rec...)
	}
	out = append(out, 0xFF, 0xFF)

	if d.faults.TruncateDownloadAfter > 0 && d.faults.TruncateDownloadAfter < len(out) {
		out = out[:d.faults.TruncateDownloadAfter]
		d.faults.TruncateDownloadAfter = 0
	}
	_, err := link.Write(out)
	return err == nil
}

// MakeRamp seeds n samples forming a gentle temperature ramp with a
// vibration spike in the middle; handy for the CLI's fake mode.
func MakeRamp(n int) []Sample {
	samples := make([]Sample, n)
	for i := range samples {
		vib := byte(15)
		if i == n/2 {
			vib = 120
		}
		samples[i] = Sample{
			Seq:        uint16(i),
			ElapsedSec: uint16(i * 60),
			RawTemp:    byte(50 + i%20),
			RawVib:     vib,
		}
	}
	return samples
}
