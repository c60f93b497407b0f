// Package device sequences the legal operation order against one
// Wanderer unit: connect, query status, start/stop sampling, download.
// It owns the session state exclusively; all mutation goes through the
// state machine's transition table.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wanderer-tools/wanderctl/internal/protocol"
	"github.com/wanderer-tools/wanderctl/internal/protocol/record"
	"github.com/wanderer-tools/wanderctl/internal/protocol/wire"
)

// Session states.
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateIdle         = "idle"
	StateSampling     = "sampling"
	StateDownloading  = "downloading"
)

// Transition events.
const (
	evConnect    = "connect"
	evEnterIdle  = "enter_idle"
	evStart      = "start_sampling"
	evStop       = "stop_sampling"
	evDownload   = "download"
	evFinish     = "download_finish"
	evDisconnect = "disconnect"
)

// Transport is the synchronous exchange surface the session drives.
// *transport.Session implements it; tests may substitute their own.
type Transport interface {
	SendAndWait(ctx context.Context, cmd protocol.Command, payload []byte, timeout time.Duration) (wire.Frame, error)
	Send(ctx context.Context, cmd protocol.Command, payload []byte) error
	ReadStream(ctx context.Context, n int, timeout time.Duration) ([]byte, error)
	Close() error
}

// Config tunes one device session.
type Config struct {
	// RequestTimeout bounds a single command/response exchange
	// (before transport-level retries multiply it).
	RequestTimeout time.Duration
	// Transform converts raw sample fields to physical units.
	Transform record.Transform
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout: 2 * time.Second,
		Transform:      record.DefaultTransform(),
	}
}

// Session is the device-facing state machine. Not safe for concurrent
// callers: the underlying protocol is half-duplex, one logical session
// per physical link.
type Session struct {
	machine *fsm.FSM
	tr      Transport
	cfg     Config
	logger  zerolog.Logger

	statusMu sync.RWMutex
	status   protocol.DeviceStatus
}

func NewSession(tr Transport, cfg Config) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Session{
		machine: fsm.NewFSM(
			StateDisconnected,
			fsm.Events{
				{Name: evConnect, Src: []string{StateDisconnected}, Dst: StateConnected},
				{Name: evEnterIdle, Src: []string{StateConnected}, Dst: StateIdle},
				{Name: evStart, Src: []string{StateIdle}, Dst: StateSampling},
				{Name: evStop, Src: []string{StateSampling}, Dst: StateIdle},
				{Name: evDownload, Src: []string{StateIdle}, Dst: StateDownloading},
				{Name: evFinish, Src: []string{StateDownloading}, Dst: StateIdle},
				{Name: evDisconnect, Src: []string{
					StateDisconnected, StateConnected, StateIdle, StateSampling, StateDownloading,
				}, Dst: StateDisconnected},
			},
			fsm.Callbacks{},
		),
		tr:     tr,
		cfg:    cfg,
		logger: log.With().Str("component", "device").Logger(),
	}
}

// State reports the current session state.
func (s *Session) State() string { return s.machine.Current() }

// CachedStatus returns the last device status a successful query
// reported. Overwritten whole on each refresh, never partially.
func (s *Session) CachedStatus() protocol.DeviceStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st protocol.DeviceStatus) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

// guard rejects an operation whose transition is not legal from the
// current state, before any device I/O happens.
func (s *Session) guard(op, event string) error {
	if s.machine.Can(event) {
		return nil
	}
	return fmt.Errorf("%s: not allowed from state %q: %w", op, s.machine.Current(), protocol.ErrInvalidStateTransition)
}

// fire commits a transition the guard already admitted.
func (s *Session) fire(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		// The guard ran first; a failure here is a programming error.
		panic(fmt.Sprintf("device: transition %q from %q: %v", event, s.machine.Current(), err))
	}
}

// fail records a transport failure: the machine drops to Disconnected
// and the cause surfaces to the caller named by operation and the
// state it happened in.
func (s *Session) fail(op string, err error) error {
	state := s.machine.Current()
	s.machine.SetState(StateDisconnected)
	s.logger.Error().Str("operation", op).Str("state", state).Err(err).Msg("transport failure, session disconnected")
	return fmt.Errorf("%s in state %q: %w", op, state, err)
}

// query refreshes the cached status from the device.
func (s *Session) query(ctx context.Context) (protocol.DeviceStatus, error) {
	frame, err := s.tr.SendAndWait(ctx, protocol.CmdQueryStatus, nil, s.cfg.RequestTimeout)
	if err != nil {
		return protocol.DeviceStatus{}, err
	}
	if frame.Command != protocol.CmdQueryStatus {
		return protocol.DeviceStatus{}, fmt.Errorf("query_status answered by %s: %w", frame.Command, protocol.ErrCorrupt)
	}
	st, err := protocol.ParseStatus(frame.Payload)
	if err != nil {
		return protocol.DeviceStatus{}, err
	}
	s.setStatus(st)
	return st, nil
}

// Connect confirms device presence with a status query and moves
// Disconnected -> Connected.
func (s *Session) Connect(ctx context.Context) (protocol.DeviceStatus, error) {
	if err := s.guard("connect", evConnect); err != nil {
		return protocol.DeviceStatus{}, err
	}
	st, err := s.query(ctx)
	if err != nil {
		return protocol.DeviceStatus{}, s.fail("connect", err)
	}
	s.fire(evConnect)
	s.logger.Info().
		Uint16("sample_count", st.SampleCount).
		Uint8("battery_percent", st.BatteryPercent).
		Bool("sampling", st.Sampling).
		Msg("device connected")
	return st, nil
}

// EnterIdle moves Connected -> Idle. No device I/O: the unit has no
// explicit idle command, the distinction is session-side.
func (s *Session) EnterIdle() error {
	if err := s.guard("enter_idle", evEnterIdle); err != nil {
		return err
	}
	s.fire(evEnterIdle)
	return nil
}

// Resume moves Connected to the state the device itself reports:
// Sampling when a recording is running, Idle otherwise. Lets a fresh
// session adopt a recording started by an earlier one.
func (s *Session) Resume() error {
	if err := s.guard("resume", evEnterIdle); err != nil {
		return err
	}
	s.fire(evEnterIdle)
	if s.CachedStatus().Sampling {
		s.fire(evStart)
	}
	return nil
}

// RefreshStatus re-queries the device. Legal whenever a link exchange
// is safe, i.e. not disconnected and not mid-download.
func (s *Session) RefreshStatus(ctx context.Context) (protocol.DeviceStatus, error) {
	switch s.machine.Current() {
	case StateDisconnected, StateDownloading:
		return protocol.DeviceStatus{}, fmt.Errorf("refresh_status: not allowed from state %q: %w",
			s.machine.Current(), protocol.ErrInvalidStateTransition)
	}
	st, err := s.query(ctx)
	if err != nil {
		return protocol.DeviceStatus{}, s.fail("refresh_status", err)
	}
	return st, nil
}

// StartSampling programs and starts a recording, Idle -> Sampling.
// A nil program keeps whatever program the device already stores.
func (s *Session) StartSampling(ctx context.Context, prog *protocol.Program) error {
	if s.machine.Current() == StateSampling {
		return fmt.Errorf("start_sampling: already sampling: %w", protocol.ErrInvalidStateTransition)
	}
	if err := s.guard("start_sampling", evStart); err != nil {
		return err
	}
	var payload []byte
	if prog != nil {
		var err error
		if payload, err = prog.Encode(); err != nil {
			return err
		}
	}
	frame, err := s.tr.SendAndWait(ctx, protocol.CmdStartSampling, payload, s.cfg.RequestTimeout)
	if err != nil {
		return s.fail("start_sampling", err)
	}
	if frame.Command != protocol.CmdStartSampling {
		return s.fail("start_sampling", fmt.Errorf("answered by %s: %w", frame.Command, protocol.ErrCorrupt))
	}
	s.fire(evStart)
	s.logger.Info().Msg("sampling started")
	return nil
}

// StopSampling moves Sampling -> Idle. Rejected when already idle:
// the caller's view of the device drifted and should be resynced with
// a status query, not papered over.
func (s *Session) StopSampling(ctx context.Context) error {
	if err := s.guard("stop_sampling", evStop); err != nil {
		return err
	}
	frame, err := s.tr.SendAndWait(ctx, protocol.CmdStopSampling, nil, s.cfg.RequestTimeout)
	if err != nil {
		return s.fail("stop_sampling", err)
	}
	if frame.Command != protocol.CmdStopSampling {
		return s.fail("stop_sampling", fmt.Errorf("answered by %s: %w", frame.Command, protocol.ErrCorrupt))
	}
	s.fire(evStop)
	s.logger.Info().Msg("sampling stopped")
	return nil
}

// SetClock pushes the host clock to the device. Legal from Connected
// or Idle.
func (s *Session) SetClock(ctx context.Context, at time.Time) error {
	switch s.machine.Current() {
	case StateConnected, StateIdle:
	default:
		return fmt.Errorf("set_clock: not allowed from state %q: %w", s.machine.Current(), protocol.ErrInvalidStateTransition)
	}
	frame, err := s.tr.SendAndWait(ctx, protocol.CmdSetClock, protocol.EncodeClock(at), s.cfg.RequestTimeout)
	if err != nil {
		return s.fail("set_clock", err)
	}
	if frame.Command != protocol.CmdSetClock {
		return s.fail("set_clock", fmt.Errorf("answered by %s: %w", frame.Command, protocol.ErrCorrupt))
	}
	return nil
}

// Disconnect releases the link and resets the machine.
func (s *Session) Disconnect() error {
	s.machine.SetState(StateDisconnected)
	return s.tr.Close()
}
