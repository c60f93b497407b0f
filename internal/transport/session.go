package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wanderer-tools/wanderctl/internal/observability"
	"github.com/wanderer-tools/wanderctl/internal/protocol"
	"github.com/wanderer-tools/wanderctl/internal/protocol/wire"
)

// readChunk is the per-iteration read size. The unit dribbles bytes a
// few at a time at 9600 baud, so small reads keep the decode loop
// responsive.
const readChunk = 64

// pollInterval caps how long one blocking read may hold the loop so
// the overall deadline and ctx cancellation stay responsive.
const pollInterval = 50 * time.Millisecond

// SessionConfig tunes one transport session.
type SessionConfig struct {
	Variant wire.Variant
	Backoff BackoffPolicy

	// Sleep and Rand are injectable for tests; nil means real time
	// and the global source.
	Sleep SleepFunc
	Rand  *rand.Rand
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Variant: wire.DefaultVariant(),
		Backoff: DefaultBackoffPolicy(),
	}
}

// Session serializes request/response exchanges on one link. The
// protocol is half-duplex: exactly one command may be in flight, so
// every exchange holds the session lock end to end.
type Session struct {
	mu      sync.Mutex
	link    Link
	variant wire.Variant
	backoff BackoffPolicy
	sleep   SleepFunc
	rng     *rand.Rand
	logger  zerolog.Logger

	// rx holds bytes read off the link but not yet consumed. The
	// device may append stream data right behind a response frame, so
	// leftovers must survive across calls.
	rx []byte

	closeOnce sync.Once
	closeErr  error
}

// NewSession takes ownership of link. The link is released by Close
// and stays owned by the session on every path in between.
func NewSession(link Link, cfg SessionConfig) *Session {
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Session{
		link:    link,
		variant: cfg.Variant,
		backoff: cfg.Backoff,
		sleep:   sleep,
		rng:     cfg.Rand,
		logger:  log.With().Str("component", "transport").Logger(),
	}
}

// SendAndWait writes one command frame and waits for the matching
// response frame.
//
// Within one attempt the codec's Corrupt results are handled locally:
// the indicated prefix is discarded and reading continues inside the
// same timeout budget. Timeouts and link failures retry the whole
// exchange up to the backoff policy's attempt limit; the surfaced
// error then names the command and the attempts made. Caller-shape
// errors (oversized payload) surface immediately with no I/O.
func (s *Session) SendAndWait(ctx context.Context, cmd protocol.Command, payload []byte, timeout time.Duration) (wire.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.variant.Encode(cmd, payload)
	if err != nil {
		return wire.Frame{}, err
	}

	attempts := s.backoff.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		started := time.Now()
		frame, err := s.exchange(ctx, cmd, raw, timeout)
		observability.RecordRequest(cmd.String(), time.Since(started), err == nil)
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, protocol.ErrTimeout) && !errors.Is(err, protocol.ErrLinkError) {
			return wire.Frame{}, err
		}
		lastErr = err
		s.logger.Warn().
			Str("command", cmd.String()).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Err(err).
			Msg("exchange failed")
		if attempt == attempts {
			break
		}
		observability.RecordRetry(cmd.String())
		if err := s.sleep(ctx, NextBackoffDelay(s.backoff, attempt, s.rng)); err != nil {
			return wire.Frame{}, err
		}
	}
	return wire.Frame{}, fmt.Errorf("%s: %d attempts exhausted: %w", cmd, attempts, lastErr)
}

// exchange runs one write-then-read cycle within a single timeout
// budget.
func (s *Session) exchange(ctx context.Context, cmd protocol.Command, raw []byte, timeout time.Duration) (wire.Frame, error) {
	if err := ctx.Err(); err != nil {
		return wire.Frame{}, err
	}
	if _, err := s.link.Write(raw); err != nil {
		return wire.Frame{}, fmt.Errorf("%s: write: %v: %w", cmd, err, protocol.ErrLinkError)
	}
	observability.RecordFrameSent(cmd.String())

	deadline := time.Now().Add(timeout)
	tmp := make([]byte, readChunk)
	for {
		frame, consumed, err := s.variant.Decode(s.rx)
		switch {
		case err == nil:
			s.rx = s.rx[consumed:]
			observability.RecordFrameReceived(frame.Command.String())
			if !protocol.Known(frame.Command) {
				return wire.Frame{}, fmt.Errorf("%s: response command 0x%02X unknown: %w",
					cmd, byte(frame.Command), protocol.ErrCorrupt)
			}
			if frame.Command != cmd {
				// Stale response from an earlier attempt; the device
				// echoes the command byte, so mismatches are skipped.
				s.logger.Debug().
					Str("want", cmd.String()).
					Str("got", frame.Command.String()).
					Msg("discarding unexpected frame")
				continue
			}
			s.logger.Trace().
				Str("command", frame.Command.String()).
				Int("payload_len", len(frame.Payload)).
				Msg("frame decoded")
			return frame, nil
		case errors.Is(err, protocol.ErrNeedMoreData):
			// fall through to read more
		default:
			var corrupt *wire.CorruptError
			if !errors.As(err, &corrupt) {
				return wire.Frame{}, err
			}
			observability.RecordCorruptFrame(corrupt.Discard)
			s.logger.Debug().
				Int("discard", corrupt.Discard).
				Str("reason", corrupt.Reason).
				Msg("resynchronizing after corrupt frame")
			s.rx = s.rx[corrupt.Discard:]
			continue
		}

		if err := ctx.Err(); err != nil {
			return wire.Frame{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Frame{}, fmt.Errorf("%s: no response within %v: %w", cmd, timeout, protocol.ErrTimeout)
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		if err := s.link.SetReadTimeout(remaining); err != nil {
			return wire.Frame{}, fmt.Errorf("%s: set read timeout: %v: %w", cmd, err, protocol.ErrLinkError)
		}
		n, err := s.link.Read(tmp)
		if err != nil {
			return wire.Frame{}, fmt.Errorf("%s: read: %v: %w", cmd, err, protocol.ErrLinkError)
		}
		s.rx = append(s.rx, tmp[:n]...)
	}
}

// ReadStream reads up to n raw bytes of bulk download data. It returns
// whatever arrived before the timeout or ctx cancellation; the caller
// decides what a short read means. No retry here: a download restart
// is a device-level decision, not a transport one.
func (s *Session) ReadStream(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	out := make([]byte, 0, n)
	if len(s.rx) > 0 {
		take := len(s.rx)
		if take > n {
			take = n
		}
		out = append(out, s.rx[:take]...)
		s.rx = s.rx[take:]
	}
	tmp := make([]byte, readChunk)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, fmt.Errorf("stream read %d/%d bytes: %w", len(out), n, protocol.ErrTimeout)
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		if err := s.link.SetReadTimeout(remaining); err != nil {
			return out, fmt.Errorf("stream read: set read timeout: %v: %w", err, protocol.ErrLinkError)
		}
		want := n - len(out)
		if want > len(tmp) {
			want = len(tmp)
		}
		read, err := s.link.Read(tmp[:want])
		if err != nil {
			return out, fmt.Errorf("stream read %d/%d bytes: %v: %w", len(out), n, err, protocol.ErrLinkError)
		}
		out = append(out, tmp[:read]...)
	}
	return out, nil
}

// Send writes one frame without waiting for a response. Used for the
// abort sequence where the device goes quiet.
func (s *Session) Send(ctx context.Context, cmd protocol.Command, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := s.variant.Encode(cmd, payload)
	if err != nil {
		return err
	}
	if _, err := s.link.Write(raw); err != nil {
		return fmt.Errorf("%s: write: %v: %w", cmd, err, protocol.ErrLinkError)
	}
	observability.RecordFrameSent(cmd.String())
	return nil
}

// Close releases the link. Idempotent; safe on every exit path.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.link.Close()
	})
	return s.closeErr
}
