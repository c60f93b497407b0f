package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wanderer-tools/wanderctl/internal/protocol"
	"github.com/wanderer-tools/wanderctl/internal/protocol/wire"
	"github.com/wanderer-tools/wanderctl/internal/testutil/testlog"
)

// scriptLink replays a canned byte sequence per write, mimicking the
// serial-port read contract: (0, nil) when no data is pending.
type scriptLink struct {
	mu      sync.Mutex
	pending []byte
	// responses is consumed one entry per write; a nil entry means
	// the device stays silent for that request.
	responses [][]byte
	writes    int
	writeErr  error
	closed    bool
}

func (l *scriptLink) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return 0, nil
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}

func (l *scriptLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return 0, l.writeErr
	}
	l.writes++
	if len(l.responses) > 0 {
		l.pending = append(l.pending, l.responses[0]...)
		l.responses = l.responses[1:]
	}
	return len(p), nil
}

func (l *scriptLink) SetReadTimeout(time.Duration) error { return nil }

func (l *scriptLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testSession(link Link) *Session {
	cfg := DefaultSessionConfig()
	cfg.Backoff.Jitter = false
	cfg.Sleep = noSleep
	return NewSession(link, cfg)
}

func encodeOrDie(t *testing.T, cmd protocol.Command, payload []byte) []byte {
	t.Helper()
	raw, err := wire.DefaultVariant().Encode(cmd, payload)
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return raw
}

func TestSendAndWaitSuccess(t *testing.T) {
	testlog.Start(t)
	status := protocol.EncodeStatus(protocol.DeviceStatus{SampleCount: 12, BatteryPercent: 80})
	link := &scriptLink{responses: [][]byte{encodeOrDie(t, protocol.CmdQueryStatus, status)}}
	s := testSession(link)

	frame, err := s.SendAndWait(context.Background(), protocol.CmdQueryStatus, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("send and wait: %v", err)
	}
	if frame.Command != protocol.CmdQueryStatus {
		t.Fatalf("command=%s", frame.Command)
	}
	got, err := protocol.ParseStatus(frame.Payload)
	if err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if got.SampleCount != 12 || got.BatteryPercent != 80 {
		t.Fatalf("unexpected status: %+v", got)
	}
	if link.writes != 1 {
		t.Fatalf("writes=%d want=1", link.writes)
	}
}

func TestSendAndWaitUnknownResponseCommandIsCorrupt(t *testing.T) {
	testlog.Start(t)
	link := &scriptLink{responses: [][]byte{encodeOrDie(t, protocol.Command(0x7F), nil)}}
	s := testSession(link)

	_, err := s.SendAndWait(context.Background(), protocol.CmdQueryStatus, nil, 200*time.Millisecond)
	if !errors.Is(err, protocol.ErrCorrupt) {
		t.Fatalf("err=%v want ErrCorrupt", err)
	}
	if link.writes != 1 {
		t.Fatalf("writes=%d want=1, corrupt responses must not retry", link.writes)
	}
}

func TestSendAndWaitSkipsStaleEcho(t *testing.T) {
	testlog.Start(t)
	stale := encodeOrDie(t, protocol.CmdStopSampling, nil)
	wanted := encodeOrDie(t, protocol.CmdQueryStatus, protocol.EncodeStatus(protocol.DeviceStatus{}))
	link := &scriptLink{responses: [][]byte{append(stale, wanted...)}}
	s := testSession(link)

	frame, err := s.SendAndWait(context.Background(), protocol.CmdQueryStatus, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("send and wait: %v", err)
	}
	if frame.Command != protocol.CmdQueryStatus {
		t.Fatalf("command=%s", frame.Command)
	}
}

func TestSendAndWaitResynchronizesWithinBudget(t *testing.T) {
	testlog.Start(t)
	valid := encodeOrDie(t, protocol.CmdStopSampling, nil)
	noisy := append([]byte{0x00, 0x17, 0x42}, valid...)
	link := &scriptLink{responses: [][]byte{noisy}}
	s := testSession(link)

	frame, err := s.SendAndWait(context.Background(), protocol.CmdStopSampling, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("send and wait: %v", err)
	}
	if frame.Command != protocol.CmdStopSampling {
		t.Fatalf("command=%s", frame.Command)
	}
	if link.writes != 1 {
		t.Fatalf("resync triggered a retry: writes=%d", link.writes)
	}
}

func TestSendAndWaitTimeoutExhaustsAttempts(t *testing.T) {
	testlog.Start(t)
	link := &scriptLink{} // device never answers
	s := testSession(link)

	_, err := s.SendAndWait(context.Background(), protocol.CmdQueryStatus, nil, 20*time.Millisecond)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if link.writes != 3 {
		t.Fatalf("writes=%d want=3", link.writes)
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Fatalf("error does not name attempts: %v", err)
	}
}

func TestSendAndWaitRecoversOnRetry(t *testing.T) {
	testlog.Start(t)
	valid := encodeOrDie(t, protocol.CmdStartSampling, nil)
	link := &scriptLink{responses: [][]byte{nil, valid}}
	s := testSession(link)

	frame, err := s.SendAndWait(context.Background(), protocol.CmdStartSampling, nil, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("send and wait: %v", err)
	}
	if frame.Command != protocol.CmdStartSampling {
		t.Fatalf("command=%s", frame.Command)
	}
	if link.writes != 2 {
		t.Fatalf("writes=%d want=2", link.writes)
	}
}

func TestSendAndWaitLinkErrorRetriesThenSurfaces(t *testing.T) {
	testlog.Start(t)
	link := &scriptLink{writeErr: errors.New("EIO")}
	s := testSession(link)

	_, err := s.SendAndWait(context.Background(), protocol.CmdQueryStatus, nil, 20*time.Millisecond)
	if !errors.Is(err, protocol.ErrLinkError) {
		t.Fatalf("expected ErrLinkError, got %v", err)
	}
	if link.writes != 0 {
		t.Fatalf("writes recorded despite failure: %d", link.writes)
	}
}

func TestSendAndWaitInvalidPayloadNoIO(t *testing.T) {
	testlog.Start(t)
	link := &scriptLink{}
	s := testSession(link)

	_, err := s.SendAndWait(context.Background(), protocol.CmdStartSampling, make([]byte, 300), time.Second)
	if !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if link.writes != 0 {
		t.Fatalf("invalid payload reached the link: writes=%d", link.writes)
	}
}

func TestReadStreamTruncationReturnsPrefix(t *testing.T) {
	testlog.Start(t)
	link := &scriptLink{}
	link.pending = []byte{1, 2, 3, 4, 5}
	s := testSession(link)

	got, err := s.ReadStream(context.Background(), 12, 30*time.Millisecond)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("prefix length=%d want=5", len(got))
	}
}

func TestReadStreamCancellation(t *testing.T) {
	testlog.Start(t)
	link := &scriptLink{}
	s := testSession(link)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ReadStream(ctx, 6, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	link := &scriptLink{}
	s := testSession(link)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !link.closed {
		t.Fatalf("link not released")
	}
}
