package devicesim

import (
	"context"
	"testing"
	"time"

	"github.com/wanderer-tools/wanderctl/internal/protocol"
	"github.com/wanderer-tools/wanderctl/internal/protocol/wire"
	"github.com/wanderer-tools/wanderctl/internal/testutil/testlog"
	"github.com/wanderer-tools/wanderctl/internal/transport"
)

// fastSession builds a transport session over a served simulator with
// retry delays short enough for tests.
func fastSession(t *testing.T, sim *Device) *transport.Session {
	t.Helper()
	hostLink, devLink := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sim.Serve(ctx, devLink)

	cfg := transport.DefaultSessionConfig()
	cfg.Backoff.InitialDelay = time.Millisecond
	cfg.Backoff.MaxDelay = 5 * time.Millisecond
	cfg.Backoff.Jitter = false
	sess := transport.NewSession(hostLink, cfg)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestSimAnswersStatus(t *testing.T) {
	testlog.Start(t)
	sim := New(wire.DefaultVariant())
	sim.LoadSamples(MakeRamp(5))
	sess := fastSession(t, sim)

	frame, err := sess.SendAndWait(context.Background(), protocol.CmdQueryStatus, nil, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	st, err := protocol.ParseStatus(frame.Payload)
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if st.SampleCount != 5 {
		t.Fatalf("sample count = %d, want 5", st.SampleCount)
	}
}

func TestSimDroppedRequestIsRetried(t *testing.T) {
	testlog.Start(t)
	sim := New(wire.DefaultVariant())
	sim.Inject(Faults{DropRequests: 1})
	sess := fastSession(t, sim)

	// First attempt goes unanswered, the retry succeeds.
	_, err := sess.SendAndWait(context.Background(), protocol.CmdQueryStatus, nil, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
}

func TestSimCorruptResponseIsRetried(t *testing.T) {
	testlog.Start(t)
	sim := New(wire.DefaultVariant())
	sim.Inject(Faults{CorruptResponses: 1})
	sess := fastSession(t, sim)

	// The flipped checksum is discarded and the attempt times out;
	// the retried request gets a clean frame.
	_, err := sess.SendAndWait(context.Background(), protocol.CmdQueryStatus, nil, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
}

func TestSimProgramAndClockStick(t *testing.T) {
	testlog.Start(t)
	sim := New(wire.DefaultVariant())
	sess := fastSession(t, sim)
	ctx := context.Background()

	prog := protocol.DefaultProgram()
	prog.SamplePeriod = 5 * time.Second
	payload, err := prog.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := sess.SendAndWait(ctx, protocol.CmdStartSampling, payload, 500*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := sim.Program().SamplePeriod; got != 5*time.Second {
		t.Fatalf("stored sample period = %v, want 5s", got)
	}
	if !sim.Sampling() {
		t.Fatal("not sampling after start")
	}

	at := time.Unix(1700000000, 0)
	if _, err := sess.SendAndWait(ctx, protocol.CmdSetClock, protocol.EncodeClock(at), 500*time.Millisecond); err != nil {
		t.Fatalf("set clock: %v", err)
	}
	if got := sim.Clock().Unix(); got != at.Unix() {
		t.Fatalf("clock = %d, want %d", got, at.Unix())
	}
}
