package record

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/wanderer-tools/wanderctl/internal/testutil/testlog"
)

func rec(seq, elapsedSec uint16, rawTemp, rawVib byte) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint16(buf[0:2], seq)
	binary.LittleEndian.PutUint16(buf[2:4], elapsedSec)
	buf[4] = rawTemp
	buf[5] = rawVib
	return buf
}

func stream(records ...[]byte) []byte {
	var out []byte
	for _, r := range records {
		out = append(out, r...)
	}
	return out
}

func TestDecodeStreamTruncatedTailIsPartial(t *testing.T) {
	testlog.Start(t)
	raw := stream(
		rec(0, 0, 60, 29),
		rec(1, 60, 70, 29),
		rec(2, 120, 80, 58),
	)
	raw = append(raw, 0x12, 0x34) // stray bytes from a dropped link

	res := DecodeStream(raw, 0)
	if res.Completeness != Partial {
		t.Fatalf("completeness=%s want=partial", res.Completeness)
	}
	if len(res.Samples) != 3 {
		t.Fatalf("samples=%d want=3", len(res.Samples))
	}
	for i := 1; i < len(res.Samples); i++ {
		if res.Samples[i].Index <= res.Samples[i-1].Index {
			t.Fatalf("indices not strictly increasing at %d", i)
		}
		if res.Samples[i].Elapsed < res.Samples[i-1].Elapsed {
			t.Fatalf("elapsed not monotonic at %d", i)
		}
	}
}

func TestDecodeStreamEndMarkerIsComplete(t *testing.T) {
	testlog.Start(t)
	raw := stream(rec(0, 0, 60, 29), rec(1, 60, 62, 29))
	raw = append(raw, 0xFF, 0xFF)

	res := DecodeStream(raw, 0)
	if res.Completeness != Complete {
		t.Fatalf("completeness=%s want=complete", res.Completeness)
	}
	if len(res.Samples) != 2 {
		t.Fatalf("samples=%d want=2", len(res.Samples))
	}
}

func TestDecodeStreamHintedCountStopsCleanly(t *testing.T) {
	testlog.Start(t)
	raw := stream(rec(0, 0, 60, 29), rec(1, 60, 62, 29), rec(2, 120, 64, 29))

	res := DecodeStream(raw, 2)
	if res.Completeness != Complete {
		t.Fatalf("completeness=%s want=complete", res.Completeness)
	}
	if len(res.Samples) != 2 {
		t.Fatalf("samples=%d want=2", len(res.Samples))
	}
}

func TestDecodeStreamDropsNonIncreasingIndexOnly(t *testing.T) {
	testlog.Start(t)
	raw := stream(
		rec(0, 0, 60, 29),
		rec(0, 60, 61, 29), // replayed index: drop this record only
		rec(1, 60, 62, 29),
		rec(2, 120, 63, 29),
	)

	res := DecodeStream(raw, 0)
	if res.Dropped != 1 {
		t.Fatalf("dropped=%d want=1", res.Dropped)
	}
	if len(res.Samples) != 3 {
		t.Fatalf("samples=%d want=3", len(res.Samples))
	}
	if res.Samples[1].Index != 1 || res.Samples[2].Index != 2 {
		t.Fatalf("unexpected indices: %d %d", res.Samples[1].Index, res.Samples[2].Index)
	}
}

func TestDecodeStreamTransforms(t *testing.T) {
	testlog.Start(t)
	// raw temp 60 -> 0.0 degC, raw vib 29 -> 2.0 G per the recovered
	// scale factors.
	res := DecodeStream(stream(rec(0, 90, 60, 29)), 1)
	if len(res.Samples) != 1 {
		t.Fatalf("samples=%d", len(res.Samples))
	}
	s := res.Samples[0]
	if math.Abs(s.Temperature-0.0) > 1e-9 {
		t.Fatalf("temperature=%f want=0", s.Temperature)
	}
	if math.Abs(s.Vibration-2.0) > 1e-9 {
		t.Fatalf("vibration=%f want=2", s.Vibration)
	}
	if s.Elapsed != 90*time.Second {
		t.Fatalf("elapsed=%v", s.Elapsed)
	}
	if s.Clamped {
		t.Fatalf("in-range sample flagged clamped")
	}
}

func TestDecodeStreamClampsSaturatedReadings(t *testing.T) {
	testlog.Start(t)
	res := DecodeStream(stream(rec(0, 0, 0xFF, 0xFF)), 1)
	if len(res.Samples) != 1 {
		t.Fatalf("samples=%d", len(res.Samples))
	}
	s := res.Samples[0]
	if !s.Clamped {
		t.Fatalf("saturated sample not flagged")
	}
	tr := DefaultTransform()
	wantTemp := float64(tr.RawTempMax)*tr.TempScale + tr.TempOffset
	if math.Abs(s.Temperature-wantTemp) > 1e-9 {
		t.Fatalf("temperature=%f want=%f", s.Temperature, wantTemp)
	}
}

func TestDecodeStreamEmpty(t *testing.T) {
	testlog.Start(t)
	res := DecodeStream(nil, 0)
	if len(res.Samples) != 0 || res.Completeness != Partial {
		t.Fatalf("unexpected result: %+v", res)
	}
	res = DecodeStream([]byte{0xFF, 0xFF}, 0)
	if len(res.Samples) != 0 || res.Completeness != Complete {
		t.Fatalf("unexpected result for bare end marker: %+v", res)
	}
}
