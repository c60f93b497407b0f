// Package record decodes the bulk binary stream a download_samples
// command returns into timestamped temperature/vibration readings.
package record

import (
	"encoding/binary"
	"time"
)

// RecordSize is the fixed width of one stored sample on the wire:
// seq(2 LE) elapsed(2 LE, seconds) rawTemp(1) rawVib(1).
const RecordSize = 6

// endSeq marks end of stream: a record slot whose sequence field is
// 0xFFFF terminates the download.
const endSeq = 0xFFFF

// Completeness tags whether a decode covered the whole recording.
type Completeness int

const (
	Complete Completeness = iota
	Partial
)

func (c Completeness) String() string {
	if c == Complete {
		return "complete"
	}
	return "partial"
}

// Sample is one decoded reading. Immutable once decoded; elapsed times
// are monotonically non-decreasing across the returned sequence.
type Sample struct {
	Index       uint16
	Elapsed     time.Duration
	Temperature float64
	Vibration   float64
	// Clamped marks readings whose raw value sat above the documented
	// representable range; likely sensor saturation, not corruption.
	Clamped bool
}

// Transform holds the empirically recovered raw-to-physical-unit
// conversion and the raw ceilings above which a reading is clamped.
type Transform struct {
	TempScale  float64
	TempOffset float64
	VibScale   float64
	RawTempMax uint8
	RawVibMax  uint8
}

// DefaultTransform matches the tested device: temperature °C is
// raw/2 - 30, vibration G is raw/14.5.
func DefaultTransform() Transform {
	return Transform{
		TempScale:  0.5,
		TempOffset: -30,
		VibScale:   1.0 / 14.5,
		RawTempMax: 0xFA,
		RawVibMax:  0xC8,
	}
}

// Result is a decoded download: the ordered samples, whether the
// stream covered the whole recording, and how many records were
// dropped for non-increasing sequence indices.
type Result struct {
	Samples      []Sample
	Completeness Completeness
	Dropped      int
}

// DecodeStream parses raw sequentially with the default transform.
// expected is a hint (device-reported sample count); zero means
// unknown. See Transform.DecodeStream for the full contract.
func DecodeStream(raw []byte, expected int) Result {
	return DefaultTransform().DecodeStream(raw, expected)
}

// DecodeStream parses records until the end marker, the hinted count,
// or the bytes run out. A truncated tail yields the decoded prefix
// tagged Partial instead of an error: a dropped link mid-download
// still produced useful data. A record whose sequence index does not
// increase is dropped by itself and decoding continues.
func (t Transform) DecodeStream(raw []byte, expected int) Result {
	res := Result{Completeness: Partial}
	last := -1
	var lastElapsed time.Duration
	for off := 0; ; off += RecordSize {
		if expected > 0 && len(res.Samples) == expected {
			res.Completeness = Complete
			return res
		}
		if len(raw)-off >= 2 && binary.LittleEndian.Uint16(raw[off:off+2]) == endSeq {
			res.Completeness = Complete
			return res
		}
		if len(raw)-off < RecordSize {
			return res
		}
		seq := binary.LittleEndian.Uint16(raw[off : off+2])
		elapsed := time.Duration(binary.LittleEndian.Uint16(raw[off+2:off+4])) * time.Second
		if int(seq) <= last || elapsed < lastElapsed {
			res.Dropped++
			continue
		}
		last = int(seq)
		lastElapsed = elapsed
		sample := Sample{
			Index:   seq,
			Elapsed: elapsed,
		}
		rawTemp, rawVib := raw[off+4], raw[off+5]
		if rawTemp > t.RawTempMax {
			rawTemp = t.RawTempMax
			sample.Clamped = true
		}
		if rawVib > t.RawVibMax {
			rawVib = t.RawVibMax
			sample.Clamped = true
		}
		sample.Temperature = float64(rawTemp)*t.TempScale + t.TempOffset
		sample.Vibration = float64(rawVib) * t.VibScale
		res.Samples = append(res.Samples, sample)
	}
}
