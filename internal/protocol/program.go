package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ProgramPayloadLen is the fixed length of a start_sampling program payload.
const ProgramPayloadLen = 8

// MaxStoredSamples is the device's sample memory capacity.
const MaxStoredSamples = 6540

// Program is a measurement program: how often the device reads its
// sensors, how often it commits a sample to memory, how long the
// recording runs, and the minimum relative deviation (percent) below
// which a new reading is not stored. A resolution of 1 means every
// reading is stored.
type Program struct {
	SamplePeriod   time.Duration
	StorePeriod    time.Duration
	RecordHours    uint16
	ResVibration   uint8
	ResTemperature uint8
}

// DefaultProgram mirrors the device's factory configuration.
func DefaultProgram() Program {
	return Program{
		SamplePeriod:   time.Second,
		StorePeriod:    time.Second,
		RecordHours:    1,
		ResVibration:   1,
		ResTemperature: 1,
	}
}

// Validate checks caller-supplied program parameters before any
// device I/O happens.
func (p Program) Validate() error {
	sampleSecs := int64(p.SamplePeriod / time.Second)
	if p.SamplePeriod != time.Duration(sampleSecs)*time.Second || sampleSecs < 1 || sampleSecs > 10 {
		return fmt.Errorf("sample period %v outside 1..10s whole seconds: %w", p.SamplePeriod, ErrInvalidPayload)
	}
	storeSecs := int64(p.StorePeriod / time.Second)
	if p.StorePeriod != time.Duration(storeSecs)*time.Second || storeSecs < 1 || storeSecs > 65535 {
		return fmt.Errorf("store period %v outside 1..65535s whole seconds: %w", p.StorePeriod, ErrInvalidPayload)
	}
	if p.RecordHours < 1 {
		return fmt.Errorf("record length %d hours, need at least 1: %w", p.RecordHours, ErrInvalidPayload)
	}
	if p.ResVibration < 1 || p.ResTemperature < 1 {
		return fmt.Errorf("resolutions must be at least 1: %w", ErrInvalidPayload)
	}
	return nil
}

// Encode builds the 8-byte start_sampling payload:
// samplePeriod(2 LE) storePeriod(2 LE) recordHours(2 LE) resVib(1) resTemp(1).
func (p Program) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, ProgramPayloadLen)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.SamplePeriod/time.Second))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(p.StorePeriod/time.Second))
	binary.LittleEndian.PutUint16(buf[4:6], p.RecordHours)
	buf[6] = p.ResVibration
	buf[7] = p.ResTemperature
	return buf, nil
}

// ParseProgram decodes an 8-byte start_sampling payload.
func ParseProgram(payload []byte) (Program, error) {
	if len(payload) != ProgramPayloadLen {
		return Program{}, fmt.Errorf("program payload length %d, want %d: %w", len(payload), ProgramPayloadLen, ErrInvalidPayload)
	}
	p := Program{
		SamplePeriod:   time.Duration(binary.LittleEndian.Uint16(payload[0:2])) * time.Second,
		StorePeriod:    time.Duration(binary.LittleEndian.Uint16(payload[2:4])) * time.Second,
		RecordHours:    binary.LittleEndian.Uint16(payload[4:6]),
		ResVibration:   payload[6],
		ResTemperature: payload[7],
	}
	if err := p.Validate(); err != nil {
		return Program{}, err
	}
	return p, nil
}

// ClockPayloadLen is the fixed length of a set_clock payload.
const ClockPayloadLen = 4

// EncodeClock builds the set_clock payload: Unix seconds, 4 bytes LE.
func EncodeClock(t time.Time) []byte {
	buf := make([]byte, ClockPayloadLen)
	binary.LittleEndian.PutUint32(buf, uint32(t.Unix()))
	return buf
}

// ParseClock decodes a set_clock payload.
func ParseClock(payload []byte) (time.Time, error) {
	if len(payload) != ClockPayloadLen {
		return time.Time{}, fmt.Errorf("clock payload length %d, want %d: %w", len(payload), ClockPayloadLen, ErrInvalidPayload)
	}
	return time.Unix(int64(binary.LittleEndian.Uint32(payload)), 0).UTC(), nil
}
