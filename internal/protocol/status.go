package protocol

import (
	"encoding/binary"
	"fmt"
)

// StatusPayloadLen is the fixed length of a query_status response payload.
const StatusPayloadLen = 4

const statusFlagSampling = 0x01

// DeviceStatus is the device-reported state carried by a query_status
// response: flags(1) sampleCount(2 LE) battery(1).
type DeviceStatus struct {
	Sampling       bool
	SampleCount    uint16
	BatteryPercent uint8
}

// ParseStatus decodes a query_status response payload.
func ParseStatus(payload []byte) (DeviceStatus, error) {
	if len(payload) != StatusPayloadLen {
		return DeviceStatus{}, fmt.Errorf("status payload length %d, want %d: %w", len(payload), StatusPayloadLen, ErrCorrupt)
	}
	return DeviceStatus{
		Sampling:       payload[0]&statusFlagSampling != 0,
		SampleCount:    binary.LittleEndian.Uint16(payload[1:3]),
		BatteryPercent: payload[3],
	}, nil
}

// EncodeStatus builds the query_status response payload. The simulated
// device uses it; the real device emits the same bytes.
func EncodeStatus(s DeviceStatus) []byte {
	buf := make([]byte, StatusPayloadLen)
	if s.Sampling {
		buf[0] |= statusFlagSampling
	}
	binary.LittleEndian.PutUint16(buf[1:3], s.SampleCount)
	buf[3] = s.BatteryPercent
	return buf
}
