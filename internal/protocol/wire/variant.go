// Package wire frames Wanderer commands onto the serial link and
// recovers frames from the raw byte stream.
//
// Every byte-shape assumption here was recovered by observation of one
// firmware revision, so marker bytes, length-field width, and checksum
// algorithm are all Variant configuration. A device revision that
// frames differently is a config change, not a code change.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"

	"github.com/wanderer-tools/wanderctl/internal/protocol"
)

// Checksum selects the integrity algorithm a Variant applies over
// command + length + payload bytes.
type Checksum string

const (
	// ChecksumSum is an additive sum mod 256, one trailing byte.
	ChecksumSum Checksum = "sum"
	// ChecksumXOR is a running XOR, one trailing byte.
	ChecksumXOR Checksum = "xor"
	// ChecksumCRC16 is CRC16/MODBUS, two trailing bytes little-endian.
	ChecksumCRC16 Checksum = "crc16-modbus"
)

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Variant is one reverse-engineered frame layout.
type Variant struct {
	StartMarker []byte
	LengthWidth int // 1 or 2 bytes, little-endian when 2
	Checksum    Checksum
	EndMarker   []byte // optional trailer, empty when the revision has none

	// MaxPayloadLen caps declared payload lengths below what the length
	// field could represent. Zero means the field's full range.
	MaxPayloadLen int
}

// DefaultVariant is the layout of the firmware revision actually
// tested: 0xAA marker, 1-byte length, additive checksum, no trailer.
func DefaultVariant() Variant {
	return Variant{
		StartMarker: []byte{0xAA},
		LengthWidth: 1,
		Checksum:    ChecksumSum,
	}
}

// Validate rejects variant configurations no known revision uses.
func (v Variant) Validate() error {
	if len(v.StartMarker) == 0 {
		return fmt.Errorf("wire: variant missing start marker")
	}
	if v.LengthWidth != 1 && v.LengthWidth != 2 {
		return fmt.Errorf("wire: variant length width %d, want 1 or 2", v.LengthWidth)
	}
	switch v.Checksum {
	case ChecksumSum, ChecksumXOR, ChecksumCRC16:
	default:
		return fmt.Errorf("wire: unknown checksum algorithm %q", v.Checksum)
	}
	if v.MaxPayloadLen < 0 || v.MaxPayloadLen > v.fieldRange() {
		return fmt.Errorf("wire: max payload %d outside length field range %d", v.MaxPayloadLen, v.fieldRange())
	}
	return nil
}

func (v Variant) fieldRange() int {
	if v.LengthWidth == 2 {
		return 0xFFFF
	}
	return 0xFF
}

// MaxPayload is the largest payload the variant accepts.
func (v Variant) MaxPayload() int {
	if v.MaxPayloadLen > 0 {
		return v.MaxPayloadLen
	}
	return v.fieldRange()
}

func (v Variant) checksumLen() int {
	if v.Checksum == ChecksumCRC16 {
		return 2
	}
	return 1
}

// checksum computes the variant's checksum over the command, length
// field, and payload bytes (the region between markers).
func (v Variant) checksum(body []byte) []byte {
	switch v.Checksum {
	case ChecksumXOR:
		var x byte
		for _, b := range body {
			x ^= b
		}
		return []byte{x}
	case ChecksumCRC16:
		sum := crc16.Checksum(body, modbusTable)
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, sum)
		return out
	default:
		var s byte
		for _, b := range body {
			s += b
		}
		return []byte{s}
	}
}

func (v Variant) putLength(buf []byte, n int) {
	if v.LengthWidth == 2 {
		binary.LittleEndian.PutUint16(buf, uint16(n))
		return
	}
	buf[0] = byte(n)
}

func (v Variant) length(buf []byte) int {
	if v.LengthWidth == 2 {
		return int(binary.LittleEndian.Uint16(buf))
	}
	return int(buf[0])
}

// Frame is one decoded command/response unit. Transient: decoded,
// handed up, not retained.
type Frame struct {
	Command protocol.Command
	Payload []byte
}
