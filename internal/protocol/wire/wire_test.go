package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wanderer-tools/wanderctl/internal/protocol"
	"github.com/wanderer-tools/wanderctl/internal/testutil/testlog"
)

func variants() map[string]Variant {
	return map[string]Variant{
		"default": DefaultVariant(),
		"xor": {
			StartMarker: []byte{0xAA},
			LengthWidth: 1,
			Checksum:    ChecksumXOR,
		},
		"crc16-wide-trailer": {
			StartMarker: []byte{0xAA, 0x55},
			LengthWidth: 2,
			Checksum:    ChecksumCRC16,
			EndMarker:   []byte{0x55},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	payloads := [][]byte{
		nil,
		{0x00},
		{0xAA, 0xAA, 0xAA},
		bytes.Repeat([]byte{0x7F}, 255),
	}
	cmds := []protocol.Command{
		protocol.CmdQueryStatus,
		protocol.CmdStartSampling,
		protocol.CmdStopSampling,
		protocol.CmdDownloadSamples,
	}
	for name, v := range variants() {
		for _, cmd := range cmds {
			for _, payload := range payloads {
				raw, err := v.Encode(cmd, payload)
				if err != nil {
					t.Fatalf("%s: encode(%s): %v", name, cmd, err)
				}
				fr, consumed, err := v.Decode(raw)
				if err != nil {
					t.Fatalf("%s: decode(%s): %v", name, cmd, err)
				}
				if consumed != len(raw) {
					t.Fatalf("%s: consumed=%d want=%d", name, consumed, len(raw))
				}
				if fr.Command != cmd {
					t.Fatalf("%s: command=%s want=%s", name, fr.Command, cmd)
				}
				if !bytes.Equal(fr.Payload, payload) && len(payload) > 0 {
					t.Fatalf("%s: payload mismatch", name)
				}
			}
		}
	}
}

func TestEncodeQueryStatusExactBytes(t *testing.T) {
	testlog.Start(t)
	raw, err := DefaultVariant().Encode(protocol.CmdQueryStatus, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0xAA, 0x01, 0x00, 0x01}
	if !bytes.Equal(raw, want) {
		t.Fatalf("frame bytes got=% X want=% X", raw, want)
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	testlog.Start(t)
	_, err := DefaultVariant().Encode(protocol.CmdStartSampling, make([]byte, 256))
	if !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDecodeShortBuffersNeedMoreData(t *testing.T) {
	testlog.Start(t)
	for name, v := range variants() {
		raw, err := v.Encode(protocol.CmdStartSampling, []byte{0x01, 0x02, 0x03})
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		for n := 0; n < len(raw); n++ {
			fr, consumed, err := v.Decode(raw[:n])
			if !errors.Is(err, protocol.ErrNeedMoreData) {
				t.Fatalf("%s: prefix %d: expected ErrNeedMoreData, got frame=%+v err=%v", name, n, fr, err)
			}
			if consumed != 0 {
				t.Fatalf("%s: prefix %d consumed %d bytes", name, n, consumed)
			}
		}
	}
}

func TestDecodeFlippedChecksumBitIsCorrupt(t *testing.T) {
	testlog.Start(t)
	for name, v := range variants() {
		raw, err := v.Encode(protocol.CmdQueryStatus, []byte{0x10, 0x20})
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		sumAt := len(raw) - len(v.EndMarker) - v.checksumLen()
		raw[sumAt] ^= 0x01
		fr, consumed, err := v.Decode(raw)
		if !errors.Is(err, protocol.ErrCorrupt) {
			t.Fatalf("%s: expected ErrCorrupt, got frame=%+v err=%v", name, fr, err)
		}
		if consumed != 0 {
			t.Fatalf("%s: corrupt decode consumed %d bytes", name, consumed)
		}
		var corrupt *CorruptError
		if !errors.As(err, &corrupt) || corrupt.Discard <= 0 {
			t.Fatalf("%s: corrupt error missing discard count: %v", name, err)
		}
	}
}

func TestDecodeResynchronizesAfterGarbage(t *testing.T) {
	testlog.Start(t)
	v := DefaultVariant()
	valid, err := v.Encode(protocol.CmdStopSampling, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf := append([]byte{0x13, 0x37, 0x42}, valid...)

	for {
		fr, consumed, err := v.Decode(buf)
		if err == nil {
			if fr.Command != protocol.CmdStopSampling {
				t.Fatalf("command=%s after resync", fr.Command)
			}
			if consumed != len(valid) {
				t.Fatalf("consumed=%d want=%d", consumed, len(valid))
			}
			return
		}
		var corrupt *CorruptError
		if !errors.As(err, &corrupt) {
			t.Fatalf("expected corrupt during resync, got %v", err)
		}
		buf = buf[corrupt.Discard:]
	}
}

func TestDecodeRejectsOversizeDeclaredLength(t *testing.T) {
	testlog.Start(t)
	v := Variant{StartMarker: []byte{0xAA}, LengthWidth: 1, Checksum: ChecksumSum, MaxPayloadLen: 16}
	buf := []byte{0xAA, byte(protocol.CmdDownloadSamples), 0xC8}
	_, consumed, err := v.Decode(buf)
	if !errors.Is(err, protocol.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if consumed != 0 {
		t.Fatalf("consumed=%d", consumed)
	}
}

func TestVariantValidate(t *testing.T) {
	testlog.Start(t)
	bad := []Variant{
		{},
		{StartMarker: []byte{0xAA}, LengthWidth: 3, Checksum: ChecksumSum},
		{StartMarker: []byte{0xAA}, LengthWidth: 1, Checksum: "md5"},
	}
	for i, v := range bad {
		if err := v.Validate(); err == nil {
			t.Fatalf("variant %d should not validate", i)
		}
	}
	if err := DefaultVariant().Validate(); err != nil {
		t.Fatalf("default variant: %v", err)
	}
}
