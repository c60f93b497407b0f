package wire

import (
	"bytes"
	"fmt"

	"github.com/wanderer-tools/wanderctl/internal/protocol"
)

// CorruptError reports a framing failure plus how many leading bytes
// the caller must discard before rescanning for the next start marker.
// It unwraps to protocol.ErrCorrupt.
type CorruptError struct {
	Discard int
	Reason  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("wire: %s (discard %d bytes)", e.Reason, e.Discard)
}

func (e *CorruptError) Unwrap() error { return protocol.ErrCorrupt }

// Decode scans buf for one complete frame.
//
// It is resumable: on a buffer shorter than a complete frame it returns
// protocol.ErrNeedMoreData with zero bytes consumed, so a streaming
// caller appends more bytes and retries. On a framing failure it
// returns a *CorruptError naming the bytes to discard, so the caller
// resynchronizes instead of dropping the session. Pure: no I/O, buf is
// never mutated, the returned payload is a copy.
func (v Variant) Decode(buf []byte) (Frame, int, error) {
	if err := v.Validate(); err != nil {
		return Frame{}, 0, err
	}

	markerLen := len(v.StartMarker)
	idx := bytes.Index(buf, v.StartMarker)
	if idx < 0 {
		if len(buf) < markerLen {
			return Frame{}, 0, protocol.ErrNeedMoreData
		}
		// No marker anywhere. Keep the tail that could still be a
		// marker prefix split across reads.
		return Frame{}, 0, &CorruptError{
			Discard: len(buf) - (markerLen - 1),
			Reason:  "no start marker in buffer",
		}
	}
	if idx > 0 {
		return Frame{}, 0, &CorruptError{Discard: idx, Reason: "garbage before start marker"}
	}

	headerLen := markerLen + 1 + v.LengthWidth
	if len(buf) < headerLen {
		return Frame{}, 0, protocol.ErrNeedMoreData
	}
	cmd := protocol.Command(buf[markerLen])
	payloadLen := v.length(buf[markerLen+1:])
	if payloadLen > v.MaxPayload() {
		return Frame{}, 0, &CorruptError{
			Discard: markerLen,
			Reason:  fmt.Sprintf("declared length %d exceeds variant maximum", payloadLen),
		}
	}

	total := headerLen + payloadLen + v.checksumLen() + len(v.EndMarker)
	if len(buf) < total {
		return Frame{}, 0, protocol.ErrNeedMoreData
	}

	body := buf[markerLen : headerLen+payloadLen]
	sumStart := headerLen + payloadLen
	want := v.checksum(body)
	got := buf[sumStart : sumStart+v.checksumLen()]
	if !bytes.Equal(want, got) {
		return Frame{}, 0, &CorruptError{
			Discard: markerLen,
			Reason:  fmt.Sprintf("checksum mismatch: got % X want % X", got, want),
		}
	}
	if len(v.EndMarker) > 0 {
		trailer := buf[sumStart+v.checksumLen() : total]
		if !bytes.Equal(trailer, v.EndMarker) {
			return Frame{}, 0, &CorruptError{Discard: markerLen, Reason: "missing end marker"}
		}
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[headerLen:headerLen+payloadLen])
	return Frame{Command: cmd, Payload: payload}, total, nil
}
