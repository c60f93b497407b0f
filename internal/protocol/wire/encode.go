package wire

import (
	"fmt"

	"github.com/wanderer-tools/wanderctl/internal/protocol"
)

// Encode frames cmd and payload per the variant:
// startMarker cmd(1) length(1|2 LE) payload checksum [endMarker].
func (v Variant) Encode(cmd protocol.Command, payload []byte) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if len(payload) > v.MaxPayload() {
		return nil, fmt.Errorf("wire: payload %d bytes exceeds variant maximum %d: %w",
			len(payload), v.MaxPayload(), protocol.ErrInvalidPayload)
	}

	bodyLen := 1 + v.LengthWidth + len(payload)
	buf := make([]byte, 0, len(v.StartMarker)+bodyLen+v.checksumLen()+len(v.EndMarker))
	buf = append(buf, v.StartMarker...)

	body := make([]byte, bodyLen)
	body[0] = byte(cmd)
	v.putLength(body[1:], len(payload))
	copy(body[1+v.LengthWidth:], payload)

	buf = append(buf, body...)
	buf = append(buf, v.checksum(body)...)
	buf = append(buf, v.EndMarker...)
	return buf, nil
}
