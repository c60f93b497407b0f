package protocol

import "errors"

var (
	ErrPortUnavailable        = errors.New("protocol: port unavailable")
	ErrTimeout                = errors.New("protocol: response timeout")
	ErrLinkError              = errors.New("protocol: link I/O failure")
	ErrCorrupt                = errors.New("protocol: corrupt frame or record")
	ErrInvalidStateTransition = errors.New("protocol: invalid state transition")
	ErrInvalidPayload         = errors.New("protocol: invalid payload")
	ErrNeedMoreData           = errors.New("protocol: need more data")
)
