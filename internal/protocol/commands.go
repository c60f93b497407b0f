package protocol

import (
	"fmt"
	"sync"
)

// Command is one operation code on the wire.
type Command byte

// Command codes recovered from the tested firmware revision.
const (
	CmdQueryStatus     Command = 0x01
	CmdStartSampling   Command = 0x02
	CmdStopSampling    Command = 0x03
	CmdDownloadSamples Command = 0x04
	CmdAbortDownload   Command = 0x05
	CmdSetClock        Command = 0x06
)

var (
	commandMu    sync.RWMutex
	commandNames = map[Command]string{
		CmdQueryStatus:     "query_status",
		CmdStartSampling:   "start_sampling",
		CmdStopSampling:    "stop_sampling",
		CmdDownloadSamples: "download_samples",
		CmdAbortDownload:   "abort_download",
		CmdSetClock:        "set_clock",
	}
)

// RegisterCommand adds a command code discovered after this package was
// written. It rejects collisions with already-known codes.
func RegisterCommand(code Command, name string) error {
	commandMu.Lock()
	defer commandMu.Unlock()
	if existing, ok := commandNames[code]; ok {
		return fmt.Errorf("protocol: command 0x%02X already registered as %q", byte(code), existing)
	}
	if name == "" {
		return fmt.Errorf("protocol: command 0x%02X needs a name: %w", byte(code), ErrInvalidPayload)
	}
	commandNames[code] = name
	return nil
}

// Known reports whether code maps to a registered command.
func Known(code Command) bool {
	commandMu.RLock()
	defer commandMu.RUnlock()
	_, ok := commandNames[code]
	return ok
}

func (c Command) String() string {
	commandMu.RLock()
	name, ok := commandNames[c]
	commandMu.RUnlock()
	if !ok {
		return fmt.Sprintf("command(0x%02X)", byte(c))
	}
	return name
}
