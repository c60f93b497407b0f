package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wanderer-tools/wanderctl/internal/device"
	"github.com/wanderer-tools/wanderctl/internal/protocol"
	"github.com/wanderer-tools/wanderctl/internal/protocol/wire"
	"github.com/wanderer-tools/wanderctl/internal/transport"
)

// config is the fully resolved runtime configuration: file values
// layered over package defaults.
type config struct {
	Port    transport.PortConfig
	Variant wire.Variant
	Backoff transport.BackoffPolicy
	Device  device.Config

	// Program is sent with start when the file defines one; nil keeps
	// whatever program the device already stores.
	Program *protocol.Program
}

func defaultConfig() config {
	return config{
		Port:    transport.DefaultPortConfig(""),
		Variant: wire.DefaultVariant(),
		Backoff: transport.DefaultBackoffPolicy(),
		Device:  device.DefaultConfig(),
	}
}

type fileConfig struct {
	Port struct {
		Path        string `toml:"path"`
		BaudRate    int    `toml:"baud_rate"`
		DataBits    int    `toml:"data_bits"`
		Parity      string `toml:"parity"`
		StopBits    int    `toml:"stop_bits"`
		ReadTimeout string `toml:"read_timeout"`
		AssertRTS   bool   `toml:"assert_rts"`
		ClearDTR    bool   `toml:"clear_dtr"`
	} `toml:"port"`

	Wire struct {
		StartMarker []int  `toml:"start_marker"`
		LengthWidth int    `toml:"length_width"`
		Checksum    string `toml:"checksum"`
		EndMarker   []int  `toml:"end_marker"`
		MaxPayload  int    `toml:"max_payload"`
	} `toml:"wire"`

	Backoff struct {
		MaxAttempts  int     `toml:"max_attempts"`
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"backoff"`

	Device struct {
		RequestTimeout string `toml:"request_timeout"`
	} `toml:"device"`

	Program struct {
		SamplePeriod   string `toml:"sample_period"`
		StorePeriod    string `toml:"store_period"`
		RecordHours    int    `toml:"record_hours"`
		ResVibration   int    `toml:"res_vibration"`
		ResTemperature int    `toml:"res_temperature"`
	} `toml:"program"`
}

// loadConfig layers path's values over the defaults. Keys absent from
// the file keep their default; an empty path returns pure defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("port", "path") {
		cfg.Port.Path = strings.TrimSpace(raw.Port.Path)
	}
	if meta.IsDefined("port", "baud_rate") {
		cfg.Port.BaudRate = raw.Port.BaudRate
	}
	if meta.IsDefined("port", "data_bits") {
		cfg.Port.DataBits = raw.Port.DataBits
	}
	if meta.IsDefined("port", "parity") {
		cfg.Port.Parity = strings.TrimSpace(raw.Port.Parity)
	}
	if meta.IsDefined("port", "stop_bits") {
		cfg.Port.StopBits = raw.Port.StopBits
	}
	if meta.IsDefined("port", "read_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Port.ReadTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse port.read_timeout: %w", err)
		}
		cfg.Port.ReadTimeout = d
	}
	if meta.IsDefined("port", "assert_rts") {
		cfg.Port.AssertRTS = raw.Port.AssertRTS
	}
	if meta.IsDefined("port", "clear_dtr") {
		cfg.Port.ClearDTR = raw.Port.ClearDTR
	}

	if meta.IsDefined("wire", "start_marker") {
		marker, err := byteList(raw.Wire.StartMarker)
		if err != nil {
			return config{}, fmt.Errorf("parse wire.start_marker: %w", err)
		}
		cfg.Variant.StartMarker = marker
	}
	if meta.IsDefined("wire", "length_width") {
		cfg.Variant.LengthWidth = raw.Wire.LengthWidth
	}
	if meta.IsDefined("wire", "checksum") {
		cfg.Variant.Checksum = wire.Checksum(strings.TrimSpace(raw.Wire.Checksum))
	}
	if meta.IsDefined("wire", "end_marker") {
		marker, err := byteList(raw.Wire.EndMarker)
		if err != nil {
			return config{}, fmt.Errorf("parse wire.end_marker: %w", err)
		}
		cfg.Variant.EndMarker = marker
	}
	if meta.IsDefined("wire", "max_payload") {
		cfg.Variant.MaxPayloadLen = raw.Wire.MaxPayload
	}
	if err := cfg.Variant.Validate(); err != nil {
		return config{}, fmt.Errorf("config wire section: %w", err)
	}

	if meta.IsDefined("backoff", "max_attempts") {
		cfg.Backoff.MaxAttempts = raw.Backoff.MaxAttempts
	}
	if meta.IsDefined("backoff", "initial_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.InitialDelay))
		if err != nil {
			return config{}, fmt.Errorf("parse backoff.initial_delay: %w", err)
		}
		cfg.Backoff.InitialDelay = d
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "max_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.MaxDelay))
		if err != nil {
			return config{}, fmt.Errorf("parse backoff.max_delay: %w", err)
		}
		cfg.Backoff.MaxDelay = d
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	if meta.IsDefined("device", "request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Device.RequestTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse device.request_timeout: %w", err)
		}
		cfg.Device.RequestTimeout = d
	}

	if meta.IsDefined("program") {
		prog := protocol.DefaultProgram()
		if meta.IsDefined("program", "sample_period") {
			d, err := time.ParseDuration(strings.TrimSpace(raw.Program.SamplePeriod))
			if err != nil {
				return config{}, fmt.Errorf("parse program.sample_period: %w", err)
			}
			prog.SamplePeriod = d
		}
		if meta.IsDefined("program", "store_period") {
			d, err := time.ParseDuration(strings.TrimSpace(raw.Program.StorePeriod))
			if err != nil {
				return config{}, fmt.Errorf("parse program.store_period: %w", err)
			}
			prog.StorePeriod = d
		}
		if meta.IsDefined("program", "record_hours") {
			prog.RecordHours = uint16(raw.Program.RecordHours)
		}
		if meta.IsDefined("program", "res_vibration") {
			prog.ResVibration = uint8(raw.Program.ResVibration)
		}
		if meta.IsDefined("program", "res_temperature") {
			prog.ResTemperature = uint8(raw.Program.ResTemperature)
		}
		if err := prog.Validate(); err != nil {
			return config{}, fmt.Errorf("config program section: %w", err)
		}
		cfg.Program = &prog
	}

	return cfg, nil
}

func byteList(in []int) ([]byte, error) {
	out := make([]byte, len(in))
	for i, v := range in {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("value %d at index %d outside byte range", v, i)
		}
		out[i] = byte(v)
	}
	return out, nil
}
