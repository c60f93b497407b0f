package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/wanderer-tools/wanderctl/internal/observability"
	"github.com/wanderer-tools/wanderctl/internal/protocol"
	"github.com/wanderer-tools/wanderctl/internal/protocol/record"
)

// streamTimeout sizes the bulk-read budget from the record count:
// roughly 1 ms per byte at 9600 baud, doubled, plus slack for the
// device to page its memory.
func streamTimeout(records int) time.Duration {
	return 2*time.Second + time.Duration(records*record.RecordSize)*2*time.Millisecond
}

// Download pulls the recorded samples, Idle -> Downloading -> Idle.
//
// The machine always leaves Downloading: completion, truncation,
// cancellation, and link loss all end in Idle or Disconnected, never
// stuck. A truncated stream is decoded and returned tagged Partial
// rather than thrown away. Cancellation issues the abort sequence so
// the device stops streaming, then returns whatever decoded cleanly.
func (s *Session) Download(ctx context.Context) (record.Result, error) {
	if err := s.guard("download", evDownload); err != nil {
		return record.Result{}, err
	}

	ack, err := s.tr.SendAndWait(ctx, protocol.CmdDownloadSamples, nil, s.cfg.RequestTimeout)
	if err != nil {
		return record.Result{}, s.fail("download", err)
	}
	if ack.Command != protocol.CmdDownloadSamples || len(ack.Payload) != 2 {
		return record.Result{}, s.fail("download", fmt.Errorf("malformed download ack: %w", protocol.ErrCorrupt))
	}
	count := int(binary.LittleEndian.Uint16(ack.Payload))

	s.fire(evDownload)
	s.logger.Info().Int("expected_samples", count).Msg("download started")

	// Records plus the 2-byte end marker.
	want := count*record.RecordSize + 2
	raw, streamErr := s.tr.ReadStream(ctx, want, streamTimeout(count))

	res := s.cfg.Transform.DecodeStream(raw, count)
	observability.RecordSamplesDownloaded(len(res.Samples))

	switch {
	case streamErr == nil:
		s.fire(evFinish)
		s.logger.Info().
			Int("samples", len(res.Samples)).
			Int("dropped", res.Dropped).
			Str("completeness", res.Completeness.String()).
			Msg("download finished")
		return res, nil

	case errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded):
		s.abort()
		if s.machine.Current() == StateDownloading {
			s.fire(evFinish)
		}
		s.logger.Warn().Int("samples", len(res.Samples)).Msg("download cancelled")
		return res, streamErr

	case errors.Is(streamErr, protocol.ErrTimeout):
		// Stream stopped short. Partial data is still useful; the
		// session stays up so the caller can retry the download.
		res.Completeness = record.Partial
		s.fire(evFinish)
		s.logger.Warn().
			Int("samples", len(res.Samples)).
			Int("bytes", len(raw)).
			Int("expected_bytes", want).
			Msg("download truncated")
		return res, nil

	default:
		// Link-level failure mid-transfer: surface it, keep the
		// decoded prefix, drop the session.
		res.Completeness = record.Partial
		return res, s.fail("download", streamErr)
	}
}

// abort tells the device to stop streaming after a cancelled
// download. Best effort with a fresh context: the caller's is already
// dead. If even the write fails the link is gone; disconnect.
func (s *Session) abort() {
	if err := s.tr.Send(context.Background(), protocol.CmdAbortDownload, nil); err != nil {
		s.logger.Error().Err(err).Msg("abort failed, closing link")
		s.machine.SetState(StateDisconnected)
		s.tr.Close()
	}
}
