package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanderctl",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames written to the serial link.",
		},
		[]string{"command"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanderctl",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Validated frames decoded from the serial link.",
		},
		[]string{"command"},
	)
	corruptFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wanderctl",
			Subsystem: "transport",
			Name:      "corrupt_frames_total",
			Help:      "Framing failures detected while reading responses.",
		},
	)
	resyncBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wanderctl",
			Subsystem: "transport",
			Name:      "resync_bytes_discarded_total",
			Help:      "Bytes discarded while re-aligning to a start marker.",
		},
	)
	requestRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wanderctl",
			Subsystem: "transport",
			Name:      "request_retries_total",
			Help:      "Full send/wait exchanges retried after timeout or link error.",
		},
		[]string{"command"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wanderctl",
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Send/wait exchange duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "success"},
	)
	samplesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wanderctl",
			Subsystem: "device",
			Name:      "samples_downloaded_total",
			Help:      "Samples decoded from download streams.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesSent, framesReceived, corruptFrames, resyncBytes,
			requestRetries, requestDuration, samplesDownloaded,
		)
	})
}

func RecordFrameSent(command string) {
	RegisterMetrics()
	framesSent.WithLabelValues(command).Inc()
}

func RecordFrameReceived(command string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(command).Inc()
}

func RecordCorruptFrame(discarded int) {
	RegisterMetrics()
	corruptFrames.Inc()
	resyncBytes.Add(float64(discarded))
}

func RecordRetry(command string) {
	RegisterMetrics()
	requestRetries.WithLabelValues(command).Inc()
}

func RecordRequest(command string, duration time.Duration, success bool) {
	RegisterMetrics()
	requestDuration.WithLabelValues(command, strconv.FormatBool(success)).
		Observe(duration.Seconds())
}

func RecordSamplesDownloaded(n int) {
	RegisterMetrics()
	samplesDownloaded.Add(float64(n))
}
