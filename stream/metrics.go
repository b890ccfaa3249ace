package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filehub",
		Subsystem: "stream",
		Name:      "responses_total",
		Help:      "Streamed responses by channel and status class.",
	}, []string{"channel", "status"})

	softwareSlices = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filehub",
		Subsystem: "stream",
		Name:      "software_slices_total",
		Help:      "Range responses served by in-process byte slicing.",
	})

	videoSeekGuards = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filehub",
		Subsystem: "stream",
		Name:      "video_seek_guard_total",
		Help:      "Range requests downgraded to 200 by the video seek guard.",
	})

	bytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filehub",
		Subsystem: "stream",
		Name:      "bytes_served_total",
		Help:      "Body bytes written to clients by channel.",
	}, []string{"channel"})
)
