// Package metrics provides Prometheus metrics for ordering cycles and the
// channel manager client.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay bounded: channel ids come from configuration, never from
// upstream data.
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventorder_cycles_total",
		Help: "Ordering cycles by channel, trigger (tick|manual) and outcome (ok|skipped|error kind).",
	}, []string{"channel", "trigger", "outcome"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventorder_cycle_duration_seconds",
		Help:    "Wall time of one ordering cycle.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"channel"})

	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventorder_conflicts_total",
		Help: "Overlapping events detected, by main channel.",
	}, []string{"channel"})

	EventsMovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventorder_events_moved_total",
		Help: "Events relocated to an overflow channel, by main channel.",
	}, []string{"channel"})

	EventsReturnedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventorder_events_returned_total",
		Help: "Events returned from an overflow channel, by main channel.",
	}, []string{"channel"})

	CoalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventorder_ticks_coalesced_total",
		Help: "Scheduled runs skipped because a run was already in flight.",
	}, []string{"channel"})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventorder_channel_breaker_open",
		Help: "1 while scheduled runs of a channel are suspended after repeated failures.",
	}, []string{"channel"})

	ActiveAssignments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventorder_overflow_assignments",
		Help: "Events currently parked on overflow channels.",
	})

	LastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventorder_last_success_timestamp_seconds",
		Help: "Unix time of the last successful cycle, by main channel.",
	}, []string{"channel"})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventorder_upstream_requests_total",
		Help: "Channel manager requests by operation and result (ok or error kind).",
	}, []string{"op", "result"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventorder_upstream_request_duration_seconds",
		Help:    "Channel manager request latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// Cycle is what the scheduler reports after each pass.
type Cycle struct {
	ChannelID int64
	Trigger   string
	Outcome   string
	Took      time.Duration
	Conflicts int
	Moved     int
	Returned  int
}

func ObserveCycle(c Cycle) {
	ch := strconv.FormatInt(c.ChannelID, 10)
	CyclesTotal.WithLabelValues(ch, c.Trigger, c.Outcome).Inc()
	CycleDuration.WithLabelValues(ch).Observe(c.Took.Seconds())
	if c.Conflicts > 0 {
		ConflictsTotal.WithLabelValues(ch).Add(float64(c.Conflicts))
	}
	if c.Moved > 0 {
		EventsMovedTotal.WithLabelValues(ch).Add(float64(c.Moved))
	}
	if c.Returned > 0 {
		EventsReturnedTotal.WithLabelValues(ch).Add(float64(c.Returned))
	}
	if c.Outcome == "ok" {
		LastSuccess.WithLabelValues(ch).SetToCurrentTime()
	}
}

func ObserveCoalesced(channelID int64) {
	CoalescedTotal.WithLabelValues(strconv.FormatInt(channelID, 10)).Inc()
}

func SetBreakerOpen(channelID int64, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	BreakerOpen.WithLabelValues(strconv.FormatInt(channelID, 10)).Set(v)
}

func SetAssignments(n int) { ActiveAssignments.Set(float64(n)) }

func ObserveUpstream(op, result string, took time.Duration) {
	UpstreamRequests.WithLabelValues(op, result).Inc()
	UpstreamLatency.WithLabelValues(op).Observe(took.Seconds())
}
