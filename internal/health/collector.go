package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	descState = prometheus.NewDesc(
		"feed_connection_state",
		"Connection state machine position, 1 for the current state.",
		[]string{"state"}, nil,
	)
	descReconnectAttempts = prometheus.NewDesc(
		"feed_reconnect_attempts",
		"Reconnect attempts since the last successful connection.",
		nil, nil,
	)
	descConsecutiveErrors = prometheus.NewDesc(
		"feed_consecutive_network_errors",
		"Network errors since the last successful connection.",
		nil, nil,
	)
	descNetworkErrors = prometheus.NewDesc(
		"feed_network_errors_total",
		"Network errors since process start.",
		nil, nil,
	)
	descAuthFailures = prometheus.NewDesc(
		"feed_auth_failures_total",
		"Rejected or timed-out authentications.",
		nil, nil,
	)
	descSessions = prometheus.NewDesc(
		"feed_sessions_total",
		"Connections that reached CONNECTED.",
		nil, nil,
	)
	descCached = prometheus.NewDesc(
		"feed_cached_instruments",
		"Instruments with a cached price.",
		nil, nil,
	)
	descCacheAge = prometheus.NewDesc(
		"feed_cached_prices",
		"Cached prices by staleness class.",
		[]string{"status"}, nil,
	)
	descGaps = prometheus.NewDesc(
		"feed_subscription_gaps",
		"Instruments whose subscription failed twice.",
		nil, nil,
	)
	descBatches = prometheus.NewDesc(
		"feed_subscription_batches_total",
		"Subscription batches by outcome.",
		[]string{"outcome"}, nil,
	)
	descConsumer = prometheus.NewDesc(
		"feed_consumer_ticks_total",
		"Ticks per consumer by outcome.",
		[]string{"consumer", "outcome"}, nil,
	)
	descFrames = prometheus.NewDesc(
		"feed_frames_total",
		"Inbound frames.",
		nil, nil,
	)
	descTicks = prometheus.NewDesc(
		"feed_ticks_decoded_total",
		"Ticks decoded from inbound frames.",
		nil, nil,
	)
	descDecodeErrors = prometheus.NewDesc(
		"feed_decode_errors_total",
		"Malformed frames dropped.",
		nil, nil,
	)
)

// Collector exports Reporter snapshots as Prometheus metrics. Values are
// read at scrape time, so nothing is double counted.
type Collector struct {
	reporter *Reporter
}

// NewCollector returns a collector over r.
func NewCollector(r *Reporter) *Collector {
	return &Collector{reporter: r}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descState, descReconnectAttempts, descConsecutiveErrors, descNetworkErrors,
		descAuthFailures, descSessions, descCached, descCacheAge, descGaps,
		descBatches, descConsumer, descFrames, descTicks, descDecodeErrors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.reporter.Snapshot()
	conn := s.Connection

	ch <- prometheus.MustNewConstMetric(descState, prometheus.GaugeValue, 1, conn.State.String())
	ch <- prometheus.MustNewConstMetric(descReconnectAttempts, prometheus.GaugeValue, float64(conn.ReconnectAttempts))
	ch <- prometheus.MustNewConstMetric(descConsecutiveErrors, prometheus.GaugeValue, float64(conn.ConsecutiveErrors))
	ch <- prometheus.MustNewConstMetric(descNetworkErrors, prometheus.CounterValue, float64(conn.NetworkErrors))
	ch <- prometheus.MustNewConstMetric(descAuthFailures, prometheus.CounterValue, float64(conn.AuthFailures))
	ch <- prometheus.MustNewConstMetric(descSessions, prometheus.CounterValue, float64(conn.Sessions))

	ch <- prometheus.MustNewConstMetric(descCached, prometheus.GaugeValue, float64(s.Cache.Instruments))
	ch <- prometheus.MustNewConstMetric(descCacheAge, prometheus.GaugeValue, float64(s.Cache.Stale), "stale")
	ch <- prometheus.MustNewConstMetric(descCacheAge, prometheus.GaugeValue, float64(s.Cache.Unusable), "unusable")

	ch <- prometheus.MustNewConstMetric(descGaps, prometheus.GaugeValue, float64(len(s.Gaps)))
	ch <- prometheus.MustNewConstMetric(descBatches, prometheus.CounterValue, float64(s.Subscription.Sent), "sent")
	ch <- prometheus.MustNewConstMetric(descBatches, prometheus.CounterValue, float64(s.Subscription.Rejected), "rejected")
	ch <- prometheus.MustNewConstMetric(descBatches, prometheus.CounterValue, float64(s.Subscription.Retried), "retried")

	for _, cs := range s.Consumers {
		ch <- prometheus.MustNewConstMetric(descConsumer, prometheus.CounterValue, float64(cs.Delivered), cs.Name, "delivered")
		ch <- prometheus.MustNewConstMetric(descConsumer, prometheus.CounterValue, float64(cs.Failed), cs.Name, "failed")
		ch <- prometheus.MustNewConstMetric(descConsumer, prometheus.CounterValue, float64(cs.Dropped), cs.Name, "dropped")
	}

	ch <- prometheus.MustNewConstMetric(descFrames, prometheus.CounterValue, float64(s.Pipeline.FramesReceived))
	ch <- prometheus.MustNewConstMetric(descTicks, prometheus.CounterValue, float64(s.Pipeline.TicksDecoded))
	ch <- prometheus.MustNewConstMetric(descDecodeErrors, prometheus.CounterValue, float64(s.Pipeline.DecodeErrors))
}
