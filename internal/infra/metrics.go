package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight pipeline counters.
// Uses atomic operations for thread-safety; never blocks the read loop.
type Metrics struct {
	// Counters
	framesReceived  atomic.Uint64
	ticksDecoded    atomic.Uint64
	decodeErrors    atomic.Uint64
	controlMessages atomic.Uint64
	ticksDispatched atomic.Uint64
	ticksDropped    atomic.Uint64
	consumerErrors  atomic.Uint64

	// Latency tracking (decode + dispatch per frame)
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordFrame records one inbound frame with its processing latency.
func (m *Metrics) RecordFrame(latencyNs int64) {
	m.framesReceived.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordTicks records n decoded ticks.
func (m *Metrics) RecordTicks(n int) {
	m.ticksDecoded.Add(uint64(n))
}

// RecordDecodeError records a dropped malformed frame.
func (m *Metrics) RecordDecodeError() {
	m.decodeErrors.Add(1)
}

// RecordControl records a control-channel message.
func (m *Metrics) RecordControl() {
	m.controlMessages.Add(1)
}

// RecordDispatched records a tick handed to one consumer queue.
func (m *Metrics) RecordDispatched() {
	m.ticksDispatched.Add(1)
}

// RecordDropped records a tick a consumer queue could not take.
func (m *Metrics) RecordDropped() {
	m.ticksDropped.Add(1)
}

// RecordConsumerError records a failed, panicking or timed-out consumer call.
func (m *Metrics) RecordConsumerError() {
	m.consumerErrors.Add(1)
}

// SetConnected sets the active connection gauge.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.activeConnections.Store(1)
	} else {
		m.activeConnections.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	FramesReceived    uint64    `json:"frames_received"`
	TicksDecoded      uint64    `json:"ticks_decoded"`
	DecodeErrors      uint64    `json:"decode_errors"`
	ControlMessages   uint64    `json:"control_messages"`
	TicksDispatched   uint64    `json:"ticks_dispatched"`
	TicksDropped      uint64    `json:"ticks_dropped"`
	ConsumerErrors    uint64    `json:"consumer_errors"`
	AvgFrameLatencyNs int64     `json:"avg_frame_latency_ns"`
	ActiveConnections int32     `json:"active_connections"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		FramesReceived:    m.framesReceived.Load(),
		TicksDecoded:      m.ticksDecoded.Load(),
		DecodeErrors:      m.decodeErrors.Load(),
		ControlMessages:   m.controlMessages.Load(),
		TicksDispatched:   m.ticksDispatched.Load(),
		TicksDropped:      m.ticksDropped.Load(),
		ConsumerErrors:    m.consumerErrors.Load(),
		AvgFrameLatencyNs: avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.framesReceived.Store(0)
	m.ticksDecoded.Store(0)
	m.decodeErrors.Store(0)
	m.controlMessages.Store(0)
	m.ticksDispatched.Store(0)
	m.ticksDropped.Store(0)
	m.consumerErrors.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
}
