package quantum

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// used for block I/O and IPC round-trip timing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one
// simulated kernel instance: block I/O, IPC traffic, and scheduler
// behavior all feed the same set of counters so a single snapshot
// describes the whole system the way a real kernel's diagnostics
// syscall would.
type Metrics struct {
	// Block I/O
	ReadOps, WriteOps, DiscardOps, FlushOps       atomic.Uint64
	ReadBytes, WriteBytes, DiscardBytes           atomic.Uint64
	ReadErrors, WriteErrors, DiscardErrors        atomic.Uint64
	FlushErrors                                   atomic.Uint64

	// IPC
	MessagesSent, MessagesReceived, MessagesDropped atomic.Uint64
	PortQueueFullCount                              atomic.Uint64

	// IRQ
	IRQsDelivered, IRQsDropped atomic.Uint64

	// Scheduler
	ContextSwitches atomic.Uint64
	TasksSpawned    atomic.Uint64
	TasksDestroyed  atomic.Uint64

	// Queue depth sampling (block devices)
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Latency
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its start time
// stamped to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a block read operation.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a block write operation.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordMessage records a single IPC send, and whether it was
// actually delivered (queue-full sends still count as attempted).
func (m *Metrics) RecordMessage(delivered bool) {
	m.MessagesSent.Add(1)
	if delivered {
		m.MessagesReceived.Add(1)
	} else {
		m.MessagesDropped.Add(1)
		m.PortQueueFullCount.Add(1)
	}
}

// RecordIRQ records a single hardware IRQ delivery attempt.
func (m *Metrics) RecordIRQ(delivered bool) {
	if delivered {
		m.IRQsDelivered.Add(1)
	} else {
		m.IRQsDropped.Add(1)
	}
}

// RecordContextSwitch increments the context-switch counter.
func (m *Metrics) RecordContextSwitch() {
	m.ContextSwitches.Add(1)
}

// RecordTaskSpawned/RecordTaskDestroyed track task lifecycle events.
func (m *Metrics) RecordTaskSpawned()   { m.TasksSpawned.Add(1) }
func (m *Metrics) RecordTaskDestroyed() { m.TasksDestroyed.Add(1) }

// RecordQueueDepth records current block queue depth for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the simulated kernel as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	ReadOps, WriteOps, DiscardOps, FlushOps uint64
	ReadBytes, WriteBytes, DiscardBytes     uint64
	ReadErrors, WriteErrors                 uint64

	MessagesSent, MessagesReceived, MessagesDropped uint64
	IRQsDelivered, IRQsDropped                       uint64
	ContextSwitches                                  uint64
	TasksSpawned, TasksDestroyed                      uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns uint64
	LatencyHistogram                          [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:          m.ReadOps.Load(),
		WriteOps:         m.WriteOps.Load(),
		DiscardOps:       m.DiscardOps.Load(),
		FlushOps:         m.FlushOps.Load(),
		ReadBytes:        m.ReadBytes.Load(),
		WriteBytes:       m.WriteBytes.Load(),
		DiscardBytes:     m.DiscardBytes.Load(),
		ReadErrors:       m.ReadErrors.Load(),
		WriteErrors:      m.WriteErrors.Load(),
		MessagesSent:     m.MessagesSent.Load(),
		MessagesReceived: m.MessagesReceived.Load(),
		MessagesDropped:  m.MessagesDropped.Load(),
		IRQsDelivered:    m.IRQsDelivered.Load(),
		IRQsDropped:      m.IRQsDropped.Load(),
		ContextSwitches:  m.ContextSwitches.Load(),
		TasksSpawned:     m.TasksSpawned.Load(),
		TasksDestroyed:   m.TasksDestroyed.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
	}

	if qc := m.QueueDepthCount.Load(); qc > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(qc)
	}

	if oc := m.OpCount.Load(); oc > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / oc
	}

	start := m.StartTime.Load()
	if stop := m.StopTime.Load(); stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if oc := m.OpCount.Load(); oc > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection, shaped like the
// teacher's Observer. No subsystem calls it: the device registries
// and the scheduler take no Observer.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveMessage(delivered bool)
	ObserveIRQ(delivered bool)
	ObserveContextSwitch()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards all observations.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveMessage(bool)               {}
func (NoOpObserver) ObserveIRQ(bool)                   {}
func (NoOpObserver) ObserveContextSwitch()             {}
func (NoOpObserver) ObserveQueueDepth(uint32)          {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveMessage(delivered bool)  { o.metrics.RecordMessage(delivered) }
func (o *MetricsObserver) ObserveIRQ(delivered bool)      { o.metrics.RecordIRQ(delivered) }
func (o *MetricsObserver) ObserveContextSwitch()          { o.metrics.RecordContextSwitch() }
func (o *MetricsObserver) ObserveQueueDepth(depth uint32) { o.metrics.RecordQueueDepth(depth) }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
