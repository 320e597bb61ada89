package go_peerlink

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handshake outcomes reported through IncrementHandshake.
const (
	HANDSHAKE_COMPLETED       = "completed"
	HANDSHAKE_REKEYED         = "rekeyed"
	HANDSHAKE_REJECTED_REPLAY = "rejected_replay"
	HANDSHAKE_REJECTED_STALE  = "rejected_stale"
)

// Requeue paths reported through IncrementRequeue.
const (
	REQUEUE_TRACKER = "tracker"
	REQUEUE_FRESH   = "fresh"
)

// MetricsCollector defines the interface for collecting link metrics.
// Applications plug in their own implementation (see PrometheusMetrics) or use
// InMemoryMetrics.
//
// All methods are safe for concurrent use and should be non-blocking. They are
// never called with the link lock held.
type MetricsCollector interface {
	// Handshakes and promotions

	// IncrementHandshake counts CompleteHandshake outcomes (HANDSHAKE_* constants).
	IncrementHandshake(result string)

	// IncrementPromotion counts unverified epochs promoted to current.
	IncrementPromotion()

	// Rekeying

	// IncrementRekeyStarted counts rekey handshakes initiated by the scheduler.
	IncrementRekeyStarted()

	// IncrementForcedDisconnect counts links torn down by the rekey deadline.
	IncrementForcedDisconnect()

	// RecordRekeyDuration records the time from rekey start to its completing handshake.
	RecordRekeyDuration(duration time.Duration)

	// Retransmission

	// IncrementRequeue counts resend items by the path they took (REQUEUE_* constants).
	IncrementRequeue(path string)

	// IncrementUrgentSend counts notification-only packets and their size.
	IncrementUrgentSend(bytes int)

	// Error Tracking

	// IncrementError increments the error counter by error type.
	// errorType describes the category (e.g., "impossible_send", "consistency").
	IncrementError(errorType string)

	// Connection State

	// SetConnectionState updates the current connection state.
	// state is "connected", "disconnected" or "rekeying".
	SetConnectionState(state string)

	// SetLiveEpochs updates the number of occupied tracker slots.
	SetLiveEpochs(count int)

	// Bandwidth Tracking

	AddBytesSent(bytes uint64)
	AddBytesReceived(bytes uint64)
}

// InMemoryMetrics provides a simple in-memory implementation of MetricsCollector.
// Suitable for development, testing, and applications that want basic metrics
// without external dependencies.
//
// All operations are thread-safe using atomic operations and minimal locking.
type InMemoryMetrics struct {
	countersMu   sync.RWMutex
	handshakes   map[string]uint64
	requeues     map[string]uint64
	errorsByType map[string]uint64

	promotions       uint64
	rekeysStarted    uint64
	forcedDisconnect uint64
	urgentSends      uint64
	urgentBytes      uint64

	rekeyMu    sync.RWMutex
	rekeyStats latencyStats

	connectionState atomic.Value // stores string
	liveEpochs      int32

	bytesSent     uint64
	bytesReceived uint64
}

// latencyStats tracks duration statistics
type latencyStats struct {
	count      uint64
	totalNanos uint64
	minNanos   uint64
	maxNanos   uint64
}

// NewInMemoryMetrics creates a new in-memory metrics collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	m := &InMemoryMetrics{
		handshakes:   make(map[string]uint64),
		requeues:     make(map[string]uint64),
		errorsByType: make(map[string]uint64),
	}
	m.connectionState.Store("disconnected")
	return m
}

func (m *InMemoryMetrics) IncrementHandshake(result string) {
	m.countersMu.Lock()
	m.handshakes[result]++
	m.countersMu.Unlock()
}

func (m *InMemoryMetrics) IncrementPromotion() {
	atomic.AddUint64(&m.promotions, 1)
}

func (m *InMemoryMetrics) IncrementRekeyStarted() {
	atomic.AddUint64(&m.rekeysStarted, 1)
}

func (m *InMemoryMetrics) IncrementForcedDisconnect() {
	atomic.AddUint64(&m.forcedDisconnect, 1)
}

// RecordRekeyDuration records how long a rekey took.
func (m *InMemoryMetrics) RecordRekeyDuration(duration time.Duration) {
	nanos := uint64(duration.Nanoseconds())

	m.rekeyMu.Lock()
	defer m.rekeyMu.Unlock()

	stats := &m.rekeyStats
	if stats.count == 0 || nanos < stats.minNanos {
		stats.minNanos = nanos
	}
	if nanos > stats.maxNanos {
		stats.maxNanos = nanos
	}
	stats.count++
	stats.totalNanos += nanos
}

func (m *InMemoryMetrics) IncrementRequeue(path string) {
	m.countersMu.Lock()
	m.requeues[path]++
	m.countersMu.Unlock()
}

func (m *InMemoryMetrics) IncrementUrgentSend(bytes int) {
	atomic.AddUint64(&m.urgentSends, 1)
	if bytes > 0 {
		atomic.AddUint64(&m.urgentBytes, uint64(bytes))
	}
}

// IncrementError increments the error counter for the given error type.
func (m *InMemoryMetrics) IncrementError(errorType string) {
	m.countersMu.Lock()
	m.errorsByType[errorType]++
	m.countersMu.Unlock()
}

// SetConnectionState updates the connection state.
func (m *InMemoryMetrics) SetConnectionState(state string) {
	m.connectionState.Store(state)
}

func (m *InMemoryMetrics) SetLiveEpochs(count int) {
	atomic.StoreInt32(&m.liveEpochs, int32(count))
}

// AddBytesSent adds to the total bytes sent.
func (m *InMemoryMetrics) AddBytesSent(bytes uint64) {
	atomic.AddUint64(&m.bytesSent, bytes)
}

// AddBytesReceived adds to the total bytes received.
func (m *InMemoryMetrics) AddBytesReceived(bytes uint64) {
	atomic.AddUint64(&m.bytesReceived, bytes)
}

// Getter methods for programmatic access to metrics

// Handshakes returns the count for one handshake outcome.
func (m *InMemoryMetrics) Handshakes(result string) uint64 {
	m.countersMu.RLock()
	defer m.countersMu.RUnlock()
	return m.handshakes[result]
}

// Requeues returns the count for one requeue path.
func (m *InMemoryMetrics) Requeues(path string) uint64 {
	m.countersMu.RLock()
	defer m.countersMu.RUnlock()
	return m.requeues[path]
}

// Errors returns the total count of errors by type.
func (m *InMemoryMetrics) Errors(errorType string) uint64 {
	m.countersMu.RLock()
	defer m.countersMu.RUnlock()
	return m.errorsByType[errorType]
}

// AllErrors returns a copy of all error counts by type.
func (m *InMemoryMetrics) AllErrors() map[string]uint64 {
	m.countersMu.RLock()
	defer m.countersMu.RUnlock()

	result := make(map[string]uint64, len(m.errorsByType))
	for k, v := range m.errorsByType {
		result[k] = v
	}
	return result
}

func (m *InMemoryMetrics) Promotions() uint64 {
	return atomic.LoadUint64(&m.promotions)
}

func (m *InMemoryMetrics) RekeysStarted() uint64 {
	return atomic.LoadUint64(&m.rekeysStarted)
}

func (m *InMemoryMetrics) ForcedDisconnects() uint64 {
	return atomic.LoadUint64(&m.forcedDisconnect)
}

// UrgentSends returns the number and total size of notification-only packets.
func (m *InMemoryMetrics) UrgentSends() (count, bytes uint64) {
	return atomic.LoadUint64(&m.urgentSends), atomic.LoadUint64(&m.urgentBytes)
}

// AvgRekeyDuration returns the mean rekey duration, or 0 if none was recorded.
func (m *InMemoryMetrics) AvgRekeyDuration() time.Duration {
	m.rekeyMu.RLock()
	defer m.rekeyMu.RUnlock()
	if m.rekeyStats.count == 0 {
		return 0
	}
	return time.Duration(m.rekeyStats.totalNanos / m.rekeyStats.count)
}

// MinRekeyDuration returns the shortest recorded rekey.
func (m *InMemoryMetrics) MinRekeyDuration() time.Duration {
	m.rekeyMu.RLock()
	defer m.rekeyMu.RUnlock()
	return time.Duration(m.rekeyStats.minNanos)
}

// MaxRekeyDuration returns the longest recorded rekey.
func (m *InMemoryMetrics) MaxRekeyDuration() time.Duration {
	m.rekeyMu.RLock()
	defer m.rekeyMu.RUnlock()
	return time.Duration(m.rekeyStats.maxNanos)
}

// ConnectionState returns the current connection state.
func (m *InMemoryMetrics) ConnectionState() string {
	return m.connectionState.Load().(string)
}

func (m *InMemoryMetrics) LiveEpochs() int {
	return int(atomic.LoadInt32(&m.liveEpochs))
}

// BytesSent returns the total bytes sent.
func (m *InMemoryMetrics) BytesSent() uint64 {
	return atomic.LoadUint64(&m.bytesSent)
}

// BytesReceived returns the total bytes received.
func (m *InMemoryMetrics) BytesReceived() uint64 {
	return atomic.LoadUint64(&m.bytesReceived)
}

// Reset clears all metrics. Useful for testing.
func (m *InMemoryMetrics) Reset() {
	m.countersMu.Lock()
	m.handshakes = make(map[string]uint64)
	m.requeues = make(map[string]uint64)
	m.errorsByType = make(map[string]uint64)
	m.countersMu.Unlock()

	atomic.StoreUint64(&m.promotions, 0)
	atomic.StoreUint64(&m.rekeysStarted, 0)
	atomic.StoreUint64(&m.forcedDisconnect, 0)
	atomic.StoreUint64(&m.urgentSends, 0)
	atomic.StoreUint64(&m.urgentBytes, 0)

	m.rekeyMu.Lock()
	m.rekeyStats = latencyStats{}
	m.rekeyMu.Unlock()

	m.connectionState.Store("disconnected")
	atomic.StoreInt32(&m.liveEpochs, 0)

	atomic.StoreUint64(&m.bytesSent, 0)
	atomic.StoreUint64(&m.bytesReceived, 0)
}
