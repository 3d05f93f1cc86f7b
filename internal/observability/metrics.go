package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_relay_active_sessions",
		Help: "Number of active relay sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_sessions_total",
		Help: "Total number of relay sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_relay_session_duration_seconds",
		Help:    "Duration of relay sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Upstream metrics
	upstreamConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_upstream_connects_total",
		Help: "Total number of upstream session connects",
	}, []string{"status"})

	upstreamConnectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_relay_upstream_connect_latency_seconds",
		Help:    "Time taken to establish an upstream session",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_turns_total",
		Help: "Total number of turns by outcome",
	}, []string{"outcome"}) // outcome: "complete", "timeout", "closed"

	firstFragmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_relay_first_fragment_latency_seconds",
		Help:    "Time from audio submission to the first forwarded audio fragment",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	fragmentsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_fragments_forwarded_total",
		Help: "Total number of audio fragments forwarded to clients",
	})

	fragmentsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_fragments_dropped_total",
		Help: "Total number of upstream fragments dropped by the queue overflow policy",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_audio_bytes_total",
		Help: "Total audio bytes relayed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics tracks metrics for a single relay session
type SessionMetrics struct {
	sessionID     string
	startTime     time.Time
	turnStartTime time.Time
	firstSeen     bool
	endOnce       sync.Once
	mu            sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Only the first call counts.
func (m *SessionMetrics) RecordSessionEnd() {
	m.endOnce.Do(func() {
		activeSessions.Dec()
		sessionDuration.Observe(time.Since(m.startTime).Seconds())
	})
}

// RecordUpstreamConnect records the outcome of establishing the upstream session
func (m *SessionMetrics) RecordUpstreamConnect(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	upstreamConnects.WithLabelValues(status).Inc()
	if success {
		upstreamConnectLatency.Observe(latency.Seconds())
	}
}

// RecordTurnStart marks the submission of audio that opens a turn
func (m *SessionMetrics) RecordTurnStart() {
	m.mu.Lock()
	m.turnStartTime = time.Now()
	m.firstSeen = false
	m.mu.Unlock()
}

// RecordFragmentForwarded records one audio fragment sent to the client
func (m *SessionMetrics) RecordFragmentForwarded(bytes int) {
	m.mu.Lock()
	if !m.firstSeen && !m.turnStartTime.IsZero() {
		firstFragmentLatency.Observe(time.Since(m.turnStartTime).Seconds())
		m.firstSeen = true
	}
	m.mu.Unlock()

	fragmentsForwarded.Inc()
	audioBytesProcessed.WithLabelValues("out").Add(float64(bytes))
}

// RecordTurnEnd records how a turn finished
func (m *SessionMetrics) RecordTurnEnd(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordDroppedFragments records fragments discarded by the queue policy
func (m *SessionMetrics) RecordDroppedFragments(n uint64) {
	if n > 0 {
		fragmentsDropped.Add(float64(n))
	}
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
