package monitoring

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_length_total",
			Help: "Current queue length per event",
		},
		[]string{"event_id", "queue_type"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "event_id", "status"},
	)

	queuePromotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_promotions_total",
			Help: "Waiting users promoted into an active session",
		},
		[]string{"event_id"},
	)

	seatLockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seat_lock_operations_total",
			Help: "Seat lock operations by outcome",
		},
		[]string{"operation", "result"},
	)

	seatLockDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seat_lock_duration_seconds",
			Help:    "Requested seat lock TTLs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	reservationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_transitions_total",
			Help: "Reservation status transitions",
		},
		[]string{"from", "to"},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of background sweeps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	sweepReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_reclaimed_total",
			Help: "Sessions, locks and reservations reclaimed by sweeps",
		},
		[]string{"sweep"},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Queue notifications by transport and outcome",
		},
		[]string{"type", "transport", "result"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "store_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)
)

// QueueSource reads queue sizes for the gauges.
type QueueSource interface {
	Events(ctx context.Context) ([]string, error)
	Counts(ctx context.Context, eventID string) (active, waiting int, err error)
}

// Monitor records engine metrics. A nil *Monitor is valid and records nothing.
type Monitor struct {
	source   QueueSource
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMonitor(source QueueSource, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		source:   source,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Start collects queue gauges on every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CollectQueueMetrics(ctx)
			case <-m.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Monitor) CollectQueueMetrics(ctx context.Context) {
	if m == nil || m.source == nil {
		return
	}

	events, err := m.source.Events(ctx)
	if err != nil {
		m.logger.Warn("Failed to list queue events for metrics", "error", err)
		return
	}

	for _, eventID := range events {
		active, waiting, err := m.source.Counts(ctx, eventID)
		if err != nil {
			m.logger.Warn("Failed to read queue counts", "event_id", eventID, "error", err)
			continue
		}
		queueLength.WithLabelValues(eventID, "waiting").Set(float64(waiting))
		queueLength.WithLabelValues(eventID, "active").Set(float64(active))
	}
}

// Track queue operations
func (m *Monitor) TrackQueueOperation(operation, eventID, status string) {
	if m == nil {
		return
	}
	queueOperations.WithLabelValues(operation, eventID, status).Inc()
}

func (m *Monitor) TrackPromotions(eventID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	queuePromotions.WithLabelValues(eventID).Add(float64(n))
}

func (m *Monitor) TrackSeatLock(operation, result string) {
	if m == nil {
		return
	}
	seatLockOperations.WithLabelValues(operation, result).Inc()
}

// Track seat lock duration
func (m *Monitor) ObserveSeatLockTTL(ttl time.Duration) {
	if m == nil {
		return
	}
	seatLockDuration.Observe(ttl.Seconds())
}

func (m *Monitor) TrackReservationTransition(from, to string) {
	if m == nil {
		return
	}
	reservationTransitions.WithLabelValues(from, to).Inc()
}

func (m *Monitor) ObserveSweep(sweep string, took time.Duration, reclaimed int) {
	if m == nil {
		return
	}
	sweepDuration.WithLabelValues(sweep).Observe(took.Seconds())
	if reclaimed > 0 {
		sweepReclaimed.WithLabelValues(sweep).Add(float64(reclaimed))
	}
}

func (m *Monitor) TrackNotification(msgType, transport, result string) {
	if m == nil {
		return
	}
	notifications.WithLabelValues(msgType, transport, result).Inc()
}

func (m *Monitor) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	breakerState.WithLabelValues(name).Set(float64(state))
}
