package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery attempt outcomes.
const (
	AttemptOK        = "ok"
	AttemptMismatch  = "mismatch"
	AttemptMalformed = "malformed"
	AttemptTransport = "transport"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sortctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sortctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sortctl",
			Subsystem: "protocol",
			Name:      "attempts_total",
			Help:      "Command delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sortctl",
			Subsystem: "protocol",
			Name:      "deliveries_total",
			Help:      "Commands confirmed or abandoned.",
		},
		[]string{"success"},
	)
	deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sortctl",
			Subsystem: "protocol",
			Name:      "delivery_duration_seconds",
			Help:      "Time from first write to confirmation or abandonment.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 15, 60},
		},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sortctl",
			Subsystem: "protocol",
			Name:      "reconnects_total",
			Help:      "Serial endpoint reopen attempts after a fault.",
		},
	)
	resyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sortctl",
			Subsystem: "protocol",
			Name:      "resyncs_total",
			Help:      "Reply frames discarded as unreadable.",
		},
	)
	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sortctl",
			Subsystem: "cage",
			Name:      "allocations_total",
			Help:      "Confirmed insect routings per cage.",
		},
		[]string{"cage", "sex", "overflow"},
	)
	cageCounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sortctl",
			Subsystem: "cage",
			Name:      "insects",
			Help:      "Current insect count per cage and sex.",
		},
		[]string{"cage", "sex"},
	)
	cageRequired = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sortctl",
			Subsystem: "cage",
			Name:      "required_insects",
			Help:      "Quota per cage and sex.",
		},
		[]string{"cage", "sex"},
	)
	sorterRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sortctl",
			Subsystem: "sorter",
			Name:      "running",
			Help:      "1 while the sorting loop is active.",
		},
	)
	sorterFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sortctl",
			Subsystem: "sorter",
			Name:      "faults_total",
			Help:      "Faults that halted the sorting loop.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			deliveryAttempts, deliveries, deliveryDuration, reconnects, resyncs,
			allocations, cageCounts, cageRequired,
			sorterRunning, sorterFaults,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDeliveryAttempt(outcome string) {
	RegisterMetrics()
	deliveryAttempts.WithLabelValues(outcome).Inc()
}

func RecordDelivery(success bool, duration time.Duration) {
	RegisterMetrics()
	deliveries.WithLabelValues(strconv.FormatBool(success)).Inc()
	deliveryDuration.Observe(duration.Seconds())
}

func RecordReconnect() {
	RegisterMetrics()
	reconnects.Inc()
}

func RecordResync() {
	RegisterMetrics()
	resyncs.Inc()
}

func RecordAllocation(cage, sex string, overflow bool) {
	RegisterMetrics()
	allocations.WithLabelValues(cage, sex, strconv.FormatBool(overflow)).Inc()
}

func SetCageCounts(cage string, males, females, requiredMales, requiredFemales int) {
	RegisterMetrics()
	cageCounts.WithLabelValues(cage, "male").Set(float64(males))
	cageCounts.WithLabelValues(cage, "female").Set(float64(females))
	cageRequired.WithLabelValues(cage, "male").Set(float64(requiredMales))
	cageRequired.WithLabelValues(cage, "female").Set(float64(requiredFemales))
}

func SetSorterRunning(running bool) {
	RegisterMetrics()
	if running {
		sorterRunning.Set(1)
		return
	}
	sorterRunning.Set(0)
}

func RecordFault(kind string) {
	RegisterMetrics()
	sorterFaults.WithLabelValues(kind).Inc()
}
