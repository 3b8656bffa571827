package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-collab/internal/collab"
	"go-collab/internal/models"
)

const namespace = "collab"

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	})

	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Rooms currently held by the hub",
	})

	roomsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rooms_closed_total",
		Help:      "Rooms removed from the hub, by reason",
	}, []string{"reason"})

	membersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "room_members",
		Help:      "Members across all rooms",
	})

	operationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_applied_total",
		Help:      "Operations accepted into room logs",
	})

	operationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_rejected_total",
		Help:      "Operation batches rejected, by reason",
	}, []string{"reason"})

	deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Members dropped because a message could not be queued",
	})
)

// Observer records hub events as Prometheus metrics.
type Observer struct{}

var _ collab.Observer = Observer{}

func (Observer) OnRoomCreated(string) { roomsActive.Inc() }

func (Observer) OnRoomClosed(_ string, reason string) {
	roomsActive.Dec()
	roomsClosed.WithLabelValues(reason).Inc()
}

func (Observer) OnUserJoined(string, models.User) { membersActive.Inc() }

func (Observer) OnUserLeft(string, string) { membersActive.Dec() }

func (Observer) OnOperationsApplied(_ string, ops []models.Operation) {
	operationsApplied.Add(float64(len(ops)))
}

func (Observer) OnOperationRejected(_, _ string, err error) {
	operationsRejected.WithLabelValues(rejectReason(err)).Inc()
}

func (Observer) OnDeliveryFailed(string, string) { deliveryFailures.Inc() }

func rejectReason(err error) string {
	switch {
	case errors.Is(err, collab.ErrStaleBase):
		return "stale_base"
	case errors.Is(err, collab.ErrUnknownMember):
		return "unknown_member"
	case errors.Is(err, collab.ErrInvalidOperation):
		return "invalid"
	case errors.Is(err, collab.ErrRoomClosed):
		return "room_closed"
	}
	return "other"
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed for the websocket upgrade.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		r.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("collab metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics. The path label is the matched chi
// route pattern so ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
