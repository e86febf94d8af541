// Package metrics holds the node's Prometheus collectors.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestDuration tracks request latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "darkpool_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "route", "status"},
	)

	// OrdersTotal counts order actions (submit, cancel) by side.
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkpool_orders_total",
			Help: "Total number of order actions by side",
		},
		[]string{"action", "side"},
	)

	// TransitionsTotal counts committed lifecycle transitions.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkpool_order_transitions_total",
			Help: "Committed order status transitions",
		},
		[]string{"event", "to"},
	)

	// OrdersByStatus is refreshed periodically from the store.
	OrdersByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "darkpool_orders",
			Help: "Current number of orders by status",
		},
		[]string{"status"},
	)

	MatchPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "darkpool_match_pass_duration_seconds",
			Help:    "Duration of one matching pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CompareTotal counts sealed comparisons by outcome
	// (matched, no_match, error, rejected, bad_attestation, conflict).
	CompareTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkpool_compare_total",
			Help: "Confidential comparisons by outcome",
		},
		[]string{"result"},
	)

	// SettlementAttempts counts ledger submissions by outcome.
	SettlementAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkpool_settlement_attempts_total",
			Help: "Ledger settlement attempts by outcome",
		},
		[]string{"result"},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "darkpool_settlement_duration_seconds",
			Help:    "Time from dispatch to ledger confirmation, retries included",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkpool_events_dropped_total",
			Help: "Public events dropped because a sink was full or failed",
		},
		[]string{"sink"},
	)
)

func Handler() http.Handler { return promhttp.Handler() }

// Middleware records request metrics under the matched mux route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
