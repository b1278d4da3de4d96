// Package metrics exposes Prometheus-format metrics on a dedicated listener
// and provides the counters incremented by the control plane.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves the /metrics endpoint on its own address so the
// scrape surface stays off the public API listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service name and listen address.
func New(name, addr string) (*MetricsServer, error) {
	if name == "" {
		return nil, fmt.Errorf("metrics server requires a service name")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// Counters incremented by the API and the unlock workers. Per-volume series
// are created lazily.
var (
	authFailures      = metrics.NewCounter(`cryptmountd_auth_failures_total`)
	authRejected      = metrics.NewCounter(`cryptmountd_auth_rejected_total`)
	rateLimitDenials  = metrics.NewCounter(`cryptmountd_ratelimit_denials_total`)
	secretsDelivered  = metrics.NewCounter(`cryptmountd_secrets_delivered_total`)
	operationalFaults = metrics.NewCounter(`cryptmountd_operational_faults_total`)
)

// IncAuthFailure counts an authentication failure (bad key, stale timestamp,
// bad signature).
func IncAuthFailure() { authFailures.Inc() }

// IncAuthRejected counts a rejected request that is not an auth failure
// (missing headers, verifier unconfigured).
func IncAuthRejected() { authRejected.Inc() }

// IncRateLimitDenial counts a request denied admission by the rate limiter.
func IncRateLimitDenial() { rateLimitDenials.Inc() }

// IncSecretDelivered counts a secret handed off to an unlock worker.
func IncSecretDelivered() { secretsDelivered.Inc() }

// IncOperationalFault counts a 500-class fault surfaced to a caller.
func IncOperationalFault() { operationalFaults.Inc() }

// IncUnlockAttempt counts one unlock attempt for a volume, by outcome
// ("mounted" or "wrong_secret").
func IncUnlockAttempt(volume, outcome string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`cryptmountd_unlock_attempts_total{volume=%q,outcome=%q}`, volume, outcome)).Inc()
}

// IncWorkerStop counts a worker stop for a volume.
func IncWorkerStop(volume string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`cryptmountd_worker_stops_total{volume=%q}`, volume)).Inc()
}
