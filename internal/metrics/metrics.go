// Package metrics exposes mission counters for Prometheus scraping.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

var _ core.Telemetry = (*Collector)(nil)

// Collector implements core.Telemetry on a private Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	checksTotal      *prometheus.CounterVec
	checkSeconds     *prometheus.HistogramVec
	findingsTotal    *prometheus.CounterVec
	submissionsTotal *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chimera_checks_total",
				Help: "Check invocations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		checkSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chimera_check_duration_seconds",
				Help:    "Check duration distribution",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"kind"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chimera_findings_total",
				Help: "Unique findings recorded",
			},
			[]string{"kind", "severity"},
		),
		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chimera_submissions_total",
				Help: "Submission transitions by platform and resulting state",
			},
			[]string{"platform", "state"},
		),
	}
	c.registry.MustRegister(c.checksTotal, c.checkSeconds, c.findingsTotal, c.submissionsTotal)
	return c
}

func (c *Collector) RecordCheck(kind types.CheckKind, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.checksTotal.WithLabelValues(string(kind), outcome).Inc()
	c.checkSeconds.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (c *Collector) RecordFinding(kind types.CheckKind, severity types.Severity) {
	c.findingsTotal.WithLabelValues(string(kind), string(severity)).Inc()
}

func (c *Collector) RecordSubmission(platform string, state types.SubmissionState) {
	c.submissionsTotal.WithLabelValues(platform, string(state)).Inc()
}

func (c *Collector) Close() error { return nil }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
