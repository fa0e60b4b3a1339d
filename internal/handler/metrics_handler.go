package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// MetricsHandler handles Prometheus metrics endpoint
type MetricsHandler struct {
}

var (
	// HTTP request duration histogram
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attachlink_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "path", "status"})

	// Total requests counter
	totalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attachlink_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	// Stored attachment size histogram
	attachmentSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attachlink_attachment_size_bytes",
		Help:    "Size of stored attachments in bytes",
		Buckets: []float64{1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024, 100 * 1024 * 1024},
	})

	// Total share folders created
	sharesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachlink_shares_created_total",
		Help: "Total number of share folders created",
	})

	// Guest download counter
	guestDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachlink_guest_downloads_total",
		Help: "Total number of guest document downloads",
	})

	// Failed guest access attempts counter
	guestAccessFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attachlink_guest_access_failures_total",
		Help: "Total number of failed guest access attempts",
	}, []string{"reason"})
)

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

// Handler returns the Prometheus metrics handler for Fiber
func (h *MetricsHandler) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Gather metrics from the default registry
		mfs, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			return c.Status(500).SendString("Failed to gather metrics")
		}

		// Format as Prometheus text format
		var sb strings.Builder
		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(&sb, mf); err != nil {
				return c.Status(500).SendString("Failed to format metrics")
			}
		}

		c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		return c.SendString(sb.String())
	}
}

// MetricsMiddleware records HTTP metrics for each request
func MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		path := c.Route().Path
		if path == "" {
			path = "__unmatched__"
		}

		statusStr := "200"
		if status >= 200 && status < 300 {
			statusStr = "2xx"
		} else if status >= 300 && status < 400 {
			statusStr = "3xx"
		} else if status >= 400 && status < 500 {
			statusStr = "4xx"
		} else if status >= 500 {
			statusStr = "5xx"
		}

		totalRequests.WithLabelValues(c.Method(), path, statusStr).Inc()
		httpDuration.WithLabelValues(c.Method(), path, statusStr).Observe(time.Since(start).Seconds())

		return err
	}
}

// RecordShareCreated records metrics for one stored share.
func RecordShareCreated(totalBytes float64) {
	attachmentSize.Observe(totalBytes)
	sharesCreated.Inc()
}

// RecordGuestDownload increments the guest download counter.
func RecordGuestDownload() {
	guestDownloads.Inc()
}

// RecordGuestAccessFailure increments the failed guest access counter with a reason label.
func RecordGuestAccessFailure(reason string) {
	guestAccessFailures.WithLabelValues(reason).Inc()
}
