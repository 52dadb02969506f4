package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	LessonCompletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lms_lesson_completions_total",
			Help: "Number of lesson completion marks recorded",
		},
	)

	CourseCompletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lms_course_completions_total",
			Help: "Number of enrollments that reached 100% for the first time",
		},
	)

	// result: created | existing | race_recovered
	CertificatesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lms_certificates_issued_total",
			Help: "Certificate issuance outcomes",
		},
		[]string{"result"},
	)

	// status: enqueued | succeeded | retried | failed
	CertificateJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lms_certificate_jobs_total",
			Help: "Certificate generation job transitions",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			LessonCompletions,
			CourseCompletions,
			CertificatesIssued,
			CertificateJobs,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
