// Package metrics exposes pipeline activity as Prometheus metrics.
//
// Collector implements memprog.Observer:
//
//	collector := metrics.NewCollector()
//	p := memprog.New(dev, memprog.WithObserver(collector))
//
//	go metrics.StartServer(9090)
//
// Metrics:
//   - memprog_jobs_queued_total{kind}: jobs queued per job kind
//   - memprog_jobs_completed_total{kind}: jobs completed per job kind
//   - memprog_job_duration_seconds{kind}: time of the final scheduler step of a job
//   - memprog_bytes_programmed_total{kind}: bytes written to storage, by writing job kind
//   - memprog_bytes_erased_total: bytes erased
//   - memprog_operation_duration_seconds{op}: entry point latency
//   - memprog_operations_failed_total{op,status}: failed entry points by status
//   - memprog_queue_depth: jobs currently queued
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moffa90/go-memprog/memprog"
	"github.com/moffa90/go-memprog/protocol"
)

// Collector is a Prometheus collector for pipeline events.
type Collector struct {
	jobsQueued    *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	bytesProgrammed *prometheus.CounterVec
	bytesErased     prometheus.Counter

	opDuration *prometheus.HistogramVec
	opFailed   *prometheus.CounterVec

	queueDepth prometheus.Gauge
}

// NewCollector creates a collector registered on prometheus.DefaultRegisterer.
func NewCollector() *Collector {
	c := &Collector{
		jobsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memprog_jobs_queued_total",
			Help: "Total number of jobs queued, by job kind",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memprog_jobs_completed_total",
			Help: "Total number of jobs completed, by job kind",
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memprog_job_duration_seconds",
			Help:    "Duration of the scheduler step completing a job",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"kind"}),
		bytesProgrammed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memprog_bytes_programmed_total",
			Help: "Total number of bytes written to storage, by job kind",
		}, []string{"kind"}),
		bytesErased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memprog_bytes_erased_total",
			Help: "Total number of bytes erased",
		}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memprog_operation_duration_seconds",
			Help:    "Latency of pipeline entry points",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		opFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memprog_operations_failed_total",
			Help: "Total number of failed entry points, by status",
		}, []string{"op", "status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memprog_queue_depth",
			Help: "Current number of queued jobs",
		}),
	}

	prometheus.MustRegister(c.jobsQueued)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobDuration)
	prometheus.MustRegister(c.bytesProgrammed)
	prometheus.MustRegister(c.bytesErased)
	prometheus.MustRegister(c.opDuration)
	prometheus.MustRegister(c.opFailed)
	prometheus.MustRegister(c.queueDepth)

	return c
}

// JobQueued records a queued job.
func (c *Collector) JobQueued(kind memprog.JobKind) {
	c.jobsQueued.WithLabelValues(kind.String()).Inc()
}

// JobDone records a completed job.
func (c *Collector) JobDone(kind memprog.JobKind, elapsed time.Duration) {
	c.jobsCompleted.WithLabelValues(kind.String()).Inc()
	c.jobDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

// BytesProgrammed records bytes written to storage.
func (c *Collector) BytesProgrammed(kind memprog.JobKind, n uint32) {
	c.bytesProgrammed.WithLabelValues(kind.String()).Add(float64(n))
}

// BytesErased records erased bytes.
func (c *Collector) BytesErased(n uint32) {
	c.bytesErased.Add(float64(n))
}

// OperationDone records an entry point and its outcome.
func (c *Collector) OperationDone(op memprog.Op, elapsed time.Duration, status protocol.Status) {
	c.opDuration.WithLabelValues(op.String()).Observe(elapsed.Seconds())
	if status != protocol.StatusOK {
		c.opFailed.WithLabelValues(op.String(), status.String()).Inc()
	}
}

// QueueDepth records the number of queued jobs.
func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns an HTTP server exposing /metrics on port.
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartServer starts the Prometheus metrics HTTP server.
func StartServer(port int) error {
	return NewServer(port).ListenAndServe()
}
