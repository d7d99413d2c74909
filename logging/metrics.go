package logging

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/cattle4808/aianswer"

// SetupOTelSDK installs the global meter provider. With stdout enabled the
// readings are periodically printed; otherwise the SDK provider still backs
// the instruments so in-process readers work. The returned function flushes
// and stops the provider.
func SetupOTelSDK(ctx context.Context, stdout bool) (func(context.Context) error, error) {
	var opts []sdkmetric.Option
	if stdout {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create stdout metric exporter")
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second)),
		))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// StatusResponse is the JSON shape of the worker stats endpoint.
type StatusResponse struct {
	ID               string    `json:"id"`
	StartTime        time.Time `json:"start_time"`
	Uptime           string    `json:"uptime"`
	JobsProcessed    uint64    `json:"jobs_processed"`
	JobsSuccessful   uint64    `json:"jobs_successful"`
	JobsFailed       uint64    `json:"jobs_failed"`
	JobsSkipped      uint64    `json:"jobs_skipped"`
	JobsAborted      uint64    `json:"jobs_aborted"`
	DatabaseFailures uint64    `json:"database_failures"`
	Admissions       uint64    `json:"admissions"`
	Rejections       uint64    `json:"rejections"`
	CurrentJobs      []string  `json:"current_jobs"`
}

// Metrics records pipeline counters both to OpenTelemetry and to an in-process
// snapshot served by the stats endpoint. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	jobsTotal        metric.Int64Counter
	jobsSucceeded    metric.Int64Counter
	jobsFailed       metric.Int64Counter
	jobsSkipped      metric.Int64Counter
	jobsAborted      metric.Int64Counter
	databaseFailures metric.Int64Counter
	admissions       metric.Int64Counter

	mu       sync.RWMutex
	status   StatusResponse
	inFlight map[string]int
}

func NewMetrics(id string) (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(instrumentationName), id)
}

func NewMetricsWithMeter(meter metric.Meter, id string) (*Metrics, error) {
	m := &Metrics{
		status:   StatusResponse{ID: id, StartTime: time.Now()},
		inFlight: make(map[string]int),
	}

	var err error
	if m.jobsTotal, err = meter.Int64Counter("worker_jobs_total",
		metric.WithDescription("Total number of solve jobs picked up by the worker"),
		metric.WithUnit("{job}")); err != nil {
		return nil, errors.Wrap(err, "worker_jobs_total")
	}
	if m.jobsSucceeded, err = meter.Int64Counter("worker_jobs_succeeded",
		metric.WithDescription("Solve jobs that ended completed"),
		metric.WithUnit("{job}")); err != nil {
		return nil, errors.Wrap(err, "worker_jobs_succeeded")
	}
	if m.jobsFailed, err = meter.Int64Counter("worker_jobs_failed",
		metric.WithDescription("Solve jobs that ended failed"),
		metric.WithUnit("{job}")); err != nil {
		return nil, errors.Wrap(err, "worker_jobs_failed")
	}
	if m.jobsSkipped, err = meter.Int64Counter("worker_jobs_skipped",
		metric.WithDescription("Solve jobs whose submission was missing or already terminal"),
		metric.WithUnit("{job}")); err != nil {
		return nil, errors.Wrap(err, "worker_jobs_skipped")
	}
	if m.jobsAborted, err = meter.Int64Counter("worker_jobs_aborted",
		metric.WithDescription("Solve jobs that stopped without a result and will be redelivered"),
		metric.WithUnit("{job}")); err != nil {
		return nil, errors.Wrap(err, "worker_jobs_aborted")
	}
	if m.databaseFailures, err = meter.Int64Counter("worker_database_failures",
		metric.WithDescription("Database writes the worker could not perform"),
		metric.WithUnit("{error}")); err != nil {
		return nil, errors.Wrap(err, "worker_database_failures")
	}
	if m.admissions, err = meter.Int64Counter("admissions_total",
		metric.WithDescription("Admission decisions by result"),
		metric.WithUnit("{request}")); err != nil {
		return nil, errors.Wrap(err, "admissions_total")
	}
	return m, nil
}

// JobStarted marks id as in flight. Every call is matched by exactly one of
// JobFinished, JobSkipped or JobAborted.
func (m *Metrics) JobStarted(ctx context.Context, id string) {
	if m == nil {
		return
	}
	m.jobsTotal.Add(ctx, 1)
	m.mu.Lock()
	m.status.JobsProcessed++
	m.inFlight[id]++
	m.mu.Unlock()
}

// JobFinished records the terminal write of one job. reason is empty on success.
func (m *Metrics) JobFinished(ctx context.Context, id, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done(id)
	if reason == "" {
		m.jobsSucceeded.Add(ctx, 1)
		m.status.JobsSuccessful++
		return
	}
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.status.JobsFailed++
}

// JobSkipped records a job that had nothing to write.
func (m *Metrics) JobSkipped(ctx context.Context, id string) {
	if m == nil {
		return
	}
	m.jobsSkipped.Add(ctx, 1)
	m.mu.Lock()
	m.done(id)
	m.status.JobsSkipped++
	m.mu.Unlock()
}

// JobAborted records a job that returned an error and stays queued.
func (m *Metrics) JobAborted(ctx context.Context, id string) {
	if m == nil {
		return
	}
	m.jobsAborted.Add(ctx, 1)
	m.mu.Lock()
	m.done(id)
	m.status.JobsAborted++
	m.mu.Unlock()
}

// done must be called with mu held.
func (m *Metrics) done(id string) {
	if m.inFlight[id] <= 1 {
		delete(m.inFlight, id)
		return
	}
	m.inFlight[id]--
}

func (m *Metrics) DatabaseFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.databaseFailures.Add(ctx, 1)
	m.mu.Lock()
	m.status.DatabaseFailures++
	m.mu.Unlock()
}

// Admission records one admission decision; result is "ok" or a rejection code.
func (m *Metrics) Admission(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.mu.Lock()
	if result == "ok" {
		m.status.Admissions++
	} else {
		m.status.Rejections++
	}
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() StatusResponse {
	if m == nil {
		return StatusResponse{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	resp := m.status
	resp.CurrentJobs = make([]string, 0, len(m.inFlight))
	for id := range m.inFlight {
		resp.CurrentJobs = append(resp.CurrentJobs, id)
	}
	sort.Strings(resp.CurrentJobs)
	resp.Uptime = time.Since(m.status.StartTime).Truncate(time.Second).String()
	return resp
}
