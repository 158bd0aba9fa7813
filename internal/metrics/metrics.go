// Package metrics exports scheduler loop progress as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/task"
)

const namespace = "batchflow"

// Recorder is an engine observer updating its own registry.
type Recorder struct {
	registry *prometheus.Registry

	tasks         *prometheus.GaugeVec
	activeJobs    prometheus.Gauge
	ticks         prometheus.Counter
	started       *prometheus.CounterVec
	finished      *prometheus.CounterVec
	queueFailures prometheus.Counter
}

// New registers every collector on a fresh registry.
func New(pipeline string) *Recorder {
	labels := prometheus.Labels{"pipeline": pipeline}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "tasks",
			Help:        "Tasks by lifecycle state.",
			ConstLabels: labels,
		}, []string{"state"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "active_jobs",
			Help:        "Jobs in the scheduler queue at the last tick.",
			ConstLabels: labels,
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "ticks_total",
			Help:        "Scheduler loop ticks.",
			ConstLabels: labels,
		}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "task_starts_total",
			Help:        "Tasks started by kind and outcome (submitted, skipped, failure).",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "task_finished_total",
			Help:        "Tasks reaching a terminal state by kind and state.",
			ConstLabels: labels,
		}, []string{"kind", "state"}),
		queueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "queue_query_failures_total",
			Help:        "Failed scheduler queue queries.",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(r.tasks, r.activeJobs, r.ticks, r.started, r.finished, r.queueFailures)
	return r
}

// Registry exposes the collectors for gathering.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Observe implements engine.Observer.
func (r *Recorder) Observe(e engine.Event) {
	switch e.Kind {
	case engine.EventTick, engine.EventDone:
		if e.Kind == engine.EventTick {
			r.ticks.Inc()
		}
		r.setStates(e.Status)
	case engine.EventQueueError:
		r.queueFailures.Inc()
	case engine.EventStarted:
		if e.Task != nil {
			r.started.WithLabelValues(string(e.Task.Kind), outcome(e.Task.State)).Inc()
		}
	case engine.EventFinished:
		if e.Task != nil {
			r.finished.WithLabelValues(string(e.Task.Kind), string(e.Task.State)).Inc()
		}
	}
}

func (r *Recorder) setStates(status engine.Status) {
	counts := status.Counts()
	states := []task.State{
		task.StateUnstarted, task.StateSkipped, task.StateSubmitted, task.StatePolling,
		task.StateSuccess, task.StateFailure, task.StateCrash, task.StateBlocked,
	}
	for _, s := range states {
		r.tasks.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	r.activeJobs.Set(float64(status.ActiveJobs))
}

func outcome(s task.State) string {
	switch {
	case s == task.StateSkipped:
		return "skipped"
	case s.Failed():
		return "failure"
	default:
		return "submitted"
	}
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends.
func (r *Recorder) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
