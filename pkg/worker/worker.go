package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semtree/metric"
)

// Worker drains a Queue with exactly one goroutine, processing items in FIFO
// order. Items may be submitted before Start; they are processed once the
// worker runs.
type Worker[T any] struct {
	processor func(context.Context, T) error
	queue     *Queue[T]
	metrics   *Metrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker
type Option[T any] func(*Worker[T])

// WithMetricsRegistry registers worker metrics under the given name prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(w *Worker[T]) {
		w.metricsRegistry = registry
		w.metricsPrefix = prefix
	}
}

// NewWorker creates a worker around processor
func NewWorker[T any](processor func(context.Context, T) error, opts ...Option[T]) (*Worker[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}

	w := &Worker[T]{
		processor: processor,
		queue:     NewQueue[T](),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.metricsRegistry != nil && w.metricsPrefix != "" {
		if err := w.initializeMetrics(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Worker[T]) initializeMetrics() error {
	prefix := w.metricsPrefix

	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting for the worker",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Total items submitted",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Total items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Total items whose processing returned an error",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Total items dropped because the worker was stopped",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		}, []string{"status"}),
	}

	const component = "worker"
	reg := w.metricsRegistry
	for _, err := range []error{
		reg.RegisterGauge(component, prefix+"_queue_depth", m.queueDepth),
		reg.RegisterCounter(component, prefix+"_submitted_total", m.submitted),
		reg.RegisterCounter(component, prefix+"_processed_total", m.processed),
		reg.RegisterCounter(component, prefix+"_failed_total", m.failed),
		reg.RegisterCounter(component, prefix+"_dropped_total", m.dropped),
		reg.RegisterHistogramVec(component, prefix+"_processing_duration_seconds", m.processingTime),
	} {
		if err != nil {
			return fmt.Errorf("worker %s metrics: %w", prefix, err)
		}
	}

	w.metrics = m
	return nil
}

// Submit queues an item without blocking. It fails only after Stop.
func (w *Worker[T]) Submit(item T) error {
	if !w.queue.Push(item) {
		w.dropped.Add(1)
		if w.metrics != nil {
			w.metrics.dropped.Inc()
		}
		return ErrWorkerStopped
	}

	w.submitted.Add(1)
	if w.metrics != nil {
		w.metrics.submitted.Inc()
		w.metrics.queueDepth.Set(float64(w.queue.Len()))
	}
	return nil
}

// Start launches the consumer goroutine. Cancelling ctx stops dequeuing,
// just like Stop, but an item already being processed runs to completion.
func (w *Worker[T]) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}
	if w.started {
		return ErrWorkerAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true

	go w.run(runCtx)
	return nil
}

// Stop cancels the worker, discards items not yet dequeued and waits up to
// timeout for the in-flight item to finish.
func (w *Worker[T]) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	if w.stopped {
		w.lifecycleMu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	if w.cancel != nil {
		w.cancel()
	}
	w.lifecycleMu.Unlock()

	if n := w.queue.Close(); n > 0 {
		w.dropped.Add(int64(n))
		if w.metrics != nil {
			w.metrics.dropped.Add(float64(n))
			w.metrics.queueDepth.Set(0)
		}
	}

	if !started {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current worker statistics
func (w *Worker[T]) Stats() Stats {
	return Stats{
		QueueDepth: w.queue.Len(),
		Submitted:  w.submitted.Load(),
		Processed:  w.processed.Load(),
		Failed:     w.failed.Load(),
		Dropped:    w.dropped.Load(),
	}
}

// Stats represents worker statistics
type Stats struct {
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (w *Worker[T]) run(ctx context.Context) {
	defer close(w.done)

	// In-flight items are not interrupted by shutdown
	procCtx := context.WithoutCancel(ctx)

	for {
		item, ok := w.queue.Pop(ctx)
		if !ok {
			return
		}
		if w.metrics != nil {
			w.metrics.queueDepth.Set(float64(w.queue.Len()))
		}

		start := time.Now()
		err := w.processor(procCtx, item)
		duration := time.Since(start)

		w.processed.Add(1)
		if err != nil {
			w.failed.Add(1)
		}

		if w.metrics != nil {
			w.metrics.processed.Inc()
			status := "success"
			if err != nil {
				w.metrics.failed.Inc()
				status = "error"
			}
			w.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
		}
	}
}
