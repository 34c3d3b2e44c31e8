// Package worker runs a fixed set of goroutines over a bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	ErrNilProcessor       = errors.New("worker: nil processor")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrQueueFull          = errors.New("worker: queue full")
	ErrStopTimeout        = errors.New("worker: stop timed out")
	ErrProcessorPanic     = errors.New("worker: processor panicked")
)

// Pool hands items of type T to workers goroutines. Submit never blocks:
// when the queue is full the item is dropped and counted.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	work    chan T
	wg      sync.WaitGroup
	metrics *poolMetrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

type poolMetrics struct {
	depth   prometheus.Gauge
	items   *prometheus.CounterVec
	latency prometheus.Histogram
}

type Option[T any] func(*Pool[T])

// WithMetrics registers queue depth, item outcome and latency collectors
// under name with reg.
func WithMetrics[T any](reg prometheus.Registerer, name string) Option[T] {
	return func(p *Pool[T]) {
		labels := prometheus.Labels{"pool": name}
		m := &poolMetrics{
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace:   "kbcast",
				Subsystem:   "worker",
				Name:        "queue_depth",
				Help:        "Items waiting in the worker queue.",
				ConstLabels: labels,
			}),
			items: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace:   "kbcast",
				Subsystem:   "worker",
				Name:        "items_total",
				Help:        "Worker items by outcome.",
				ConstLabels: labels,
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace:   "kbcast",
				Subsystem:   "worker",
				Name:        "process_duration_seconds",
				Help:        "Time spent in the processor.",
				ConstLabels: labels,
				Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			}),
		}
		if err := register(reg, &m.depth); err != nil {
			return
		}
		if err := register(reg, &m.items); err != nil {
			return
		}
		if err := register(reg, &m.latency); err != nil {
			return
		}
		p.metrics = m
	}
}

// register adds *c to reg, swapping in the existing collector when another
// pool with the same name registered first.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	err := reg.Register(*c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			*c = existing
			return nil
		}
	}
	return err
}

func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool[T]) Submit(item T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.work <- item:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.depth.Set(float64(len(p.work)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.items.WithLabelValues("dropped").Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is done or Stop closes the
// queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued items to drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	close(p.work)
	p.stopped = true

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.work),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.work:
			if !ok {
				return
			}
			start := time.Now()
			err := p.process(ctx, item)
			p.processed.Add(1)
			outcome := "ok"
			if err != nil {
				p.failed.Add(1)
				outcome = "error"
				if errors.Is(err, ErrProcessorPanic) {
					outcome = "panic"
				}
			}
			if p.metrics != nil {
				p.metrics.items.WithLabelValues(outcome).Inc()
				p.metrics.latency.Observe(time.Since(start).Seconds())
				p.metrics.depth.Set(float64(len(p.work)))
			}
		}
	}
}

// process runs the processor, turning a panic into ErrProcessorPanic so one
// bad item cannot take down the worker.
func (p *Pool[T]) process(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
			log.Error().Str("component", "worker").Err(err).Msg("recovered processor panic")
		}
	}()
	return p.processor(ctx, item)
}
