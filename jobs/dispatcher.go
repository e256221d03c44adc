package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bptarpley/corpora/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler runs one job and returns a short report.
type Handler func(ctx context.Context, jobType string, payload map[string]any) (string, error)

// DispatcherOptions tunes a Dispatcher.
type DispatcherOptions struct {
	Workers int
	// PollTimeout bounds each blocking dequeue so workers notice cancellation.
	PollTimeout time.Duration
}

// Dispatcher pulls jobs from a queue and hands them to the handler registered for
// their type.
type Dispatcher struct {
	queue    *RedisQueue
	options  DispatcherOptions
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher over queue.
func NewDispatcher(queue *RedisQueue, options DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.Workers <= 0 {
		options.Workers = 1
	}
	if options.PollTimeout <= 0 {
		options.PollTimeout = time.Second
	}
	return &Dispatcher{
		queue:    queue,
		options:  options,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler for each of jobTypes.
func (d *Dispatcher) Register(handler Handler, jobTypes ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range jobTypes {
		d.handlers[t] = handler
	}
}

func (d *Dispatcher) handler(jobType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[jobType]
	return h, ok
}

// Run processes jobs from queues until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, queues ...string) error {
	if len(queues) == 0 {
		return fmt.Errorf("no queues to dispatch")
	}
	d.logger.Info("Dispatcher started",
		zap.Strings("queues", queues),
		zap.Int("workers", d.options.Workers),
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.options.Workers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				if _, err := d.ProcessNext(gctx, queues...); err != nil && !errors.Is(err, ErrNoJob) {
					if gctx.Err() != nil {
						break
					}
					d.logger.Error("Dequeue failed", zap.Error(err))
					time.Sleep(d.options.PollTimeout)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	d.logger.Info("Dispatcher stopped")
	return err
}

// ProcessNext runs at most one job. It returns ErrNoJob when none arrived within the
// poll timeout. Handler failures are recorded on the job, not returned.
func (d *Dispatcher) ProcessNext(ctx context.Context, queues ...string) (*Job, error) {
	job, err := d.queue.Dequeue(ctx, d.options.PollTimeout, queues...)
	if err != nil {
		return nil, err
	}

	logger := d.logger.With(zap.String("job_id", job.ID), zap.String("type", job.Type))
	report, err := d.run(ctx, job)
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(job.Type, string(StatusFailed)).Inc()
		logger.Warn("Job failed", zap.Error(err))
		if ferr := d.queue.Fail(ctx, job.ID, err); ferr != nil {
			logger.Error("Failed to record job failure", zap.Error(ferr))
		}
		return job, nil
	}
	metrics.JobsProcessed.WithLabelValues(job.Type, string(StatusComplete)).Inc()
	logger.Info("Job complete", zap.String("report", report))
	if err := d.queue.Complete(ctx, job.ID, report); err != nil {
		return job, err
	}
	return job, nil
}

func (d *Dispatcher) run(ctx context.Context, job *Job) (report string, err error) {
	h, ok := d.handler(job.Type)
	if !ok {
		return "", fmt.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job.Type, job.Payload)
}
