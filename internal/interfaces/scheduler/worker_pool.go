package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"finsync/internal/shared/logging"
)

const defaultTaskTimeout = 120 * time.Second

var (
	jobTracer          = otel.Tracer("finsync/scheduler")
	jobMeter           = otel.Meter("finsync/scheduler")
	jobDuration, _     = jobMeter.Float64Histogram("scheduler.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _        = jobMeter.Int64Counter("scheduler.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _ = jobMeter.Int64Counter("scheduler.job.queue_dropped", metric.WithDescription("Jobs rejected due to full queue"))
)

var (
	ErrQueueFull  = errors.New("worker pool queue is full")
	ErrPoolClosed = errors.New("worker pool is shut down")
)

// WorkerPool runs tasks on a fixed number of goroutines fed by a buffered
// channel.
type WorkerPool struct {
	workerCount int
	jobDelay    time.Duration
	jobs        chan Task
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	log         *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a pool. jobDelay is slept by a worker after each
// task to stay under provider rate limits.
func NewWorkerPool(workerCount int, jobDelay time.Duration, queueSize int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: workerCount,
		jobDelay:    jobDelay,
		jobs:        make(chan Task, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		log:         logging.WithComponent("worker_pool"),
	}
}

func (wp *WorkerPool) Start() {
	wp.log.WithField("workers", wp.workerCount).Info("Starting worker pool")

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.WithField("worker_id", id)

	for {
		select {
		case <-wp.ctx.Done():
			log.Debug("Worker shutting down")
			return

		case task, ok := <-wp.jobs:
			if !ok {
				log.Debug("Job channel closed")
				return
			}

			wp.processTask(id, task)

			if wp.jobDelay > 0 {
				select {
				case <-time.After(wp.jobDelay):
				case <-wp.ctx.Done():
					return
				}
			}
		}
	}
}

func (wp *WorkerPool) processTask(workerID int, task Task) {
	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(wp.ctx, timeout)
	defer cancel()

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.key", task.Key()),
			attribute.String("job.description", task.Description()),
		),
	)
	defer span.End()

	log := wp.log.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    task.Key(),
	})
	log.Debugf("Processing %s", task.Description())

	start := time.Now()
	err := task.Execute(ctx)
	jobDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		log.WithError(err).Warnf("%s failed", task.Description())
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	log.Debugf("%s completed", task.Description())
}

// Submit queues a task without blocking. It returns ErrQueueFull when the
// buffer is full.
func (wp *WorkerPool) Submit(task Task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	case wp.jobs <- task:
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		return ErrQueueFull
	}
}

// Available is the number of tasks that can be submitted right now.
func (wp *WorkerPool) Available() int {
	return cap(wp.jobs) - len(wp.jobs)
}

// Shutdown stops accepting tasks and waits for in-flight ones. After
// timeout the shared context is cancelled so running tasks observe it.
func (wp *WorkerPool) Shutdown(timeout time.Duration) {
	wp.log.WithField("timeout", timeout).Info("Worker pool: initiating graceful shutdown")

	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobs)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Info("Worker pool: all workers finished gracefully")
	case <-time.After(timeout):
		wp.log.Warn("Worker pool: timeout reached, cancelling running jobs")
		wp.cancel()
		<-done
	}
	wp.cancel()
}
