package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"siteops/internal/app/failure"
	"siteops/internal/common"
	"siteops/internal/domain/model"
)

var errHandlerPanic = errors.New("handler panic")

// JobQueue is the part of service.ContentQueue the worker drives.
type JobQueue interface {
	Dequeue(ctx context.Context, limit int) []string
	Requeue(ctx context.Context, ids []string)
	Claim(ctx context.Context, id string) (*model.QueueJob, error)
	ClaimNext(ctx context.Context, jobTypes []string) (*model.QueueJob, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, message string) error
	Release(ctx context.Context, id string) error
	Reschedule(ctx context.Context, job *model.QueueJob, runAt time.Time) (string, error)
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
}

// QueueWorker pulls ready ids from the accelerator, falls back to claiming
// straight from the durable store, and runs handlers under per-job-type
// concurrency limits.
type QueueWorker struct {
	queue    JobQueue
	plan     ConcurrencyPlan
	opts     Options
	logger   *slog.Logger
	handlers map[string]Handler
	slots    map[string]chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewQueueWorker(queue JobQueue, plan ConcurrencyPlan, opts Options, logger *slog.Logger) *QueueWorker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &QueueWorker{
		queue:    queue,
		plan:     plan,
		opts:     opts,
		logger:   logger,
		handlers: map[string]Handler{},
		slots:    map[string]chan struct{}{},
		now:      time.Now,
	}
}

// Register binds a handler to a job type. Call before Start.
func (w *QueueWorker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
	w.slots[jobType] = make(chan struct{}, w.plan.LimitFor(jobType))
}

// JobTypes lists the registered job types in stable order.
func (w *QueueWorker) JobTypes() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Start polls until ctx is cancelled, then waits for running jobs.
func (w *QueueWorker) Start(ctx context.Context) {
	w.logger.Info("queue worker started", "job_types", w.JobTypes(), "default_concurrency", w.plan.Default, "poll_interval", w.opts.PollInterval)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil && w.poll(ctx) > 0 {
		}
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopping, waiting for running jobs")
			w.wg.Wait()
			w.logger.Info("queue worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *QueueWorker) freeSlots() (total int, types []string) {
	for _, t := range w.JobTypes() {
		slot := w.slots[t]
		if free := cap(slot) - len(slot); free > 0 {
			total += free
			types = append(types, t)
		}
	}
	return total, types
}

// poll dispatches one round of work and reports how many jobs started.
func (w *QueueWorker) poll(ctx context.Context) int {
	free, _ := w.freeSlots()
	if free == 0 {
		return 0
	}
	started := 0

	ids := w.queue.Dequeue(ctx, min(free, w.opts.BatchSize))
	var retry []string
	for _, id := range ids {
		job, err := w.queue.Claim(ctx, id)
		if err != nil {
			if errors.Is(err, common.ErrJobNotClaimable) {
				// Claimed elsewhere, already finished, or not due yet.
				continue
			}
			w.logger.Warn("claim failed, returning id to dispatch list", "job_id", id, "error", err)
			retry = append(retry, id)
			continue
		}
		if w.dispatch(ctx, job) {
			started++
			continue
		}
		// The accelerator does not know job types, so a saturated type can
		// only be detected after the claim.
		if w.release(ctx, job) {
			retry = append(retry, id)
		}
	}
	if len(retry) > 0 {
		w.queue.Requeue(ctx, retry)
	}

	for started < w.opts.BatchSize && ctx.Err() == nil {
		_, types := w.freeSlots()
		if len(types) == 0 {
			break
		}
		job, err := w.queue.ClaimNext(ctx, types)
		if err != nil {
			w.logger.Error("failed to claim next job", "error", err)
			break
		}
		if job == nil {
			break
		}
		if !w.dispatch(ctx, job) {
			w.release(ctx, job)
			break
		}
		started++
	}
	return started
}

// release returns a claimed job to pending and reports whether it did.
func (w *QueueWorker) release(ctx context.Context, job *model.QueueJob) bool {
	if err := w.queue.Release(context.WithoutCancel(ctx), job.ID); err != nil {
		w.logger.Error("failed to release claimed job", "job_id", job.ID, "job_type", job.JobType, "error", err)
		return false
	}
	w.logger.Debug("job type saturated, released claim", "job_id", job.ID, "job_type", job.JobType)
	return true
}

// dispatch starts job when its type has a free slot. It returns false,
// leaving the job claimed, when the slot is taken.
func (w *QueueWorker) dispatch(ctx context.Context, job *model.QueueJob) bool {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		msg := fmt.Sprintf("no handler registered for job type %q", job.JobType)
		w.logger.Error("unroutable job", "job_id", job.ID, "job_type", job.JobType)
		if err := w.queue.Fail(context.WithoutCancel(ctx), job.ID, msg); err != nil {
			w.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		}
		return true
	}

	slot := w.slots[job.JobType]
	select {
	case slot <- struct{}{}:
	default:
		return false
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-slot }()
		w.run(ctx, job, handler)
	}()
	return true
}

func (w *QueueWorker) run(ctx context.Context, job *model.QueueJob, handler Handler) {
	start := w.now()
	err := safeCall(ctx, job, handler)
	finishCtx := context.WithoutCancel(ctx)

	if err == nil {
		if err := w.queue.Complete(finishCtx, job.ID); err != nil {
			w.logger.Error("failed to mark job completed", "job_id", job.ID, "error", err)
			return
		}
		w.logger.Info("job completed", "job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts, "duration", w.now().Sub(start))
		return
	}
	w.handleFailure(finishCtx, job, err)
}

func safeCall(ctx context.Context, job *model.QueueJob, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return handler(ctx, job)
}

func (w *QueueWorker) handleFailure(ctx context.Context, job *model.QueueJob, jobErr error) {
	c := failure.Categorize(jobErr)
	// Bad payloads and handler bugs fail the same way on every attempt.
	if errors.Is(jobErr, common.ErrValidation) || errors.Is(jobErr, errHandlerPanic) {
		c.Retryable = false
	}
	msg := fmt.Sprintf("[%s] %s", c.Category, jobErr.Error())

	if err := w.queue.Fail(ctx, job.ID, msg); err != nil {
		w.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}

	if !c.ShouldRetry(job.Attempts) {
		w.logger.Error("job failed permanently",
			"job_id", job.ID, "job_type", job.JobType, "category", c.Category,
			"attempt", job.Attempts, "error", jobErr)
		return
	}

	delay := c.BackoffFor(job.Attempts)
	retryID, err := w.queue.Reschedule(ctx, job, w.now().Add(delay))
	if err != nil {
		w.logger.Error("failed to schedule retry", "job_id", job.ID, "error", err)
		return
	}
	w.logger.Warn("job failed, retry scheduled",
		"job_id", job.ID, "retry_job_id", retryID, "job_type", job.JobType,
		"category", c.Category, "attempt", job.Attempts, "backoff", delay, "error", jobErr)
}
