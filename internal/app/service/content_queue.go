package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"siteops/internal/app/monitor"
	"siteops/internal/common"
	"siteops/internal/domain/model"
	"siteops/internal/domain/repository"
	"siteops/internal/platform/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ActiveBackendDurable = "durable"

	RedisStatusDisabled    = "disabled"
	RedisStatusHealthy     = "healthy"
	RedisStatusDegraded    = "degraded"
	RedisStatusUnavailable = "unavailable"

	ModeDurablePoll = "durable_poll"
	ModeAccelerated = "accelerated"

	FallbackNotConfigured = "redis_not_configured"
	FallbackUnreachable   = "redis_unreachable"
	FallbackTimeout       = "redis_timeout"
	FallbackError         = "redis_error"
)

type QueueOptions struct {
	Backend            string
	EventsKey          string
	PendingKey         string
	EventsMaxLen       int
	AcceleratorTimeout time.Duration
	// ClockSkew is how far in the future a scheduled job may be and still be
	// pushed to the pending list.
	ClockSkew time.Duration
}

func QueueOptionsFromConfig(cfg config.QueueConfig) QueueOptions {
	return QueueOptions{
		Backend:            cfg.Backend,
		EventsKey:          cfg.EventsKey,
		PendingKey:         cfg.PendingKey,
		EventsMaxLen:       cfg.EventsMaxLen,
		AcceleratorTimeout: cfg.AcceleratorTimeout,
		ClockSkew:          time.Second,
	}
}

// QueueHealth is the operator-facing view of the queue backends.
type QueueHealth struct {
	Mode             string     `json:"mode"`
	SelectedBackend  string     `json:"selectedBackend"`
	ActiveBackend    string     `json:"activeBackend"`
	RedisConfigured  bool       `json:"redisConfigured"`
	RedisStatus      string     `json:"redisStatus"`
	PendingDepth     *int64     `json:"pendingDepth"`
	FallbackReason   *string    `json:"fallbackReason"`
	LastErrorAt      *time.Time `json:"lastErrorAt"`
	LastErrorMessage *string    `json:"lastErrorMessage"`
}

// ContentQueue persists jobs in the durable store and, in redis_dispatch
// mode, mirrors ready job ids into Redis for low-latency dispatch. Redis
// failures never fail a queue call; they only degrade Health.
type ContentQueue struct {
	repo   repository.QueueJobRepository
	rdb    *redis.Client
	opts   QueueOptions
	logger *slog.Logger
	now    func() time.Time

	mu               sync.Mutex
	degraded         bool
	fallbackReason   string
	lastErrorAt      time.Time
	lastErrorMessage string
}

func NewContentQueue(repo repository.QueueJobRepository, rdb *redis.Client, opts QueueOptions, logger *slog.Logger) *ContentQueue {
	if opts.Backend == "" {
		opts.Backend = config.BackendPostgres
	}
	if opts.EventsKey == "" {
		opts.EventsKey = "content_queue:events"
	}
	if opts.PendingKey == "" {
		opts.PendingKey = "content_queue:pending"
	}
	if opts.EventsMaxLen <= 0 {
		opts.EventsMaxLen = 1000
	}
	if opts.AcceleratorTimeout <= 0 {
		opts.AcceleratorTimeout = 1500 * time.Millisecond
	}
	return &ContentQueue{
		repo:   repo,
		rdb:    rdb,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

func (q *ContentQueue) acceleratorSelected() bool {
	return q.opts.Backend == config.BackendRedisDispatch
}

func (q *ContentQueue) acceleratorEnabled() bool {
	return q.acceleratorSelected() && q.rdb != nil
}

// Enqueue persists a single job and returns its id.
func (q *ContentQueue) Enqueue(ctx context.Context, job *model.QueueJob) (string, error) {
	ids, err := q.EnqueueMany(ctx, []*model.QueueJob{job})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueMany inserts jobs durably in one statement, then publishes them to
// the accelerator on a best-effort basis.
func (q *ContentQueue) EnqueueMany(ctx context.Context, jobs []*model.QueueJob) ([]string, error) {
	if len(jobs) == 0 {
		return []string{}, nil
	}
	ids, err := q.prepare(jobs)
	if err != nil {
		return nil, err
	}
	if err := q.repo.Insert(ctx, nil, jobs); err != nil {
		return nil, common.Errorf("failed to insert queue jobs: %w", err)
	}
	q.publish(ctx, jobs)
	return ids, nil
}

// EnqueueTx inserts jobs inside the caller's transaction. Nothing is
// published to the accelerator since the rows are not visible until commit;
// workers pick them up by polling.
func (q *ContentQueue) EnqueueTx(ctx context.Context, tx *sql.Tx, jobs []*model.QueueJob) ([]string, error) {
	if len(jobs) == 0 {
		return []string{}, nil
	}
	ids, err := q.prepare(jobs)
	if err != nil {
		return nil, err
	}
	if err := q.repo.Insert(ctx, tx, jobs); err != nil {
		return nil, common.Errorf("failed to insert queue jobs in transaction: %w", err)
	}
	return ids, nil
}

func (q *ContentQueue) prepare(jobs []*model.QueueJob) ([]string, error) {
	now := q.now().UTC()
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		if job == nil {
			return nil, common.Errorf("job %d is nil: %w", i, common.ErrValidation)
		}
		job.JobType = strings.TrimSpace(job.JobType)
		if job.JobType == "" {
			return nil, common.Errorf("job %d has no job type: %w", i, common.ErrValidation)
		}
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if len(job.Payload) == 0 {
			job.Payload = json.RawMessage(`{}`)
		}
		job.Status = model.JobStatusPending
		job.CreatedAt = now
		job.UpdatedAt = now
		ids[i] = job.ID
	}
	return ids, nil
}

func (q *ContentQueue) publish(ctx context.Context, jobs []*model.QueueJob) {
	if !q.acceleratorEnabled() {
		return
	}
	now := q.now().UTC()
	events := make([]interface{}, 0, len(jobs))
	ready := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		due := job.IsDue(now, q.opts.ClockSkew)
		event, err := json.Marshal(model.DispatchEvent{
			EventID:      uuid.NewString(),
			JobID:        job.ID,
			JobType:      job.JobType,
			Priority:     job.Priority,
			ScheduledFor: job.ScheduledFor,
			Ready:        due,
			EnqueuedAt:   now,
		})
		if err != nil {
			q.logger.Warn("failed to encode dispatch event", "job_id", job.ID, "error", err)
			continue
		}
		events = append(events, string(event))
		if due {
			ready = append(ready, job.ID)
		}
	}

	q.withAccelerator(ctx, "enqueue", func(ctx context.Context) error {
		_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(events) > 0 {
				pipe.RPush(ctx, q.opts.EventsKey, events...)
				pipe.LTrim(ctx, q.opts.EventsKey, int64(-q.opts.EventsMaxLen), -1)
			}
			if len(ready) > 0 {
				pipe.LPush(ctx, q.opts.PendingKey, ready...)
			}
			return nil
		})
		return err
	})
}

// Dequeue pops up to limit ready ids in FIFO order. An empty result means
// "poll the durable store", not "no work exists".
func (q *ContentQueue) Dequeue(ctx context.Context, limit int) []string {
	if !q.acceleratorEnabled() || limit <= 0 {
		return []string{}
	}
	var ids []string
	q.withAccelerator(ctx, "dequeue", func(ctx context.Context) error {
		var err error
		ids, err = q.rdb.RPopCount(ctx, q.opts.PendingKey, limit).Result()
		return err
	})
	if ids == nil {
		return []string{}
	}
	return ids
}

// Requeue puts ids back so they are popped next, in the given order.
func (q *ContentQueue) Requeue(ctx context.Context, ids []string) {
	if !q.acceleratorEnabled() || len(ids) == 0 {
		return
	}
	// RPOP takes from the tail, so the first id must be pushed last.
	values := make([]interface{}, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		values = append(values, ids[i])
	}
	q.withAccelerator(ctx, "requeue", func(ctx context.Context) error {
		return q.rdb.RPush(ctx, q.opts.PendingKey, values...).Err()
	})
}

// withAccelerator runs fn under the accelerator timeout and absorbs its
// error into the degraded state. redis.Nil is an empty result, not a failure.
func (q *ContentQueue) withAccelerator(ctx context.Context, op string, fn func(ctx context.Context) error) bool {
	opCtx, cancel := context.WithTimeout(ctx, q.opts.AcceleratorTimeout)
	defer cancel()

	if err := fn(opCtx); err != nil && !errors.Is(err, redis.Nil) {
		q.recordFailure(op, err)
		return false
	}
	q.recordSuccess()
	return true
}

func (q *ContentQueue) recordFailure(op string, err error) {
	reason := fallbackReasonFor(err)
	q.mu.Lock()
	q.degraded = true
	q.fallbackReason = reason
	q.lastErrorAt = q.now().UTC()
	q.lastErrorMessage = err.Error()
	q.mu.Unlock()

	q.logger.Warn("redis accelerator call failed, continuing durable-only", "op", op, "reason", reason, "error", err)
}

func (q *ContentQueue) recordSuccess() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.degraded {
		q.logger.Info("redis accelerator recovered", "previous_reason", q.fallbackReason)
	}
	q.degraded = false
	q.fallbackReason = ""
}

func fallbackReasonFor(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return FallbackTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FallbackTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, redis.ErrClosed) {
		return FallbackUnreachable
	}
	return FallbackError
}

// Health pings the accelerator and reports which backend is effectively
// serving dispatch.
func (q *ContentQueue) Health(ctx context.Context) QueueHealth {
	h := QueueHealth{
		Mode:            ModeDurablePoll,
		SelectedBackend: q.opts.Backend,
		ActiveBackend:   ActiveBackendDurable,
		RedisConfigured: q.rdb != nil,
		RedisStatus:     RedisStatusDisabled,
	}
	if !q.acceleratorSelected() {
		return h
	}
	if q.rdb == nil {
		h.RedisStatus = RedisStatusUnavailable
		h.FallbackReason = strPtr(FallbackNotConfigured)
		return h
	}

	var depth int64
	reachable := q.probe(ctx, func(ctx context.Context) error {
		if err := q.rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		var err error
		depth, err = q.rdb.LLen(ctx, q.opts.PendingKey).Result()
		return err
	})

	q.mu.Lock()
	degraded := q.degraded
	reason := q.fallbackReason
	lastAt := q.lastErrorAt
	lastMsg := q.lastErrorMessage
	q.mu.Unlock()

	switch {
	case !reachable:
		h.RedisStatus = RedisStatusUnavailable
	case degraded:
		h.RedisStatus = RedisStatusDegraded
		h.ActiveBackend = config.BackendRedisDispatch
		h.Mode = ModeAccelerated
		h.PendingDepth = &depth
	default:
		h.RedisStatus = RedisStatusHealthy
		h.ActiveBackend = config.BackendRedisDispatch
		h.Mode = ModeAccelerated
		h.PendingDepth = &depth
	}
	if reason != "" {
		h.FallbackReason = strPtr(reason)
	}
	if !lastAt.IsZero() {
		h.LastErrorAt = &lastAt
		h.LastErrorMessage = strPtr(lastMsg)
	}
	return h
}

// probe is a health-only accelerator call: a failure marks the accelerator
// degraded but success does not clear an earlier data-path failure.
func (q *ContentQueue) probe(ctx context.Context, fn func(ctx context.Context) error) bool {
	probeCtx, cancel := context.WithTimeout(ctx, q.opts.AcceleratorTimeout)
	defer cancel()
	if err := fn(probeCtx); err != nil && !errors.Is(err, redis.Nil) {
		q.recordFailure("health", err)
		return false
	}
	return true
}

// Claim moves a specific pending job to processing. It returns
// common.ErrJobNotClaimable when another worker got there first or the job
// is not yet due.
func (q *ContentQueue) Claim(ctx context.Context, id string) (*model.QueueJob, error) {
	return q.repo.ClaimByID(ctx, id, q.now().UTC())
}

// ClaimNext claims the next due job among jobTypes, or returns nil when none
// is due.
func (q *ContentQueue) ClaimNext(ctx context.Context, jobTypes []string) (*model.QueueJob, error) {
	return q.repo.ClaimNext(ctx, jobTypes, q.now().UTC())
}

func (q *ContentQueue) Complete(ctx context.Context, id string) error {
	return q.repo.UpdateStatus(ctx, nil, id, model.JobStatusCompleted, nil)
}

func (q *ContentQueue) Fail(ctx context.Context, id string, message string) error {
	return q.repo.UpdateStatus(ctx, nil, id, model.JobStatusFailed, &message)
}

// Release hands a claimed job back to pending without counting the attempt.
// The worker uses it when the job's type has no free slot.
func (q *ContentQueue) Release(ctx context.Context, id string) error {
	return q.repo.Release(ctx, id)
}

// Reschedule enqueues a fresh pending copy of job to run at runAt. The
// attempt count carries over so the retry budget spans copies.
func (q *ContentQueue) Reschedule(ctx context.Context, job *model.QueueJob, runAt time.Time) (string, error) {
	runAt = runAt.UTC()
	retry := &model.QueueJob{
		JobType:      job.JobType,
		DomainID:     job.DomainID,
		ArticleID:    job.ArticleID,
		Priority:     job.Priority,
		Payload:      job.Payload,
		ScheduledFor: &runAt,
		Attempts:     job.Attempts,
	}
	return q.Enqueue(ctx, retry)
}

func (q *ContentQueue) Counts(ctx context.Context, jobTypes []string) (map[model.JobStatus]int, error) {
	return q.repo.CountByStatus(ctx, jobTypes)
}

// Snapshot reads durable telemetry for the SLO monitor.
func (q *ContentQueue) Snapshot(ctx context.Context) (monitor.Snapshot, error) {
	t, err := q.repo.Telemetry(ctx, q.now().UTC())
	if err != nil {
		return monitor.Snapshot{}, common.Errorf("failed to read queue telemetry: %w", err)
	}
	s := monitor.Snapshot{
		Pending:    t.Pending,
		Processing: t.Processing,
	}
	if t.Finished24h > 0 {
		s.ErrorRate24h = float64(t.Failed24h) / float64(t.Finished24h) * 100
	}
	if t.OldestPendingAgeMs.Valid {
		v := t.OldestPendingAgeMs.Float64
		s.OldestPendingAgeMs = &v
	}
	if t.LatestWorkerActivityMs.Valid {
		v := t.LatestWorkerActivityMs.Float64
		s.LatestWorkerActivityAgeMs = &v
	}
	return s, nil
}

func strPtr(s string) *string {
	return &s
}
