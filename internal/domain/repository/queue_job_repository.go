package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"siteops/internal/common"
	"siteops/internal/domain/model"

	"github.com/lib/pq"
)

// QueueTelemetry is the raw aggregate the SLO snapshot is built from.
type QueueTelemetry struct {
	Pending                int
	Processing             int
	OldestPendingAgeMs     sql.NullFloat64
	Failed24h              int
	Finished24h            int
	LatestWorkerActivityMs sql.NullFloat64
}

// QueueJobRepository is the narrow durable-store surface the content queue
// needs. Any relational backend with atomic conditional updates fits.
type QueueJobRepository interface {
	// Insert writes jobs in one statement; tx may be nil.
	Insert(ctx context.Context, tx *sql.Tx, jobs []*model.QueueJob) error
	// ClaimByID moves one due pending job to processing, or returns
	// common.ErrJobNotClaimable.
	ClaimByID(ctx context.Context, id string, now time.Time) (*model.QueueJob, error)
	// ClaimNext claims the highest-priority due pending job among jobTypes
	// (all types when empty). Returns nil, nil when nothing is due.
	ClaimNext(ctx context.Context, jobTypes []string, now time.Time) (*model.QueueJob, error)
	// UpdateStatus finishes a processing job.
	UpdateStatus(ctx context.Context, tx *sql.Tx, id string, status model.JobStatus, errorMessage *string) error
	// Release undoes a claim whose handler never started: processing goes
	// back to pending and the claim's attempt is returned.
	Release(ctx context.Context, id string) error
	CountByStatus(ctx context.Context, jobTypes []string) (map[model.JobStatus]int, error)
	Telemetry(ctx context.Context, now time.Time) (*QueueTelemetry, error)
}

type pgQueueJobRepository struct {
	db *sql.DB
}

func NewPgQueueJobRepository(db *sql.DB) QueueJobRepository {
	return &pgQueueJobRepository{db: db}
}

const queueJobColumns = `id, job_type, domain_id, article_id, priority, payload, status, scheduled_for, attempts, error_message, created_at, updated_at`

// jobTypesParam never returns a nil array: pq encodes nil as NULL, which
// would make the cardinality check NULL as well.
func jobTypesParam(jobTypes []string) pq.StringArray {
	if jobTypes == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(jobTypes)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueJob(row rowScanner) (*model.QueueJob, error) {
	job := &model.QueueJob{}
	var payload []byte
	var status string
	err := row.Scan(
		&job.ID, &job.JobType, &job.DomainID, &job.ArticleID, &job.Priority, &payload, &status,
		&job.ScheduledFor, &job.Attempts, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	job.Status = model.JobStatus(status)
	return job, nil
}

func (r *pgQueueJobRepository) Insert(ctx context.Context, tx *sql.Tx, jobs []*model.QueueJob) error {
	if len(jobs) == 0 {
		return nil
	}

	var query strings.Builder
	query.WriteString(`INSERT INTO content_queue (` + queueJobColumns + `) VALUES `)
	args := make([]interface{}, 0, len(jobs)*12)
	for i, j := range jobs {
		if i > 0 {
			query.WriteString(", ")
		}
		base := i * 12
		placeholders := make([]string, 12)
		for k := range placeholders {
			placeholders[k] = fmt.Sprintf("$%d", base+k+1)
		}
		query.WriteString("(" + strings.Join(placeholders, ", ") + ")")
		args = append(args, j.ID, j.JobType, j.DomainID, j.ArticleID, j.Priority, []byte(j.Payload),
			string(j.Status), j.ScheduledFor, j.Attempts, j.ErrorMessage, j.CreatedAt, j.UpdatedAt)
	}

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query.String(), args...)
	} else {
		_, err = r.db.ExecContext(ctx, query.String(), args...)
	}
	if err != nil {
		return fmt.Errorf("pgQueueJobRepository.Insert: %w", err)
	}
	return nil
}

func (r *pgQueueJobRepository) ClaimByID(ctx context.Context, id string, now time.Time) (*model.QueueJob, error) {
	query := `UPDATE content_queue
              SET status = 'processing', attempts = attempts + 1, updated_at = $2
              WHERE id = $1 AND status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= $2)
              RETURNING ` + queueJobColumns

	job, err := scanQueueJob(r.db.QueryRowContext(ctx, query, id, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, common.ErrJobNotClaimable)
		}
		return nil, fmt.Errorf("pgQueueJobRepository.ClaimByID: %w", err)
	}
	return job, nil
}

func (r *pgQueueJobRepository) ClaimNext(ctx context.Context, jobTypes []string, now time.Time) (*model.QueueJob, error) {
	// SKIP LOCKED lets concurrent pollers pass over rows another claimer holds;
	// the outer status predicate keeps the transition conditional.
	query := `UPDATE content_queue
              SET status = 'processing', attempts = attempts + 1, updated_at = $1
              WHERE id = (
                  SELECT id FROM content_queue
                  WHERE status = 'pending'
                    AND (scheduled_for IS NULL OR scheduled_for <= $1)
                    AND (cardinality($2::text[]) = 0 OR job_type = ANY($2::text[]))
                  ORDER BY priority DESC, created_at ASC
                  LIMIT 1
                  FOR UPDATE SKIP LOCKED
              ) AND status = 'pending'
              RETURNING ` + queueJobColumns

	job, err := scanQueueJob(r.db.QueryRowContext(ctx, query, now, jobTypesParam(jobTypes)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgQueueJobRepository.ClaimNext: %w", err)
	}
	return job, nil
}

func (r *pgQueueJobRepository) UpdateStatus(ctx context.Context, tx *sql.Tx, id string, status model.JobStatus, errorMessage *string) error {
	if !model.JobStatusProcessing.CanTransitionTo(status) {
		return fmt.Errorf("processing -> %s: %w", status, common.ErrInvalidTransition)
	}
	query := `UPDATE content_queue SET status = $2, error_message = $3, updated_at = NOW()
              WHERE id = $1 AND status = 'processing'`

	var res sql.Result
	var err error
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, id, string(status), errorMessage)
	} else {
		res, err = r.db.ExecContext(ctx, query, id, string(status), errorMessage)
	}
	if err != nil {
		return fmt.Errorf("pgQueueJobRepository.UpdateStatus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgQueueJobRepository.UpdateStatus: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s is not processing: %w", id, common.ErrInvalidTransition)
	}
	return nil
}

func (r *pgQueueJobRepository) Release(ctx context.Context, id string) error {
	query := `UPDATE content_queue
              SET status = 'pending', attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
              WHERE id = $1 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("pgQueueJobRepository.Release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgQueueJobRepository.Release: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s is not processing: %w", id, common.ErrInvalidTransition)
	}
	return nil
}

func (r *pgQueueJobRepository) CountByStatus(ctx context.Context, jobTypes []string) (map[model.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM content_queue
              WHERE cardinality($1::text[]) = 0 OR job_type = ANY($1::text[])
              GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, jobTypesParam(jobTypes))
	if err != nil {
		return nil, fmt.Errorf("pgQueueJobRepository.CountByStatus: %w", err)
	}
	defer rows.Close()

	counts := map[model.JobStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("pgQueueJobRepository.CountByStatus scan: %w", err)
		}
		counts[model.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgQueueJobRepository.CountByStatus rows: %w", err)
	}
	return counts, nil
}

func (r *pgQueueJobRepository) Telemetry(ctx context.Context, now time.Time) (*QueueTelemetry, error) {
	query := `
        SELECT
            COUNT(*) FILTER (WHERE status = 'pending'),
            COUNT(*) FILTER (WHERE status = 'processing'),
            (EXTRACT(EPOCH FROM ($1 - MIN(created_at) FILTER (
                WHERE status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= $1)))) * 1000)::float8,
            COUNT(*) FILTER (WHERE status = 'failed' AND updated_at >= $1 - INTERVAL '24 hours'),
            COUNT(*) FILTER (WHERE status IN ('completed', 'failed') AND updated_at >= $1 - INTERVAL '24 hours'),
            (EXTRACT(EPOCH FROM ($1 - MAX(updated_at) FILTER (
                WHERE status IN ('processing', 'completed', 'failed')))) * 1000)::float8
        FROM content_queue`

	t := &QueueTelemetry{}
	err := r.db.QueryRowContext(ctx, query, now).Scan(
		&t.Pending, &t.Processing, &t.OldestPendingAgeMs,
		&t.Failed24h, &t.Finished24h, &t.LatestWorkerActivityMs,
	)
	if err != nil {
		return nil, fmt.Errorf("pgQueueJobRepository.Telemetry: %w", err)
	}
	return t, nil
}
