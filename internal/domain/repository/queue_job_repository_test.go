package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"siteops/internal/common"
	"siteops/internal/domain/model"

	"github.com/DATA-DOG/go-sqlmock"
)

var jobCols = []string{"id", "job_type", "domain_id", "article_id", "priority", "payload", "status", "scheduled_for", "attempts", "error_message", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (QueueJobRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPgQueueJobRepository(db), mock
}

func TestInsertBatchesJobs(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	jobs := []*model.QueueJob{
		{ID: "a", JobType: "keyword_research", Payload: json.RawMessage(`{}`), Status: model.JobStatusPending, CreatedAt: now, UpdatedAt: now},
		{ID: "b", JobType: "content_refresh", Payload: json.RawMessage(`{"x":1}`), Status: model.JobStatusPending, CreatedAt: now, UpdatedAt: now},
	}

	mock.ExpectExec(`INSERT INTO content_queue \(.+\) VALUES \(\$1, .+\$12\), \(\$13, .+\$24\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.Insert(context.Background(), nil, jobs); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimByIDIsConditional(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE content_queue\s+SET status = 'processing'.+WHERE id = \$1 AND status = 'pending'`).
		WithArgs("job-1", now).
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", "keyword_research", nil, nil, 3, []byte(`{"q":"x"}`), "processing", nil, 1, nil, now, now))

	job, err := repo.ClaimByID(context.Background(), "job-1", now)
	if err != nil {
		t.Fatalf("ClaimByID returned error: %v", err)
	}
	if job.Status != model.JobStatusProcessing || job.Attempts != 1 || job.Priority != 3 {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.DomainID != nil || job.ScheduledFor != nil {
		t.Errorf("nullable columns should scan to nil: %+v", job)
	}

	mock.ExpectQuery(`UPDATE content_queue`).WithArgs("job-1", now).WillReturnRows(sqlmock.NewRows(jobCols))
	if _, err := repo.ClaimByID(context.Background(), "job-1", now); !errors.Is(err, common.ErrJobNotClaimable) {
		t.Fatalf("second claim error = %v, want ErrJobNotClaimable", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimNextSkipsLockedRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(now, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(jobCols))

	job, err := repo.ClaimNext(context.Background(), nil, now)
	if err != nil || job != nil {
		t.Fatalf("ClaimNext on empty queue = (%v, %v), want (nil, nil)", job, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateStatusRejectsInvalidTransitions(t *testing.T) {
	repo, mock := newMockRepo(t)

	if err := repo.UpdateStatus(context.Background(), nil, "job-1", model.JobStatusPending, nil); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("processing -> pending error = %v, want ErrInvalidTransition", err)
	}

	mock.ExpectExec(`UPDATE content_queue SET status = \$2`).
		WithArgs("job-1", "completed", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.UpdateStatus(context.Background(), nil, "job-1", model.JobStatusCompleted, nil); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("update of non-processing row error = %v, want ErrInvalidTransition", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReleaseReturnsClaimToPending(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE content_queue\s+SET status = 'pending', attempts = GREATEST\(attempts - 1, 0\).+WHERE id = \$1 AND status = 'processing'`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE content_queue\s+SET status = 'pending'`).
		WithArgs("job-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Release(context.Background(), "job-1"); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if err := repo.Release(context.Background(), "job-2"); !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("Release of a non-processing job = %v, want ErrInvalidTransition", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTelemetryScansNullAges(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`FROM content_queue`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "processing", "oldest", "failed", "finished", "activity"}).
			AddRow(0, 0, nil, 2, 10, nil))

	tel, err := repo.Telemetry(context.Background(), now)
	if err != nil {
		t.Fatalf("Telemetry returned error: %v", err)
	}
	if tel.OldestPendingAgeMs.Valid || tel.LatestWorkerActivityMs.Valid {
		t.Errorf("expected null ages, got %+v", tel)
	}
	if tel.Failed24h != 2 || tel.Finished24h != 10 {
		t.Errorf("unexpected counts: %+v", tel)
	}
}
