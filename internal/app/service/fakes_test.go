package service

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"siteops/internal/common"
	"siteops/internal/domain/model"
	"siteops/internal/domain/repository"
)

type fakeQueueRepo struct {
	mu        sync.Mutex
	jobs      map[string]*model.QueueJob
	order     []string
	insertErr error
	telemetry *repository.QueueTelemetry
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{jobs: map[string]*model.QueueJob{}}
}

func (r *fakeQueueRepo) Insert(ctx context.Context, tx *sql.Tx, jobs []*model.QueueJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	for _, j := range jobs {
		cp := *j
		r.jobs[j.ID] = &cp
		r.order = append(r.order, j.ID)
	}
	return nil
}

func (r *fakeQueueRepo) ClaimByID(ctx context.Context, id string, now time.Time) (*model.QueueJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != model.JobStatusPending || !j.IsDue(now, 0) {
		return nil, common.ErrJobNotClaimable
	}
	j.Status = model.JobStatusProcessing
	j.Attempts++
	cp := *j
	return &cp, nil
}

func (r *fakeQueueRepo) ClaimNext(ctx context.Context, jobTypes []string, now time.Time) (*model.QueueJob, error) {
	r.mu.Lock()
	var candidate string
	for _, id := range r.order {
		j := r.jobs[id]
		if j.Status != model.JobStatusPending || !j.IsDue(now, 0) || !containsType(jobTypes, j.JobType) {
			continue
		}
		candidate = id
		break
	}
	r.mu.Unlock()
	if candidate == "" {
		return nil, nil
	}
	return r.ClaimByID(ctx, candidate, now)
}

func containsType(jobTypes []string, jobType string) bool {
	if len(jobTypes) == 0 {
		return true
	}
	for _, t := range jobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

func (r *fakeQueueRepo) UpdateStatus(ctx context.Context, tx *sql.Tx, id string, status model.JobStatus, errorMessage *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !j.Status.CanTransitionTo(status) {
		return common.ErrInvalidTransition
	}
	j.Status = status
	j.ErrorMessage = errorMessage
	return nil
}

func (r *fakeQueueRepo) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != model.JobStatusProcessing {
		return common.ErrInvalidTransition
	}
	j.Status = model.JobStatusPending
	j.Attempts = max(j.Attempts-1, 0)
	return nil
}

func (r *fakeQueueRepo) CountByStatus(ctx context.Context, jobTypes []string) (map[model.JobStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[model.JobStatus]int{}
	for _, j := range r.jobs {
		if containsType(jobTypes, j.JobType) {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (r *fakeQueueRepo) Telemetry(ctx context.Context, now time.Time) (*repository.QueueTelemetry, error) {
	if r.telemetry != nil {
		return r.telemetry, nil
	}
	return &repository.QueueTelemetry{}, nil
}

func (r *fakeQueueRepo) get(id string) *model.QueueJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}
