package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobTypeKeywordResearch      = "keyword_research"
	JobTypeContentRefresh       = "content_refresh"
	JobTypeRefreshResearchCache = "refresh_research_cache"
	JobTypeLinkHealthCheck      = "link_health_check"
	JobTypeWebhookDelivery      = "webhook_delivery"

	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing" // Claimed by exactly one worker
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// QueueJob is a row of the durable content_queue table. Status only moves
// pending -> processing -> completed|failed.
type QueueJob struct {
	ID           string          `json:"id"`
	JobType      string          `json:"job_type"`
	DomainID     *string         `json:"domain_id,omitempty"`
	ArticleID    *string         `json:"article_id,omitempty"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	Attempts     int             `json:"attempts"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsDue reports whether the job may be dispatched immediately. A scheduled
// time up to skew in the future still counts as due.
func (j *QueueJob) IsDue(now time.Time, skew time.Duration) bool {
	if j.ScheduledFor == nil {
		return true
	}
	return !j.ScheduledFor.After(now.Add(skew))
}

// CanTransitionTo enforces the pending -> processing -> terminal lifecycle.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// DispatchEvent is appended to the accelerator's bounded event log once per
// enqueued job. It is informational; the durable row stays authoritative.
type DispatchEvent struct {
	EventID      string     `json:"event_id"`
	JobID        string     `json:"job_id"`
	JobType      string     `json:"job_type"`
	Priority     int        `json:"priority"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Ready        bool       `json:"ready"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
}

// Payloads for different job types (stored in QueueJob.Payload)
type RefreshResearchCachePayload struct {
	QueryText      string `json:"queryText"`
	Prompt         string `json:"prompt"`
	DomainPriority int    `json:"domainPriority"`
	TTLHours       int    `json:"ttlHours"`
}

type LinkHealthCheckPayload struct {
	URL            string `json:"url"`
	ExpectedStatus int    `json:"expected_status,omitempty"`
}

type WebhookDeliveryPayload struct {
	URL     string            `json:"url"`
	Event   string            `json:"event"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}
