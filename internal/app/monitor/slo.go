// Package monitor turns queue and worker telemetry into SLO alerts.
package monitor

import (
	"fmt"
	"math"
)

type AlertCode string
type Severity string

const (
	AlertPendingAge     AlertCode = "pending_age"
	AlertErrorRate      AlertCode = "error_rate"
	AlertPendingBacklog AlertCode = "pending_backlog"
	AlertWorkerIdle     AlertCode = "worker_idle"

	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Snapshot is a point-in-time view of the queue. Nil ages mean "nothing to
// measure": no pending job exists, or no worker has ever been active.
type Snapshot struct {
	OldestPendingAgeMs        *float64 `json:"oldestPendingAgeMs"`
	ErrorRate24h              float64  `json:"errorRate24h"` // percent
	Pending                   int      `json:"pending"`
	Processing                int      `json:"processing"`
	LatestWorkerActivityAgeMs *float64 `json:"latestWorkerActivityAgeMs"`
}

type Thresholds struct {
	PendingAgeMs   float64 `json:"pendingAgeMs"`
	ErrorRatePct   float64 `json:"errorRatePct"`
	WorkerIdleMs   float64 `json:"workerIdleMs"`
	PendingBacklog int     `json:"pendingBacklog"`
}

type SLOAlert struct {
	Code      AlertCode `json:"code"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		PendingAgeMs:   10 * 60 * 1000,
		ErrorRatePct:   5,
		WorkerIdleMs:   5 * 60 * 1000,
		PendingBacklog: 500,
	}
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func sanitizePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	s := sanitize(*v)
	return &s
}

func severityFor(observed, threshold float64) Severity {
	if observed > 2*threshold {
		return SeverityCritical
	}
	return SeverityWarning
}

// BuildAlerts evaluates the rules in fixed order: pending_age, error_rate,
// pending_backlog, worker_idle.
func BuildAlerts(snapshot Snapshot, thresholds Thresholds) []SLOAlert {
	oldest := sanitizePtr(snapshot.OldestPendingAgeMs)
	idle := sanitizePtr(snapshot.LatestWorkerActivityAgeMs)
	errorRate := sanitize(snapshot.ErrorRate24h)
	pending := float64(max(snapshot.Pending, 0))

	pendingAgeMs := sanitize(thresholds.PendingAgeMs)
	errorRatePct := sanitize(thresholds.ErrorRatePct)
	workerIdleMs := sanitize(thresholds.WorkerIdleMs)
	backlog := float64(max(thresholds.PendingBacklog, 0))

	alerts := []SLOAlert{}

	if oldest != nil && *oldest > pendingAgeMs {
		alerts = append(alerts, SLOAlert{
			Code:      AlertPendingAge,
			Severity:  severityFor(*oldest, pendingAgeMs),
			Message:   fmt.Sprintf("oldest pending job has waited %.0fms (threshold %.0fms)", *oldest, pendingAgeMs),
			Observed:  *oldest,
			Threshold: pendingAgeMs,
		})
	}

	if errorRate > errorRatePct {
		alerts = append(alerts, SLOAlert{
			Code:      AlertErrorRate,
			Severity:  severityFor(errorRate, errorRatePct),
			Message:   fmt.Sprintf("24h job error rate is %.2f%% (threshold %.2f%%)", errorRate, errorRatePct),
			Observed:  errorRate,
			Threshold: errorRatePct,
		})
	}

	if pending > backlog {
		alerts = append(alerts, SLOAlert{
			Code:      AlertPendingBacklog,
			Severity:  severityFor(pending, backlog),
			Message:   fmt.Sprintf("%.0f jobs pending (threshold %.0f)", pending, backlog),
			Observed:  pending,
			Threshold: backlog,
		})
	}

	// An idle worker with an empty queue is normal. A nil age means no worker
	// has ever touched a job; pending_age covers that case instead.
	if pending > 0 && idle != nil && *idle > workerIdleMs {
		alerts = append(alerts, SLOAlert{
			Code:      AlertWorkerIdle,
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("no worker activity for %.0fms while %.0f jobs are pending (threshold %.0fms)", *idle, pending, workerIdleMs),
			Observed:  *idle,
			Threshold: workerIdleMs,
		})
	}

	return alerts
}
