package monitor

import (
	"math"
	"testing"
)

func ptr(v float64) *float64 { return &v }

var testThresholds = Thresholds{PendingAgeMs: 10000, ErrorRatePct: 5, WorkerIdleMs: 15000, PendingBacklog: 12}

func TestBuildAlertsAllCriticalInOrder(t *testing.T) {
	t.Parallel()

	snapshot := Snapshot{
		OldestPendingAgeMs:        ptr(25000),
		ErrorRate24h:              12,
		Pending:                   30,
		LatestWorkerActivityAgeMs: ptr(20000),
	}

	alerts := BuildAlerts(snapshot, testThresholds)
	wantCodes := []AlertCode{AlertPendingAge, AlertErrorRate, AlertPendingBacklog, AlertWorkerIdle}
	if len(alerts) != len(wantCodes) {
		t.Fatalf("got %d alerts, want %d: %+v", len(alerts), len(wantCodes), alerts)
	}
	for i, a := range alerts {
		if a.Code != wantCodes[i] {
			t.Errorf("alert[%d].Code = %s, want %s", i, a.Code, wantCodes[i])
		}
		if a.Severity != SeverityCritical {
			t.Errorf("alert[%d].Severity = %s, want critical", i, a.Severity)
		}
		if a.Message == "" {
			t.Errorf("alert[%d] has empty message", i)
		}
	}
	if alerts[0].Observed != 25000 || alerts[0].Threshold != 10000 {
		t.Errorf("pending_age observed/threshold = %v/%v", alerts[0].Observed, alerts[0].Threshold)
	}
}

func TestBuildAlertsWarningBelowDoubleThreshold(t *testing.T) {
	t.Parallel()

	snapshot := Snapshot{
		OldestPendingAgeMs: ptr(15000),
		ErrorRate24h:       8,
		Pending:            20,
	}

	alerts := BuildAlerts(snapshot, testThresholds)
	if len(alerts) != 3 {
		t.Fatalf("got %d alerts, want 3: %+v", len(alerts), alerts)
	}
	for _, a := range alerts {
		if a.Severity != SeverityWarning {
			t.Errorf("%s severity = %s, want warning", a.Code, a.Severity)
		}
	}
}

func TestBuildAlertsNoWorkerIdleWhenQueueEmpty(t *testing.T) {
	t.Parallel()

	snapshot := Snapshot{Pending: 0, LatestWorkerActivityAgeMs: ptr(1e9)}
	if alerts := BuildAlerts(snapshot, testThresholds); len(alerts) != 0 {
		t.Fatalf("expected no alerts for an idle worker with empty queue, got %+v", alerts)
	}
}

func TestBuildAlertsWorkerIdleAlwaysCritical(t *testing.T) {
	t.Parallel()

	snapshot := Snapshot{Pending: 1, LatestWorkerActivityAgeMs: ptr(16000)}
	alerts := BuildAlerts(snapshot, testThresholds)
	if len(alerts) != 1 || alerts[0].Code != AlertWorkerIdle {
		t.Fatalf("expected single worker_idle alert, got %+v", alerts)
	}
	if alerts[0].Severity != SeverityCritical {
		t.Errorf("worker_idle severity = %s, want critical", alerts[0].Severity)
	}
}

func TestBuildAlertsSanitizesInputs(t *testing.T) {
	t.Parallel()

	snapshot := Snapshot{
		OldestPendingAgeMs:        ptr(math.NaN()),
		ErrorRate24h:              math.Inf(1),
		Pending:                   -5,
		LatestWorkerActivityAgeMs: ptr(-100),
	}
	if alerts := BuildAlerts(snapshot, testThresholds); len(alerts) != 0 {
		t.Fatalf("expected sanitized inputs to produce no alerts, got %+v", alerts)
	}
}

func TestBuildAlertsNilAgesNeverFire(t *testing.T) {
	t.Parallel()

	snapshot := Snapshot{Pending: 3}
	if alerts := BuildAlerts(snapshot, testThresholds); len(alerts) != 0 {
		t.Fatalf("nil ages must not alert, got %+v", alerts)
	}
}

func TestBuildAlertsWorkerIdleNeedsRecordedActivity(t *testing.T) {
	t.Parallel()

	snapshot := Snapshot{Pending: 40, OldestPendingAgeMs: ptr(25000)}
	alerts := BuildAlerts(snapshot, testThresholds)
	for _, a := range alerts {
		if a.Code == AlertWorkerIdle {
			t.Fatalf("worker_idle fired without any recorded worker activity: %+v", alerts)
		}
	}
	if len(alerts) != 2 || alerts[0].Code != AlertPendingAge || alerts[1].Code != AlertPendingBacklog {
		t.Errorf("alerts = %+v, want pending_age then pending_backlog", alerts)
	}
}
