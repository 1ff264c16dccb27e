package engine

import (
	"context"
	"fmt"
	"time"

	"waypoint/internal/events"
)

// Metrics is an operational snapshot of the engine.
type Metrics struct {
	InstancesByStatus map[string]int `json:"instances_by_status"`
	ActiveInstances   int            `json:"active_instances"`
	DecisionsLast24h  int            `json:"decisions_last_24h"`
	DegradedLast24h   int            `json:"degraded_last_24h"`
	DispatchFailures  int            `json:"dispatch_failures_last_24h"`
	EnteredLast7d     int            `json:"entered_last_7d"`
	DroppedLast7d     int            `json:"dropped_last_7d"`
	DropoffRate24h    float64        `json:"dropoff_rate_24h"`
	DropoffBaseline   float64        `json:"dropoff_baseline_7d"`
	DropoffAlert      bool           `json:"dropoff_alert"`
}

// MetricsSummary computes the snapshot. The drop-off alert fires when the
// last day's drop-off rate exceeds the 7-day baseline by the configured
// multiplier.
func (e Engine) MetricsSummary(ctx context.Context) (Metrics, error) {
	now := e.now().UTC()
	day := now.Add(-24 * time.Hour).Format(time.RFC3339)
	week := now.Add(-7 * 24 * time.Hour).Format(time.RFC3339)

	m := Metrics{}
	var err error
	if m.InstancesByStatus, err = e.Repo.CountInstancesByStatus(ctx); err != nil {
		return m, err
	}
	m.ActiveInstances = m.InstancesByStatus["active"]
	if m.DecisionsLast24h, err = e.Repo.CountRecordsSince(ctx, day); err != nil {
		return m, err
	}
	if m.DegradedLast24h, err = e.Repo.CountDegradedSince(ctx, day); err != nil {
		return m, err
	}
	if m.DispatchFailures, err = e.Repo.CountEventsSince(ctx, "dispatch.failed", day); err != nil {
		return m, err
	}
	if m.EnteredLast7d, err = e.Repo.CountEnteredSince(ctx, week); err != nil {
		return m, err
	}
	if m.DroppedLast7d, err = e.Repo.CountDroppedSince(ctx, week); err != nil {
		return m, err
	}
	entered24h, err := e.Repo.CountEnteredSince(ctx, day)
	if err != nil {
		return m, err
	}
	dropped24h, err := e.Repo.CountDroppedSince(ctx, day)
	if err != nil {
		return m, err
	}
	if entered24h > 0 {
		m.DropoffRate24h = float64(dropped24h) / float64(entered24h)
	}
	if m.EnteredLast7d > 0 {
		m.DropoffBaseline = float64(m.DroppedLast7d) / float64(m.EnteredLast7d)
	}
	if m.DropoffBaseline > 0 && m.DropoffRate24h > m.DropoffBaseline*e.Config.Alerts.DropoffMultiplier {
		m.DropoffAlert = true
	}
	return m, nil
}

// checkDropoff runs at the end of a tick and records an alert event when the
// drop-off rate crosses its threshold.
func (e Engine) checkDropoff(ctx context.Context, actorID string) (string, error) {
	m, err := e.MetricsSummary(ctx)
	if err != nil {
		return "", err
	}
	if !m.DropoffAlert {
		return "", nil
	}
	msg := fmt.Sprintf("dropoff rate %.2f exceeds %.1fx baseline %.2f",
		m.DropoffRate24h, e.Config.Alerts.DropoffMultiplier, m.DropoffBaseline)
	e.appendEvent(ctx, "alert.dropoff", "", "engine", e.Config.Engine.ID, actorID, events.EventPayload{
		"rate":     m.DropoffRate24h,
		"baseline": m.DropoffBaseline,
	})
	return msg, nil
}
