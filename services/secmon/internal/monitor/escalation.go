package monitor

import (
	"context"
	"time"
)

// RunEscalations polls the escalation queue every interval until ctx is done.
func (m *Monitor) RunEscalations(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProcessDueEscalations(ctx)
		}
	}
}

// ProcessDueEscalations escalates every alert whose current level timed out
// without acknowledgment. It returns how many records were handled.
func (m *Monitor) ProcessDueEscalations(ctx context.Context) int {
	due, err := m.alerts.DueEscalations(ctx, m.now())
	if err != nil {
		m.logger.Warn("failed to read escalation queue", "error", err)
		return 0
	}

	handled := 0
	for _, rec := range due {
		next, err := m.alerts.CompleteEscalation(ctx, rec)
		if err != nil {
			m.logger.Error("escalation failed",
				"alert_id", rec.AlertID,
				"policy", rec.Policy,
				"level", rec.CurrentLevel,
				"error", err,
			)
			continue
		}
		handled++
		if next != nil {
			m.logger.Debug("next escalation scheduled", "alert_id", next.AlertID, "scheduled_at", next.ScheduledAt)
		}
	}
	return handled
}
