package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/callroute/internal/mapping"
	"github.com/flowpbx/callroute/internal/routing"
)

// RefreshRun is one journaled refresh attempt.
type RefreshRun struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Owners     int       `json:"owners"`
	Users      int       `json:"users"`
	Matched    int       `json:"matched"`
	Error      string    `json:"error,omitempty"`
}

// Decision is one journaled webhook routing decision.
type Decision struct {
	ID              string    `json:"id"`
	CallUUID        string    `json:"call_uuid"`
	CallerNumber    string    `json:"caller_number"`
	ContactID       string    `json:"contact_id,omitempty"`
	OwnerID         string    `json:"owner_id,omitempty"`
	TelephonyUserID string    `json:"telephony_user_id,omitempty"`
	Reason          string    `json:"reason"`
	Error           string    `json:"error,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
	DurationMS      int64     `json:"duration_ms"`
}

// RecordRefresh inserts a refresh run.
func (j *Journal) RecordRefresh(ctx context.Context, report mapping.RefreshReport) error {
	id := report.RunID
	if id == "" {
		id = newID()
	}
	errMsg := ""
	if report.Err != nil {
		errMsg = report.Err.Error()
	}
	_, err := j.db.ExecContext(ctx, j.rebind(
		`INSERT INTO refresh_runs (id, run_trigger, started_at, duration_ms, owners, users, matched, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		id, string(report.Trigger), report.StartedAt.UnixMilli(), report.Duration.Milliseconds(),
		report.Owners, report.Users, report.Matched, errMsg,
	)
	if err != nil {
		return fmt.Errorf("inserting refresh run: %w", err)
	}
	return nil
}

// RecordCall inserts a routing decision.
func (j *Journal) RecordCall(ctx context.Context, call routing.CallRecord) error {
	_, err := j.db.ExecContext(ctx, j.rebind(
		`INSERT INTO routing_decisions
		   (id, call_uuid, caller_number, contact_id, owner_id, telephony_user_id, reason, error_message, received_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		newID(), call.CallUUID, call.CallerNumber, call.ContactID, call.OwnerID,
		call.Decision.UserID, string(call.Decision.Reason), call.Err,
		call.ReceivedAt.UnixMilli(), call.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting routing decision: %w", err)
	}
	return nil
}

// ObserveRefresh implements mapping.Observer. Write failures are logged only.
func (j *Journal) ObserveRefresh(ctx context.Context, report mapping.RefreshReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := j.RecordRefresh(ctx, report); err != nil {
		j.logger.Error("journal_write_failed", "table", "refresh_runs", "run_id", report.RunID, "error", err)
	}
}

// ObserveCall implements routing.CallObserver. Write failures are logged only.
func (j *Journal) ObserveCall(ctx context.Context, call routing.CallRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := j.RecordCall(ctx, call); err != nil {
		j.logger.Error("journal_write_failed", "table", "routing_decisions", "call_uuid", call.CallUUID, "error", err)
	}
}

// RecentDecisions returns up to limit decisions, newest first.
func (j *Journal) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	rows, err := j.db.QueryContext(ctx, j.rebind(
		`SELECT id, call_uuid, caller_number, contact_id, owner_id, telephony_user_id,
		        reason, error_message, received_at, duration_ms
		 FROM routing_decisions
		 ORDER BY received_at DESC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("querying routing decisions: %w", err)
	}
	defer rows.Close()

	out := []Decision{}
	for rows.Next() {
		var d Decision
		var receivedAt int64
		if err := rows.Scan(&d.ID, &d.CallUUID, &d.CallerNumber, &d.ContactID, &d.OwnerID,
			&d.TelephonyUserID, &d.Reason, &d.Error, &receivedAt, &d.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning routing decision: %w", err)
		}
		d.ReceivedAt = fromMillis(receivedAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating routing decisions: %w", err)
	}
	return out, nil
}

// RecentRefreshes returns up to limit refresh runs, newest first.
func (j *Journal) RecentRefreshes(ctx context.Context, limit int) ([]RefreshRun, error) {
	rows, err := j.db.QueryContext(ctx, j.rebind(
		`SELECT id, run_trigger, started_at, duration_ms, owners, users, matched, error_message
		 FROM refresh_runs
		 ORDER BY started_at DESC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("querying refresh runs: %w", err)
	}
	defer rows.Close()

	out := []RefreshRun{}
	for rows.Next() {
		var r RefreshRun
		var startedAt int64
		if err := rows.Scan(&r.ID, &r.Trigger, &startedAt, &r.DurationMS, &r.Owners, &r.Users,
			&r.Matched, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning refresh run: %w", err)
		}
		r.StartedAt = fromMillis(startedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating refresh runs: %w", err)
	}
	return out, nil
}

// Prune deletes journal rows recorded before cutoff and returns how many
// rows were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()

	res, err := j.db.ExecContext(ctx, j.rebind(`DELETE FROM routing_decisions WHERE received_at < ?`), ms)
	if err != nil {
		return 0, fmt.Errorf("pruning routing decisions: %w", err)
	}
	decisions, _ := res.RowsAffected()

	res, err = j.db.ExecContext(ctx, j.rebind(`DELETE FROM refresh_runs WHERE started_at < ?`), ms)
	if err != nil {
		return decisions, fmt.Errorf("pruning refresh runs: %w", err)
	}
	runs, _ := res.RowsAffected()

	return decisions + runs, nil
}

// StartRetention runs a background goroutine that periodically prunes rows
// older than maxAge. The goroutine stops when ctx is cancelled.
func (j *Journal) StartRetention(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := j.Prune(ctx, time.Now().Add(-maxAge))
				if err != nil {
					j.logger.Error("journal_retention_failed", "error", err)
					continue
				}
				if removed > 0 {
					j.logger.Info("journal_retention_pruned", "deleted", removed)
				}
			}
		}
	}()
}

var (
	_ mapping.Observer     = (*Journal)(nil)
	_ routing.CallObserver = (*Journal)(nil)
)
