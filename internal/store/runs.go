package store

import (
	"fmt"
	"time"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/models"
)

// RecordRun persists the outcome of one sync run for later inspection.
func (s *Store) RecordRun(report *models.SyncReport) error {
	_, err := s.conn.Exec(
		`INSERT INTO sync_runs (org_unit, started_at, duration_ms, attempted, succeeded, failed, skipped, pulled, pull_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.OrgUnit, formatTime(report.StartedAt), report.Duration.Milliseconds(),
		report.Attempted, report.Succeeded, report.Failed, report.Skipped,
		report.Pulled, report.PullErr,
	)
	if err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	return nil
}

// RunSummary is one row of sync history.
type RunSummary struct {
	OrgUnit   string
	StartedAt time.Time
	Duration  time.Duration
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	Pulled    int
	PullErr   string
}

// RecentRuns returns the most recent run summaries for an org unit, newest
// first. An empty org unit returns runs across all org units.
func (s *Store) RecentRuns(orgUnit string, limit int) ([]RunSummary, error) {
	query := `SELECT org_unit, started_at, duration_ms, attempted, succeeded, failed, skipped, pulled, pull_error
		FROM sync_runs`
	args := []any{}
	if orgUnit != "" {
		query += ` WHERE org_unit = ?`
		args = append(args, orgUnit)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var startedAt string
		var durationMS int64
		if err := rows.Scan(&r.OrgUnit, &startedAt, &durationMS, &r.Attempted,
			&r.Succeeded, &r.Failed, &r.Skipped, &r.Pulled, &r.PullErr); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
