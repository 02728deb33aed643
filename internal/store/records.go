package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/models"
)

const recordColumns = `local_id, remote_id, org_unit, entity_type, payload, sync_status,
	deleted, attempts, last_local_mutation_at, last_sync_attempt_at, next_attempt_at,
	last_sync_error, claimed_at`

// Get returns the record with the given local ID, or nil if absent.
func (s *Store) Get(localID string) (*models.Record, error) {
	row := s.conn.QueryRow(`SELECT `+recordColumns+` FROM records WHERE local_id = ?`, localID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", localID, err)
	}
	return rec, nil
}

// GetByRemoteID returns the record holding the given remote ID, or nil.
func (s *Store) GetByRemoteID(remoteID string) (*models.Record, error) {
	row := s.conn.QueryRow(`SELECT `+recordColumns+` FROM records WHERE remote_id = ?`, remoteID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record by remote id %s: %w", remoteID, err)
	}
	return rec, nil
}

// GetByStatus returns all records in an org unit with the given status,
// oldest local mutation first.
func (s *Store) GetByStatus(orgUnit string, status models.SyncStatus) ([]models.Record, error) {
	rows, err := s.conn.Query(
		`SELECT `+recordColumns+` FROM records
		 WHERE org_unit = ? AND sync_status = ?
		 ORDER BY last_local_mutation_at ASC`,
		orgUnit, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("query records by status: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListByOrgUnit returns every record in an org unit.
func (s *Store) ListByOrgUnit(orgUnit string) ([]models.Record, error) {
	rows, err := s.conn.Query(
		`SELECT `+recordColumns+` FROM records WHERE org_unit = ? ORDER BY last_local_mutation_at ASC`,
		orgUnit,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Upsert inserts or replaces a record by local ID. A remote ID already
// persisted is never overwritten with a different value: remote identity is
// assigned at most once.
func (s *Store) Upsert(rec *models.Record) error {
	if rec.LocalID == "" {
		return fmt.Errorf("upsert: record has no local id")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("upsert: invalid sync status %q", rec.Status)
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.conn.Exec(`
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = CASE WHEN records.remote_id = '' THEN excluded.remote_id ELSE records.remote_id END,
			org_unit = excluded.org_unit,
			entity_type = excluded.entity_type,
			payload = excluded.payload,
			sync_status = excluded.sync_status,
			deleted = excluded.deleted,
			attempts = excluded.attempts,
			last_local_mutation_at = excluded.last_local_mutation_at,
			last_sync_attempt_at = excluded.last_sync_attempt_at,
			next_attempt_at = excluded.next_attempt_at,
			last_sync_error = excluded.last_sync_error,
			claimed_at = excluded.claimed_at`,
		rec.LocalID, rec.RemoteID, rec.OrgUnit, rec.EntityType, string(payload),
		string(rec.Status), boolToInt(rec.Deleted), rec.Attempts,
		formatTime(rec.LastLocalMutationAt), formatTime(rec.LastSyncAttemptAt),
		formatTime(rec.NextAttemptAt), rec.LastSyncError, nil,
	)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.LocalID, err)
	}
	return nil
}

// Delete removes a record locally, unconditionally. Used for records the
// server never saw; the sync engine removes acknowledged tombstones through
// DeleteClaimed instead.
func (s *Store) Delete(localID string) error {
	if _, err := s.conn.Exec(`DELETE FROM records WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("delete record %s: %w", localID, err)
	}
	return nil
}

// DeleteClaimed removes a record only while its SYNCING claim still holds.
// A tombstone edited while its delete was in flight is left in place with
// the newer local state. Reports whether the row was removed.
func (s *Store) DeleteClaimed(localID string) (bool, error) {
	res, err := s.conn.Exec(
		`DELETE FROM records WHERE local_id = ? AND sync_status = ?`,
		localID, string(models.StatusSyncing),
	)
	if err != nil {
		return false, fmt.Errorf("delete claimed record %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete claimed rows affected: %w", err)
	}
	return n == 1, nil
}

// TryClaim atomically transitions a record from expected to next status.
// It is a single conditional UPDATE: when two runs race, exactly one sees a
// row change and owns the record for this run.
func (s *Store) TryClaim(localID string, expected, next models.SyncStatus) (bool, error) {
	now := time.Now().UTC()
	res, err := s.conn.Exec(
		`UPDATE records SET sync_status = ?, claimed_at = ?, last_sync_attempt_at = ?
		 WHERE local_id = ? AND sync_status = ?`,
		string(next), formatTime(now), formatTime(now), localID, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("claim record %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return n == 1, nil
}

// ReclaimStale returns SYNCING records whose claim is older than cutoff to
// PENDING. Recovers records stranded by a run that died mid-push.
func (s *Store) ReclaimStale(orgUnit string, cutoff time.Time) (int64, error) {
	res, err := s.conn.Exec(
		`UPDATE records SET sync_status = ?, claimed_at = NULL
		 WHERE org_unit = ? AND sync_status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(models.StatusPending), orgUnit, string(models.StatusSyncing),
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale records: %w", err)
	}
	return res.RowsAffected()
}

// MarkSynced records a successful push: status SYNCED, error cleared,
// attempt counter reset. The remote ID sticks only if none was set before.
// Like TryClaim it is conditional: it only lands on a record still SYNCING.
// An edit arriving while the push was in flight has already returned the
// record to PENDING, and that newer state wins over the acknowledgement.
// Reports whether the transition happened.
func (s *Store) MarkSynced(localID, remoteID string) (bool, error) {
	res, err := s.conn.Exec(
		`UPDATE records SET
			sync_status = ?,
			remote_id = CASE WHEN remote_id = '' THEN ? ELSE remote_id END,
			last_sync_error = '',
			attempts = 0,
			next_attempt_at = NULL,
			claimed_at = NULL
		 WHERE local_id = ? AND sync_status = ?`,
		string(models.StatusSynced), remoteID, localID, string(models.StatusSyncing),
	)
	if err != nil {
		return false, fmt.Errorf("mark synced %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark synced rows affected: %w", err)
	}
	return n == 1, nil
}

// AssignRemoteID pins the remote identity on a record without touching its
// sync state. Used when an acknowledgement loses the race against a local
// edit: the edit keeps the record PENDING, but the identity the server
// handed out must stick so the next push updates instead of creating a
// duplicate. A remote ID already present is never replaced.
func (s *Store) AssignRemoteID(localID, remoteID string) error {
	_, err := s.conn.Exec(
		`UPDATE records SET remote_id = ? WHERE local_id = ? AND remote_id = ''`,
		remoteID, localID,
	)
	if err != nil {
		return fmt.Errorf("assign remote id %s: %w", localID, err)
	}
	return nil
}

// MarkFailed records a non-retryable rejection. The record stays FAILED
// until a local edit or an operator retry. Conditional on the record still
// being SYNCING; reports whether the transition happened.
func (s *Store) MarkFailed(localID, syncErr string) (bool, error) {
	res, err := s.conn.Exec(
		`UPDATE records SET sync_status = ?, last_sync_error = ?, next_attempt_at = NULL, claimed_at = NULL
		 WHERE local_id = ? AND sync_status = ?`,
		string(models.StatusFailed), syncErr, localID, string(models.StatusSyncing),
	)
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkRetry returns a record to PENDING after a transport error, bumping the
// attempt counter and setting the backoff gate. Conditional on the record
// still being SYNCING; an edit mid-push has already reset the retry state
// and keeps it. Reports whether the transition happened.
func (s *Store) MarkRetry(localID, syncErr string, attempts int, nextAttempt time.Time) (bool, error) {
	res, err := s.conn.Exec(
		`UPDATE records SET sync_status = ?, last_sync_error = ?, attempts = ?, next_attempt_at = ?, claimed_at = NULL
		 WHERE local_id = ? AND sync_status = ?`,
		string(models.StatusPending), syncErr, attempts, formatTime(nextAttempt), localID, string(models.StatusSyncing),
	)
	if err != nil {
		return false, fmt.Errorf("mark retry %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark retry rows affected: %w", err)
	}
	return n == 1, nil
}

// ResetFailed is the operator retry: FAILED records return to PENDING with
// a zeroed attempt counter. With a local ID it targets one record; with an
// empty ID it resets every FAILED record in the org unit. Returns the
// number of records reset.
func (s *Store) ResetFailed(orgUnit, localID string) (int64, error) {
	var res sql.Result
	var err error
	if localID != "" {
		res, err = s.conn.Exec(
			`UPDATE records SET sync_status = ?, attempts = 0, next_attempt_at = NULL, last_sync_error = ''
			 WHERE local_id = ? AND sync_status = ?`,
			string(models.StatusPending), localID, string(models.StatusFailed),
		)
	} else {
		res, err = s.conn.Exec(
			`UPDATE records SET sync_status = ?, attempts = 0, next_attempt_at = NULL, last_sync_error = ''
			 WHERE org_unit = ? AND sync_status = ?`,
			string(models.StatusPending), orgUnit, string(models.StatusFailed),
		)
	}
	if err != nil {
		return 0, fmt.Errorf("reset failed records: %w", err)
	}
	return res.RowsAffected()
}

// ApplyLocalEdit replaces a record's payload from the domain layer. Any
// record becomes PENDING again with a fresh mutation timestamp and a zeroed
// attempt counter; this is also how a FAILED record is corrected.
func (s *Store) ApplyLocalEdit(localID string, payload json.RawMessage) error {
	res, err := s.conn.Exec(
		`UPDATE records SET payload = ?, sync_status = ?, attempts = 0,
			next_attempt_at = NULL, last_sync_error = '', claimed_at = NULL,
			last_local_mutation_at = ?
		 WHERE local_id = ?`,
		string(payload), string(models.StatusPending),
		formatTime(time.Now().UTC()), localID,
	)
	if err != nil {
		return fmt.Errorf("apply local edit %s: %w", localID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("apply local edit: record %s not found", localID)
	}
	return nil
}

// MarkDeleted tombstones a record: it goes back to PENDING and the next
// push propagates the delete.
func (s *Store) MarkDeleted(localID string) error {
	res, err := s.conn.Exec(
		`UPDATE records SET deleted = 1, sync_status = ?, attempts = 0,
			next_attempt_at = NULL, last_sync_error = '', claimed_at = NULL,
			last_local_mutation_at = ?
		 WHERE local_id = ?`,
		string(models.StatusPending), formatTime(time.Now().UTC()), localID,
	)
	if err != nil {
		return fmt.Errorf("mark deleted %s: %w", localID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mark deleted: record %s not found", localID)
	}
	return nil
}

// CountByStatus returns record counts per status for an org unit.
func (s *Store) CountByStatus(orgUnit string) (map[models.SyncStatus]int, error) {
	rows, err := s.conn.Query(
		`SELECT sync_status, COUNT(*) FROM records WHERE org_unit = ? GROUP BY sync_status`,
		orgUnit,
	)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var payload string
	var deleted int
	var mutatedAt string
	var attemptAt, nextAt, claimedAt sql.NullString
	var status string

	err := row.Scan(
		&rec.LocalID, &rec.RemoteID, &rec.OrgUnit, &rec.EntityType, &payload, &status,
		&deleted, &rec.Attempts, &mutatedAt, &attemptAt, &nextAt,
		&rec.LastSyncError, &claimedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Payload = json.RawMessage(payload)
	rec.Status = models.SyncStatus(status)
	rec.Deleted = deleted != 0

	if rec.LastLocalMutationAt, err = parseTime(mutatedAt); err != nil {
		return nil, err
	}
	if rec.LastSyncAttemptAt, err = scanNullTime(attemptAt); err != nil {
		return nil, err
	}
	if rec.NextAttemptAt, err = scanNullTime(nextAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]models.Record, error) {
	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
