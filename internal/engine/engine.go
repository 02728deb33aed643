// Package engine reconciles locally authored records with the remote
// server: it claims pending records, pushes them capability-gated and with
// partial-failure isolation, then pulls authoritative remote state without
// overwriting unacknowledged local edits.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/capability"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/gateway"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/models"
)

// RecordStore is the slice of the local store the engine needs. The claim
// is an atomic compare-and-set: it either fully succeeds or leaves the
// record untouched.
type RecordStore interface {
	Get(localID string) (*models.Record, error)
	GetByRemoteID(remoteID string) (*models.Record, error)
	GetByStatus(orgUnit string, status models.SyncStatus) ([]models.Record, error)
	Upsert(rec *models.Record) error
	DeleteClaimed(localID string) (bool, error)
	TryClaim(localID string, expected, next models.SyncStatus) (bool, error)
	ReclaimStale(orgUnit string, cutoff time.Time) (int64, error)
	MarkSynced(localID, remoteID string) (bool, error)
	AssignRemoteID(localID, remoteID string) error
	MarkFailed(localID, syncErr string) (bool, error)
	MarkRetry(localID, syncErr string, attempts int, nextAttempt time.Time) (bool, error)
	RecordRun(report *models.SyncReport) error
}

// Gateway is the remote API surface the engine consumes.
type Gateway interface {
	ServerInfo(ctx context.Context) (capability.Version, error)
	Create(ctx context.Context, rec *models.Record) (string, error)
	Update(ctx context.Context, remoteID string, rec *models.Record) error
	Delete(ctx context.Context, remoteID string) error
	Fetch(ctx context.Context, orgUnit string, since time.Time) ([]models.RemoteRecord, error)
}

// Engine orchestrates sync runs. All collaborators are injected at
// construction; the engine holds no global state.
type Engine struct {
	store        RecordStore
	gw           Gateway
	backoff      Backoff
	claimTimeout time.Duration
	workers      int
	pullEnabled  bool
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackoff overrides the transport-error retry policy.
func WithBackoff(b Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithClaimTimeout sets how old a SYNCING claim must be before a later run
// may reclaim it.
func WithClaimTimeout(d time.Duration) Option {
	return func(e *Engine) { e.claimTimeout = d }
}

// WithWorkers bounds how many pushes run concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPull enables or disables the pull phase. Pushes are unaffected.
func WithPull(enabled bool) Option {
	return func(e *Engine) { e.pullEnabled = enabled }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// withNow overrides the clock, for tests.
func withNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the given store and gateway.
func New(store RecordStore, gw Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		gw:           gw,
		backoff:      DefaultBackoff(),
		claimTimeout: 15 * time.Minute,
		workers:      4,
		pullEnabled:  true,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// pushOutcome is one record's result, computed by a worker and applied to
// the store by the coordinating goroutine.
type pushOutcome struct {
	rec      models.Record
	remoteID string       // on success
	err      error        // nil on success
	kind     gateway.Kind // meaningful when err != nil
	deleted  bool         // record should be removed locally
}

// RunSync reconciles one org unit. It returns an error only when a
// precondition fails before any record is processed; per-record failures
// are isolated and reported in the SyncReport.
func (e *Engine) RunSync(ctx context.Context, orgUnit string) (*models.SyncReport, error) {
	start := e.now()
	report := &models.SyncReport{
		OrgUnit:   orgUnit,
		StartedAt: start.UTC(),
	}

	// Claims stranded by a crashed run become eligible again.
	if n, err := e.store.ReclaimStale(orgUnit, start.Add(-e.claimTimeout)); err != nil {
		return nil, fmt.Errorf("reclaim stale claims: %w", err)
	} else if n > 0 {
		e.logger.Warn("reclaimed stale syncing records", "org_unit", orgUnit, "count", n)
	}

	version, err := e.gw.ServerInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe server version: %w", err)
	}

	pending, err := e.store.GetByStatus(orgUnit, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("read pending records: %w", err)
	}

	claimed := e.claim(pending, report)
	report.Attempted = len(claimed)

	if len(claimed) > 0 {
		e.push(ctx, version, claimed, report)
	}

	// The pull runs strictly after every push has resolved, so fresh
	// acknowledgements are visible before remote state is applied.
	if e.pullEnabled {
		e.pull(ctx, orgUnit, report)
	}

	report.Duration = e.now().Sub(start)
	if err := e.store.RecordRun(report); err != nil {
		e.logger.Warn("record sync run", "org_unit", orgUnit, "err", err)
	}
	e.logger.Debug("sync run complete",
		"org_unit", orgUnit,
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"pulled", report.Pulled,
	)
	return report, nil
}

// claim transitions eligible PENDING records to SYNCING one CAS at a time.
// Records still inside their backoff window, or lost to a concurrent run,
// are counted as skipped and left for a later run.
func (e *Engine) claim(pending []models.Record, report *models.SyncReport) []models.Record {
	now := e.now()
	var claimed []models.Record
	for _, rec := range pending {
		if !rec.NextAttemptAt.IsZero() && now.Before(rec.NextAttemptAt) {
			report.Skipped++
			continue
		}
		ok, err := e.store.TryClaim(rec.LocalID, models.StatusPending, models.StatusSyncing)
		if err != nil {
			e.logger.Warn("claim record", "local_id", rec.LocalID, "err", err)
			report.Skipped++
			continue
		}
		if !ok {
			// Another run owns it, or the domain layer touched it.
			report.Skipped++
			continue
		}
		rec.Status = models.StatusSyncing
		claimed = append(claimed, rec)
	}
	return claimed
}

// push fans the claimed records out to a bounded worker pool. Workers only
// talk to the gateway; every store mutation happens here, on the
// coordinating goroutine, as each result arrives.
func (e *Engine) push(ctx context.Context, version capability.Version, claimed []models.Record, report *models.SyncReport) {
	workers := e.workers
	if workers > len(claimed) {
		workers = len(claimed)
	}

	jobs := make(chan models.Record)
	results := make(chan pushOutcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				results <- e.pushOne(ctx, version, rec)
			}
		}()
	}
	go func() {
		for _, rec := range claimed {
			jobs <- rec
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	for out := range results {
		e.applyOutcome(out, report)
	}
}

// errCapability marks a push refused locally because the server version
// does not provide the required feature. Not a remote failure.
type errCapability struct {
	feature string
	version capability.Version
}

func (e *errCapability) Error() string {
	return fmt.Sprintf("capability: feature %q unsupported on server %s", e.feature, e.version)
}

// pushOne performs the remote call for a single claimed record.
func (e *Engine) pushOne(ctx context.Context, version capability.Version, rec models.Record) pushOutcome {
	// Tombstone for a record the server never saw: nothing to push, so no
	// server capability applies.
	if rec.Deleted && rec.RemoteID == "" {
		return pushOutcome{rec: rec, deleted: true}
	}

	feature := capability.TrackerImport
	if rec.Deleted {
		feature = capability.TrackedEntityDelete
	}
	if !capability.Supports(feature.Name, version) {
		return pushOutcome{rec: rec, err: &errCapability{feature.Name, version}}
	}

	switch {
	case rec.Deleted:
		err := e.gw.Delete(ctx, rec.RemoteID)
		if err != nil && gateway.IsUnsupported(err) {
			// 404 on a concrete record: already gone remotely.
			err = nil
		}
		if err != nil {
			return pushOutcome{rec: rec, err: err, kind: errKind(err)}
		}
		return pushOutcome{rec: rec, deleted: true}

	case rec.RemoteID == "":
		remoteID, err := e.gw.Create(ctx, &rec)
		if err != nil {
			return pushOutcome{rec: rec, err: err, kind: errKind(err)}
		}
		return pushOutcome{rec: rec, remoteID: remoteID}

	default:
		if err := e.gw.Update(ctx, rec.RemoteID, &rec); err != nil {
			return pushOutcome{rec: rec, err: err, kind: errKind(err)}
		}
		return pushOutcome{rec: rec, remoteID: rec.RemoteID}
	}
}

func errKind(err error) gateway.Kind {
	switch {
	case gateway.IsValidation(err):
		return gateway.KindValidation
	case gateway.IsUnauthorized(err):
		return gateway.KindUnauthorized
	case gateway.IsUnsupported(err):
		return gateway.KindUnsupported
	default:
		return gateway.KindTransport
	}
}

// applyOutcome writes one push result back to the store and the report.
// A store write failing is logged and counted, never propagated: one bad
// record must not abort the rest of the run.
func (e *Engine) applyOutcome(out pushOutcome, report *models.SyncReport) {
	localID := out.rec.LocalID

	switch {
	case out.err == nil && out.deleted:
		ok, err := e.store.DeleteClaimed(localID)
		if err != nil {
			e.logger.Warn("delete acked record", "local_id", localID, "err", err)
			report.Failed++
			report.Failures = append(report.Failures, models.RecordError{LocalID: localID, Message: err.Error()})
			return
		}
		if !ok {
			e.recordMutatedMidPush(localID)
			return
		}
		report.Succeeded++

	case out.err == nil:
		ok, err := e.store.MarkSynced(localID, out.remoteID)
		if err != nil {
			e.logger.Warn("mark synced", "local_id", localID, "err", err)
			report.Failed++
			report.Failures = append(report.Failures, models.RecordError{LocalID: localID, Message: err.Error()})
			return
		}
		if !ok {
			// The server accepted the push, so any identity it assigned
			// must stick before the edited record is pushed again.
			if out.remoteID != "" {
				if err := e.store.AssignRemoteID(localID, out.remoteID); err != nil {
					e.logger.Warn("assign remote id", "local_id", localID, "err", err)
				}
			}
			e.recordMutatedMidPush(localID)
			return
		}
		report.Succeeded++

	default:
		e.applyFailure(out, report)
	}
}

// recordMutatedMidPush notes an acknowledgement that lost the race against
// a local mutation. The record already carries its post-edit PENDING state,
// which a later run will push; this run counts it neither way.
func (e *Engine) recordMutatedMidPush(localID string) {
	e.logger.Debug("record changed during push, keeping local state", "local_id", localID)
}

func (e *Engine) applyFailure(out pushOutcome, report *models.SyncReport) {
	localID := out.rec.LocalID
	msg := out.err.Error()

	if _, isCap := out.err.(*errCapability); isCap {
		// Local, non-retryable skip: the record is parked FAILED until
		// the server is upgraded and an operator retries it.
		ok, err := e.store.MarkFailed(localID, msg)
		if err != nil {
			e.logger.Warn("mark capability-skipped", "local_id", localID, "err", err)
		} else if !ok {
			e.recordMutatedMidPush(localID)
			return
		}
		report.Skipped++
		e.logger.Debug("push skipped by capability gate", "local_id", localID, "reason", msg)
		return
	}

	switch out.kind {
	case gateway.KindValidation:
		// Requires a local correction; no automatic retry.
		ok, err := e.store.MarkFailed(localID, msg)
		if err != nil {
			e.logger.Warn("mark failed", "local_id", localID, "err", err)
		} else if !ok {
			e.recordMutatedMidPush(localID)
			return
		}
		report.Failed++
		report.Failures = append(report.Failures, models.RecordError{LocalID: localID, Message: msg})

	default:
		// Transport-class failures (including auth, which an operator
		// fixes out of band) go back to PENDING under backoff.
		attempts := out.rec.Attempts + 1
		next := e.now().Add(e.backoff.Delay(attempts))
		ok, err := e.store.MarkRetry(localID, msg, attempts, next)
		if err != nil {
			e.logger.Warn("mark retry", "local_id", localID, "err", err)
		} else if !ok {
			e.recordMutatedMidPush(localID)
			return
		}
		report.Failed++
		report.Failures = append(report.Failures, models.RecordError{LocalID: localID, Message: msg})
		e.logger.Debug("push will retry", "local_id", localID, "attempts", attempts, "next_attempt", next)
	}
}

// pull applies the server's state for the org unit. Records locally
// PENDING, FAILED, or SYNCING are never overwritten: local wins until the
// server has acknowledged the edit. A pull failure only marks the report;
// push results stand.
func (e *Engine) pull(ctx context.Context, orgUnit string, report *models.SyncReport) {
	remote, err := e.gw.Fetch(ctx, orgUnit, time.Time{})
	if err != nil {
		report.PullErr = err.Error()
		e.logger.Warn("pull failed", "org_unit", orgUnit, "err", err)
		return
	}

	for _, rr := range remote {
		local, err := e.store.GetByRemoteID(rr.RemoteID)
		if err != nil {
			e.logger.Warn("pull lookup", "remote_id", rr.RemoteID, "err", err)
			continue
		}

		if local == nil {
			rec := &models.Record{
				LocalID:             uuid.NewString(),
				RemoteID:            rr.RemoteID,
				OrgUnit:             rr.OrgUnit,
				EntityType:          rr.EntityType,
				Payload:             rr.Payload,
				Status:              models.StatusSynced,
				LastLocalMutationAt: rr.LastUpdated,
			}
			if err := e.store.Upsert(rec); err != nil {
				e.logger.Warn("pull insert", "remote_id", rr.RemoteID, "err", err)
				continue
			}
			report.Pulled++
			continue
		}

		if local.Status != models.StatusSynced {
			continue // unacknowledged local edit wins
		}
		if !rr.LastUpdated.After(local.LastLocalMutationAt) {
			continue
		}

		local.Payload = rr.Payload
		local.LastLocalMutationAt = rr.LastUpdated
		if err := e.store.Upsert(local); err != nil {
			e.logger.Warn("pull update", "remote_id", rr.RemoteID, "err", err)
			continue
		}
		report.Pulled++
	}
}
