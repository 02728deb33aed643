package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/capability"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/gateway"
	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/models"
)

// --- in-memory store fake ---

type memStore struct {
	mu      sync.Mutex
	records map[string]*models.Record
	runs    []models.SyncReport
	failAll bool // simulate an unreachable store
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*models.Record)}
}

var errStoreDown = errors.New("store unreachable")

func (m *memStore) add(rec *models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.LocalID] = &cp
}

func (m *memStore) Get(localID string) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[localID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) GetByRemoteID(remoteID string) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.RemoteID == remoteID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetByStatus(orgUnit string, status models.SyncStatus) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errStoreDown
	}
	var out []models.Record
	for _, rec := range m.records {
		if rec.OrgUnit == orgUnit && rec.Status == status {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memStore) Upsert(rec *models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if existing, ok := m.records[rec.LocalID]; ok && existing.RemoteID != "" {
		cp.RemoteID = existing.RemoteID
	}
	m.records[rec.LocalID] = &cp
	return nil
}

func (m *memStore) DeleteClaimed(localID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[localID]
	if !ok || rec.Status != models.StatusSyncing {
		return false, nil
	}
	delete(m.records, localID)
	return true, nil
}

// editLocally mimics a payload edit from the domain layer: the record goes
// back to PENDING with a reset retry state, whatever it was doing.
func (m *memStore) editLocally(localID string, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[localID]
	rec.Payload = payload
	rec.Status = models.StatusPending
	rec.Attempts = 0
	rec.NextAttemptAt = time.Time{}
	rec.LastSyncError = ""
	rec.LastLocalMutationAt = time.Now().UTC()
}

func (m *memStore) TryClaim(localID string, expected, next models.SyncStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[localID]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = next
	rec.LastSyncAttemptAt = time.Now().UTC()
	return true, nil
}

func (m *memStore) ReclaimStale(orgUnit string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.records {
		if rec.OrgUnit == orgUnit && rec.Status == models.StatusSyncing &&
			!rec.LastSyncAttemptAt.IsZero() && rec.LastSyncAttemptAt.Before(cutoff) {
			rec.Status = models.StatusPending
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkSynced(localID, remoteID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[localID]
	if !ok || rec.Status != models.StatusSyncing {
		return false, nil
	}
	rec.Status = models.StatusSynced
	if rec.RemoteID == "" {
		rec.RemoteID = remoteID
	}
	rec.LastSyncError = ""
	rec.Attempts = 0
	rec.NextAttemptAt = time.Time{}
	return true, nil
}

func (m *memStore) AssignRemoteID(localID, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[localID]
	if ok && rec.RemoteID == "" {
		rec.RemoteID = remoteID
	}
	return nil
}

func (m *memStore) MarkFailed(localID, syncErr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[localID]
	if !ok || rec.Status != models.StatusSyncing {
		return false, nil
	}
	rec.Status = models.StatusFailed
	rec.LastSyncError = syncErr
	rec.NextAttemptAt = time.Time{}
	return true, nil
}

func (m *memStore) MarkRetry(localID, syncErr string, attempts int, nextAttempt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[localID]
	if !ok || rec.Status != models.StatusSyncing {
		return false, nil
	}
	rec.Status = models.StatusPending
	rec.LastSyncError = syncErr
	rec.Attempts = attempts
	rec.NextAttemptAt = nextAttempt
	return true, nil
}

func (m *memStore) RecordRun(report *models.SyncReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *report)
	return nil
}

// --- gateway fake ---

type fakeGateway struct {
	mu          sync.Mutex
	version     capability.Version
	versionErr  error
	createErr   map[string]error // keyed by local ID
	updateErr   map[string]error // keyed by remote ID
	deleteErr   map[string]error
	fetchResult []models.RemoteRecord
	fetchErr    error
	nextID      int
	onCreate    func(localID string)  // runs while the push is in flight
	onDelete    func(remoteID string) // runs while the delete is in flight

	creates map[string]int // local ID -> call count
	updates map[string]int
	deletes map[string]int
	fetches int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		version:   capability.Version{Major: 2, Minor: 40, Patch: 0},
		createErr: make(map[string]error),
		updateErr: make(map[string]error),
		deleteErr: make(map[string]error),
		creates:   make(map[string]int),
		updates:   make(map[string]int),
		deletes:   make(map[string]int),
	}
}

func (g *fakeGateway) ServerInfo(ctx context.Context) (capability.Version, error) {
	if g.versionErr != nil {
		return capability.Version{}, g.versionErr
	}
	return g.version, nil
}

func (g *fakeGateway) Create(ctx context.Context, rec *models.Record) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates[rec.LocalID]++
	if g.onCreate != nil {
		g.onCreate(rec.LocalID)
	}
	if err := g.createErr[rec.LocalID]; err != nil {
		return "", err
	}
	g.nextID++
	return fmt.Sprintf("R%d", 99+g.nextID), nil
}

func (g *fakeGateway) Update(ctx context.Context, remoteID string, rec *models.Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates[remoteID]++
	return g.updateErr[remoteID]
}

func (g *fakeGateway) Delete(ctx context.Context, remoteID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes[remoteID]++
	if g.onDelete != nil {
		g.onDelete(remoteID)
	}
	return g.deleteErr[remoteID]
}

func (g *fakeGateway) Fetch(ctx context.Context, orgUnit string, since time.Time) ([]models.RemoteRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return g.fetchResult, nil
}

func (g *fakeGateway) createCount(localID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates[localID]
}

// --- helpers ---

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(s RecordStore, g Gateway, opts ...Option) *Engine {
	base := []Option{WithLogger(quietLogger()), WithBackoff(Backoff{Base: time.Minute, MaxExp: 5})}
	return New(s, g, append(base, opts...)...)
}

func pendingRecord(localID, orgUnit string) *models.Record {
	return &models.Record{
		LocalID:             localID,
		OrgUnit:             orgUnit,
		EntityType:          "trackedEntities",
		Payload:             json.RawMessage(`{"firstName":"Ada"}`),
		Status:              models.StatusPending,
		LastLocalMutationAt: time.Now().UTC().Add(-time.Minute),
	}
}

func transportErr(msg string) error {
	return &gateway.Error{Kind: gateway.KindTransport, Message: msg}
}

func validationErr(msg string) error {
	return &gateway.Error{Kind: gateway.KindValidation, Code: "E1120", Message: msg}
}

// --- tests ---

func TestRunSyncCreateHappyPath(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.add(pendingRecord("e1", "facility-1"))

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}

	if report.Succeeded != 1 {
		t.Errorf("succeeded: got %d, want 1", report.Succeeded)
	}
	rec, _ := s.Get("e1")
	if rec.Status != models.StatusSynced {
		t.Errorf("status: got %s, want SYNCED", rec.Status)
	}
	if rec.RemoteID != "R100" {
		t.Errorf("remote id: got %s, want R100", rec.RemoteID)
	}
	if rec.LastSyncError != "" {
		t.Errorf("error not cleared: %q", rec.LastSyncError)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.add(pendingRecord("a", "facility-1"))
	s.add(pendingRecord("b", "facility-1"))
	s.add(pendingRecord("c", "facility-1"))
	g.createErr["b"] = transportErr("connection timed out")

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}

	if report.Succeeded != 2 {
		t.Errorf("succeeded: got %d, want 2", report.Succeeded)
	}
	if report.Failed != 1 {
		t.Errorf("failed: got %d, want 1", report.Failed)
	}
	if len(report.Failures) != 1 || report.Failures[0].LocalID != "b" {
		t.Errorf("failures: %+v", report.Failures)
	}

	for _, id := range []string{"a", "c"} {
		rec, _ := s.Get(id)
		if rec.Status != models.StatusSynced {
			t.Errorf("%s: got %s, want SYNCED", id, rec.Status)
		}
	}

	// Transport error: back to PENDING with backoff, not FAILED
	b, _ := s.Get("b")
	if b.Status != models.StatusPending {
		t.Errorf("b status: got %s, want PENDING", b.Status)
	}
	if b.Attempts != 1 {
		t.Errorf("b attempts: got %d, want 1", b.Attempts)
	}
	if b.NextAttemptAt.IsZero() {
		t.Error("b has no backoff gate")
	}
}

func TestValidationRejectionNotRetried(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.add(pendingRecord("e1", "facility-1"))
	g.createErr["e1"] = validationErr("value not a valid date")

	eng := newTestEngine(s, g)
	report, err := eng.RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("failed: got %d, want 1", report.Failed)
	}

	rec, _ := s.Get("e1")
	if rec.Status != models.StatusFailed {
		t.Errorf("status: got %s, want FAILED", rec.Status)
	}
	if !strings.Contains(rec.LastSyncError, "value not a valid date") {
		t.Errorf("error message: %q", rec.LastSyncError)
	}

	// A second run must not touch the FAILED record
	report2, err := eng.RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report2.Attempted != 0 {
		t.Errorf("second run attempted: got %d, want 0", report2.Attempted)
	}
	if got := g.createCount("e1"); got != 1 {
		t.Errorf("create calls: got %d, want 1", got)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.add(pendingRecord("e1", "facility-1"))
	s.add(pendingRecord("e2", "facility-1"))

	eng := newTestEngine(s, g)
	if _, err := eng.RunSync(context.Background(), "facility-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	snapshot := func() map[string]models.Record {
		out := make(map[string]models.Record)
		for _, id := range []string{"e1", "e2"} {
			rec, _ := s.Get(id)
			out[id] = *rec
		}
		return out
	}
	before := snapshot()

	report, err := eng.RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Attempted != 0 || report.Succeeded != 0 || report.Failed != 0 {
		t.Errorf("second run not a no-op: %+v", report)
	}

	after := snapshot()
	for id, rec := range before {
		if !reflect.DeepEqual(after[id], rec) {
			t.Errorf("%s changed on idempotent rerun:\nbefore %+v\nafter  %+v", id, rec, after[id])
		}
	}
}

func TestUpdateUsedForAcknowledgedRecords(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	rec := pendingRecord("e1", "facility-1")
	rec.RemoteID = "R55"
	s.add(rec)

	if _, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1"); err != nil {
		t.Fatalf("run sync: %v", err)
	}

	if g.createCount("e1") != 0 {
		t.Error("create called for a record that already has a remote identity")
	}
	if g.updates["R55"] != 1 {
		t.Errorf("update calls for R55: got %d, want 1", g.updates["R55"])
	}
	got, _ := s.Get("e1")
	if got.RemoteID != "R55" {
		t.Errorf("remote id changed: %s", got.RemoteID)
	}
}

func TestCapabilityGatedPush(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	g.version = capability.Version{Major: 2, Minor: 34, Patch: 0} // predates tracker import
	s.add(pendingRecord("e1", "facility-1"))

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}

	if g.createCount("e1") != 0 {
		t.Error("gateway called despite missing capability")
	}
	if report.Skipped != 1 {
		t.Errorf("skipped: got %d, want 1", report.Skipped)
	}
	if report.Failed != 0 {
		t.Errorf("capability skip counted as remote failure: %+v", report)
	}

	rec, _ := s.Get("e1")
	if rec.Status != models.StatusFailed {
		t.Errorf("status: got %s, want FAILED", rec.Status)
	}
	if !strings.Contains(rec.LastSyncError, "capability") {
		t.Errorf("error should name the capability gate: %q", rec.LastSyncError)
	}
}

func TestBackoffWindowSkipsRecord(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	rec := pendingRecord("e1", "facility-1")
	rec.Attempts = 2
	rec.NextAttemptAt = time.Now().UTC().Add(10 * time.Minute)
	s.add(rec)

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Skipped != 1 || report.Attempted != 0 {
		t.Errorf("report: %+v", report)
	}
	if g.createCount("e1") != 0 {
		t.Error("pushed a record still inside its backoff window")
	}
	got, _ := s.Get("e1")
	if got.Status != models.StatusPending {
		t.Errorf("status: got %s, want PENDING", got.Status)
	}
}

func TestConcurrentRunsPushExactlyOnce(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	for i := 0; i < 20; i++ {
		s.add(pendingRecord(fmt.Sprintf("e%d", i), "facility-1"))
	}

	eng := newTestEngine(s, g, WithWorkers(4))
	var wg sync.WaitGroup
	reports := make([]*models.SyncReport, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := eng.RunSync(context.Background(), "facility-1")
			if err != nil {
				t.Errorf("run %d: %v", i, err)
				return
			}
			reports[i] = r
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("e%d", i)
		if got := g.createCount(id); got != 1 {
			t.Errorf("%s pushed %d times, want exactly 1", id, got)
		}
	}
	var total int
	for _, r := range reports {
		if r == nil {
			t.Fatal("missing report")
		}
		total += r.Succeeded
	}
	if total != 20 {
		t.Errorf("combined succeeded: got %d, want 20", total)
	}
}

func TestPullNeverOverwritesUnacknowledgedEdits(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()

	// X: local edit pending; remote returns an older version of it
	x := pendingRecord("x", "facility-1")
	x.RemoteID = "RX"
	x.Payload = json.RawMessage(`{"firstName":"Edited"}`)
	g.createErr["x"] = transportErr("offline") // keep X pending through the push phase
	s.add(x)

	// F: failed locally; remote has a version too
	f := pendingRecord("f", "facility-1")
	f.RemoteID = "RF"
	f.Status = models.StatusFailed
	f.Payload = json.RawMessage(`{"firstName":"LocalFix"}`)
	s.add(f)

	g.updateErr["RX"] = transportErr("offline")
	g.fetchResult = []models.RemoteRecord{
		{RemoteID: "RX", OrgUnit: "facility-1", EntityType: "trackedEntities",
			Payload: json.RawMessage(`{"firstName":"Stale"}`), LastUpdated: time.Now().UTC().Add(time.Hour)},
		{RemoteID: "RF", OrgUnit: "facility-1", EntityType: "trackedEntities",
			Payload: json.RawMessage(`{"firstName":"Stale"}`), LastUpdated: time.Now().UTC().Add(time.Hour)},
	}

	if _, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1"); err != nil {
		t.Fatalf("run sync: %v", err)
	}

	gotX, _ := s.Get("x")
	if string(gotX.Payload) != `{"firstName":"Edited"}` {
		t.Errorf("pending record overwritten by pull: %s", gotX.Payload)
	}
	if gotX.Status != models.StatusPending {
		t.Errorf("x status: got %s, want PENDING", gotX.Status)
	}

	gotF, _ := s.Get("f")
	if string(gotF.Payload) != `{"firstName":"LocalFix"}` {
		t.Errorf("failed record overwritten by pull: %s", gotF.Payload)
	}
	if gotF.Status != models.StatusFailed {
		t.Errorf("f status: got %s, want FAILED", gotF.Status)
	}
}

func TestPullUpsertsNewAndNewerRecords(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()

	old := time.Now().UTC().Add(-2 * time.Hour)
	newer := time.Now().UTC().Add(-time.Minute)

	// A synced record the server has since updated
	synced := pendingRecord("s1", "facility-1")
	synced.RemoteID = "RS"
	synced.Status = models.StatusSynced
	synced.LastLocalMutationAt = old
	s.add(synced)

	// A synced record whose remote copy is older than local state
	stale := pendingRecord("s2", "facility-1")
	stale.RemoteID = "RO"
	stale.Status = models.StatusSynced
	stale.LastLocalMutationAt = newer
	s.add(stale)

	g.fetchResult = []models.RemoteRecord{
		{RemoteID: "RS", OrgUnit: "facility-1", EntityType: "trackedEntities",
			Payload: json.RawMessage(`{"v":"fresh"}`), LastUpdated: newer},
		{RemoteID: "RO", OrgUnit: "facility-1", EntityType: "trackedEntities",
			Payload: json.RawMessage(`{"v":"old"}`), LastUpdated: old},
		{RemoteID: "RN", OrgUnit: "facility-1", EntityType: "trackedEntities",
			Payload: json.RawMessage(`{"v":"brand-new"}`), LastUpdated: newer},
	}

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Pulled != 2 {
		t.Errorf("pulled: got %d, want 2", report.Pulled)
	}

	gotS, _ := s.Get("s1")
	if string(gotS.Payload) != `{"v":"fresh"}` {
		t.Errorf("newer remote not applied: %s", gotS.Payload)
	}
	gotO, _ := s.Get("s2")
	if string(gotO.Payload) == `{"v":"old"}` {
		t.Error("older remote overwrote newer local state")
	}

	brandNew, _ := s.GetByRemoteID("RN")
	if brandNew == nil {
		t.Fatal("remotely created record not pulled in")
	}
	if brandNew.Status != models.StatusSynced {
		t.Errorf("pulled record status: got %s, want SYNCED", brandNew.Status)
	}
	if brandNew.LocalID == "" || brandNew.LocalID == "RN" {
		t.Errorf("pulled record needs its own local id, got %q", brandNew.LocalID)
	}
}

func TestPullFailureDoesNotVoidPushes(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.add(pendingRecord("e1", "facility-1"))
	g.fetchErr = transportErr("fetch timed out")

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("pull failure must not fail the run: %v", err)
	}
	if report.Succeeded != 1 {
		t.Errorf("succeeded: got %d, want 1", report.Succeeded)
	}
	if report.PullErr == "" {
		t.Error("pull error not reported")
	}
	rec, _ := s.Get("e1")
	if rec.Status != models.StatusSynced {
		t.Errorf("push result rolled back: %s", rec.Status)
	}
}

func TestTombstonePush(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()

	// Acknowledged record being deleted
	acked := pendingRecord("d1", "facility-1")
	acked.RemoteID = "RD"
	acked.Deleted = true
	s.add(acked)

	// Never-pushed record being deleted: no remote call needed
	localOnly := pendingRecord("d2", "facility-1")
	localOnly.Deleted = true
	s.add(localOnly)

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Succeeded != 2 {
		t.Errorf("succeeded: got %d, want 2", report.Succeeded)
	}
	if g.deletes["RD"] != 1 {
		t.Errorf("remote delete calls: got %d, want 1", g.deletes["RD"])
	}
	for _, id := range []string{"d1", "d2"} {
		if rec, _ := s.Get(id); rec != nil {
			t.Errorf("%s still present after acknowledged delete", id)
		}
	}
}

func TestTombstoneRemoteAlreadyGone(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	rec := pendingRecord("d1", "facility-1")
	rec.RemoteID = "RD"
	rec.Deleted = true
	s.add(rec)
	g.deleteErr["RD"] = &gateway.Error{Kind: gateway.KindUnsupported, Message: "not found"}

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Succeeded != 1 {
		t.Errorf("delete of an already-gone record should count as success: %+v", report)
	}
	if got, _ := s.Get("d1"); got != nil {
		t.Error("tombstone not cleared locally")
	}
}

func TestLocalEditDuringPushWins(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.add(pendingRecord("e1", "facility-1"))

	// The payload changes locally while the create is on the wire. The
	// acknowledgement must not mark the record SYNCED: that would strand
	// the edit, since a SYNCED record is never pushed again.
	g.onCreate = func(localID string) {
		s.editLocally(localID, json.RawMessage(`{"firstName":"Grace"}`))
	}

	eng := newTestEngine(s, g)
	report, err := eng.RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Succeeded != 0 {
		t.Errorf("succeeded: got %d, want 0", report.Succeeded)
	}

	rec, _ := s.Get("e1")
	if rec.Status != models.StatusPending {
		t.Errorf("status: got %s, want PENDING", rec.Status)
	}
	if string(rec.Payload) != `{"firstName":"Grace"}` {
		t.Errorf("edited payload lost: %s", rec.Payload)
	}
	// The server handed out an identity; it must stick so the next push
	// updates instead of creating a duplicate.
	if rec.RemoteID != "R100" {
		t.Errorf("remote id: got %q, want R100", rec.RemoteID)
	}

	g.onCreate = nil
	report2, err := eng.RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report2.Succeeded != 1 {
		t.Errorf("second run succeeded: got %d, want 1", report2.Succeeded)
	}
	if g.createCount("e1") != 1 {
		t.Errorf("create calls: got %d, want 1", g.createCount("e1"))
	}
	if g.updates["R100"] != 1 {
		t.Errorf("update calls: got %d, want 1", g.updates["R100"])
	}
	got, _ := s.Get("e1")
	if got.Status != models.StatusSynced {
		t.Errorf("status after second run: got %s, want SYNCED", got.Status)
	}
	if string(got.Payload) != `{"firstName":"Grace"}` {
		t.Errorf("payload after second run: %s", got.Payload)
	}
}

func TestLocalEditDuringDeletePushKeepsRecord(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	rec := pendingRecord("d1", "facility-1")
	rec.RemoteID = "RD"
	rec.Deleted = true
	s.add(rec)

	// The record changes locally while the remote delete is on the wire;
	// removing the row would discard that newer state.
	g.onDelete = func(remoteID string) {
		s.editLocally("d1", json.RawMessage(`{"firstName":"Revived"}`))
	}

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Succeeded != 0 {
		t.Errorf("succeeded: got %d, want 0", report.Succeeded)
	}
	got, _ := s.Get("d1")
	if got == nil {
		t.Fatal("record removed despite a mid-flight local change")
	}
	if got.Status != models.StatusPending {
		t.Errorf("status: got %s, want PENDING", got.Status)
	}
}

func TestNeverPushedTombstoneIgnoresCapabilityGate(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	g.version = capability.Version{Major: 2, Minor: 34, Patch: 0} // predates remote deletes
	rec := pendingRecord("d1", "facility-1")
	rec.Deleted = true
	s.add(rec)

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	// No remote call is involved, so the server version is irrelevant.
	if report.Succeeded != 1 || report.Skipped != 0 {
		t.Errorf("report: %+v", report)
	}
	if len(g.deletes) != 0 {
		t.Errorf("remote delete called for a record the server never saw: %v", g.deletes)
	}
	if got, _ := s.Get("d1"); got != nil {
		t.Error("local-only tombstone not removed")
	}
}

func TestStaleSyncingReclaimed(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	rec := pendingRecord("e1", "facility-1")
	rec.Status = models.StatusSyncing
	rec.LastSyncAttemptAt = time.Now().UTC().Add(-time.Hour)
	s.add(rec)

	eng := newTestEngine(s, g, WithClaimTimeout(15*time.Minute))
	report, err := eng.RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Succeeded != 1 {
		t.Errorf("stranded record not recovered: %+v", report)
	}
	got, _ := s.Get("e1")
	if got.Status != models.StatusSynced {
		t.Errorf("status: got %s, want SYNCED", got.Status)
	}
}

func TestFreshSyncingNotTouched(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	rec := pendingRecord("e1", "facility-1")
	rec.Status = models.StatusSyncing
	rec.LastSyncAttemptAt = time.Now().UTC()
	s.add(rec)

	report, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Attempted != 0 {
		t.Errorf("in-flight record claimed by a second run: %+v", report)
	}
	if g.createCount("e1") != 0 {
		t.Error("in-flight record pushed again")
	}
}

func TestVersionProbeFailureIsRunLevelError(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.add(pendingRecord("e1", "facility-1"))
	g.versionErr = transportErr("no route to host")

	_, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if err == nil {
		t.Fatal("expected run-level error")
	}
	// Nothing was claimed: the record is untouched
	rec, _ := s.Get("e1")
	if rec.Status != models.StatusPending {
		t.Errorf("status: got %s, want PENDING", rec.Status)
	}
	if rec.Attempts != 0 {
		t.Errorf("attempts bumped by a precondition failure: %d", rec.Attempts)
	}
}

func TestStoreUnreachableIsRunLevelError(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.failAll = true

	_, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1")
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got: %v", err)
	}
}

func TestRunHistoryRecorded(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.add(pendingRecord("e1", "facility-1"))

	if _, err := newTestEngine(s, g).RunSync(context.Background(), "facility-1"); err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if len(s.runs) != 1 {
		t.Fatalf("runs recorded: got %d, want 1", len(s.runs))
	}
	if s.runs[0].Succeeded != 1 || s.runs[0].OrgUnit != "facility-1" {
		t.Errorf("recorded run: %+v", s.runs[0])
	}
}

func TestDifferentOrgUnitsAreIndependent(t *testing.T) {
	s := newMemStore()
	g := newFakeGateway()
	s.add(pendingRecord("a", "facility-1"))
	s.add(pendingRecord("b", "facility-2"))

	eng := newTestEngine(s, g)
	report, err := eng.RunSync(context.Background(), "facility-1")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if report.Attempted != 1 {
		t.Errorf("facility-1 attempted: got %d, want 1", report.Attempted)
	}
	b, _ := s.Get("b")
	if b.Status != models.StatusPending {
		t.Errorf("other org unit touched: %s", b.Status)
	}
}
