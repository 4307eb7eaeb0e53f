package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carbondna/ledger/internal/compliance"
	"github.com/carbondna/ledger/internal/emission"
	"github.com/carbondna/ledger/internal/merkle"
	"github.com/shopspring/decimal"
)

type memStore struct {
	mu        sync.Mutex
	records   map[string]emission.Record
	snapshots map[string]AuditSnapshot
	leaves    map[string][]Leaf
	saveErr   error
}

func newMemStore(records ...emission.Record) *memStore {
	s := &memStore{
		records:   map[string]emission.Record{},
		snapshots: map[string]AuditSnapshot{},
		leaves:    map[string][]Leaf{},
	}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

// SelectRecords returns matches in map order so callers cannot rely on it.
func (s *memStore) SelectRecords(ctx context.Context, start, end time.Time, ids []string) ([]emission.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	from := start.Format(emission.DateLayout)
	to := end.Format(emission.DateLayout)
	var out []emission.Record
	for _, r := range s.records {
		if r.Date == nil {
			continue
		}
		d := r.Date.Format(emission.DateLayout)
		if d < from || d > to {
			continue
		}
		if len(want) > 0 && !want[r.ID] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) RecordsByID(ctx context.Context, ids []string) ([]emission.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []emission.Record
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) SaveSnapshot(ctx context.Context, snap *AuditSnapshot, leaves []Leaf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.snapshots[snap.SubmissionID] = *snap
	s.leaves[snap.SubmissionID] = append([]Leaf(nil), leaves...)
	return nil
}

func (s *memStore) Snapshot(ctx context.Context, id string) (*AuditSnapshot, []Leaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, nil, fmt.Errorf("snapshot %s not found", id)
	}
	return &snap, s.leaves[id], nil
}

func (s *memStore) Snapshots(ctx context.Context, limit int) ([]AuditSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditSnapshot
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	return out, nil
}

func record(id, day string, scope int, emissions string) emission.Record {
	d, _ := time.Parse(emission.DateLayout, day)
	r := emission.Record{
		ID:               id,
		Date:             &d,
		SupplierName:     "Supplier " + id,
		ActivityType:     "electricity",
		Scope:            &scope,
		Category:         "energy",
		Methodology:      "activity-based",
		RecordHash:       strings.Repeat("ab", 32),
		PreviousHash:     strings.Repeat("cd", 32),
		Salt:             "salt-" + id,
		DataQualityScore: func() *float64 { v := 8.0; return &v }(),
	}
	if emissions != "" {
		e := decimal.RequireFromString(emissions)
		r.EmissionsKgCO2e = &e
	}
	return r
}

var (
	jan1  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan31 = time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
)

func TestCreateSnapshot_Aggregates(t *testing.T) {
	records := []emission.Record{
		record("rec-c", "2024-01-20", 3, ""),
		record("rec-a", "2024-01-05", 1, "100"),
		record("rec-b", "2024-01-10", 2, "50.5"),
		record("rec-z", "2024-02-01", 1, "999"), // outside the period
	}
	store := newMemStore(records...)
	scorer := compliance.NewScorer(nil)
	o := NewOrchestrator(store, scorer, WithWorkers(2))

	snap, err := o.CreateSnapshot(context.Background(), Request{
		SubmissionType: "epa", PeriodStart: jan1, PeriodEnd: jan31, CreatedBy: "auditor@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	if snap.TotalRecords != 3 {
		t.Fatalf("total records: %d", snap.TotalRecords)
	}
	if !snap.TotalEmissionsKgCO2e.Equal(decimal.RequireFromString("150.5")) {
		t.Errorf("total emissions: %s", snap.TotalEmissionsKgCO2e)
	}
	if !snap.Scope1EmissionsKgCO2e.Equal(decimal.NewFromInt(100)) ||
		!snap.Scope2EmissionsKgCO2e.Equal(decimal.RequireFromString("50.5")) ||
		!snap.Scope3EmissionsKgCO2e.IsZero() {
		t.Errorf("scope breakdown: %s %s %s",
			snap.Scope1EmissionsKgCO2e, snap.Scope2EmissionsKgCO2e, snap.Scope3EmissionsKgCO2e)
	}

	var sum float64
	ready, nonCompliant := 0, 0
	for _, r := range records[:3] {
		sr := scorer.Score(r)
		sum += sr.OverallScore
		if sr.AuditReady {
			ready++
		}
		if sr.NonCompliant() {
			nonCompliant++
		}
	}
	if math.Abs(snap.AverageComplianceScore-sum/3) > 0.01 {
		t.Errorf("average: got %v, want %v", snap.AverageComplianceScore, sum/3)
	}
	if snap.AuditReadyRecords != ready || snap.NonCompliantRecords != nonCompliant {
		t.Errorf("counts: ready %d non-compliant %d", snap.AuditReadyRecords, snap.NonCompliantRecords)
	}
	if !contains(snap.ComplianceFlags, compliance.FlagInvalidEmissionsValue) {
		t.Errorf("flag union missing emissions flag: %v", snap.ComplianceFlags)
	}
	if !sort.StringsAreSorted(snap.ComplianceFlags) {
		t.Error("flags should be sorted")
	}

	if ok, _ := regexp.MatchString(`^EPA_20240101_20240131_[0-9a-f]{8}$`, snap.SubmissionID); !ok {
		t.Errorf("submission id format: %s", snap.SubmissionID)
	}
	if snap.CreatedBy != "auditor@example.com" {
		t.Errorf("created_by: %q", snap.CreatedBy)
	}

	leaves := store.leaves[snap.SubmissionID]
	var hashes []string
	for i, want := range []string{"rec-a", "rec-b", "rec-c"} {
		if leaves[i].RecordID != want || leaves[i].Position != i {
			t.Errorf("leaf %d: %+v", i, leaves[i])
		}
		r := store.records[want]
		h, _ := merkle.LeafHash(r.LeafMaterial())
		hashes = append(hashes, h)
	}
	if snap.MerkleRootHash != merkle.BuildRoot(hashes) {
		t.Error("root must be built over leaves in ascending ID order")
	}
}

func TestCreateSnapshot_IDFilter(t *testing.T) {
	store := newMemStore(
		record("rec-a", "2024-01-05", 1, "10"),
		record("rec-b", "2024-01-06", 1, "20"),
	)
	o := NewOrchestrator(store, compliance.NewScorer(nil))
	snap, err := o.CreateSnapshot(context.Background(), Request{
		SubmissionType: "TCFD", PeriodStart: jan1, PeriodEnd: jan31, RecordIDs: []string{"rec-b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalRecords != 1 || !snap.TotalEmissionsKgCO2e.Equal(decimal.NewFromInt(20)) {
		t.Errorf("filter not applied: %+v", snap)
	}
	recB := store.records["rec-b"]
	h, _ := merkle.LeafHash(recB.LeafMaterial())
	if snap.MerkleRootHash != h {
		t.Error("single-leaf root should equal the leaf")
	}
}

func TestCreateSnapshot_EmptyPeriod(t *testing.T) {
	store := newMemStore()
	o := NewOrchestrator(store, compliance.NewScorer(nil))
	ctx := context.Background()

	_, err := o.CreateSnapshot(ctx, Request{SubmissionType: "EPA", PeriodStart: jan1, PeriodEnd: jan31})
	var empty *EmptySelectionError
	if !errors.As(err, &empty) {
		t.Fatalf("expected EmptySelectionError, got %v", err)
	}
	if len(store.snapshots) != 0 {
		t.Fatal("no snapshot should be persisted")
	}

	snap, err := o.CreateSnapshot(ctx, Request{
		SubmissionType: "EPA", PeriodStart: jan1, PeriodEnd: jan31, AllowEmpty: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalRecords != 0 || snap.MerkleRootHash != "" || snap.AverageComplianceScore != 0 {
		t.Errorf("empty snapshot: %+v", snap)
	}
	if !snap.TotalEmissionsKgCO2e.IsZero() || len(snap.ComplianceFlags) != 0 {
		t.Errorf("empty snapshot totals: %+v", snap)
	}
}

func TestCreateSnapshot_SaveFailureLeavesNothing(t *testing.T) {
	store := newMemStore(record("rec-a", "2024-01-05", 1, "10"))
	store.saveErr = errors.New("disk full")
	var sealed int
	o := NewOrchestrator(store, compliance.NewScorer(nil), OnSealed(func(AuditSnapshot) { sealed++ }))

	_, err := o.CreateSnapshot(context.Background(), Request{SubmissionType: "EPA", PeriodStart: jan1, PeriodEnd: jan31})
	if !errors.Is(err, store.saveErr) {
		t.Errorf("expected save error, got %v", err)
	}
	if sealed != 0 || len(store.snapshots) != 0 {
		t.Error("failed snapshot must not be announced or persisted")
	}
}

func TestCreateSnapshot_Cancelled(t *testing.T) {
	var records []emission.Record
	for i := 0; i < 50; i++ {
		records = append(records, record(fmt.Sprintf("rec-%02d", i), "2024-01-05", 1, "1"))
	}
	store := newMemStore(records...)
	o := NewOrchestrator(store, compliance.NewScorer(nil), WithWorkers(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.CreateSnapshot(ctx, Request{SubmissionType: "EPA", PeriodStart: jan1, PeriodEnd: jan31})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(store.snapshots) != 0 {
		t.Error("cancelled snapshot must not be persisted")
	}
}

func TestCreateSnapshot_RejectsBadRequest(t *testing.T) {
	o := NewOrchestrator(newMemStore(), compliance.NewScorer(nil))
	ctx := context.Background()
	if _, err := o.CreateSnapshot(ctx, Request{PeriodStart: jan1, PeriodEnd: jan31}); err == nil {
		t.Error("missing submission type should fail")
	}
	if _, err := o.CreateSnapshot(ctx, Request{SubmissionType: "EPA", PeriodStart: jan31, PeriodEnd: jan1}); err == nil {
		t.Error("inverted period should fail")
	}
}

func TestCreateSnapshot_NewSnapshotEachRun(t *testing.T) {
	store := newMemStore(record("rec-a", "2024-01-05", 1, "10"))
	o := NewOrchestrator(store, compliance.NewScorer(nil))
	req := Request{SubmissionType: "EPA", PeriodStart: jan1, PeriodEnd: jan31}
	a, err := o.CreateSnapshot(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := o.CreateSnapshot(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if a.SubmissionID == b.SubmissionID {
		t.Error("each run must produce a new submission id")
	}
	if a.MerkleRootHash != b.MerkleRootHash {
		t.Error("same selection should give the same root")
	}
}

func TestVerifySnapshot(t *testing.T) {
	store := newMemStore(
		record("rec-a", "2024-01-05", 1, "10"),
		record("rec-b", "2024-01-06", 2, "20"),
		record("rec-c", "2024-01-07", 3, "30"),
	)
	o := NewOrchestrator(store, compliance.NewScorer(nil))
	ctx := context.Background()
	snap, err := o.CreateSnapshot(ctx, Request{SubmissionType: "EPA", PeriodStart: jan1, PeriodEnd: jan31})
	if err != nil {
		t.Fatal(err)
	}

	v, err := o.VerifySnapshot(ctx, snap.SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid || v.RecomputedRoot != snap.MerkleRootHash {
		t.Fatalf("untouched snapshot should verify: %+v", v)
	}

	tampered := store.records["rec-b"]
	changed := decimal.NewFromInt(2)
	tampered.EmissionsKgCO2e = &changed
	store.records["rec-b"] = tampered
	delete(store.records, "rec-c")

	v, err = o.VerifySnapshot(ctx, snap.SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid {
		t.Fatal("tampered snapshot should not verify")
	}
	if len(v.Diverged) != 2 {
		t.Fatalf("diverged: %+v", v.Diverged)
	}
	if v.Diverged[0].RecordID != "rec-b" || v.Diverged[0].Actual == "" {
		t.Errorf("first divergence: %+v", v.Diverged[0])
	}
	if v.Diverged[1].RecordID != "rec-c" || !v.Diverged[1].Missing {
		t.Errorf("second divergence: %+v", v.Diverged[1])
	}
}

func TestScoreRecord(t *testing.T) {
	o := NewOrchestrator(newMemStore(record("rec-a", "2024-01-05", 1, "10")), compliance.NewScorer(nil))

	sr, err := o.ScoreRecord(context.Background(), "rec-a")
	if err != nil {
		t.Fatal(err)
	}
	if sr.Record.ID != "rec-a" || sr.OverallScore <= 0 {
		t.Errorf("scored: %+v", sr)
	}

	if _, err := o.ScoreRecord(context.Background(), "nope"); !errors.Is(err, ErrUnknownRecord) {
		t.Errorf("expected ErrUnknownRecord, got %v", err)
	}
}

func TestReport(t *testing.T) {
	tests := []struct {
		total, ready int
		avg          float64
		want         string
	}{
		{100, 96, 92, StatusExcellent},
		{100, 96, 85, StatusGood},
		{100, 90, 81, StatusGood},
		{100, 75, 72, StatusFair},
		{100, 60, 95, StatusPoor},
		{0, 0, 0, StatusPoor},
	}
	for _, tt := range tests {
		r := Report(&AuditSnapshot{TotalRecords: tt.total, AuditReadyRecords: tt.ready, AverageComplianceScore: tt.avg})
		if r.Status != tt.want {
			t.Errorf("%d/%d avg %v: got %s, want %s", tt.ready, tt.total, tt.avg, r.Status, tt.want)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
