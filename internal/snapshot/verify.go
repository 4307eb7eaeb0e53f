package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/carbondna/ledger/internal/compliance"
	"github.com/carbondna/ledger/internal/emission"
	"github.com/carbondna/ledger/internal/merkle"
)

// LeafDivergence names a committed record whose current content no longer
// hashes to the leaf sealed in the snapshot.
type LeafDivergence struct {
	RecordID string `json:"record_id"`
	Position int    `json:"position"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Missing  bool   `json:"missing,omitempty"`
}

// Verification is the result of re-verifying a sealed snapshot.
type Verification struct {
	SubmissionID   string           `json:"submission_id"`
	Valid          bool             `json:"valid"`
	StoredRoot     string           `json:"stored_root"`
	RecomputedRoot string           `json:"recomputed_root"`
	Diverged       []LeafDivergence `json:"diverged,omitempty"`
}

// Get returns a snapshot and its leaves.
func (o *Orchestrator) Get(ctx context.Context, submissionID string) (*AuditSnapshot, []Leaf, error) {
	return o.store.Snapshot(ctx, submissionID)
}

// List returns the most recent snapshots.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]AuditSnapshot, error) {
	return o.store.Snapshots(ctx, limit)
}

// ErrUnknownRecord is returned by ScoreRecord for an ID with no stored record.
var ErrUnknownRecord = errors.New("unknown record")

// ScoreRecord scores one stored record against the current rules, without
// sealing anything.
func (o *Orchestrator) ScoreRecord(ctx context.Context, id string) (compliance.ScoredRecord, error) {
	records, err := o.store.RecordsByID(ctx, []string{id})
	if err != nil {
		return compliance.ScoredRecord{}, err
	}
	if len(records) == 0 {
		return compliance.ScoredRecord{}, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	return o.scorer.Score(records[0]), nil
}

// VerifySnapshot recomputes every leaf from the current records and rebuilds
// the root. It is read-only.
func (o *Orchestrator) VerifySnapshot(ctx context.Context, submissionID string) (*Verification, error) {
	snap, leaves, err := o.store.Snapshot(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", submissionID, err)
	}

	ids := make([]string, len(leaves))
	for i, l := range leaves {
		ids[i] = l.RecordID
	}
	records, err := o.store.RecordsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading records for %s: %w", submissionID, err)
	}
	byID := make(map[string]*emission.Record, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}

	v := &Verification{SubmissionID: submissionID, StoredRoot: snap.MerkleRootHash}
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		r, ok := byID[l.RecordID]
		if !ok {
			v.Diverged = append(v.Diverged, LeafDivergence{
				RecordID: l.RecordID, Position: l.Position, Expected: l.LeafHash, Missing: true,
			})
			continue
		}
		h, err := merkle.LeafHash(r.LeafMaterial())
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		hashes[i] = h
		if h != l.LeafHash {
			v.Diverged = append(v.Diverged, LeafDivergence{
				RecordID: l.RecordID, Position: l.Position, Expected: l.LeafHash, Actual: h,
			})
		}
	}

	if len(leaves) > 0 {
		v.RecomputedRoot = merkle.BuildRoot(hashes)
	}
	v.Valid = len(v.Diverged) == 0 && v.RecomputedRoot == v.StoredRoot
	return v, nil
}

// Regulatory status of a snapshot.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusFair      = "fair"
	StatusPoor      = "poor"
)

// ComplianceReport summarises a snapshot for a regulatory submission.
type ComplianceReport struct {
	SubmissionID           string   `json:"submission_id"`
	SubmissionType         string   `json:"submission_type"`
	TotalRecords           int      `json:"total_records"`
	AuditReadyRecords      int      `json:"audit_ready_records"`
	NonCompliantRecords    int      `json:"non_compliant_records"`
	ComplianceRate         float64  `json:"compliance_rate"` // percent audit ready
	AverageComplianceScore float64  `json:"average_compliance_score"`
	Status                 string   `json:"regulatory_status"`
	ComplianceFlags        []string `json:"compliance_flags"`
}

// Report derives the compliance rate and regulatory status of snap.
func Report(snap *AuditSnapshot) ComplianceReport {
	r := ComplianceReport{
		SubmissionID:           snap.SubmissionID,
		SubmissionType:         snap.SubmissionType,
		TotalRecords:           snap.TotalRecords,
		AuditReadyRecords:      snap.AuditReadyRecords,
		NonCompliantRecords:    snap.NonCompliantRecords,
		AverageComplianceScore: snap.AverageComplianceScore,
		ComplianceFlags:        snap.ComplianceFlags,
	}
	if snap.TotalRecords > 0 {
		r.ComplianceRate = float64(snap.AuditReadyRecords) / float64(snap.TotalRecords) * 100
	}

	switch avg := snap.AverageComplianceScore; {
	case r.ComplianceRate >= 95 && avg >= 90:
		r.Status = StatusExcellent
	case r.ComplianceRate >= 85 && avg >= 80:
		r.Status = StatusGood
	case r.ComplianceRate >= 70 && avg >= 70:
		r.Status = StatusFair
	default:
		r.Status = StatusPoor
	}
	return r
}
