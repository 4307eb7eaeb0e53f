// Package snapshot seals a reporting period of emission records into an
// immutable, Merkle-committed audit snapshot.
//
// Leaves are ordered by ascending record ID, so a snapshot's root does not
// depend on the order in which the store returns records.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carbondna/ledger/internal/emission"
	"github.com/shopspring/decimal"
)

// AuditSnapshot is the persisted summary of one sealed reporting period.
// Integrity fields (root, counts, totals) never change after creation.
type AuditSnapshot struct {
	SubmissionID         string    `json:"submission_id"`
	SubmissionType       string    `json:"submission_type"`
	ReportingPeriodStart time.Time `json:"reporting_period_start"`
	ReportingPeriodEnd   time.Time `json:"reporting_period_end"`
	MerkleRootHash       string    `json:"merkle_root_hash"`

	TotalRecords          int             `json:"total_records"`
	TotalEmissionsKgCO2e  decimal.Decimal `json:"total_emissions_kgco2e"`
	Scope1EmissionsKgCO2e decimal.Decimal `json:"scope_1_emissions_kgco2e"`
	Scope2EmissionsKgCO2e decimal.Decimal `json:"scope_2_emissions_kgco2e"`
	Scope3EmissionsKgCO2e decimal.Decimal `json:"scope_3_emissions_kgco2e"`

	AverageComplianceScore float64  `json:"average_compliance_score"`
	AuditReadyRecords      int      `json:"audit_ready_records"`
	NonCompliantRecords    int      `json:"non_compliant_records"`
	ComplianceFlags        []string `json:"compliance_flags"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Leaf is one committed record of a snapshot, at its position in the tree.
type Leaf struct {
	Position int    `json:"position"`
	RecordID string `json:"record_id"`
	LeafHash string `json:"leaf_hash"`
}

// Store is the persistence the orchestrator needs.
//
// SelectRecords returns records whose date lies in [start, end] (inclusive,
// by calendar day), restricted to ids when ids is non-empty. SaveSnapshot
// must persist the snapshot and its leaves atomically.
type Store interface {
	SelectRecords(ctx context.Context, start, end time.Time, ids []string) ([]emission.Record, error)
	RecordsByID(ctx context.Context, ids []string) ([]emission.Record, error)
	SaveSnapshot(ctx context.Context, snap *AuditSnapshot, leaves []Leaf) error
	Snapshot(ctx context.Context, submissionID string) (*AuditSnapshot, []Leaf, error)
	Snapshots(ctx context.Context, limit int) ([]AuditSnapshot, error)
}

// EmptySelectionError is returned when a snapshot is requested over a
// selection with no records and empty snapshots were not allowed.
type EmptySelectionError struct {
	Start, End time.Time
	IDs        []string
}

func (e *EmptySelectionError) Error() string {
	msg := fmt.Sprintf("no emission records between %s and %s",
		e.Start.Format(emission.DateLayout), e.End.Format(emission.DateLayout))
	if len(e.IDs) > 0 {
		msg += fmt.Sprintf(" among ids [%s]", strings.Join(e.IDs, ", "))
	}
	return msg
}
