package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carbondna/ledger/internal/snapshot"
	"github.com/shopspring/decimal"
)

const snapshotColumns = `submission_id, submission_type, period_start, period_end, merkle_root_hash,
	total_records, total_emissions_kgco2e, scope_1_emissions_kgco2e, scope_2_emissions_kgco2e, scope_3_emissions_kgco2e,
	average_compliance_score, audit_ready_records, non_compliant_records, compliance_flags, created_by, created_at`

// SaveSnapshot writes the snapshot and its leaves in one transaction. A
// failure leaves neither behind. Existing snapshots are never overwritten.
func (s *Store) SaveSnapshot(ctx context.Context, snap *snapshot.AuditSnapshot, leaves []snapshot.Leaf) error {
	flags, err := json.Marshal(snap.ComplianceFlags)
	if err != nil {
		return fmt.Errorf("encoding compliance flags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin save snapshot", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SubmissionID, snap.SubmissionType,
		formatTime(snap.ReportingPeriodStart), formatTime(snap.ReportingPeriodEnd),
		snap.MerkleRootHash, snap.TotalRecords,
		snap.TotalEmissionsKgCO2e.String(), snap.Scope1EmissionsKgCO2e.String(),
		snap.Scope2EmissionsKgCO2e.String(), snap.Scope3EmissionsKgCO2e.String(),
		snap.AverageComplianceScore, snap.AuditReadyRecords, snap.NonCompliantRecords,
		string(flags), snap.CreatedBy, formatTime(snap.CreatedAt),
	)
	if err != nil {
		return persistErr(fmt.Sprintf("insert snapshot %s", snap.SubmissionID), err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO snapshot_leaves (submission_id, position, record_id, leaf_hash) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return persistErr("prepare snapshot leaves", err)
	}
	defer stmt.Close()
	for _, l := range leaves {
		if _, err := stmt.ExecContext(ctx, snap.SubmissionID, l.Position, l.RecordID, l.LeafHash); err != nil {
			return persistErr(fmt.Sprintf("insert leaf %d of %s", l.Position, snap.SubmissionID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistErr("commit snapshot", err)
	}
	return nil
}

// Snapshot returns a snapshot and its leaves in position order, or an error
// wrapping ErrNotFound.
func (s *Store) Snapshot(ctx context.Context, submissionID string) (*snapshot.AuditSnapshot, []snapshot.Leaf, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM snapshots WHERE submission_id = ?", submissionID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("snapshot %s: %w", submissionID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, persistErr("read snapshot", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT position, record_id, leaf_hash FROM snapshot_leaves WHERE submission_id = ? ORDER BY position",
		submissionID)
	if err != nil {
		return nil, nil, persistErr("query snapshot leaves", err)
	}
	defer rows.Close()

	var leaves []snapshot.Leaf
	for rows.Next() {
		var l snapshot.Leaf
		if err := rows.Scan(&l.Position, &l.RecordID, &l.LeafHash); err != nil {
			return nil, nil, persistErr("scan snapshot leaf", err)
		}
		leaves = append(leaves, l)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, persistErr("query snapshot leaves", err)
	}
	return snap, leaves, nil
}

// Snapshots lists snapshots, most recent first.
func (s *Store) Snapshots(ctx context.Context, limit int) ([]snapshot.AuditSnapshot, error) {
	query := "SELECT " + snapshotColumns + " FROM snapshots ORDER BY created_at DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("query snapshots", err)
	}
	defer rows.Close()

	var out []snapshot.AuditSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, persistErr("scan snapshot", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("query snapshots", err)
	}
	return out, nil
}

func scanSnapshot(sc scanner) (*snapshot.AuditSnapshot, error) {
	var (
		snap                     snapshot.AuditSnapshot
		start, end, created      string
		total, s1, s2, s3, flags string
	)
	err := sc.Scan(&snap.SubmissionID, &snap.SubmissionType, &start, &end, &snap.MerkleRootHash,
		&snap.TotalRecords, &total, &s1, &s2, &s3,
		&snap.AverageComplianceScore, &snap.AuditReadyRecords, &snap.NonCompliantRecords,
		&flags, &snap.CreatedBy, &created)
	if err != nil {
		return nil, err
	}

	for _, t := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&snap.TotalEmissionsKgCO2e, total},
		{&snap.Scope1EmissionsKgCO2e, s1},
		{&snap.Scope2EmissionsKgCO2e, s2},
		{&snap.Scope3EmissionsKgCO2e, s3},
	} {
		if *t.dst, err = decimal.NewFromString(t.src); err != nil {
			return nil, fmt.Errorf("snapshot %s totals: %w", snap.SubmissionID, err)
		}
	}
	if snap.ReportingPeriodStart, err = parseTime(start); err != nil {
		return nil, err
	}
	if snap.ReportingPeriodEnd, err = parseTime(end); err != nil {
		return nil, err
	}
	if snap.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(flags), &snap.ComplianceFlags); err != nil {
		return nil, fmt.Errorf("snapshot %s flags: %w", snap.SubmissionID, err)
	}
	return &snap, nil
}
