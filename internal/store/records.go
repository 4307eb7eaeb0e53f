package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carbondna/ledger/internal/emission"
	"github.com/shopspring/decimal"
)

const recordColumns = `id, date, supplier_name, activity_type, scope, category, methodology,
	emissions_kgco2e, activity_amount, activity_unit, data_quality_score, date_start, date_end, created_at,
	ai_classified, needs_human_review, confidence_score, record_hash, previous_hash, salt`

// PutRecords inserts or replaces emission records in one transaction.
func (s *Store) PutRecords(ctx context.Context, records []emission.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin put records", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO emission_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return persistErr("prepare put records", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		var date sql.NullString
		if r.Date != nil {
			date = sql.NullString{String: r.Date.UTC().Format(emission.DateLayout), Valid: true}
		}
		var scope sql.NullInt64
		if r.Scope != nil {
			scope = sql.NullInt64{Int64: int64(*r.Scope), Valid: true}
		}
		var quality sql.NullFloat64
		if r.DataQualityScore != nil {
			quality = sql.NullFloat64{Float64: *r.DataQualityScore, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			r.ID, date, r.SupplierName, r.ActivityType, scope, r.Category, r.Methodology,
			nullDecimal(r.EmissionsKgCO2e), nullDecimal(r.ActivityAmount), r.ActivityUnit, quality,
			nullTime(r.DateStart), nullTime(r.DateEnd), nullTime(r.CreatedAt),
			r.AIClassified, r.NeedsHumanReview, r.ConfidenceScore,
			r.RecordHash, r.PreviousHash, r.Salt,
		)
		if err != nil {
			return persistErr(fmt.Sprintf("put record %s", r.ID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit put records", err)
	}
	return nil
}

// LastRecordHash returns the record hash of the most recently written
// record, or "" when there are none. Ingestion links new records to it.
func (s *Store) LastRecordHash(ctx context.Context) (string, error) {
	var h string
	err := s.db.QueryRowContext(ctx,
		"SELECT record_hash FROM emission_records WHERE record_hash != '' ORDER BY rowid DESC LIMIT 1",
	).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", persistErr("read last record hash", err)
	}
	return h, nil
}

// SelectRecords returns records dated within [start, end] by calendar day,
// optionally restricted to ids.
func (s *Store) SelectRecords(ctx context.Context, start, end time.Time, ids []string) ([]emission.Record, error) {
	query := "SELECT " + recordColumns + " FROM emission_records WHERE date >= ? AND date <= ?"
	args := []any{start.UTC().Format(emission.DateLayout), end.UTC().Format(emission.DateLayout)}
	if len(ids) > 0 {
		query += " AND id IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	return s.queryRecords(ctx, query+" ORDER BY id", args...)
}

// RecordsByID returns the records with the given ids that exist, by id.
func (s *Store) RecordsByID(ctx context.Context, ids []string) ([]emission.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := "SELECT " + recordColumns + " FROM emission_records WHERE id IN (" + placeholders(len(ids)) + ") ORDER BY id"
	return s.queryRecords(ctx, query, args...)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]emission.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("query records", err)
	}
	defer rows.Close()

	var out []emission.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, persistErr("scan record", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("query records", err)
	}
	return out, nil
}

func scanRecord(sc scanner) (*emission.Record, error) {
	var (
		r                           emission.Record
		date                        sql.NullString
		scope                       sql.NullInt64
		emissions, amount           sql.NullString
		quality                     sql.NullFloat64
		dateStart, dateEnd, created sql.NullString
	)
	err := sc.Scan(&r.ID, &date, &r.SupplierName, &r.ActivityType, &scope, &r.Category, &r.Methodology,
		&emissions, &amount, &r.ActivityUnit, &quality, &dateStart, &dateEnd, &created,
		&r.AIClassified, &r.NeedsHumanReview, &r.ConfidenceScore, &r.RecordHash, &r.PreviousHash, &r.Salt)
	if err != nil {
		return nil, err
	}

	if date.Valid {
		d, err := time.Parse(emission.DateLayout, date.String)
		if err != nil {
			return nil, fmt.Errorf("record %s date: %w", r.ID, err)
		}
		r.Date = &d
	}
	if scope.Valid {
		v := int(scope.Int64)
		r.Scope = &v
	}
	if quality.Valid {
		v := quality.Float64
		r.DataQualityScore = &v
	}
	if r.EmissionsKgCO2e, err = scanDecimal(emissions); err != nil {
		return nil, fmt.Errorf("record %s emissions: %w", r.ID, err)
	}
	if r.ActivityAmount, err = scanDecimal(amount); err != nil {
		return nil, fmt.Errorf("record %s activity_amount: %w", r.ID, err)
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{{&r.DateStart, dateStart}, {&r.DateEnd, dateEnd}, {&r.CreatedAt, created}} {
		if *f.dst, err = scanNullTime(f.src); err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func scanDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
