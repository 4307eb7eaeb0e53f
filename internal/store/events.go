package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carbondna/ledger/internal/canonical"
	"github.com/carbondna/ledger/internal/ledger"
	"github.com/shopspring/decimal"
)

const eventColumns = `seq, id, occurred_at, supplier_id, scope, activity, inputs, factor_id, method,
	result_kgco2e, uncertainty_pct, source_doc, prev_hash, content_hash, row_hash, field_hashes, created_at`

// ChainHead returns the row hash of the most recent event, or ledger.Genesis
// for an empty chain.
func (s *Store) ChainHead(ctx context.Context) (ledger.ChainHead, error) {
	var head string
	err := s.db.QueryRowContext(ctx, "SELECT row_hash FROM events ORDER BY seq DESC LIMIT 1").Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Genesis, nil
	}
	if err != nil {
		return ledger.Genesis, persistErr("read chain head", err)
	}
	return ledger.ChainHead(head), nil
}

// AppendEvent inserts e only if the stored head still equals expected, and
// sets e.Seq. Returns ledger.ErrHeadMoved when another writer got there first.
//
// Inputs are stored as their canonical encoding so a reloaded event hashes
// to exactly the bytes it was sealed with.
func (s *Store) AppendEvent(ctx context.Context, e *ledger.Event, expected ledger.ChainHead) error {
	inputs, err := canonical.Value(e.Inputs)
	if err != nil {
		return fmt.Errorf("encoding inputs of %s: %w", e.ID, err)
	}
	docs, err := json.Marshal(e.SourceDoc)
	if err != nil {
		return fmt.Errorf("encoding source_doc of %s: %w", e.ID, err)
	}
	fields, err := json.Marshal(e.FieldHashes)
	if err != nil {
		return fmt.Errorf("encoding field hashes of %s: %w", e.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, occurred_at, supplier_id, scope, activity, inputs, factor_id, method,
			result_kgco2e, uncertainty_pct, source_doc, prev_hash, content_hash, row_hash, field_hashes, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE COALESCE((SELECT row_hash FROM events ORDER BY seq DESC LIMIT 1), '') = ?`,
		e.ID, formatTime(e.OccurredAt), e.SupplierID, e.Scope, e.Activity, string(inputs), e.FactorID, e.Method,
		e.ResultKgCO2e.String(), e.UncertaintyPct.String(), string(docs),
		e.PrevHash, e.ContentHash, e.RowHash, string(fields), formatTime(e.CreatedAt),
		string(expected),
	)
	if err != nil {
		return persistErr("append event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("append event", err)
	}
	if n == 0 {
		return ledger.ErrHeadMoved
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return persistErr("append event", err)
	}
	e.Seq = seq
	return nil
}

// Events returns events matching q in append order.
func (s *Store) Events(ctx context.Context, q ledger.Query) ([]ledger.Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE 1=1"
	var args []any
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(q.Since))
	}
	if !q.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, formatTime(q.Until))
	}
	if q.Limit > 0 {
		query = "SELECT * FROM (" + query + " ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC"
		args = append(args, q.Limit)
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("query events", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, persistErr("scan event", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("query events", err)
	}
	return events, nil
}

// EventByID returns one event, or an error wrapping ErrNotFound.
func (s *Store) EventByID(ctx context.Context, id string) (*ledger.Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("read event", err)
	}
	return e, nil
}

// SaveDailyRoot records the Merkle root of one closed day. Closing the same
// day again replaces the earlier root.
func (s *Store) SaveDailyRoot(ctx context.Context, r ledger.DailyRoot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO daily_roots (period_date, root_hash, count_events, created_at) VALUES (?, ?, ?, ?)`,
		r.PeriodDate, r.RootHash, r.CountEvents, formatTime(r.CreatedAt),
	)
	if err != nil {
		return persistErr("save daily root", err)
	}
	return nil
}

// DailyRoots lists closed days, most recent first.
func (s *Store) DailyRoots(ctx context.Context, limit int) ([]ledger.DailyRoot, error) {
	query := "SELECT period_date, root_hash, count_events, created_at FROM daily_roots ORDER BY period_date DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("query daily roots", err)
	}
	defer rows.Close()

	var out []ledger.DailyRoot
	for rows.Next() {
		var r ledger.DailyRoot
		var created string
		if err := rows.Scan(&r.PeriodDate, &r.RootHash, &r.CountEvents, &created); err != nil {
			return nil, persistErr("scan daily root", err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, persistErr("scan daily root", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*ledger.Event, error) {
	var (
		e                    ledger.Event
		occurred, created    string
		inputs, docs, fields string
		result, uncertainty  string
	)
	err := sc.Scan(&e.Seq, &e.ID, &occurred, &e.SupplierID, &e.Scope, &e.Activity, &inputs,
		&e.FactorID, &e.Method, &result, &uncertainty, &docs,
		&e.PrevHash, &e.ContentHash, &e.RowHash, &fields, &created)
	if err != nil {
		return nil, err
	}

	if e.OccurredAt, err = parseTime(occurred); err != nil {
		return nil, fmt.Errorf("occurred_at: %w", err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if e.ResultKgCO2e, err = decimal.NewFromString(result); err != nil {
		return nil, fmt.Errorf("result_kgco2e: %w", err)
	}
	if e.UncertaintyPct, err = decimal.NewFromString(uncertainty); err != nil {
		return nil, fmt.Errorf("uncertainty_pct: %w", err)
	}

	// Numbers stay json.Number so integers re-encode verbatim.
	dec := json.NewDecoder(bytes.NewReader([]byte(inputs)))
	dec.UseNumber()
	if err := dec.Decode(&e.Inputs); err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(docs), &e.SourceDoc); err != nil {
		return nil, fmt.Errorf("source_doc: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &e.FieldHashes); err != nil {
		return nil, fmt.Errorf("field_hashes: %w", err)
	}
	return &e, nil
}
