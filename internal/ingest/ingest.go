// Package ingest decodes JSON Lines files of ledger events and emission
// records.
//
// Numbers are taken from the raw JSON literal, never through float64, so
// "1200.50" reaches the hash as exactly that value.
package ingest

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/carbondna/ledger/internal/emission"
	"github.com/carbondna/ledger/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const maxLine = 4 << 20

// LineError locates a decoding failure in the input.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// eachLine calls fn for every non-blank line, with its 1-based number.
func eachLine(r io.Reader, fn func(n int, line gjson.Result) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		if !gjson.ValidBytes(b) {
			return &LineError{Line: n, Err: fmt.Errorf("invalid JSON")}
		}
		res := gjson.ParseBytes(b)
		if !res.IsObject() {
			return &LineError{Line: n, Err: fmt.Errorf("expected a JSON object")}
		}
		if err := fn(n, res); err != nil {
			return &LineError{Line: n, Err: err}
		}
	}
	return sc.Err()
}

// DecodeEvents reads one ledger event per line. Hash fields in the input are
// ignored; the ledger computes them on append.
func DecodeEvents(r io.Reader) ([]ledger.Event, error) {
	var events []ledger.Event
	err := eachLine(r, func(_ int, obj gjson.Result) error {
		e := ledger.Event{
			ID:         obj.Get("id").String(),
			SupplierID: obj.Get("supplier_id").String(),
			Activity:   obj.Get("activity").String(),
			FactorID:   obj.Get("factor_id").String(),
			Method:     obj.Get("method").String(),
		}
		var err error
		if sc := obj.Get("scope"); present(sc) {
			if e.Scope, err = integer(sc); err != nil {
				return fmt.Errorf("scope: %w", err)
			}
		}
		if e.OccurredAt, err = parseTimestamp(obj.Get("occurred_at")); err != nil {
			return fmt.Errorf("occurred_at: %w", err)
		}
		if e.ResultKgCO2e, err = requiredDecimal(obj.Get("result_kgco2e")); err != nil {
			return fmt.Errorf("result_kgco2e: %w", err)
		}
		if u := obj.Get("uncertainty_pct"); u.Exists() && u.Type != gjson.Null {
			if e.UncertaintyPct, err = requiredDecimal(u); err != nil {
				return fmt.Errorf("uncertainty_pct: %w", err)
			}
		}
		e.Inputs = map[string]any{}
		if in := obj.Get("inputs"); in.Exists() {
			if !in.IsObject() {
				return fmt.Errorf("inputs: expected an object")
			}
			in.ForEach(func(k, v gjson.Result) bool {
				e.Inputs[k.String()] = value(v)
				return true
			})
		}
		e.SourceDoc = stringList(obj.Get("source_doc"))
		events = append(events, e)
		return nil
	})
	return events, err
}

// DecodeRecords reads one emission record per line. Records without an id
// get a random one.
func DecodeRecords(r io.Reader) ([]emission.Record, error) {
	var records []emission.Record
	err := eachLine(r, func(_ int, obj gjson.Result) error {
		rec := emission.Record{
			ID:               obj.Get("id").String(),
			SupplierName:     obj.Get("supplier_name").String(),
			ActivityType:     obj.Get("activity_type").String(),
			Category:         obj.Get("category").String(),
			Methodology:      obj.Get("methodology").String(),
			ActivityUnit:     obj.Get("activity_unit").String(),
			RecordHash:       obj.Get("record_hash").String(),
			PreviousHash:     obj.Get("previous_hash").String(),
			Salt:             obj.Get("salt").String(),
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		var err error
		if rec.AIClassified, err = boolean(obj.Get("ai_classified")); err != nil {
			return fmt.Errorf("ai_classified: %w", err)
		}
		if rec.NeedsHumanReview, err = boolean(obj.Get("needs_human_review")); err != nil {
			return fmt.Errorf("needs_human_review: %w", err)
		}
		if c := obj.Get("confidence_score"); present(c) {
			if rec.ConfidenceScore, err = number(c); err != nil {
				return fmt.Errorf("confidence_score: %w", err)
			}
		}
		if s := obj.Get("scope"); present(s) {
			v, err := integer(s)
			if err != nil {
				return fmt.Errorf("scope: %w", err)
			}
			rec.Scope = &v
		}
		if q := obj.Get("data_quality_score"); present(q) {
			v, err := number(q)
			if err != nil {
				return fmt.Errorf("data_quality_score: %w", err)
			}
			rec.DataQualityScore = &v
		}

		for _, f := range []struct {
			name string
			dst  **decimal.Decimal
		}{
			{"emissions_kgco2e", &rec.EmissionsKgCO2e},
			{"activity_amount", &rec.ActivityAmount},
		} {
			if v := obj.Get(f.name); present(v) {
				d, err := requiredDecimal(v)
				if err != nil {
					return fmt.Errorf("%s: %w", f.name, err)
				}
				*f.dst = &d
			}
		}
		for _, f := range []struct {
			name string
			dst  **time.Time
		}{
			{"date", &rec.Date},
			{"date_start", &rec.DateStart},
			{"date_end", &rec.DateEnd},
			{"created_at", &rec.CreatedAt},
		} {
			if v := obj.Get(f.name); present(v) {
				t, err := parseTimestamp(v)
				if err != nil {
					return fmt.Errorf("%s: %w", f.name, err)
				}
				*f.dst = &t
			}
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

// SealRecords fills in the fingerprint of records that arrive without one:
// a random salt, a link to the previous record hash, and the record hash
// itself. prev is the hash of the last record already stored. Records that
// carry a hash keep it and become the new link.
func SealRecords(records []emission.Record, prev string) error {
	for i := range records {
		r := &records[i]
		if r.RecordHash == "" {
			if r.Salt == "" {
				salt, err := randomHex(16)
				if err != nil {
					return err
				}
				r.Salt = salt
			}
			if r.PreviousHash == "" {
				r.PreviousHash = prev
			}
			h, err := r.SealHash()
			if err != nil {
				return err
			}
			r.RecordHash = h
		}
		prev = r.RecordHash
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func present(v gjson.Result) bool {
	return v.Exists() && v.Type != gjson.Null && !(v.Type == gjson.String && v.Str == "")
}

// value converts a JSON value for canonical encoding. Numbers keep their
// literal as a json.Number.
func value(v gjson.Result) any {
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.Number:
		return json.Number(v.Raw)
	case gjson.String:
		return v.Str
	}
	if v.IsArray() {
		out := []any{}
		for _, item := range v.Array() {
			out = append(out, value(item))
		}
		return out
	}
	out := map[string]any{}
	v.ForEach(func(k, item gjson.Result) bool {
		out[k.String()] = value(item)
		return true
	})
	return out
}

// requiredDecimal parses a JSON number or numeric string exactly.
func requiredDecimal(v gjson.Result) (decimal.Decimal, error) {
	switch v.Type {
	case gjson.Number:
		return decimal.NewFromString(v.Raw)
	case gjson.String:
		return decimal.NewFromString(v.Str)
	}
	return decimal.Decimal{}, fmt.Errorf("expected a number, got %s", v.Type)
}

// integer accepts an integral JSON number or a string holding one. "2.9"
// and "2e0" are rejected rather than truncated.
func integer(v gjson.Result) (int, error) {
	lit := v.Raw
	switch v.Type {
	case gjson.Number:
	case gjson.String:
		lit = v.Str
	default:
		return 0, fmt.Errorf("expected an integer, got %s", v.Type)
	}
	n, err := strconv.Atoi(lit)
	if err != nil {
		return 0, fmt.Errorf("expected an integer, got %s", lit)
	}
	return n, nil
}

// number accepts a JSON number or a numeric string.
func number(v gjson.Result) (float64, error) {
	lit := v.Raw
	switch v.Type {
	case gjson.Number:
	case gjson.String:
		lit = v.Str
	default:
		return 0, fmt.Errorf("expected a number, got %s", v.Type)
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q", lit)
	}
	return f, nil
}

// boolean accepts true, false, or an absent/null value meaning false.
func boolean(v gjson.Result) (bool, error) {
	switch v.Type {
	case gjson.True:
		return true, nil
	case gjson.False, gjson.Null:
		return false, nil
	}
	return false, fmt.Errorf("expected true or false, got %s", v.Raw)
}

func stringList(v gjson.Result) []string {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	if !v.IsArray() {
		return []string{v.String()}
	}
	var out []string
	for _, item := range v.Array() {
		out = append(out, item.String())
	}
	return out
}

// parseTimestamp accepts RFC 3339 timestamps and bare YYYY-MM-DD dates,
// which are taken as UTC midnight.
func parseTimestamp(v gjson.Result) (time.Time, error) {
	if v.Type != gjson.String {
		return time.Time{}, fmt.Errorf("expected a timestamp string")
	}
	if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
		return t, nil
	}
	t, err := time.Parse(emission.DateLayout, v.Str)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v.Str)
	}
	return t, nil
}
