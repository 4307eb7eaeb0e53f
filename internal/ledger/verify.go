package ledger

import (
	"fmt"
	"sort"
)

// EventVerification is the outcome of recomputing one event's hashes.
type EventVerification struct {
	EventID               string   `json:"event_id"`
	Seq                   int64    `json:"seq"`
	Valid                 bool     `json:"valid"`
	ClaimedPrevHash       string   `json:"claimed_prev_hash"`
	StoredContentHash     string   `json:"stored_content_hash"`
	RecomputedContentHash string   `json:"recomputed_content_hash"`
	StoredRowHash         string   `json:"stored_row_hash"`
	RecomputedRowHash     string   `json:"recomputed_row_hash"`
	DivergentFields       []string `json:"divergent_fields,omitempty"`
}

// BreakKind classifies a chain verification failure.
type BreakKind string

const (
	// BreakContent: the stored content hash does not match the material.
	BreakContent BreakKind = "content_hash"
	// BreakRow: the stored row hash does not match prev_hash + content hash.
	BreakRow BreakKind = "row_hash"
	// BreakLink: prev_hash does not equal the preceding event's row hash.
	BreakLink BreakKind = "prev_hash"
)

// Break is one detected discontinuity.
type Break struct {
	Index    int       `json:"index"`
	EventID  string    `json:"event_id"`
	Seq      int64     `json:"seq"`
	Kind     BreakKind `json:"kind"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual"`
	Fields   []string  `json:"fields,omitempty"`
}

// RangeReport summarizes verification of an ordered run of events.
type RangeReport struct {
	Valid   bool      `json:"valid"`
	Checked int       `json:"checked"`
	Head    ChainHead `json:"head"`
	Breaks  []Break   `json:"breaks,omitempty"`
}

// Err returns a *ChainContinuityError for the first break, or nil.
func (r RangeReport) Err() error {
	if len(r.Breaks) == 0 {
		return nil
	}
	b := r.Breaks[0]
	return &ChainContinuityError{
		EventID:  b.EventID,
		Seq:      b.Seq,
		Kind:     b.Kind,
		Expected: b.Expected,
		Actual:   b.Actual,
		Fields:   b.Fields,
	}
}

// ChainContinuityError reports where the chain stopped verifying.
// It is never repaired automatically.
type ChainContinuityError struct {
	EventID  string
	Seq      int64
	Kind     BreakKind
	Expected string
	Actual   string
	Fields   []string
}

func (e *ChainContinuityError) Error() string {
	msg := fmt.Sprintf("chain broken at event %s (seq %d): %s mismatch, expected %s, got %s",
		e.EventID, e.Seq, e.Kind, e.Expected, e.Actual)
	if len(e.Fields) > 0 {
		msg += fmt.Sprintf(" (fields: %v)", e.Fields)
	}
	return msg
}

// VerifyEvent recomputes e's hashes from its stored material and the
// claimed predecessor head. Read-only.
func VerifyEvent(e Event, claimedPrev ChainHead) (EventVerification, error) {
	material := e.Material()
	rowHash, contentHash, err := Append(material, claimedPrev)
	if err != nil {
		return EventVerification{}, fmt.Errorf("recomputing event %s: %w", e.ID, err)
	}

	v := EventVerification{
		EventID:               e.ID,
		Seq:                   e.Seq,
		ClaimedPrevHash:       string(claimedPrev),
		StoredContentHash:     e.ContentHash,
		RecomputedContentHash: contentHash,
		StoredRowHash:         e.RowHash,
		RecomputedRowHash:     rowHash,
	}
	// A missing stored content hash is a mismatch, not a skipped check.
	v.Valid = rowHash == e.RowHash && contentHash == e.ContentHash

	if len(e.FieldHashes) > 0 {
		fields, err := FieldHashes(material)
		if err != nil {
			return EventVerification{}, err
		}
		for name, h := range fields {
			if e.FieldHashes[name] != h {
				v.DivergentFields = append(v.DivergentFields, name)
			}
		}
		sort.Strings(v.DivergentFields)
	}
	return v, nil
}

// VerifyChainRange checks each event's own hashes and, for every event after
// the first, that its prev_hash equals the preceding event's stored row hash.
// If the run starts at seq 1 the first prev_hash must be Genesis.
//
// A break is attributed to the event whose stored data is inconsistent, so a
// corrupted prev_hash on B is reported at B only, not at A or C.
func VerifyChainRange(events []Event) (RangeReport, error) {
	report := RangeReport{Valid: true}
	for i, e := range events {
		v, err := VerifyEvent(e, ChainHead(e.PrevHash))
		if err != nil {
			return RangeReport{}, err
		}
		report.Checked++

		if v.RecomputedContentHash != e.ContentHash {
			report.Breaks = append(report.Breaks, Break{
				Index: i, EventID: e.ID, Seq: e.Seq, Kind: BreakContent,
				Expected: v.RecomputedContentHash, Actual: e.ContentHash,
				Fields: v.DivergentFields,
			})
		}
		if v.RecomputedRowHash != e.RowHash {
			report.Breaks = append(report.Breaks, Break{
				Index: i, EventID: e.ID, Seq: e.Seq, Kind: BreakRow,
				Expected: v.RecomputedRowHash, Actual: e.RowHash,
				Fields: v.DivergentFields,
			})
		}

		var wantPrev string
		checkLink := false
		if i > 0 {
			wantPrev, checkLink = events[i-1].RowHash, true
		} else if e.Seq == 1 {
			wantPrev, checkLink = string(Genesis), true
		}
		if checkLink && e.PrevHash != wantPrev {
			report.Breaks = append(report.Breaks, Break{
				Index: i, EventID: e.ID, Seq: e.Seq, Kind: BreakLink,
				Expected: wantPrev, Actual: e.PrevHash,
			})
		}
		report.Head = ChainHead(e.RowHash)
	}
	report.Valid = len(report.Breaks) == 0
	return report, nil
}

// TamperResult shows the hash divergence caused by altering one field.
type TamperResult struct {
	Field               string `json:"field"`
	OriginalValue       any    `json:"original_value"`
	TamperedValue       any    `json:"tampered_value"`
	OriginalContentHash string `json:"original_content_hash"`
	TamperedContentHash string `json:"tampered_content_hash"`
	OriginalRowHash     string `json:"original_row_hash"`
	TamperedRowHash     string `json:"tampered_row_hash"`
	IntegrityBroken     bool   `json:"integrity_broken"`
}

// SimulateTamper recomputes e's hashes with one material field replaced.
// It works on a copy of the material and never modifies e; it is a
// diagnostic, not a mutation path.
func SimulateTamper(e Event, field string, newValue any) (TamperResult, error) {
	material := e.Material()
	original, ok := material[field]
	if !ok {
		return TamperResult{}, fmt.Errorf("%q is not a material field", field)
	}
	head := ChainHead(e.PrevHash)

	origRow, origContent, err := Append(material, head)
	if err != nil {
		return TamperResult{}, err
	}
	material[field] = newValue
	tampRow, tampContent, err := Append(material, head)
	if err != nil {
		return TamperResult{}, err
	}

	return TamperResult{
		Field:               field,
		OriginalValue:       original,
		TamperedValue:       newValue,
		OriginalContentHash: origContent,
		TamperedContentHash: tampContent,
		OriginalRowHash:     origRow,
		TamperedRowHash:     tampRow,
		IntegrityBroken:     origContent != tampContent,
	}, nil
}
