package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Material field names. These, and only these, are hashed into content_hash.
const (
	FieldOccurredAt     = "occurred_at"
	FieldSupplierID     = "supplier_id"
	FieldScope          = "scope"
	FieldActivity       = "activity"
	FieldInputs         = "inputs"
	FieldFactorID       = "factor_id"
	FieldMethod         = "method"
	FieldResultKgCO2e   = "result_kgco2e"
	FieldUncertaintyPct = "uncertainty_pct"
	FieldSourceDoc      = "source_doc"
)

// MaterialFields lists the hashed fields in canonical (sorted) order.
var MaterialFields = []string{
	FieldActivity,
	FieldFactorID,
	FieldInputs,
	FieldMethod,
	FieldOccurredAt,
	FieldResultKgCO2e,
	FieldScope,
	FieldSourceDoc,
	FieldSupplierID,
	FieldUncertaintyPct,
}

// ErrInvalidEvent is returned for events that fail structural validation
// before hashing.
var ErrInvalidEvent = errors.New("invalid ledger event")

// Event is one immutable emission measurement in the chain.
//
// Inputs holds the measurement parameters. Values must be canonically
// encodable: strings, integers, bools, decimal.Decimal, json.Number,
// time.Time, or nested maps/lists of those.
type Event struct {
	ID             string            `json:"id"`
	Seq            int64             `json:"seq"`
	OccurredAt     time.Time         `json:"occurred_at"`
	SupplierID     string            `json:"supplier_id"`
	Scope          int               `json:"scope"`
	Activity       string            `json:"activity"`
	Inputs         map[string]any    `json:"inputs"`
	FactorID       string            `json:"factor_id"`
	Method         string            `json:"method"`
	ResultKgCO2e   decimal.Decimal   `json:"result_kgco2e"`
	UncertaintyPct decimal.Decimal   `json:"uncertainty_pct"`
	SourceDoc      []string          `json:"source_doc"`
	PrevHash       string            `json:"prev_hash"`
	ContentHash    string            `json:"content_hash"`
	RowHash        string            `json:"row_hash"`
	FieldHashes    map[string]string `json:"field_hashes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Material returns the hashed subset of the event's fields.
// The returned map is a fresh copy; mutating it does not touch the event.
func (e *Event) Material() map[string]any {
	inputs := make(map[string]any, len(e.Inputs))
	for k, v := range e.Inputs {
		inputs[k] = v
	}
	docs := make([]string, len(e.SourceDoc))
	copy(docs, e.SourceDoc)

	return map[string]any{
		FieldOccurredAt:     e.OccurredAt,
		FieldSupplierID:     e.SupplierID,
		FieldScope:          e.Scope,
		FieldActivity:       e.Activity,
		FieldInputs:         inputs,
		FieldFactorID:       e.FactorID,
		FieldMethod:         e.Method,
		FieldResultKgCO2e:   e.ResultKgCO2e,
		FieldUncertaintyPct: e.UncertaintyPct,
		FieldSourceDoc:      docs,
	}
}

// Validate checks the structural invariants of an event before it is hashed.
func (e *Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidEvent)
	}
	if e.Scope < 1 || e.Scope > 3 {
		return fmt.Errorf("%w: scope %d out of range (1-3)", ErrInvalidEvent, e.Scope)
	}
	if e.Activity == "" {
		return fmt.Errorf("%w: activity is required", ErrInvalidEvent)
	}
	if e.Method == "" {
		return fmt.Errorf("%w: method is required", ErrInvalidEvent)
	}
	return nil
}
