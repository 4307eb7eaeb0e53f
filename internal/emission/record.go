// Package emission defines the reported emission record that compliance
// scoring and audit snapshots operate on.
//
// Record is a closed struct: required fields are plain values, optional
// fields are pointers (nil means "not supplied"). Nothing about a record is
// carried in free-form maps, so the set of fields that can reach a hash or a
// score is fixed here.
package emission

import (
	"fmt"
	"time"

	"github.com/carbondna/ledger/internal/merkle"
	"github.com/shopspring/decimal"
)

// Record is one reported emission line item.
type Record struct {
	ID           string     `json:"id"`
	Date         *time.Time `json:"date,omitempty"`
	SupplierName string     `json:"supplier_name,omitempty"`
	ActivityType string     `json:"activity_type,omitempty"`
	Scope        *int       `json:"scope,omitempty"`
	Category     string     `json:"category,omitempty"`
	Methodology  string     `json:"methodology,omitempty"`

	EmissionsKgCO2e  *decimal.Decimal `json:"emissions_kgco2e,omitempty"`
	ActivityAmount   *decimal.Decimal `json:"activity_amount,omitempty"`
	ActivityUnit     string           `json:"activity_unit,omitempty"`
	DataQualityScore *float64         `json:"data_quality_score,omitempty"` // 0-10

	DateStart *time.Time `json:"date_start,omitempty"`
	DateEnd   *time.Time `json:"date_end,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`

	AIClassified     bool    `json:"ai_classified"`
	NeedsHumanReview bool    `json:"needs_human_review"`
	ConfidenceScore  float64 `json:"confidence_score"` // 0-1

	RecordHash   string `json:"record_hash,omitempty"`
	PreviousHash string `json:"previous_hash,omitempty"`
	Salt         string `json:"salt,omitempty"`
}

// DateLayout is how a record's reporting date is written into leaf material.
const DateLayout = "2006-01-02"

// LeafMaterial is the narrow field set a snapshot leaf commits to. Missing
// optional values are encoded as null, never replaced by defaults.
func (r *Record) LeafMaterial() map[string]any {
	var date any
	if r.Date != nil {
		date = r.Date.UTC().Format(DateLayout)
	}
	var emissions any
	if r.EmissionsKgCO2e != nil {
		emissions = *r.EmissionsKgCO2e
	}
	return map[string]any{
		"id":               r.ID,
		"date":             date,
		"supplier_name":    r.SupplierName,
		"activity_type":    r.ActivityType,
		"emissions_kgco2e": emissions,
		"record_hash":      r.RecordHash,
	}
}

// Field returns the named field for rule evaluation, and whether it is set.
// Names match the JSON tags.
func (r *Record) Field(name string) (any, bool) {
	switch name {
	case "id":
		return r.ID, r.ID != ""
	case "date":
		return timeField(r.Date)
	case "supplier_name":
		return r.SupplierName, r.SupplierName != ""
	case "activity_type":
		return r.ActivityType, r.ActivityType != ""
	case "scope":
		if r.Scope == nil {
			return nil, false
		}
		return *r.Scope, true
	case "category":
		return r.Category, r.Category != ""
	case "methodology":
		return r.Methodology, r.Methodology != ""
	case "emissions_kgco2e":
		return decimalField(r.EmissionsKgCO2e)
	case "activity_amount":
		return decimalField(r.ActivityAmount)
	case "activity_unit":
		return r.ActivityUnit, r.ActivityUnit != ""
	case "data_quality_score":
		if r.DataQualityScore == nil {
			return nil, false
		}
		return *r.DataQualityScore, true
	case "date_start":
		return timeField(r.DateStart)
	case "date_end":
		return timeField(r.DateEnd)
	case "created_at":
		return timeField(r.CreatedAt)
	case "ai_classified":
		return r.AIClassified, true
	case "needs_human_review":
		return r.NeedsHumanReview, true
	case "confidence_score":
		return r.ConfidenceScore, true
	case "record_hash":
		return r.RecordHash, r.RecordHash != ""
	case "previous_hash":
		return r.PreviousHash, r.PreviousHash != ""
	case "salt":
		return r.Salt, r.Salt != ""
	}
	return nil, false
}

// Emissions returns the emissions value, or zero and false when unset.
func (r *Record) Emissions() (decimal.Decimal, bool) {
	if r.EmissionsKgCO2e == nil {
		return decimal.Zero, false
	}
	return *r.EmissionsKgCO2e, true
}

// SealHash computes RecordHash for a record at ingestion: SHA-256 over
// the canonical leaf material with record_hash cleared, salted.
func (r *Record) SealHash() (string, error) {
	m := r.LeafMaterial()
	m["record_hash"] = ""
	m["salt"] = r.Salt
	m["previous_hash"] = r.PreviousHash
	h, err := merkle.LeafHash(m)
	if err != nil {
		return "", fmt.Errorf("sealing record %s: %w", r.ID, err)
	}
	return h, nil
}

func timeField(t *time.Time) (any, bool) {
	if t == nil {
		return nil, false
	}
	return *t, true
}

func decimalField(d *decimal.Decimal) (any, bool) {
	if d == nil {
		return nil, false
	}
	return *d, true
}
