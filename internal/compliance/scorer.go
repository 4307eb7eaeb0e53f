// Package compliance scores emission records for audit readiness.
//
// A record gets five sub-scores in [0,100]:
//
//	factor_source_quality    methodology + data-quality indicator + has emissions
//	metadata_completeness    70% required fields, 30% optional fields
//	data_entry_method_score  manual 85, AI-classified 60-90
//	fingerprint_integrity    hash 40, previous hash 30, salt 20, 64-char hash 10
//	llm_confidence           manual 100, AI-classified confidence*100
//
// The overall score is their weighted sum. A record is audit ready when the
// overall score is at least 80, no compliance flag was raised, fingerprint
// integrity is at least 90, and the configured rules report no violations.
//
// Scores between 70 and 80 are neither audit ready nor non-compliant; the
// band has no label of its own.
package compliance

import (
	"math"
	"strings"

	"github.com/carbondna/ledger/internal/emission"
)

// Weights of each sub-score in the overall score. They sum to 1.
const (
	WeightFactorSourceQuality  = 0.25
	WeightMetadataCompleteness = 0.20
	WeightDataEntryMethod      = 0.20
	WeightFingerprintIntegrity = 0.20
	WeightLLMConfidence        = 0.15
)

// Flag thresholds: a sub-score strictly below its threshold raises a flag.
const (
	ThresholdFactorSourceQuality  = 50
	ThresholdMetadataCompleteness = 70
	ThresholdDataEntryMethod      = 60
	ThresholdFingerprintIntegrity = 80
	ThresholdLLMConfidence        = 70
)

// Readiness bars.
const (
	AuditReadyScore       = 80
	AuditReadyFingerprint = 90
	NonCompliantBelow     = 70
)

// Flag messages.
const (
	FlagLowFactorQuality      = "Low emission factor source quality"
	FlagIncompleteMetadata    = "Incomplete metadata"
	FlagEntryMethodConcerns   = "Data entry method concerns"
	FlagFingerprintIssues     = "Fingerprint integrity issues"
	FlagLowAIConfidence       = "Low AI confidence"
	FlagMissingRecordHash     = "Missing record hash"
	FlagMissingSupplier       = "Missing supplier information"
	FlagMissingDate           = "Missing date information"
	FlagInvalidEmissionsValue = "Invalid or missing emission calculation"
)

var requiredFields = []string{
	"supplier_name", "date", "scope", "emissions_kgco2e",
	"methodology", "category", "data_quality_score",
}

var optionalFields = []string{
	"activity_type", "activity_amount", "activity_unit",
	"date_start", "date_end", "created_at",
}

// ViolationChecker reports rule violations for a record. The rule engine in
// this package implements it; nil means no rules are configured.
type ViolationChecker interface {
	Violations(r *emission.Record) []string
}

// ScoredRecord is a record together with its computed scores. It is a
// transient view and is never persisted on its own.
type ScoredRecord struct {
	Record emission.Record `json:"record"`

	FactorSourceQuality  float64  `json:"factor_source_quality"`
	MetadataCompleteness float64  `json:"metadata_completeness"`
	DataEntryMethodScore float64  `json:"data_entry_method_score"`
	FingerprintIntegrity float64  `json:"fingerprint_integrity"`
	LLMConfidence        float64  `json:"llm_confidence"`
	OverallScore         float64  `json:"overall_score"`
	ComplianceFlags      []string `json:"compliance_flags"`
	RuleViolations       []string `json:"rule_violations,omitempty"`
	AuditReady           bool     `json:"audit_ready"`
}

// NonCompliant reports whether the record falls below the compliance bar.
func (s *ScoredRecord) NonCompliant() bool {
	return s.OverallScore < NonCompliantBelow
}

// Scorer computes ScoredRecords. Safe for concurrent use if the
// ViolationChecker is.
type Scorer struct {
	rules ViolationChecker
}

// NewScorer returns a scorer consulting rules for violations. rules may be nil.
func NewScorer(rules ViolationChecker) *Scorer {
	return &Scorer{rules: rules}
}

// Score computes every sub-score, the overall score, flags and readiness.
func (s *Scorer) Score(r emission.Record) ScoredRecord {
	sr := ScoredRecord{
		Record:               r,
		FactorSourceQuality:  factorSourceQuality(&r),
		MetadataCompleteness: metadataCompleteness(&r),
		DataEntryMethodScore: dataEntryMethodScore(&r),
		FingerprintIntegrity: fingerprintIntegrity(&r),
		LLMConfidence:        llmConfidence(&r),
	}
	sr.OverallScore = round2(clamp(
		sr.FactorSourceQuality*WeightFactorSourceQuality +
			sr.MetadataCompleteness*WeightMetadataCompleteness +
			sr.DataEntryMethodScore*WeightDataEntryMethod +
			sr.FingerprintIntegrity*WeightFingerprintIntegrity +
			sr.LLMConfidence*WeightLLMConfidence))

	sr.ComplianceFlags = flags(&r, &sr)
	if s.rules != nil {
		sr.RuleViolations = s.rules.Violations(&r)
		sr.ComplianceFlags = append(sr.ComplianceFlags, sr.RuleViolations...)
	}

	sr.AuditReady = sr.OverallScore >= AuditReadyScore &&
		len(sr.ComplianceFlags) == 0 &&
		sr.FingerprintIntegrity >= AuditReadyFingerprint &&
		len(sr.RuleViolations) == 0
	return sr
}

func factorSourceQuality(r *emission.Record) float64 {
	m := strings.ToLower(r.Methodology)
	var score float64
	switch {
	case strings.Contains(m, "activity-based"):
		score += 50
	case strings.Contains(m, "spend-based"):
		score += 40
	case strings.Contains(m, "hybrid"):
		score += 45
	case strings.TrimSpace(m) != "":
		score += 20
	}
	if r.DataQualityScore != nil && *r.DataQualityScore > 0 {
		score += math.Min(*r.DataQualityScore*3, 30)
	}
	if e, ok := r.Emissions(); ok && e.IsPositive() {
		score += 10
	}
	return round2(clamp(score))
}

func metadataCompleteness(r *emission.Record) float64 {
	required := countPresent(r, requiredFields)
	optional := countPresent(r, optionalFields)
	score := float64(required)/float64(len(requiredFields))*70 +
		float64(optional)/float64(len(optionalFields))*30
	return round2(clamp(score))
}

func countPresent(r *emission.Record, fields []string) int {
	n := 0
	for _, f := range fields {
		if _, ok := r.Field(f); ok {
			n++
		}
	}
	return n
}

func dataEntryMethodScore(r *emission.Record) float64 {
	if !r.AIClassified {
		return 85
	}
	switch {
	case !r.NeedsHumanReview && r.ConfidenceScore >= 0.8:
		return 90
	case !r.NeedsHumanReview && r.ConfidenceScore >= 0.6:
		return 75
	default:
		return 60
	}
}

func fingerprintIntegrity(r *emission.Record) float64 {
	var score float64
	if r.RecordHash != "" {
		score += 40
	}
	if r.PreviousHash != "" {
		score += 30
	}
	if r.Salt != "" {
		score += 20
	}
	if len(r.RecordHash) == 64 {
		score += 10
	}
	return clamp(score)
}

func llmConfidence(r *emission.Record) float64 {
	if !r.AIClassified {
		return 100
	}
	return round2(clamp(r.ConfidenceScore * 100))
}

func flags(r *emission.Record, sr *ScoredRecord) []string {
	var out []string
	if sr.FactorSourceQuality < ThresholdFactorSourceQuality {
		out = append(out, FlagLowFactorQuality)
	}
	if sr.MetadataCompleteness < ThresholdMetadataCompleteness {
		out = append(out, FlagIncompleteMetadata)
	}
	if sr.DataEntryMethodScore < ThresholdDataEntryMethod {
		out = append(out, FlagEntryMethodConcerns)
	}
	if sr.FingerprintIntegrity < ThresholdFingerprintIntegrity {
		out = append(out, FlagFingerprintIssues)
	}
	if sr.LLMConfidence < ThresholdLLMConfidence {
		out = append(out, FlagLowAIConfidence)
	}

	if r.RecordHash == "" {
		out = append(out, FlagMissingRecordHash)
	}
	if r.SupplierName == "" {
		out = append(out, FlagMissingSupplier)
	}
	if r.Date == nil {
		out = append(out, FlagMissingDate)
	}
	if e, ok := r.Emissions(); !ok || !e.IsPositive() {
		out = append(out, FlagInvalidEmissionsValue)
	}
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
