package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/carbondna/ledger/internal/compliance"
	"github.com/carbondna/ledger/internal/emission"
	"github.com/carbondna/ledger/internal/merkle"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Request selects the records to seal.
type Request struct {
	SubmissionType string    // EPA, EU_ETS, CARB, TCFD, ...
	PeriodStart    time.Time // inclusive
	PeriodEnd      time.Time // inclusive
	RecordIDs      []string  // optional filter within the period
	AllowEmpty     bool      // seal an empty snapshot instead of failing
	CreatedBy      string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds parallel per-record scoring. n <= 0 means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithClock overrides the time source for created_at.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// OnSealed registers a callback run after a snapshot is persisted.
func OnSealed(fn func(AuditSnapshot)) Option {
	return func(o *Orchestrator) { o.onSealed = append(o.onSealed, fn) }
}

// Orchestrator creates, verifies and reports on audit snapshots.
type Orchestrator struct {
	store    Store
	scorer   *compliance.Scorer
	workers  int
	now      func() time.Time
	logger   *slog.Logger
	onSealed []func(AuditSnapshot)
}

// NewOrchestrator returns an orchestrator over store, scoring with scorer.
func NewOrchestrator(store Store, scorer *compliance.Scorer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		scorer:  scorer,
		workers: runtime.GOMAXPROCS(0),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateSnapshot selects, scores and seals the requested records. Nothing is
// persisted unless every step succeeds. Cancelling ctx aborts between
// per-record scoring steps.
func (o *Orchestrator) CreateSnapshot(ctx context.Context, req Request) (*AuditSnapshot, error) {
	if req.SubmissionType == "" {
		return nil, errors.New("submission type is required")
	}
	if req.PeriodEnd.Before(req.PeriodStart) {
		return nil, fmt.Errorf("period end %s is before start %s",
			req.PeriodEnd.Format(emission.DateLayout), req.PeriodStart.Format(emission.DateLayout))
	}

	records, err := o.store.SelectRecords(ctx, req.PeriodStart, req.PeriodEnd, req.RecordIDs)
	if err != nil {
		return nil, fmt.Errorf("selecting records: %w", err)
	}
	if len(records) == 0 && !req.AllowEmpty {
		return nil, &EmptySelectionError{Start: req.PeriodStart, End: req.PeriodEnd, IDs: req.RecordIDs}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	scored, leaves, err := o.scoreAll(ctx, records)
	if err != nil {
		return nil, err
	}

	snap := aggregate(scored)
	snap.SubmissionID = submissionID(req)
	snap.SubmissionType = req.SubmissionType
	snap.ReportingPeriodStart = req.PeriodStart
	snap.ReportingPeriodEnd = req.PeriodEnd
	snap.CreatedBy = req.CreatedBy
	snap.CreatedAt = o.now()

	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.LeafHash
	}
	if len(hashes) > 0 {
		snap.MerkleRootHash = merkle.BuildRoot(hashes)
	}

	if err := o.store.SaveSnapshot(ctx, snap, leaves); err != nil {
		return nil, fmt.Errorf("saving snapshot %s: %w", snap.SubmissionID, err)
	}

	o.logger.Info("audit snapshot sealed",
		"submission_id", snap.SubmissionID,
		"records", snap.TotalRecords,
		"root", snap.MerkleRootHash,
		"audit_ready", snap.AuditReadyRecords,
	)
	for _, fn := range o.onSealed {
		fn(*snap)
	}
	return snap, nil
}

// scoreAll scores records and computes their leaf hashes with bounded
// parallelism. Results keep the input order.
func (o *Orchestrator) scoreAll(ctx context.Context, records []emission.Record) ([]compliance.ScoredRecord, []Leaf, error) {
	scored := make([]compliance.ScoredRecord, len(records))
	leaves := make([]Leaf, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := &records[i]
			h, err := merkle.LeafHash(r.LeafMaterial())
			if err != nil {
				return fmt.Errorf("record %s: %w", r.ID, err)
			}
			scored[i] = o.scorer.Score(*r)
			leaves[i] = Leaf{Position: i, RecordID: r.ID, LeafHash: h}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return scored, leaves, nil
}

// aggregate reduces scored records into snapshot totals. Missing emissions
// contribute nothing; the scorer already flags them.
func aggregate(scored []compliance.ScoredRecord) *AuditSnapshot {
	snap := &AuditSnapshot{
		TotalRecords:          len(scored),
		TotalEmissionsKgCO2e:  decimal.Zero,
		Scope1EmissionsKgCO2e: decimal.Zero,
		Scope2EmissionsKgCO2e: decimal.Zero,
		Scope3EmissionsKgCO2e: decimal.Zero,
		ComplianceFlags:       []string{},
	}
	flags := make(map[string]struct{})
	var scoreSum float64

	for i := range scored {
		s := &scored[i]
		if e, ok := s.Record.Emissions(); ok {
			snap.TotalEmissionsKgCO2e = snap.TotalEmissionsKgCO2e.Add(e)
			if s.Record.Scope != nil {
				switch *s.Record.Scope {
				case 1:
					snap.Scope1EmissionsKgCO2e = snap.Scope1EmissionsKgCO2e.Add(e)
				case 2:
					snap.Scope2EmissionsKgCO2e = snap.Scope2EmissionsKgCO2e.Add(e)
				case 3:
					snap.Scope3EmissionsKgCO2e = snap.Scope3EmissionsKgCO2e.Add(e)
				}
			}
		}
		scoreSum += s.OverallScore
		if s.AuditReady {
			snap.AuditReadyRecords++
		}
		if s.NonCompliant() {
			snap.NonCompliantRecords++
		}
		for _, f := range s.ComplianceFlags {
			flags[f] = struct{}{}
		}
	}

	if len(scored) > 0 {
		snap.AverageComplianceScore = math.Round(scoreSum/float64(len(scored))*100) / 100
	}
	for f := range flags {
		snap.ComplianceFlags = append(snap.ComplianceFlags, f)
	}
	sort.Strings(snap.ComplianceFlags)
	return snap
}

// submissionID formats <type>_<start>_<end>_<8 hex>.
func submissionID(req Request) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s_%s",
		strings.ToUpper(req.SubmissionType),
		req.PeriodStart.UTC().Format("20060102"),
		req.PeriodEnd.UTC().Format("20060102"),
		suffix,
	)
}
