package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/carbondna/ledger/internal/emission"
	"github.com/carbondna/ledger/internal/snapshot"
)

// ============================================================================
// ledgerctl snapshot
// ============================================================================

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, inspect and verify audit snapshots",
	Long: `An audit snapshot seals the emission records of a reporting period: each
record is scored for compliance, the records' leaf hashes are combined into
a Merkle root, and the totals, scores and root are stored together.`,
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotVerifyCmd)
	snapshotCmd.AddCommand(snapshotReportCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
}

var (
	createType       string
	createStart      string
	createEnd        string
	createIDs        []string
	createAllowEmpty bool
	createBy         string
)

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Seal a reporting period",
	Long: `Seal every record dated within --start..--end (inclusive). With --ids only
the listed records inside the period are sealed.

Example:
  ledgerctl snapshot create --type EPA --start 2024-01-01 --end 2024-03-31`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := time.Parse(emission.DateLayout, createStart)
		if err != nil {
			return fmt.Errorf("--start must be YYYY-MM-DD: %w", err)
		}
		end, err := time.Parse(emission.DateLayout, createEnd)
		if err != nil {
			return fmt.Errorf("--end must be YYYY-MM-DD: %w", err)
		}

		return withApp(func(a *app) error {
			by := createBy
			if by == "" {
				by = a.cfg.Snapshot.CreatedBy
			}
			snap, err := a.snaps.CreateSnapshot(cmd.Context(), snapshot.Request{
				SubmissionType: createType,
				PeriodStart:    start,
				PeriodEnd:      end,
				RecordIDs:      createIDs,
				AllowEmpty:     createAllowEmpty,
				CreatedBy:      by,
			})
			var empty *snapshot.EmptySelectionError
			if errors.As(err, &empty) {
				fmt.Println("No records in the requested period. Use --allow-empty to seal an empty snapshot.")
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", color.GreenString("SEALED"), snap.SubmissionID)
			printSnapshot(snap)
			return nil
		})
	},
}

func init() {
	f := snapshotCreateCmd.Flags()
	f.StringVar(&createType, "type", "", "Submission type (EPA, EU_ETS, CARB, TCFD, ...)")
	f.StringVar(&createStart, "start", "", "First day of the period (YYYY-MM-DD)")
	f.StringVar(&createEnd, "end", "", "Last day of the period (YYYY-MM-DD)")
	f.StringSliceVar(&createIDs, "ids", nil, "Only these record IDs (comma-separated)")
	f.BoolVar(&createAllowEmpty, "allow-empty", false, "Seal an empty snapshot when no records match")
	f.StringVar(&createBy, "by", "", "Creator recorded on the snapshot (default from config)")
	snapshotCreateCmd.MarkFlagRequired("type")
	snapshotCreateCmd.MarkFlagRequired("start")
	snapshotCreateCmd.MarkFlagRequired("end")
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print a snapshot and its leaves as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			snap, leaves, err := a.snaps.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(struct {
				*snapshot.AuditSnapshot
				Leaves []snapshot.Leaf `json:"leaves"`
			}{snap, leaves})
		})
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify ID",
	Short: "Recompute a snapshot's Merkle root from current records",
	Long: `Recompute every leaf from the records as they are stored now and rebuild
the Merkle root. Records that changed or disappeared since sealing are
listed by position.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			v, err := a.snaps.VerifySnapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if v.Valid {
				fmt.Printf("%s snapshot %s root %s\n", color.GreenString("OK"), v.SubmissionID, v.StoredRoot)
				return nil
			}
			fmt.Printf("%s snapshot %s\n", color.RedString("FAIL"), v.SubmissionID)
			fmt.Printf("  stored root:     %s\n", v.StoredRoot)
			fmt.Printf("  recomputed root: %s\n", v.RecomputedRoot)
			for _, d := range v.Diverged {
				if d.Missing {
					fmt.Printf("  leaf %d (%s): record missing\n", d.Position, d.RecordID)
					continue
				}
				fmt.Printf("  leaf %d (%s): %s -> %s\n", d.Position, d.RecordID, short(d.Expected), short(d.Actual))
			}
			return fmt.Errorf("snapshot %s no longer matches its records", v.SubmissionID)
		})
	},
}

var snapshotReportCmd = &cobra.Command{
	Use:   "report ID",
	Short: "Compliance rate and regulatory status of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			snap, _, err := a.snaps.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			r := snapshot.Report(snap)
			fmt.Printf("%s (%s)\n", r.SubmissionID, r.SubmissionType)
			fmt.Printf("  records:          %d (%d audit ready, %d non-compliant)\n",
				r.TotalRecords, r.AuditReadyRecords, r.NonCompliantRecords)
			fmt.Printf("  compliance rate:  %.2f%%\n", r.ComplianceRate)
			fmt.Printf("  average score:    %.2f\n", r.AverageComplianceScore)
			fmt.Printf("  status:           %s\n", statusColor(r.Status))
			if len(r.ComplianceFlags) > 0 {
				fmt.Printf("  flags:\n    %s\n", strings.Join(r.ComplianceFlags, "\n    "))
			}
			return nil
		})
	},
}

var snapshotListLimit int

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			snaps, err := a.snaps.List(cmd.Context(), snapshotListLimit)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("No snapshots yet.")
				return nil
			}
			for _, s := range snaps {
				fmt.Printf("%-40s %s..%s  records=%-5d avg=%-6.2f root=%s\n",
					s.SubmissionID,
					s.ReportingPeriodStart.Format(emission.DateLayout),
					s.ReportingPeriodEnd.Format(emission.DateLayout),
					s.TotalRecords, s.AverageComplianceScore, short(s.MerkleRootHash))
			}
			return nil
		})
	},
}

func init() {
	snapshotListCmd.Flags().IntVarP(&snapshotListLimit, "limit", "n", 20, "Number of snapshots to show")
}

func printSnapshot(s *snapshot.AuditSnapshot) {
	fmt.Printf("  period:      %s..%s\n",
		s.ReportingPeriodStart.Format(emission.DateLayout), s.ReportingPeriodEnd.Format(emission.DateLayout))
	fmt.Printf("  merkle root: %s\n", s.MerkleRootHash)
	fmt.Printf("  records:     %d (%d audit ready, %d non-compliant)\n",
		s.TotalRecords, s.AuditReadyRecords, s.NonCompliantRecords)
	fmt.Printf("  emissions:   %s kgCO2e (scope 1 %s, scope 2 %s, scope 3 %s)\n",
		s.TotalEmissionsKgCO2e, s.Scope1EmissionsKgCO2e, s.Scope2EmissionsKgCO2e, s.Scope3EmissionsKgCO2e)
	fmt.Printf("  avg score:   %.2f\n", s.AverageComplianceScore)
}

func statusColor(status string) string {
	switch status {
	case snapshot.StatusExcellent, snapshot.StatusGood:
		return color.GreenString(status)
	case snapshot.StatusFair:
		return color.YellowString(status)
	}
	return color.RedString(status)
}
