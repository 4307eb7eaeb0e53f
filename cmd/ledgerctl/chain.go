package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/carbondna/ledger/internal/emission"
	"github.com/carbondna/ledger/internal/ingest"
	"github.com/carbondna/ledger/internal/ledger"
)

// ============================================================================
// ledgerctl ingest
// ============================================================================

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load JSONL files of events or emission records",
}

func init() {
	ingestCmd.AddCommand(ingestEventsCmd)
	ingestCmd.AddCommand(ingestRecordsCmd)
}

var ingestEventsCmd = &cobra.Command{
	Use:   "events FILE",
	Short: "Append events to the hash chain",
	Long: `Append one event per line to the hash chain, in file order. Numbers are
kept exactly as written. The run stops at the first invalid line; events
before it stay appended.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		events, err := ingest.DecodeEvents(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		return withApp(func(a *app) error {
			ctx := cmd.Context()
			for i, e := range events {
				appended, err := a.ledger.Append(ctx, e)
				if err != nil {
					return fmt.Errorf("appending event %d of %d: %w", i+1, len(events), err)
				}
				fmt.Printf("#%-6d %s  row=%s\n", appended.Seq, appended.ID, short(appended.RowHash))
			}
			fmt.Printf("\n%d events appended.\n", len(events))
			return nil
		})
	},
}

var ingestRecordsCmd = &cobra.Command{
	Use:   "records FILE",
	Short: "Store emission records for snapshotting",
	Long: `Store one emission record per line. Records without a record_hash are
fingerprinted with a fresh salt and linked to the last stored record.
Records with an existing id are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		records, err := ingest.DecodeRecords(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		return withApp(func(a *app) error {
			ctx := cmd.Context()
			prev, err := a.store.LastRecordHash(ctx)
			if err != nil {
				return err
			}
			if err := ingest.SealRecords(records, prev); err != nil {
				return err
			}
			if err := a.store.PutRecords(ctx, records); err != nil {
				return err
			}
			fmt.Printf("%d records stored.\n", len(records))
			return nil
		})
	},
}

// ============================================================================
// ledgerctl verify
// ============================================================================

var (
	verifySince string
	verifyUntil string
	verifyLimit int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Recompute every event's content and row hash and check that each
prev_hash equals the row hash before it. Any break is reported with the
event, the kind of mismatch and, for content changes, the fields that
diverged. Breaks are never repaired.

--since and --until take a date (2024-01-15), an RFC 3339 time, or a
duration back from now (24h).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := ledger.Query{Limit: verifyLimit}
		var err error
		if q.Since, err = parseWhen(verifySince); err != nil {
			return fmt.Errorf("--since: %w", err)
		}
		if q.Until, err = parseWhen(verifyUntil); err != nil {
			return fmt.Errorf("--until: %w", err)
		}

		return withApp(func(a *app) error {
			report, err := a.ledger.VerifyRange(cmd.Context(), q)
			if err != nil {
				return err
			}
			if report.Valid {
				fmt.Printf("%s hash chain valid (%d events verified, head %s)\n",
					color.GreenString("OK"), report.Checked, short(string(report.Head)))
				return nil
			}
			fmt.Printf("%s hash chain broken (%d events checked)\n", color.RedString("FAIL"), report.Checked)
			for _, b := range report.Breaks {
				fmt.Printf("  #%d %s: %s mismatch\n", b.Seq, b.EventID, b.Kind)
				fmt.Printf("    expected: %s\n", b.Expected)
				fmt.Printf("    actual:   %s\n", b.Actual)
				if len(b.Fields) > 0 {
					fmt.Printf("    fields:   %s\n", strings.Join(b.Fields, ", "))
				}
			}
			return report.Err()
		})
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifySince, "since", "", "Only events created at or after this time")
	verifyCmd.Flags().StringVar(&verifyUntil, "until", "", "Only events created before this time")
	verifyCmd.Flags().IntVarP(&verifyLimit, "limit", "n", 0, "Only the last N matching events")
	verifyCmd.AddCommand(verifyEventCmd)
}

var verifyEventCmd = &cobra.Command{
	Use:   "event ID",
	Short: "Verify one event field by field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			v, err := a.ledger.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			verdict := color.GreenString("OK")
			if !v.Valid {
				verdict = color.RedString("FAIL")
			}
			fmt.Printf("%s event %s (seq %d)\n", verdict, v.EventID, v.Seq)
			fmt.Printf("  content: stored %s  recomputed %s\n", v.StoredContentHash, v.RecomputedContentHash)
			fmt.Printf("  row:     stored %s  recomputed %s\n", v.StoredRowHash, v.RecomputedRowHash)
			if len(v.DivergentFields) > 0 {
				fmt.Printf("  diverged fields: %s\n", strings.Join(v.DivergentFields, ", "))
			}
			if !v.Valid {
				return fmt.Errorf("event %s failed verification", v.EventID)
			}
			return nil
		})
	},
}

// ============================================================================
// ledgerctl tamper
// ============================================================================

var tamperCmd = &cobra.Command{
	Use:   "tamper ID FIELD VALUE",
	Short: "Show the hash divergence an edit would cause",
	Long: `Recompute an event's hashes with one material field replaced and show
how they diverge from the stored ones. Nothing is written.

VALUE is parsed by field: result_kgco2e and uncertainty_pct as decimals,
scope as an integer, occurred_at as RFC 3339, inputs as a JSON object,
source_doc as a comma-separated list.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := parseFieldValue(args[1], args[2])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			e, err := a.store.EventByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := ledger.SimulateTamper(*e, args[1], value)
			if err != nil {
				return err
			}
			fmt.Printf("field %s: %v -> %v\n", res.Field, res.OriginalValue, res.TamperedValue)
			fmt.Printf("  content hash: %s -> %s\n", res.OriginalContentHash, res.TamperedContentHash)
			fmt.Printf("  row hash:     %s -> %s\n", res.OriginalRowHash, res.TamperedRowHash)
			if res.IntegrityBroken {
				fmt.Printf("%s the edit would break the chain at seq %d\n", color.YellowString("BROKEN"), e.Seq)
			} else {
				fmt.Println("the edit does not change any hash")
			}
			return nil
		})
	},
}

func parseFieldValue(field, raw string) (any, error) {
	switch field {
	case ledger.FieldResultKgCO2e, ledger.FieldUncertaintyPct:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		return d, nil
	case ledger.FieldScope:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		return n, nil
	case ledger.FieldOccurredAt:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		return t, nil
	case ledger.FieldInputs:
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		return m, nil
	case ledger.FieldSourceDoc:
		if raw == "" {
			return []string{}, nil
		}
		return strings.Split(raw, ","), nil
	}
	return raw, nil
}

// ============================================================================
// ledgerctl close-day / roots
// ============================================================================

var closeDayCmd = &cobra.Command{
	Use:   "close-day YYYY-MM-DD",
	Short: "Seal one UTC day of events under a Merkle root",
	Long: `Build the Merkle root over the row hashes of every event appended on the
given UTC day, in append order, and store it. Closing a day again replaces
its root.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := time.Parse(emission.DateLayout, args[0])
		if err != nil {
			return fmt.Errorf("day must be YYYY-MM-DD: %w", err)
		}
		return withApp(func(a *app) error {
			r, err := a.ledger.CloseDay(cmd.Context(), day)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %d events, root %s\n", color.GreenString("SEALED"), r.PeriodDate, r.CountEvents, r.RootHash)
			return nil
		})
	},
}

var rootsLimit int

var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "List sealed days",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			roots, err := a.store.DailyRoots(cmd.Context(), rootsLimit)
			if err != nil {
				return err
			}
			if len(roots) == 0 {
				fmt.Println("No days sealed yet.")
				return nil
			}
			for _, r := range roots {
				fmt.Printf("%s  events=%-6d root=%s\n", r.PeriodDate, r.CountEvents, r.RootHash)
			}
			return nil
		})
	},
}

func init() {
	rootsCmd.Flags().IntVarP(&rootsLimit, "limit", "n", 30, "Number of days to show")
}

// ============================================================================
// helpers
// ============================================================================

// parseWhen accepts "", a YYYY-MM-DD date, an RFC 3339 time, or a duration
// meaning that long before now.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(emission.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised time %q", s)
	}
	return t, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	if hash == "" {
		return "(genesis)"
	}
	return hash
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

