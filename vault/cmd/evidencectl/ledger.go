package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casevault/evidence/vault/internal/models"
	"github.com/casevault/evidence/vault/internal/verifier"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <evidence_id>",
		Short: "Verify the custody hash chain of one evidence item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.openStore(ctx); err != nil {
					return err
				}
				v, err := a.ledger.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if v.OK {
					fmt.Fprintf(cmd.OutOrStdout(), "ok entries=%d\n", v.Entries)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "broken sequence_no=%d reason=%q\n", v.BrokenAt, v.Reason)
				return v.Err()
			})
		},
	}
}

func newVerifyCaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-case <case_id>",
		Short: "Re-hash every item of a case and verify its custody chains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				actor, err := a.actor()
				if err != nil {
					return err
				}
				svc, err := a.verifier(ctx)
				if err != nil {
					return err
				}
				report, err := svc.SweepCase(ctx, resolveCase(args[0], a.cfg.CasePrefix, timeNow()), actor)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				return sweepErr(report)
			})
		},
	}
}

// sweepErr turns drift into an error; compromised bytes outrank broken chains.
func sweepErr(r verifier.SweepReport) error {
	switch {
	case len(r.Compromised) > 0:
		return fmt.Errorf("case %s: %d items compromised: %w", r.CaseID, len(r.Compromised), models.ErrIntegrityViolation)
	case len(r.Broken) > 0:
		return fmt.Errorf("case %s: %d custody chains broken: %w", r.CaseID, len(r.Broken), models.ErrLedgerTamperDetected)
	}
	return nil
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <case_id>",
		Short: "Summarise the holdings of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.openStore(ctx); err != nil {
					return err
				}
				stats, err := a.store.CaseStats(ctx, resolveCase(args[0], a.cfg.CasePrefix, timeNow()))
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func newTransferCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <evidence_id> <to>",
		Short: "Record a hand-over of custody",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				actor, err := a.actor()
				if err != nil {
					return err
				}
				reg, err := a.curator(ctx)
				if err != nil {
					return err
				}
				entry, err := reg.Transfer(ctx, args[0], actor, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sequence_no=%d\nentry_hash=%s\n", entry.SequenceNo, entry.EntryHash)
				return nil
			})
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <evidence_id> <out>",
		Short: "Write verified evidence bytes to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				actor, err := a.actor()
				if err != nil {
					return err
				}
				reg, err := a.curator(ctx)
				if err != nil {
					return err
				}
				f, err := os.OpenFile(args[1], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
				if err != nil {
					return fmt.Errorf("create %s: %w", args[1], err)
				}
				entry, n, err := reg.Export(ctx, args[0], actor, f)
				if cerr := f.Close(); err == nil && cerr != nil {
					err = fmt.Errorf("close %s: %w", args[1], cerr)
				}
				if err != nil {
					_ = os.Remove(args[1])
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bytes=%d\nsequence_no=%d\n", n, entry.SequenceNo)
				return nil
			})
		},
	}
}

func newAnnotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "annotate <evidence_id> key=value...",
		Short: "Merge key/value pairs into the evidence metadata",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parsePairs(args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				reg, err := a.curator(ctx)
				if err != nil {
					return err
				}
				item, err := reg.Annotate(ctx, args[0], patch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "metadata=%s\n", item.Metadata)
				return nil
			})
		},
	}
}

var errUsage = errors.New("usage")

// parsePairs turns key=value arguments into a JSON object patch.
func parsePairs(pairs []string) (json.RawMessage, error) {
	patch := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", errUsage, p)
		}
		patch[strings.TrimSpace(k)] = v
	}
	return json.Marshal(patch)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
