package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casevault/evidence/vault/internal/registrar"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "evidencectl",
		Short:         "Content-addressed evidence vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newIngestCmd(),
		newIngestDirCmd(),
		newVerifyCmd(),
		newVerifyCaseCmd(),
		newReportCmd(),
		newTransferCmd(),
		newExportCmd(),
		newAnnotateCmd(),
		newStreamCmd(),
	)
	return root
}

// withApp runs fn with a configured app that is closed afterwards. The
// context is cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (a *app) actor() (string, error) {
	return resolveActor(a.cfg.Actor, user.Current)
}

func newIngestCmd() *cobra.Command {
	var (
		source   string
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file> [case_year] [evidence_id]",
		Short: "Ingest one file",
		Long: `Ingest one file into the vault. case_year may be a four-digit year, mapped
to CASE_PREFIX+year, or a literal case id; it defaults to the current year.
evidence_id reuses an identifier already issued by the identity authority.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				actor, err := a.actor()
				if err != nil {
					return err
				}
				var caseArg, evidenceID string
				if len(args) > 1 {
					caseArg = args[1]
				}
				if len(args) > 2 {
					evidenceID = args[2]
				}
				reg, err := a.registrar(ctx)
				if err != nil {
					return err
				}
				res, err := reg.IngestFile(ctx, args[0], registrar.IngestRequest{
					CaseID:     resolveCase(caseArg, a.cfg.CasePrefix, timeNow()),
					Source:     source,
					Actor:      actor,
					EvidenceID: evidenceID,
					Metadata:   json.RawMessage(metadata),
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "evidence_id=%s\n", res.Evidence.EvidenceID)
				fmt.Fprintf(out, "cid=%s\n", res.Artifact.CID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "evidencectl", "origin of the file (device, custodian, ...)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON object stored with the evidence item")
	return cmd
}

func newIngestDirCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "ingest-dir <dir> [case_year]",
		Short: "Ingest every file below a directory, skipping dot-files",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				actor, err := a.actor()
				if err != nil {
					return err
				}
				var caseArg string
				if len(args) > 1 {
					caseArg = args[1]
				}
				reg, err := a.registrar(ctx)
				if err != nil {
					return err
				}
				results, err := reg.IngestDir(ctx, registrar.DirRequest{
					Dir:         args[0],
					CaseID:      resolveCase(caseArg, a.cfg.CasePrefix, timeNow()),
					Source:      source,
					Actor:       actor,
					Concurrency: a.cfg.IngestConcurrent,
				})
				if err != nil {
					return err
				}
				return printDirResults(cmd, results)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "evidencectl", "origin of the files")
	return cmd
}

// printDirResults writes one line per file and returns the first failure so
// the exit code reflects it.
func printDirResults(cmd *cobra.Command, results []registrar.FileResult) error {
	out := cmd.OutOrStdout()
	var first error
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			if first == nil {
				first = r.Err
			}
			fmt.Fprintf(out, "%s error=%q\n", r.Path, r.Err.Error())
			continue
		}
		fmt.Fprintf(out, "%s evidence_id=%s cid=%s\n", r.Path, r.Result.Evidence.EvidenceID, r.Result.Artifact.CID)
	}
	fmt.Fprintf(out, "files=%d failed=%d\n", len(results), failed)
	if first != nil {
		return fmt.Errorf("%d of %d files failed: %w", failed, len(results), first)
	}
	return nil
}
