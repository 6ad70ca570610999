// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/evidence-engine/internal/coverage"
	"github.com/pdiddy/evidence-engine/internal/pipeline"
	"github.com/pdiddy/evidence-engine/internal/rubric"
	"github.com/pdiddy/evidence-engine/internal/source"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a job over a report and a documents directory",
	Long: `Run starts a new job. The base report is read from --report (a report or
a rubric file produced by "rubric init"); candidate documents are the
Markdown and text files under --docs. The job evaluates documents relevant
to open gaps, merges accepted evidence into the report, and with
--deep-pass keeps searching for evidence until the gaps converge.

Interrupting the run (Ctrl-C) leaves a cancelled checkpoint; use resume.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	reportPath, _ := cmd.Flags().GetString("report")
	docsDir, _ := cmd.Flags().GetString("docs")
	jobID, _ := cmd.Flags().GetString("job")
	if reportPath == "" {
		return fmt.Errorf("--report is required")
	}

	base, err := rubric.LoadReport(reportPath)
	if err != nil {
		return err
	}

	return withEngine(cmd, docsDir, func(ctx context.Context, e *engine) (*types.Checkpoint, error) {
		return e.orch.Start(ctx, pipeline.RunRequest{JobID: jobID, Report: base})
	})
}

// --- resume ---

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted or failed job from its checkpoint",
	Long: `Resume continues a job from the stage recorded in its checkpoint.
Documents already evaluated are not sent to the evaluator again. Resuming a
completed job prints its status and does nothing else.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docsDir, _ := cmd.Flags().GetString("docs")
		return withEngine(cmd, docsDir, func(ctx context.Context, e *engine) (*types.Checkpoint, error) {
			return e.orch.Resume(ctx, args[0])
		})
	},
}

// --- continue ---

var continueCmd = &cobra.Command{
	Use:   "continue <parent-job-id> [document...]",
	Short: "Start a child job over documents added since the parent",
	Long: `Continue starts a child job seeded with the parent's final report. It
evaluates the files named on the command line plus whatever the documents
directory lists after the parent's source marker. The child records the
parent in its lineage.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docsDir, _ := cmd.Flags().GetString("docs")
		docs, err := readDocuments(args[1:])
		if err != nil {
			return err
		}
		return withEngine(cmd, docsDir, func(ctx context.Context, e *engine) (*types.Checkpoint, error) {
			return e.orch.Continue(ctx, args[0], docs)
		})
	},
}

// readDocuments loads individual files as submitted documents, keyed by
// the path given.
func readDocuments(paths []string) ([]types.Document, error) {
	docs := make([]types.Document, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading document: %w", err)
		}
		doc := types.Document{ID: p, Content: data, Source: "submitted"}
		if strings.HasSuffix(strings.ToLower(p), ".md") {
			doc.Title, doc.Text, doc.Sections = source.ParseMarkdown(data)
		} else {
			doc.Text = string(data)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// withEngine applies the run flags, opens the engine, serves metrics when
// asked and runs fn under a signal-aware context.
func withEngine(cmd *cobra.Command, docsDir string, fn func(context.Context, *engine) (*types.Checkpoint, error)) error {
	cfg, err := pipelineConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(cfg, docsDir)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		if err := serveMetrics(ctx, addr); err != nil {
			return err
		}
	}

	cp, err := fn(ctx, e)
	if cp != nil {
		printCheckpoint(os.Stdout, cp)
	}
	return err
}

func addRunFlags(cmd *cobra.Command) {
	d := types.DefaultPipelineConfig()
	f := cmd.Flags()
	f.String("docs", "", "directory of Markdown/text documents")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	f.Int("workers", d.Workers, "concurrent evaluator calls")
	f.Int("calls-per-minute", d.RateLimit.CallsPerMinute, "evaluator rate limit (0 disables)")
	f.String("evaluator", string(d.Evaluator.Backend), "evaluator backend: lexical or claude")
	f.Bool("appeal", false, "re-evaluate borderline claims")
	f.Bool("deep-pass", false, "keep searching for evidence while gaps remain")
	f.Bool("search", false, "run literature searches during deep passes")
	f.Bool("interactive", false, "ask before appeals")
	f.String("policy", string(d.Merge.Policy), "merge conflict policy: keep_existing, keep_new, keep_both")

	bind := map[string]string{
		"workers":                     "workers",
		"rate_limit.calls_per_minute": "calls-per-minute",
		"evaluator.backend":           "evaluator",
		"enable_appeal":               "appeal",
		"enable_deep_pass":            "deep-pass",
		"search.enabled":              "search",
		"prompt.interactive":          "interactive",
		"merge.policy":                "policy",
	}
	// Flags are bound when the command runs so sibling commands sharing a
	// key do not overwrite each other's binding.
	prev := cmd.PreRunE
	cmd.PreRunE = func(c *cobra.Command, args []string) error {
		for key, flag := range bind {
			if err := viper.BindPFlag(key, c.Flags().Lookup(flag)); err != nil {
				return err
			}
		}
		if prev != nil {
			return prev(c, args)
		}
		return nil
	}
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a job's checkpoint, or list all jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return withOrchestrator(func(ctx context.Context, o *pipeline.Orchestrator) error {
			if len(args) == 1 {
				cp, err := o.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(os.Stdout, cp)
				}
				printCheckpoint(os.Stdout, cp)
				return nil
			}
			jobs, err := o.Jobs(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(os.Stdout, jobs)
			}
			printJobTable(os.Stdout, jobs)
			return nil
		})
	},
}

// --- lineage ---

var lineageCmd = &cobra.Command{
	Use:   "lineage <job-id>",
	Short: "Show the chain of parent jobs leading to a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(func(ctx context.Context, o *pipeline.Orchestrator) error {
			chain, err := o.Lineage(ctx, args[0])
			if err != nil {
				return err
			}
			for i, cp := range chain {
				fmt.Fprintf(os.Stdout, "%s%s  v%d  %s\n", strings.Repeat("  ", i), cp.JobID, cp.ReportVersion, cp.Status)
			}
			return nil
		})
	},
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Write a job's current report to a file with a coverage summary",
	Long: `Export writes the job's report to --out (YAML, or JSON when the file
ends in .json) and prints per-pillar coverage.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		return withOrchestrator(func(ctx context.Context, o *pipeline.Orchestrator) error {
			r, err := o.Report(ctx, args[0])
			if err != nil {
				return err
			}
			if out != "" {
				if err := rubric.WriteReport(out, r); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Wrote %s\n", out)
			}
			cfg := o.Config()
			covFn := coverage.Default()
			if s, err := coverage.ByName(cfg.Gap.Coverage); err == nil {
				covFn = coverage.Func(s)
			}
			rubric.FormatSummary(os.Stdout, r, rubric.Summarize(r, covFn, cfg.Gap.Threshold))
			return nil
		})
	},
}

// withOrchestrator opens the engine for read-only job commands, which
// never call the evaluator.
func withOrchestrator(fn func(context.Context, *pipeline.Orchestrator) error) error {
	cfg, err := pipelineConfig()
	if err != nil {
		return err
	}
	cfg.Evaluator.Backend = types.EvaluatorLexical
	cfg.Search.Enabled = false
	e, err := openEngine(cfg, "")
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(context.Background(), e.orch)
}

func printCheckpoint(w io.Writer, cp *types.Checkpoint) {
	fmt.Fprintf(w, "Job:       %s\n", cp.JobID)
	if cp.ParentJobID != "" {
		fmt.Fprintf(w, "Parent:    %s\n", cp.ParentJobID)
	}
	fmt.Fprintf(w, "Status:    %s\n", cp.Status)
	fmt.Fprintf(w, "Stage:     %s (iteration %d)\n", cp.Stage, cp.Iteration)
	fmt.Fprintf(w, "Documents: %d pending, %d evaluated, %d filtered\n",
		len(cp.PendingDocumentIDs), len(cp.CompletedDocumentIDs), cp.FilteredCount)
	fmt.Fprintf(w, "Report:    v%d\n", cp.ReportVersion)
	if cp.StopReason != "" {
		fmt.Fprintf(w, "Stopped:   %s\n", cp.StopReason)
	}
	if cp.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", cp.Error)
	}
}

func printJobTable(w io.Writer, jobs []*types.Checkpoint) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-10s  %-12s  %-4s  %-7s  %s\n", "Job", "Status", "Stage", "Iter", "Version", "Updated")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, cp := range jobs {
		fmt.Fprintf(w, "%-36s  %-10s  %-12s  %4d  %7d  %s\n",
			cp.JobID, cp.Status, cp.Stage, cp.Iteration, cp.ReportVersion, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCmd.Flags().String("report", "", "base report or rubric file (YAML or JSON)")
	runCmd.Flags().String("job", "", "job id (default: a new UUID)")
	addRunFlags(runCmd)
	addRunFlags(resumeCmd)
	addRunFlags(continueCmd)

	statusCmd.Flags().Bool("json", false, "output as JSON")
	exportCmd.Flags().String("out", "", "write the report to this file")

	rootCmd.AddCommand(runCmd, resumeCmd, continueCmd, statusCmd, lineageCmd, exportCmd)
}
