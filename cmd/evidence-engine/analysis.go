// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/evidence-engine/internal/coverage"
	"github.com/pdiddy/evidence-engine/internal/gaps"
	"github.com/pdiddy/evidence-engine/internal/merge"
	"github.com/pdiddy/evidence-engine/internal/pipeline"
	"github.com/pdiddy/evidence-engine/internal/relevance"
	"github.com/pdiddy/evidence-engine/internal/rubric"
	"github.com/pdiddy/evidence-engine/internal/source"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// --- gaps ---

var gapsCmd = &cobra.Command{
	Use:   "gaps [job-id]",
	Short: "List sub-requirements below the coverage threshold",
	Long: `Gaps extracts the open gaps of a job's current report, or of a report
file given with --report. Use --pillar to narrow to one pillar.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGaps,
}

func runGaps(cmd *cobra.Command, args []string) error {
	pillar, _ := cmd.Flags().GetString("pillar")
	reportPath, _ := cmd.Flags().GetString("report")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	summary, _ := cmd.Flags().GetBool("summary")

	var open []types.Gap
	switch {
	case len(args) == 1:
		err := withOrchestrator(func(ctx context.Context, o *pipeline.Orchestrator) error {
			var err error
			open, err = o.Gaps(ctx, args[0], pillar)
			return err
		})
		if err != nil {
			return err
		}
	case reportPath != "":
		cfg, err := pipelineConfig()
		if err != nil {
			return err
		}
		r, err := rubric.LoadReport(reportPath)
		if err != nil {
			return err
		}
		covFn, err := coverageFunc(cfg.Gap.Coverage)
		if err != nil {
			return err
		}
		open, err = gaps.Extract(r, gaps.Options{Threshold: cfg.Gap.Threshold, PillarFilter: pillar, Coverage: covFn})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("give a job id or --report")
	}

	switch {
	case jsonOutput && summary:
		return writeJSON(os.Stdout, gaps.Summarize(open))
	case jsonOutput:
		return writeJSON(os.Stdout, open)
	case summary:
		fmt.Fprintf(os.Stdout, "%-12s  %5s  %8s  %12s\n", "Pillar", "Gaps", "Critical", "Mean deficit")
		for _, s := range gaps.Summarize(open) {
			fmt.Fprintf(os.Stdout, "%-12s  %5d  %8d  %12.2f\n", s.PillarID, s.Gaps, s.Critical, s.MeanDeficit)
		}
		return nil
	default:
		gaps.FormatTable(open, os.Stdout)
		return nil
	}
}

// --- score ---

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Rank documents by relevance to a report's open gaps",
	Long: `Score lists the documents under --docs, scores each against the open
gaps of --report, and prints them most relevant first with a suggested
cutoff that passes --pass-fraction of them.`,
	RunE: runScore,
}

func runScore(cmd *cobra.Command, args []string) error {
	reportPath, _ := cmd.Flags().GetString("report")
	docsDir, _ := cmd.Flags().GetString("docs")
	passFraction, _ := cmd.Flags().GetFloat64("pass-fraction")
	strategy, _ := cmd.Flags().GetString("strategy")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if reportPath == "" || docsDir == "" {
		return fmt.Errorf("--report and --docs are required")
	}

	cfg, err := pipelineConfig()
	if err != nil {
		return err
	}
	if strategy != "" {
		cfg.Relevance.Strategy = types.RelevanceStrategy(strategy)
	}
	r, err := rubric.LoadReport(reportPath)
	if err != nil {
		return err
	}
	covFn, err := coverageFunc(cfg.Gap.Coverage)
	if err != nil {
		return err
	}
	open, err := gaps.Extract(r, gaps.Options{Threshold: cfg.Gap.Threshold, Coverage: covFn})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	docs, _, err := source.NewDirectory(docsDir, logger).ListNewDocuments(ctx, "")
	if err != nil {
		return err
	}

	scorer, err := relevance.NewScorer(cfg.Relevance, logger)
	if err != nil {
		return err
	}
	results, err := scorer.ScoreBatch(ctx, docs, open)
	if err != nil {
		return err
	}
	cutoff := relevance.SuggestThreshold(results, passFraction)
	ranked := relevance.Filter(results, 0)

	if jsonOutput {
		return writeJSON(os.Stdout, struct {
			Strategy string             `json:"strategy"`
			Cutoff   float64            `json:"suggested_cutoff"`
			Results  []relevance.Result `json:"results"`
		}{scorer.Strategy(), cutoff, ranked})
	}

	fmt.Fprintf(os.Stdout, "%-5s  %-40s  %6s  %s\n", "Pass", "Document", "Score", "Top gaps")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 90))
	for _, res := range ranked {
		mark := ""
		if res.Score >= cutoff {
			mark = "yes"
		}
		top := make([]string, 0, len(res.MatchedGaps))
		for _, m := range res.MatchedGaps {
			top = append(top, fmt.Sprintf("%s(%.2f)", m.GapID, m.Score))
		}
		id := res.DocumentID
		if len(id) > 40 {
			id = "..." + id[len(id)-37:]
		}
		fmt.Fprintf(os.Stdout, "%-5s  %-40s  %6.3f  %s\n", mark, id, res.Score, strings.Join(top, " "))
	}
	fmt.Fprintf(os.Stdout, "\n%d of %d documents match a gap; suggested cutoff %.3f (%s strategy, %d open gaps)\n",
		len(ranked), len(docs), cutoff, scorer.Strategy(), len(open))
	return nil
}

// --- merge ---

var mergeCmd = &cobra.Command{
	Use:   "merge <base-report> <incremental-report>",
	Short: "Merge an incremental report into a base report",
	Long: `Merge combines two report files. Evidence already recorded for the same
document is deduplicated; conflicting evidence is resolved by --policy.
The merged report is written to --out (default: overwrite the base) and
the merge statistics are printed. With --job the incremental report is
merged into that job's report instead and the first argument is omitted.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runMerge,
}

func runMerge(cmd *cobra.Command, args []string) error {
	policy, _ := cmd.Flags().GetString("policy")
	out, _ := cmd.Flags().GetString("out")
	jobID, _ := cmd.Flags().GetString("job")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var res *merge.Result
	if jobID != "" {
		if len(args) != 1 {
			return fmt.Errorf("with --job give only the incremental report")
		}
		incr, err := rubric.LoadReport(args[0])
		if err != nil {
			return err
		}
		err = withOrchestrator(func(ctx context.Context, o *pipeline.Orchestrator) error {
			var err error
			res, err = o.MergeReports(ctx, jobID, incr, types.ConflictPolicy(policy))
			return err
		})
		if err != nil {
			return err
		}
	} else {
		if len(args) != 2 {
			return fmt.Errorf("give a base and an incremental report")
		}
		cfg, err := pipelineConfig()
		if err != nil {
			return err
		}
		base, err := rubric.LoadReport(args[0])
		if err != nil {
			return err
		}
		incr, err := rubric.LoadReport(args[1])
		if err != nil {
			return err
		}
		covFn, err := coverageFunc(cfg.Gap.Coverage)
		if err != nil {
			return err
		}
		if policy == "" {
			policy = string(cfg.Merge.Policy)
		}
		res, err = merge.Merge(base, incr, merge.Options{
			Policy:   types.ConflictPolicy(policy),
			Coverage: covFn,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if out == "" {
			out = args[0]
		}
		if err := rubric.WriteReport(out, res.Report); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %s (version %d)\n", out, res.Report.Version)
	}

	if jsonOutput {
		return writeJSON(os.Stdout, res)
	}
	s := res.Stats
	fmt.Fprintf(os.Stdout, "Evidence: %d added, %d duplicated, %d conflicts\n", s.EvidenceAdded, s.EvidenceDuplicated, s.Conflicts)
	fmt.Fprintf(os.Stdout, "Papers added: %d, requirements updated: %d\n", s.PapersAdded, s.RequirementsUpdated)
	if n := s.PillarsAdded + s.RequirementsAdded + s.SubRequirementsAdded; n > 0 {
		fmt.Fprintf(os.Stdout, "Rubric grew: %d pillars, %d requirements, %d sub-requirements\n",
			s.PillarsAdded, s.RequirementsAdded, s.SubRequirementsAdded)
	}
	for _, c := range res.Conflicts {
		fmt.Fprintf(os.Stdout, "  conflict %s/%s resolved %s\n", c.SubRequirementID, c.DocumentID, c.Resolution)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stdout, "  warning: %s\n", w)
	}
	return nil
}

// --- rubric ---

var rubricCmd = &cobra.Command{
	Use:   "rubric",
	Short: "Work with requirement rubrics",
}

var rubricInitCmd = &cobra.Command{
	Use:   "init <rubric-file>",
	Short: "Create an empty version-0 report from a rubric",
	Long: `Init reads a rubric (pillars, requirements and sub-requirements in
report form) and writes an empty report to --out, ready for run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		r, err := rubric.Init(args[0], time.Now())
		if err != nil {
			return err
		}
		if out == "" {
			out = "report.yaml"
		}
		if err := rubric.WriteReport(out, r); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Wrote %s: %d pillars, %d sub-requirements\n", out, len(r.Pillars), r.SubRequirementCount())
		return nil
	},
}

func coverageFunc(name string) (types.CoverageFunc, error) {
	s, err := coverage.ByName(name)
	if err != nil {
		return nil, err
	}
	return coverage.Func(s), nil
}

func init() {
	gapsCmd.Flags().String("pillar", "", "only gaps of this pillar id")
	gapsCmd.Flags().String("report", "", "read gaps from a report file instead of a job")
	gapsCmd.Flags().Bool("json", false, "output as JSON")
	gapsCmd.Flags().Bool("summary", false, "per-pillar counts instead of individual gaps")

	scoreCmd.Flags().String("report", "", "report whose open gaps are scored against")
	scoreCmd.Flags().String("docs", "", "directory of Markdown/text documents")
	scoreCmd.Flags().Float64("pass-fraction", 0.5, "share of documents the suggested cutoff lets through")
	scoreCmd.Flags().String("strategy", "", "relevance strategy: keyword or embedding")
	scoreCmd.Flags().Bool("json", false, "output as JSON")

	mergeCmd.Flags().String("policy", "", "conflict policy: keep_existing, keep_new, keep_both")
	mergeCmd.Flags().String("out", "", "write the merged report here (default: the base file)")
	mergeCmd.Flags().String("job", "", "merge into this job's report")
	mergeCmd.Flags().Bool("json", false, "output the merge result as JSON")

	rubricInitCmd.Flags().String("out", "report.yaml", "report file to write")
	rubricCmd.AddCommand(rubricInitCmd)

	rootCmd.AddCommand(gapsCmd, scoreCmd, mergeCmd, rubricCmd)
}
