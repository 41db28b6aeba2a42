package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"attacklens/internal/analysis"
	"attacklens/internal/mitre"
	"attacklens/internal/store"
	"attacklens/internal/workflow"
)

var (
	analyzeMinConfidence int
	analyzeMaxResults    int
	analyzeTactics       []string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <url|file>",
	Short: "Run a one-shot analysis and print the report summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().IntVar(&analyzeMinConfidence, "min-confidence", 0, "drop matches scoring below this (0-100)")
	analyzeCmd.Flags().IntVar(&analyzeMaxResults, "max-results", 0, "cap the number of reported matches")
	analyzeCmd.Flags().StringSliceVar(&analyzeTactics, "tactics", nil, "only report techniques covering these tactics")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	input := &analysis.Input{Options: analyzeOptions(cmd)}
	target := args[0]
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		if err := analysis.ValidateURL(target); err != nil {
			return err
		}
		input.URL = target
	} else {
		abs, err := filepath.Abs(target)
		if err != nil {
			return fmt.Errorf("resolve document path: %w", err)
		}
		// The pipeline confines reads to the upload directory; point it at
		// the document's own directory for a local one-shot run.
		cfg.Upload.Dir = filepath.Dir(abs)
		input.DocumentPath = filepath.Base(abs)
		input.DocumentName = filepath.Base(abs)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	provider := mitre.NewProvider(mitre.ProviderConfig{
		URL:             cfg.Catalog.URL,
		BackupURL:       cfg.Catalog.BackupURL,
		CacheDir:        cfg.Catalog.CacheDir,
		RefreshInterval: cfg.Catalog.RefreshInterval,
		FetchTimeout:    cfg.Catalog.FetchTimeout,
		Fallback:        st,
	})

	pipe := analysis.NewPipeline(cfg, provider, st)
	engine := workflow.NewEngine(st, workflow.Config{
		TaskTimeout: cfg.Workflow.TaskTimeout,
		TaskRetries: cfg.Workflow.TaskRetries,
		RetryDelay:  cfg.Workflow.RetryDelay,
	})
	if err := engine.Register(pipe.Definition()); err != nil {
		return err
	}

	run, err := engine.Execute(ctx, analysis.WorkflowType, input, nil)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	out, ok := run.Results[analysis.TaskReport].(*analysis.ReportOutput)
	if !ok {
		return fmt.Errorf("run %s ended %s without a report", run.ID, run.Status)
	}
	rep, err := st.GetReport(ctx, out.ReportID)
	if err != nil || rep == nil {
		return fmt.Errorf("load report %s: %w", out.ReportID, err)
	}

	fmt.Printf("Report %s (catalog %s)\n", rep.ID, rep.MitreVersion)
	fmt.Printf("Matches: %d (%d high-confidence)\n\n", rep.Summary.MatchCount, rep.Summary.HighConfidenceCount)
	for _, finding := range rep.Summary.KeyFindings {
		fmt.Printf("  - %s\n", finding)
	}
	if len(rep.Summary.TopTechniques) > 0 {
		fmt.Println("\nTop techniques:")
		for _, tt := range rep.Summary.TopTechniques {
			fmt.Printf("  %-10s %3d%%  %s\n", tt.ID, tt.Score, tt.Name)
		}
	}
	return nil
}

// analyzeOptions maps the flags onto analysis options, leaving unchanged flags
// unset so the configured defaults apply.
func analyzeOptions(cmd *cobra.Command) analysis.Options {
	var opts analysis.Options
	if cmd.Flags().Changed("min-confidence") {
		opts.MinConfidence = &analyzeMinConfidence
	}
	if cmd.Flags().Changed("max-results") {
		opts.MaxResults = &analyzeMaxResults
	}
	opts.IncludeTactics = analyzeTactics
	return opts
}
