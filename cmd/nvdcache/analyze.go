// ABOUTME: Analyze command matching dependencies against the cached feed
// ABOUTME: Runs the analysis runner with the feed analyzer and optional result cache

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/analysis"
)

func newAnalyzeCmd(flags *globalFlags) *cobra.Command {
	var (
		ignoreErrors bool
		parallel     int
	)

	cmd := &cobra.Command{
		Use:   "analyze [ecosystem:]name@version...",
		Short: "Look up dependencies in the cached database",
		Long: `Match dependencies against the CVE feed files stored next to the
database. The database must pass validation first; nothing is downloaded.

Examples:
  nvdcache analyze openssl@1.1.1 npm:lodash@4.17.20
  nvdcache analyze --json log4j@2.14.0`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps := make([]analysis.Dependency, 0, len(args))
			for _, a := range args {
				dep, err := analysis.ParseDependency(a)
				if err != nil {
					return err
				}
				deps = append(deps, dep)
			}

			return withComponents(cmd, flags, func(ctx context.Context, c *components) error {
				report, err := newRunner(c, ignoreErrors, parallel).Run(ctx, deps)
				if err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), flags.jsonOutput, report, printReport); err != nil {
					return err
				}
				if report.Vulnerable > 0 {
					return fmt.Errorf("%d vulnerable dependencies", report.Vulnerable)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&ignoreErrors, "ignore-errors", false, "record analyzer errors instead of failing")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "dependencies analyzed concurrently")
	return cmd
}

// newRunner builds the analysis runner over the wired components.
func newRunner(c *components, ignoreErrors bool, parallel int) *analysis.Runner {
	cfg := analysis.RunnerConfig{
		Analyzer:             analysis.NewFeedAnalyzer(),
		Verifier:             c.verifier,
		Dir:                  c.cfg.Cache.Dir,
		Coordinator:          c.coordinator,
		IgnoreAnalyzerErrors: ignoreErrors,
		MaxParallel:          parallel,
		Logger:               c.logger,
	}
	if c.results != nil {
		cfg.Cache = c.results
	}
	return analysis.NewRunner(cfg)
}

func printReport(w io.Writer, r *analysis.Report) {
	fmt.Fprintf(w, "Analyzer:  %s\n", r.Analyzer)
	fmt.Fprintf(w, "Database:  %s\n", r.DatabaseChecksum)
	for _, res := range r.Results {
		switch {
		case res.Error != "":
			fmt.Fprintf(w, "  %-40s error: %s\n", res.Dependency.Key(), res.Error)
			continue
		case len(res.Findings) == 0:
			fmt.Fprintf(w, "  %-40s clean\n", res.Dependency.Key())
			continue
		}
		fmt.Fprintf(w, "  %-40s %d findings\n", res.Dependency.Key(), len(res.Findings))
		for _, f := range res.Findings {
			fmt.Fprintf(w, "    %-18s %-8s %4.1f %s\n", f.CVE, f.Severity, f.Score, f.FixedVersion)
		}
	}
	fmt.Fprintf(w, "Vulnerable: %d of %d (errors %d, cache hits %d)\n", r.Vulnerable, len(r.Results), r.Errors, r.CacheHits)
}
