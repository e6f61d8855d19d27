package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmbatch/pkg/tracker"
)

func newStatsCmd(root *rootOptions) *cobra.Command {
	var (
		runs  bool
		runID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			// Per-row detail for one run
			if runID != "" && !runs {
				recs, err := tr.QueryByRun(ctx, runID)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Fprintln(out, "No usage recorded for run.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ROW\tTIME\tATTEMPTS\tPROMPT\tCOMPLETION\tTOTAL")
				for _, r := range recs {
					fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\n",
						r.RowIndex, r.CreatedAt.Local().Format(time.DateTime), r.Attempts, r.PromptTokens, r.CompletionTokens, r.TotalTokens)
				}
				return w.Flush()
			}

			// Run list
			if runs {
				list, err := tr.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(out, "No runs found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RUN ID\tMODEL\tINPUT\tSTARTED\tDURATION\tROWS\tCACHE HITS\tAPI CALLS\tFAILED\tTOKENS")
				for _, r := range list {
					duration := "running"
					if r.FinishedAt != nil {
						duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
						r.ID, r.Model, r.Input, r.StartedAt.Local().Format(time.DateTime), duration,
						r.Rows, r.CacheHits, r.APICalls, r.Failed, r.TotalTokens)
				}
				return w.Flush()
			}

			// Default: usage summary
			summaries, err := tr.Summary(ctx, runID)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tMODEL\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					s.RunID, s.Model, s.RequestCount, s.TotalPrompt, s.TotalCompletion, s.TotalTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&runs, "runs", false, "list runs")
	cmd.Flags().StringVar(&runID, "run-id", "", "show per-row usage for a run")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list (0 for all)")
	return cmd
}
