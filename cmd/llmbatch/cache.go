package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/config"
	"github.com/pario-ai/llmbatch/pkg/dataset"
	"github.com/pario-ai/llmbatch/pkg/logging"
)

func newCacheCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}

	withStore := func(cmd *cobra.Command, fn func(cache.Store, *config.Config) error) error {
		cfg, err := root.loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		store, err := openCache(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		return fn(store, cfg)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(s cache.Store, cfg *config.Config) error {
				stats, err := s.Stats(cmd.Context())
				if err != nil {
					return err
				}
				ttl := "none"
				if cfg.Cache.TTL > 0 {
					ttl = cfg.Cache.TTL.String()
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Backend: %s\nEntries: %d\nTTL:     %s\n", cfg.Cache.Backend, stats.Entries, ttl)
				return nil
			})
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(s cache.Store, _ *config.Config) error {
				purge, what := s.PurgeAll, "cache entries"
				if expiredOnly {
					purge, what = s.PurgeExpired, "expired cache entries"
				}
				n, err := purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d %s.\n", n, what)
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	var limit int
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "List recent cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(s cache.Store, _ *config.Config) error {
				lister, ok := s.(cache.Lister)
				if !ok {
					return errors.New("this cache backend cannot list entries")
				}
				entries, err := lister.Entries(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Cache is empty.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "FINGERPRINT\tCREATED\tFIELDS\tRESPONSE")
				for _, e := range entries {
					fields := "-"
					if len(e.Fields) > 0 {
						fields = truncate(dataset.FormatValue(e.Fields), 40)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						cache.Short(e.Fingerprint),
						e.CreatedAt.Local().Format(time.DateTime),
						fields,
						truncate(e.RawResponse, 60))
				}
				return w.Flush()
			})
		},
	}
	showCmd.Flags().IntVar(&limit, "limit", 10, "number of entries to show (0 for all)")

	cmd.AddCommand(statsCmd, clearCmd, showCmd)
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\r' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
