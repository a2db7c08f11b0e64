// File: cmd/discover.go
package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mirovane/lookalike/api/schemas"
	"github.com/mirovane/lookalike/internal/config"
	"github.com/mirovane/lookalike/internal/observability"
)

// newDiscoverCmd creates the `discover` command: a one-shot discovery
// run executed synchronously from the CLI.
func newDiscoverCmd() *cobra.Command {
	discoverCmd := &cobra.Command{
		Use:   "discover [input]",
		Short: "Run a discovery from a hashtag or username and print the results",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind only flags the user actually set, so zero-valued flag
			// defaults do not shadow the configured defaults.
			bindings := map[string]string{
				"type":          "run_type",
				"min-followers": "discovery.min_followers",
				"similar-count": "discovery.similar_count",
				"layers":        "discovery.max_layers",
				"pages":         "discovery.hashtag_pages",
			}
			for flagName, key := range bindings {
				if f := cmd.Flags().Lookup(flagName); f != nil && f.Changed {
					if err := viper.BindPFlag(key, f); err != nil {
						return err
					}
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-apply flag overrides on top of the loaded config.
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to apply flag overrides: %w", err)
			}
			if err := config.ValidateRunConfig(cfg.Discovery.RunConfig()); err != nil {
				return err
			}

			runType := schemas.RunType(viper.GetString("run_type"))
			input := strings.TrimSpace(args[0])
			if runType == "" {
				// Hashtag-looking inputs run combined; everything else
				// runs pure similar-accounts expansion.
				if strings.HasPrefix(input, "#") {
					runType = schemas.RunTypeCombined
				} else {
					runType = schemas.RunTypeSimilar
				}
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer comps.Shutdown()

			run, err := comps.Store.CreateRun(ctx, runType, input, cfg.Discovery.RunConfig())
			if err != nil {
				return err
			}

			logger.Info("Starting discovery",
				zap.String("run_id", run.ID),
				zap.String("type", string(runType)),
				zap.String("input", input))

			summary, err := comps.Engine.Execute(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("discovery failed (run %s, partial results preserved): %w", run.ID, err)
			}

			profiles, err := comps.Store.ListRunProfiles(ctx, run.ID)
			if err != nil {
				return err
			}

			printSummary(summary, profiles)
			return nil
		},
	}

	discoverCmd.Flags().String("type", "", `Run type: "similar" or "combined" (default inferred from input)`)
	discoverCmd.Flags().Int("min-followers", 0, "Minimum follower count (overrides config/env)")
	discoverCmd.Flags().Int("similar-count", 0, "Similar-account fan-out per seed (overrides config/env)")
	discoverCmd.Flags().Int("layers", 0, "Maximum expansion layers (overrides config/env)")
	discoverCmd.Flags().Int("pages", 0, "Hashtag pages to scan while seeding (overrides config/env)")
	return discoverCmd
}

// printSummary writes the run totals, the per-layer breakdown, and the
// top profiles by followers to stdout.
func printSummary(summary *schemas.RunSummary, profiles []schemas.LinkedProfile) {
	fmt.Printf("\nDiscovery complete. Run ID: %s\n", summary.RunID)
	fmt.Printf("  Profiles inserted: %d\n", summary.TotalInserted)
	fmt.Printf("  Layers completed:  %d\n", summary.LayersCompleted)
	fmt.Printf("  External calls:    %d\n", summary.APICalls)
	fmt.Printf("  Elapsed:           %s\n", summary.Elapsed.Round(time.Millisecond))

	byLayer := make(map[int]int)
	for _, p := range profiles {
		byLayer[p.Layer]++
	}
	if len(byLayer) > 0 {
		fmt.Println("\nDiscovery by layer:")
		layers := make([]int, 0, len(byLayer))
		for l := range byLayer {
			layers = append(layers, l)
		}
		sort.Ints(layers)
		for _, l := range layers {
			name := fmt.Sprintf("Layer %d", l)
			if l == 0 {
				name = "Seed"
			}
			fmt.Printf("  %s: %d profiles\n", name, byLayer[l])
		}
	}

	if len(profiles) > 0 {
		sorted := make([]schemas.LinkedProfile, len(profiles))
		copy(sorted, profiles)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].FollowerCount > sorted[j].FollowerCount
		})
		top := sorted
		if len(top) > 10 {
			top = top[:10]
		}
		fmt.Println("\nTop profiles by followers:")
		for i, p := range top {
			mark := ""
			if p.Verified {
				mark = " *"
			}
			fmt.Printf("  %2d. @%s - %s followers%s\n", i+1, p.Username, formatCount(p.FollowerCount), mark)
		}
	}
}

// formatCount renders large counts with K/M/B suffixes.
func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
