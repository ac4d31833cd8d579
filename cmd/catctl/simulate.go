package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/pai-cat/internal/attempt"
	"github.com/p-n-ai/pai-cat/internal/cat"
	"github.com/p-n-ai/pai-cat/internal/irt"
	"github.com/p-n-ai/pai-cat/internal/itembank"
	"github.com/p-n-ai/pai-cat/internal/platform/config"
)

type simulateOptions struct {
	theta     float64
	seed      uint64
	explain   int
	defaults  cat.Config
	overrides cat.Overrides
}

func newSimulateCmd() *cobra.Command {
	var (
		opts      simulateOptions
		precision float64
		minItems  int
		maxItems  int
	)
	cmd := &cobra.Command{
		Use:   "simulate <pool-file>",
		Short: "Run a simulated test taker of known ability through a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := itembank.LoadFile(args[0], itembank.DefaultParams())
			if err != nil {
				return fmt.Errorf("loading %s: %w", args[0], err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.defaults = cfg.CATDefaults()
			if err := opts.defaults.Validate(); err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("precision") {
				opts.overrides.TargetPrecision = &precision
			}
			if flags.Changed("min-items") {
				opts.overrides.MinItems = &minItems
			}
			if flags.Changed("max-items") {
				opts.overrides.MaxItems = &maxItems
			}
			_, err = simulate(cmd.Context(), cmd.OutOrStdout(), pool, opts)
			return err
		},
	}
	f := cmd.Flags()
	f.Float64Var(&opts.theta, "theta", 0, "True ability of the simulated test taker")
	f.Uint64Var(&opts.seed, "seed", 1, "Random seed for response outcomes")
	f.Float64Var(&precision, "precision", 0.3, "Target standard error (LEARN_CAT_TARGET_PRECISION when unset)")
	f.IntVar(&minItems, "min-items", 5, "Minimum items before stopping on precision (LEARN_CAT_MIN_ITEMS when unset)")
	f.IntVar(&maxItems, "max-items", 30, "Maximum items (LEARN_CAT_MAX_ITEMS when unset)")
	f.IntVar(&opts.explain, "explain", 0, "Show the top N candidates considered at each step")
	return cmd
}

// simulate answers each presented item correctly with the 3PL probability at
// the true theta and returns the completed attempt.
func simulate(ctx context.Context, w io.Writer, pool itembank.Pool, opts simulateOptions) (*attempt.Attempt, error) {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	engine := attempt.NewEngine(attempt.EngineConfig{
		Bank:     itembank.StaticBank{pool.ID: pool.Items},
		Defaults: opts.defaults,
	})

	res, err := engine.StartAttempt(ctx, "simulated", pool.ID, opts.overrides)
	if err != nil {
		return nil, err
	}
	a := res.Attempt
	fmt.Fprintf(w, "pool %s: %d items, true theta %.2f\n", pool.ID, len(pool.Items), opts.theta)

	next := res.Next
	for step := 1; next != nil; step++ {
		if opts.explain > 0 {
			explain(w, pool.Items, a, opts.explain)
		}
		p := irt.Probability(next.Params, opts.theta)
		correct := rng.Float64() < p

		out, err := engine.SubmitScored(ctx, a.ID, next.ID, correct, 0)
		if err != nil {
			return nil, err
		}
		a = out.Attempt
		fmt.Fprintf(w, "%3d  %-12s b=%+.2f p=%.2f correct=%-5t theta=%+.3f se=%s\n",
			step, next.ID, next.Difficulty, p, correct, a.CurrentEstimate.Theta, formatSE(a.CurrentEstimate.StandardError))
		next = out.Next
	}

	if a.Result != nil {
		fmt.Fprintf(w, "stopped: %s after %d items\n", a.TerminationReason, a.Result.ItemsAdministered)
		fmt.Fprintf(w, "theta %.3f (error %+.3f), score %.2f, passed %t\n",
			a.Result.Theta, a.Result.Theta-opts.theta, a.Result.Score, a.Result.Passed)
	}
	return a, nil
}

func explain(w io.Writer, pool []irt.Item, a *attempt.Attempt, top int) {
	ranked := cat.Rank(pool, a.CurrentEstimate, cat.ExcludedSet(a.Responses), cat.CategoryCounts(a.Responses))
	if len(ranked) > top {
		ranked = ranked[:top]
	}
	for i, c := range ranked {
		fmt.Fprintf(w, "     #%d %-12s info=%.4f category=%q seen=%d\n",
			i+1, c.Item.ID, c.Information, c.Item.Category, c.CategoryCount)
	}
}

func formatSE(se float64) string {
	if se < 0 || math.IsInf(se, 0) {
		return "inf"
	}
	return fmt.Sprintf("%.3f", se)
}
