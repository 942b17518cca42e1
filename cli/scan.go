package main

import (
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/zhaobenny/ccpulse/cli/internal/aggregator"
	"github.com/zhaobenny/ccpulse/cli/internal/output"
	"github.com/zhaobenny/ccpulse/cli/internal/sync"
	"github.com/zhaobenny/ccpulse/internal/model"
	"github.com/zhaobenny/ccpulse/internal/pricing"
)

func newScanCmd(a *app) *cobra.Command {
	var (
		jsonOut  bool
		by       string
		since    string
		until    string
		timezone string
		offline  bool
		compact  bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Show records that would be reported, without sending them",
		Example: `  ccpulse scan
  ccpulse scan --by model --json
  ccpulse scan --since 20250101 --timezone America/New_York`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			opts := aggregator.Options{}
			if since != "" {
				t, err := time.Parse("20060102", since)
				if err != nil {
					return fmt.Errorf("invalid --since date %q, use YYYYMMDD", since)
				}
				opts.Since = t
			}
			if until != "" {
				t, err := time.Parse("20060102", until)
				if err != nil {
					return fmt.Errorf("invalid --until date %q, use YYYYMMDD", until)
				}
				// Include the entire day
				opts.Until = t.Add(24*time.Hour - time.Second)
			}
			if timezone != "" {
				loc, err := time.LoadLocation(timezone)
				if err != nil {
					return fmt.Errorf("invalid timezone %q", timezone)
				}
				opts.Timezone = loc
			}

			ctx := cmd.Context()
			if offline {
				opts.Pricing = pricing.Offline()
			} else {
				resolver := pricing.NewResolver(pricing.Options{URL: pricing.LiteLLMPricingURL, Logger: a.logger})
				opts.Pricing = resolver.Snapshot(ctx)
			}

			res, err := a.newCollector(cfg).Pending(ctx)
			if err != nil {
				return err
			}

			records := lo.Map(res.Pending, func(p sync.Pending, _ int) model.UsageRecord { return p.Record })
			records = aggregator.FilterRecords(records, opts)

			var results []model.AggregatedUsage
			title := "Date"
			switch by {
			case "day":
				results = aggregator.ByDay(records, opts)
			case "model":
				results = aggregator.ByModel(records, opts)
				title = "Model"
			default:
				return fmt.Errorf("invalid --by %q, use day or model", by)
			}

			if jsonOut {
				return output.PrintJSON(os.Stdout, results, aggregator.CalculateTotal(results))
			}

			fmt.Printf("%d files, %d pending records, %d already reported, %d duplicate chunks, %d skipped lines\n",
				len(res.Files), len(res.Pending), res.AlreadyReported, res.Duplicates, res.Skipped)
			output.PrintTable(os.Stdout, results, title, output.TableOptions{
				ForceCompact: compact,
				ShowTotal:    true,
				ShortModels:  by == "model",
			})
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&jsonOut, "json", false, "Output as JSON")
	f.StringVar(&by, "by", "day", "Group by day or model")
	f.StringVar(&since, "since", "", "Start date filter (YYYYMMDD)")
	f.StringVar(&until, "until", "", "End date filter (YYYYMMDD)")
	f.StringVar(&timezone, "timezone", "", "Timezone for date grouping (e.g., America/New_York)")
	f.BoolVar(&offline, "offline", false, "Use embedded pricing data (no network)")
	f.BoolVarP(&compact, "compact", "c", false, "Force compact table output")
	return cmd
}
