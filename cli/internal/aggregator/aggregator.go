// Package aggregator groups pending usage records for the collector's
// local scan output. The server's bucketed statistics live in server/internal/stats.
package aggregator

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/zhaobenny/ccpulse/internal/model"
	"github.com/zhaobenny/ccpulse/internal/pricing"
)

// Options for aggregation
type Options struct {
	Since    time.Time
	Until    time.Time
	Timezone *time.Location
	Pricing  *pricing.Snapshot // nil uses the embedded table
}

func (o Options) snapshot() *pricing.Snapshot {
	if o.Pricing == nil {
		return pricing.Offline()
	}
	return o.Pricing
}

// FilterRecords filters records based on date range
func FilterRecords(records []model.UsageRecord, opts Options) []model.UsageRecord {
	return lo.Filter(records, func(r model.UsageRecord, _ int) bool {
		if !opts.Since.IsZero() && r.Timestamp.Before(opts.Since) {
			return false
		}
		if !opts.Until.IsZero() && r.Timestamp.After(opts.Until) {
			return false
		}
		return true
	})
}

// group sums records under the key returned by keyFn, pricing each record
// individually
func group(records []model.UsageRecord, opts Options, keyFn func(model.UsageRecord) string) map[string]*model.AggregatedUsage {
	snap := opts.snapshot()
	grouped := make(map[string]*model.AggregatedUsage)

	for _, r := range records {
		key := keyFn(r)
		agg, ok := grouped[key]
		if !ok {
			agg = &model.AggregatedUsage{Key: key}
			grouped[key] = agg
		}

		agg.Usage = agg.Usage.Add(r.Usage)
		agg.Cost += snap.Cost(r.Usage, r.Model)
		agg.RecordCount++

		name := r.Model
		if name == "" {
			name = model.UnknownModel
		}
		if !lo.Contains(agg.Models, name) {
			agg.Models = append(agg.Models, name)
		}
	}

	for _, agg := range grouped {
		sort.Strings(agg.Models)
	}
	return grouped
}

// ByDay aggregates usage by day, newest first
func ByDay(records []model.UsageRecord, opts Options) []model.AggregatedUsage {
	grouped := group(records, opts, func(r model.UsageRecord) string {
		ts := r.Timestamp.UTC()
		if opts.Timezone != nil {
			ts = ts.In(opts.Timezone)
		}
		return ts.Format("2006-01-02")
	})

	results := make([]model.AggregatedUsage, 0, len(grouped))
	for _, agg := range grouped {
		results = append(results, *agg)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Key > results[j].Key
	})
	return results
}

// ByModel aggregates usage by model, most expensive first
func ByModel(records []model.UsageRecord, opts Options) []model.AggregatedUsage {
	grouped := group(records, opts, func(r model.UsageRecord) string {
		if r.Model == "" {
			return model.UnknownModel
		}
		return r.Model
	})

	results := make([]model.AggregatedUsage, 0, len(grouped))
	for _, agg := range grouped {
		results = append(results, *agg)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Cost != results[j].Cost {
			return results[i].Cost > results[j].Cost
		}
		return results[i].Key < results[j].Key
	})
	return results
}

// CalculateTotal returns the total aggregated usage
func CalculateTotal(results []model.AggregatedUsage) model.AggregatedUsage {
	total := model.AggregatedUsage{Key: "Total"}

	for _, r := range results {
		total.Usage = total.Usage.Add(r.Usage)
		total.Cost += r.Cost
		total.RecordCount += r.RecordCount
		total.Models = append(total.Models, r.Models...)
	}

	total.Models = lo.Uniq(total.Models)
	sort.Strings(total.Models)
	return total
}
