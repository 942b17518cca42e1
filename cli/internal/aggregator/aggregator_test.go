package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhaobenny/ccpulse/internal/model"
	"github.com/zhaobenny/ccpulse/internal/pricing"
)

func record(ts string, modelName string, in, out int64) model.UsageRecord {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		panic(err)
	}
	return model.UsageRecord{
		Timestamp: t,
		Model:     modelName,
		Usage:     model.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

func fixedPricing() Options {
	return Options{Pricing: pricing.NewSnapshot(map[string]model.ModelPricing{
		"m-cheap": {InputCostPerToken: 1e-06, OutputCostPerToken: 1e-06},
		"m-dear":  {InputCostPerToken: 1e-05, OutputCostPerToken: 1e-05},
	}, pricing.SourceRemote)}
}

func TestByDay(t *testing.T) {
	records := []model.UsageRecord{
		record("2024-01-01T10:00:00Z", "m-cheap", 100, 100),
		record("2024-01-01T23:00:00Z", "m-dear", 100, 0),
		record("2024-01-02T01:00:00Z", "", 10, 10),
	}

	results := ByDay(records, fixedPricing())
	require.Len(t, results, 2)

	assert.Equal(t, "2024-01-02", results[0].Key, "newest first")
	assert.Equal(t, []string{model.UnknownModel}, results[0].Models)

	day := results[1]
	assert.Equal(t, "2024-01-01", day.Key)
	assert.Equal(t, 2, day.RecordCount)
	assert.Equal(t, int64(200), day.Usage.InputTokens)
	assert.Equal(t, []string{"m-cheap", "m-dear"}, day.Models)
	assert.InDelta(t, 200*1e-06+100*1e-05, day.Cost, 1e-12)
}

func TestByDayTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	opts := fixedPricing()
	opts.Timezone = loc
	results := ByDay([]model.UsageRecord{record("2024-01-02T01:00:00Z", "m-cheap", 1, 1)}, opts)
	require.Len(t, results, 1)
	assert.Equal(t, "2024-01-01", results[0].Key)
}

func TestByModelAndTotal(t *testing.T) {
	records := []model.UsageRecord{
		record("2024-01-01T10:00:00Z", "m-cheap", 1000, 0),
		record("2024-01-01T11:00:00Z", "m-dear", 1000, 0),
		record("2024-01-01T12:00:00Z", "m-cheap", 1000, 0),
	}

	results := ByModel(records, fixedPricing())
	require.Len(t, results, 2)
	assert.Equal(t, "m-dear", results[0].Key)
	assert.Equal(t, 2, results[1].RecordCount)

	total := CalculateTotal(results)
	assert.Equal(t, 3, total.RecordCount)
	assert.Equal(t, int64(3000), total.Usage.InputTokens)
	assert.Equal(t, []string{"m-cheap", "m-dear"}, total.Models)
	assert.InDelta(t, 0.012, total.Cost, 1e-12)
}

func TestFilterRecords(t *testing.T) {
	records := []model.UsageRecord{
		record("2024-01-01T00:00:00Z", "m", 1, 1),
		record("2024-01-05T00:00:00Z", "m", 1, 1),
		record("2024-01-10T00:00:00Z", "m", 1, 1),
	}

	got := FilterRecords(records, Options{
		Since: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC),
	})
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Timestamp.Day())
}
