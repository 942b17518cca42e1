package model

import "time"

// UnknownModel is stored when a record arrives without a model name
const UnknownModel = "unknown"

// UsageRecord is a canonical usage event extracted from a Claude Code JSONL line
type UsageRecord struct {
	Timestamp  time.Time
	SessionID  string
	Model      string
	DeviceName string // assigned by the server from the API key
	Usage      TokenUsage
}

// TokenUsage contains token counts from a Claude API response
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Total returns input + output. Cache tokens are not part of the total.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// IsZero reports whether the usage carries no billable input or output
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0
}

// Add returns the field-wise sum of two usages
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
	}
}

// ModelPricing contains pricing info for a model (per token, not per million).
// When TierThreshold is non-zero, tokens of a single record beyond it are
// billed at the Above* rates for the fields that define one.
type ModelPricing struct {
	InputCostPerToken         float64
	OutputCostPerToken        float64
	CacheCreationCostPerToken float64
	CacheReadCostPerToken     float64

	TierThreshold                  int64
	InputCostPerTokenAbove         float64
	OutputCostPerTokenAbove        float64
	CacheCreationCostPerTokenAbove float64
	CacheReadCostPerTokenAbove     float64
}

// AggregatedUsage represents usage aggregated by some key (day, file, etc.)
type AggregatedUsage struct {
	Key         string     // The grouping key
	Usage       TokenUsage // Aggregated token counts
	Cost        float64    // Total cost in USD
	Models      []string   // Models used in this group
	RecordCount int        // Number of records aggregated
}
