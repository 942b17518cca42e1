package pricing

import "github.com/zhaobenny/ccpulse/internal/model"

// tierThreshold is the per-record token count above which Anthropic bills
// long-context rates
const tierThreshold = 200_000

// sonnetLongContext applies the above-200k rates Sonnet 4 and 4.5 bill at
func sonnetLongContext(p model.ModelPricing) model.ModelPricing {
	p.TierThreshold = tierThreshold
	p.InputCostPerTokenAbove = 6e-06
	p.OutputCostPerTokenAbove = 2.25e-05
	p.CacheCreationCostPerTokenAbove = 7.5e-06
	p.CacheReadCostPerTokenAbove = 6e-07
	return p
}

var (
	opus45Pricing = model.ModelPricing{
		InputCostPerToken:         5e-06,
		OutputCostPerToken:        2.5e-05,
		CacheCreationCostPerToken: 6.25e-06,
		CacheReadCostPerToken:     5e-07,
	}
	opusPricing = model.ModelPricing{
		InputCostPerToken:         1.5e-05,
		OutputCostPerToken:        7.5e-05,
		CacheCreationCostPerToken: 1.875e-05,
		CacheReadCostPerToken:     1.5e-06,
	}
	sonnetPricing = model.ModelPricing{
		InputCostPerToken:         3e-06,
		OutputCostPerToken:        1.5e-05,
		CacheCreationCostPerToken: 3.75e-06,
		CacheReadCostPerToken:     3e-07,
	}
	haiku45Pricing = model.ModelPricing{
		InputCostPerToken:         1e-06,
		OutputCostPerToken:        5e-06,
		CacheCreationCostPerToken: 1.25e-06,
		CacheReadCostPerToken:     1e-07,
	}
	haiku35Pricing = model.ModelPricing{
		InputCostPerToken:         8e-07,
		OutputCostPerToken:        4e-06,
		CacheCreationCostPerToken: 1e-06,
		CacheReadCostPerToken:     8e-08,
	}
	haiku3Pricing = model.ModelPricing{
		InputCostPerToken:         2.5e-07,
		OutputCostPerToken:        1.25e-06,
		CacheCreationCostPerToken: 3e-07,
		CacheReadCostPerToken:     3e-08,
	}
)

// embeddedTable is a snapshot of the remote table's Anthropic entries. It
// stands in for the remote tier when the server runs offline or before the
// first successful fetch.
func embeddedTable() map[string]model.ModelPricing {
	return map[string]model.ModelPricing{
		// Opus 4.5
		"claude-opus-4-5-20251101": opus45Pricing,
		"claude-opus-4-5":          opus45Pricing,
		// Opus 4.1
		"claude-opus-4-1-20250805": opusPricing,
		"claude-opus-4-1":          opusPricing,
		// Opus 4
		"claude-opus-4-20250514": opusPricing,
		"claude-4-opus-20250514": opusPricing,
		// Sonnet 4.5
		"claude-sonnet-4-5-20250929": sonnetLongContext(sonnetPricing),
		"claude-sonnet-4-5":          sonnetLongContext(sonnetPricing),
		// Sonnet 4
		"claude-sonnet-4-20250514": sonnetLongContext(sonnetPricing),
		"claude-4-sonnet-20250514": sonnetLongContext(sonnetPricing),
		// Sonnet 3.7 / 3.5
		"claude-3-7-sonnet-20250219": sonnetPricing,
		"claude-3-5-sonnet-20241022": sonnetPricing,
		"claude-3-5-sonnet-20240620": sonnetPricing,
		// Haiku
		"claude-haiku-4-5-20251001": haiku45Pricing,
		"claude-haiku-4-5":          haiku45Pricing,
		"claude-3-5-haiku-20241022": haiku35Pricing,
		"claude-3-haiku-20240307":   haiku3Pricing,
		// Opus 3
		"claude-3-opus-20240229": opusPricing,
	}
}

// familyRule maps a model-family substring to fallback prices
type familyRule struct {
	substr  string
	pricing model.ModelPricing
}

// familyRules are tried in order against the lowercased model name
var familyRules = []familyRule{
	{"opus", opusPricing},
	{"sonnet", sonnetLongContext(sonnetPricing)},
	{"haiku", haiku45Pricing},
}

// defaultPricing is used when nothing else matches (Sonnet rates)
var defaultPricing = sonnetPricing
