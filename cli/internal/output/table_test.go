package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhaobenny/ccpulse/internal/model"
)

func TestFormatNumber(t *testing.T) {
	tests := map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		1234567:  "1,234,567",
		-1234567: "-1,234,567",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatNumber(in))
	}
	assert.Equal(t, "$1.50", FormatCost(1.499))
}

func TestShortenModelName(t *testing.T) {
	assert.Equal(t, "sonnet-4-5", shortenModelName("claude-sonnet-4-5-20250929"))
	assert.Equal(t, "opus-4-5", shortenModelName("claude-opus-4-5"))
	assert.Equal(t, "unknown", shortenModelName("unknown"))
}

func sampleResults() []model.AggregatedUsage {
	return []model.AggregatedUsage{
		{Key: "2024-01-02", Usage: model.TokenUsage{InputTokens: 1500, OutputTokens: 20}, Cost: 1.25, RecordCount: 3},
		{Key: "2024-01-01", Usage: model.TokenUsage{InputTokens: 500, CacheReadInputTokens: 7}, Cost: 0.5, RecordCount: 1},
	}
}

func TestPrintTable(t *testing.T) {
	t.Setenv("COLUMNS", "200")

	var buf bytes.Buffer
	PrintTable(&buf, sampleResults(), "Date", TableOptions{ShowTotal: true})
	out := buf.String()

	assert.Contains(t, out, "Cache Read")
	assert.Contains(t, out, "1,500")
	assert.Contains(t, out, "$1.75")
	assert.Contains(t, out, "Total")
	assert.NotContains(t, out, "Compact mode")
}

func TestPrintTableCompact(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, sampleResults(), "Date", TableOptions{ForceCompact: true})
	out := buf.String()

	assert.NotContains(t, out, "Cache Read")
	assert.NotContains(t, out, "Total")
	assert.Contains(t, out, "Compact mode")
}

func TestPrintTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, nil, "Date", TableOptions{})
	assert.Equal(t, "No usage data found.", strings.TrimSpace(buf.String()))
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	results := sampleResults()
	total := model.AggregatedUsage{Key: "Total", Usage: model.TokenUsage{InputTokens: 2000}, Cost: 1.75, RecordCount: 4}
	require.NoError(t, PrintJSON(&buf, results, total))

	assert.JSONEq(t, `{
		"results": [
			{"key":"2024-01-02","input_tokens":1500,"output_tokens":20,"cache_creation_input_tokens":0,"cache_read_input_tokens":0,"records":3,"cost":1.25},
			{"key":"2024-01-01","input_tokens":500,"output_tokens":0,"cache_creation_input_tokens":0,"cache_read_input_tokens":7,"records":1,"cost":0.5}
		],
		"total": {"key":"Total","input_tokens":2000,"output_tokens":0,"cache_creation_input_tokens":0,"cache_read_input_tokens":0,"records":4,"cost":1.75}
	}`, buf.String())
}
