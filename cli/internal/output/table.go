package output

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/zhaobenny/ccpulse/internal/model"
)

const (
	compactThreshold = 100 // Terminal width below which compact mode kicks in
	defaultWidth     = 120
)

var (
	datedModel   = regexp.MustCompile(`^claude-(\w+)-([\d-]+)-(\d{8})$`)
	undatedModel = regexp.MustCompile(`^claude-(\w+)-([\d-]+)$`)
)

// TableOptions controls table display behavior
type TableOptions struct {
	ForceCompact bool
	ShowTotal    bool
	ShortModels  bool // shorten keys that are model names
}

// shouldUseCompact determines if compact mode should be used
func shouldUseCompact(opts TableOptions) bool {
	if opts.ForceCompact {
		return true
	}
	return getTerminalWidth() < compactThreshold
}

// FormatNumber formats a number with thousand separators
func FormatNumber(n int64) string {
	if n == 0 {
		return "0"
	}

	str := fmt.Sprintf("%d", n)
	negative := n < 0
	if negative {
		str = str[1:]
	}

	var b strings.Builder
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}

// FormatCost formats a cost value as currency
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.2f", cost)
}

// shortenModelName converts full model names to short form
// claude-sonnet-4-5-20250929 -> sonnet-4-5
func shortenModelName(name string) string {
	if m := datedModel.FindStringSubmatch(name); m != nil {
		return m[1] + "-" + m[2]
	}
	if m := undatedModel.FindStringSubmatch(name); m != nil {
		return m[1] + "-" + m[2]
	}
	return name
}

type column struct {
	header string
	width  int
	value  func(model.AggregatedUsage) string
}

func columns(compact bool) []column {
	cols := []column{
		{"Input", 12, func(r model.AggregatedUsage) string { return FormatNumber(r.Usage.InputTokens) }},
		{"Output", 12, func(r model.AggregatedUsage) string { return FormatNumber(r.Usage.OutputTokens) }},
	}
	if !compact {
		cols = append(cols,
			column{"Cache Create", 14, func(r model.AggregatedUsage) string { return FormatNumber(r.Usage.CacheCreationInputTokens) }},
			column{"Cache Read", 14, func(r model.AggregatedUsage) string { return FormatNumber(r.Usage.CacheReadInputTokens) }},
			column{"Records", 8, func(r model.AggregatedUsage) string { return FormatNumber(int64(r.RecordCount)) }},
		)
	}
	return append(cols, column{"Cost", 10, func(r model.AggregatedUsage) string { return FormatCost(r.Cost) }})
}

// PrintTable prints aggregated usage as a formatted table
func PrintTable(w io.Writer, results []model.AggregatedUsage, title string, opts TableOptions) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No usage data found.")
		return
	}

	compact := shouldUseCompact(opts)
	cols := columns(compact)

	keyOf := func(r model.AggregatedUsage) string {
		if opts.ShortModels {
			return shortenModelName(r.Key)
		}
		return r.Key
	}

	// Calculate key column width
	keyWidth := max(len(title), 10)
	for _, r := range results {
		keyWidth = max(keyWidth, len(keyOf(r)))
	}
	// Cap key width in compact mode
	if compact && keyWidth > 12 {
		keyWidth = 12
	}

	ruleWidth := keyWidth
	for _, c := range cols {
		ruleWidth += 2 + c.width
	}

	row := func(key string, r model.AggregatedUsage) {
		if len(key) > keyWidth {
			key = key[:keyWidth]
		}
		fmt.Fprintf(w, "%-*s", keyWidth, key)
		for _, c := range cols {
			fmt.Fprintf(w, "  %*s", c.width, c.value(r))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-*s", keyWidth, title)
	for _, c := range cols {
		fmt.Fprintf(w, "  %*s", c.width, c.header)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("─", ruleWidth))

	total := model.AggregatedUsage{Key: "Total"}
	for _, r := range results {
		row(keyOf(r), r)
		total.Usage = total.Usage.Add(r.Usage)
		total.Cost += r.Cost
		total.RecordCount += r.RecordCount
	}

	if opts.ShowTotal && len(results) > 1 {
		fmt.Fprintln(w, strings.Repeat("─", ruleWidth))
		row(total.Key, total)
	}

	fmt.Fprintln(w)
	if compact {
		fmt.Fprintln(w, "(Compact mode - expand terminal for full view)")
	}
}

// JSONOutput represents the JSON output structure
type JSONOutput struct {
	Results []JSONResult `json:"results"`
	Total   JSONResult   `json:"total"`
}

// JSONResult represents a single result in JSON format
type JSONResult struct {
	Key                      string   `json:"key"`
	InputTokens              int64    `json:"input_tokens"`
	OutputTokens             int64    `json:"output_tokens"`
	CacheCreationInputTokens int64    `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64    `json:"cache_read_input_tokens"`
	Records                  int      `json:"records"`
	Cost                     float64  `json:"cost"`
	Models                   []string `json:"models,omitempty"`
}

func toJSONResult(r model.AggregatedUsage) JSONResult {
	return JSONResult{
		Key:                      r.Key,
		InputTokens:              r.Usage.InputTokens,
		OutputTokens:             r.Usage.OutputTokens,
		CacheCreationInputTokens: r.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     r.Usage.CacheReadInputTokens,
		Records:                  r.RecordCount,
		Cost:                     r.Cost,
		Models:                   r.Models,
	}
}

// PrintJSON writes results and their total as indented JSON
func PrintJSON(w io.Writer, results []model.AggregatedUsage, total model.AggregatedUsage) error {
	out := JSONOutput{
		Results: make([]JSONResult, len(results)),
		Total:   toJSONResult(total),
	}
	for i, r := range results {
		out.Results[i] = toJSONResult(r)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
