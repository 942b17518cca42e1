package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zhaobenny/ccpulse/internal/model"
)

// maxLineSize bounds a single JSONL line; longer lines end the scan of that file
const maxLineSize = 10 * 1024 * 1024

// Shape identifies which historical log layout a line matched
type Shape int

const (
	ShapeNone          Shape = iota
	ShapeUsageEvent          // {"type":"usage","usage":{...}}
	ShapeMessageUsage        // {"message":{"usage":{...}}}
	ShapeTopLevelUsage       // {"usage":{...}} with non-zero counts
	ShapeFlatTokens          // {"inputTokens":N,"outputTokens":M}
	ShapeResponseUsage       // {"response":{"usage":{...}}}
)

func (s Shape) String() string {
	switch s {
	case ShapeUsageEvent:
		return "usage_event"
	case ShapeMessageUsage:
		return "message_usage"
	case ShapeTopLevelUsage:
		return "top_level_usage"
	case ShapeFlatTokens:
		return "flat_tokens"
	case ShapeResponseUsage:
		return "response_usage"
	default:
		return "none"
	}
}

// SkipReason explains why a line produced no usage entry
type SkipReason int

const (
	NotSkipped SkipReason = iota
	SkipBlank
	SkipMalformed
	SkipNoUsage
	SkipZeroUsage
)

func (r SkipReason) String() string {
	switch r {
	case NotSkipped:
		return "ok"
	case SkipBlank:
		return "blank"
	case SkipMalformed:
		return "malformed"
	case SkipNoUsage:
		return "no_usage"
	case SkipZeroUsage:
		return "zero_usage"
	default:
		return "unknown"
	}
}

// Entry is one usage line in canonical form plus the identifiers the
// dedup layer needs
type Entry struct {
	Record          model.UsageRecord
	MessageID       string
	RequestID       string
	Shape           Shape
	Line            int  // 1-based line number within the file
	TimestampParsed bool // false when Record.Timestamp is the wall-clock fallback
}

// FileResult is the outcome of parsing one JSONL file
type FileResult struct {
	Path    string
	Entries []Entry
	Skipped map[SkipReason]int
	Lines   int

	// Earliest is the earliest parseable timestamp on any line, zero if none
	Earliest time.Time
}

// SkippedTotal returns the number of non-blank lines that produced no entry
func (r FileResult) SkippedTotal() int {
	n := 0
	for reason, c := range r.Skipped {
		if reason != SkipBlank {
			n += c
		}
	}
	return n
}

// tokenCount decodes a JSON number, or a quoted number, into a
// non-negative integer count. Fractions are truncated.
type tokenCount int64

func (c *tokenCount) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if s == "null" || s == `""` {
		*c = 0
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}

	n := json.Number(s)
	if i, err := n.Int64(); err == nil {
		*c = tokenCount(max(i, 0))
		return nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.New("token count is not a number")
	}
	if f < 0 {
		f = 0
	}
	*c = tokenCount(int64(f))
	return nil
}

func (c *tokenCount) value() int64 {
	if c == nil {
		return 0
	}
	return int64(*c)
}

// rawUsage accepts both the API's snake_case keys and the camelCase keys
// written by older tools
type rawUsage struct {
	InputTokens              *tokenCount `json:"input_tokens"`
	OutputTokens             *tokenCount `json:"output_tokens"`
	InputTokensCamel         *tokenCount `json:"inputTokens"`
	OutputTokensCamel        *tokenCount `json:"outputTokens"`
	CacheCreationInputTokens *tokenCount `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     *tokenCount `json:"cache_read_input_tokens"`
}

func (u *rawUsage) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	type plain rawUsage
	return json.Unmarshal(b, (*plain)(u))
}

func (u *rawUsage) input() int64 {
	if v := u.InputTokens.value(); v > 0 {
		return v
	}
	return u.InputTokensCamel.value()
}

func (u *rawUsage) output() int64 {
	if v := u.OutputTokens.value(); v > 0 {
		return v
	}
	return u.OutputTokensCamel.value()
}

func (u *rawUsage) present() bool {
	return u != nil && (u.InputTokens != nil || u.OutputTokens != nil ||
		u.InputTokensCamel != nil || u.OutputTokensCamel != nil ||
		u.CacheCreationInputTokens != nil || u.CacheReadInputTokens != nil)
}

func (u *rawUsage) tokens() model.TokenUsage {
	return model.TokenUsage{
		InputTokens:              u.input(),
		OutputTokens:             u.output(),
		CacheCreationInputTokens: u.CacheCreationInputTokens.value(),
		CacheReadInputTokens:     u.CacheReadInputTokens.value(),
	}
}

// rawMessage covers both "message" and "response" objects. Some log lines
// carry a plain string under these keys, which decodes as empty.
type rawMessage struct {
	ID    string    `json:"id"`
	Model string    `json:"model"`
	Usage *rawUsage `json:"usage"`
}

func (m *rawMessage) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	type plain rawMessage
	return json.Unmarshal(b, (*plain)(m))
}

// rawEntry represents the raw JSON structure of one Claude Code JSONL line,
// across every layout the tool has written over time
type rawEntry struct {
	Type         string          `json:"type"`
	Timestamp    json.RawMessage `json:"timestamp"`
	SessionID    string          `json:"sessionId"`
	SessionIDAlt string          `json:"session_id"`
	RequestID    string          `json:"requestId"`
	RequestIDAlt string          `json:"request_id"`
	Model        string          `json:"model"`
	Usage        *rawUsage       `json:"usage"`
	InputTokens  *tokenCount     `json:"inputTokens"`
	OutputTokens *tokenCount     `json:"outputTokens"`
	Message      *rawMessage     `json:"message"`
	Response     *rawMessage     `json:"response"`
}

// matchShape tries each known layout in priority order and returns the
// first that matches along with its token counts
func matchShape(raw *rawEntry) (Shape, model.TokenUsage) {
	switch {
	case raw.Type == "usage" && raw.Usage.present():
		return ShapeUsageEvent, raw.Usage.tokens()
	case raw.Message != nil && raw.Message.Usage.present():
		return ShapeMessageUsage, raw.Message.Usage.tokens()
	case raw.Usage.present() && (raw.Usage.input() > 0 || raw.Usage.output() > 0):
		return ShapeTopLevelUsage, raw.Usage.tokens()
	case raw.InputTokens != nil || raw.OutputTokens != nil:
		return ShapeFlatTokens, model.TokenUsage{
			InputTokens:  raw.InputTokens.value(),
			OutputTokens: raw.OutputTokens.value(),
		}
	case raw.Response != nil && raw.Response.Usage.present():
		return ShapeResponseUsage, raw.Response.Usage.tokens()
	}
	return ShapeNone, model.TokenUsage{}
}

func extractModel(raw *rawEntry) string {
	if raw.Message != nil && raw.Message.Model != "" {
		return raw.Message.Model
	}
	if raw.Model != "" {
		return raw.Model
	}
	if raw.Response != nil && raw.Response.Model != "" {
		return raw.Response.Model
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts ISO-8601 strings or numeric epochs (seconds, or
// milliseconds when the value is too large to be seconds)
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Unix(int64(f), 0).UTC(), true
}

// ExtractLine converts one JSONL line into a canonical entry. The returned
// entry's timestamp fields are filled whenever the line decoded, even when
// it is skipped, so callers can still use them for file ordering.
func ExtractLine(line []byte, now time.Time) (Entry, SkipReason) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Entry{}, SkipBlank
	}

	var raw rawEntry
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, SkipMalformed
	}

	entry := Entry{}
	if ts, ok := parseTimestamp(raw.Timestamp); ok {
		entry.Record.Timestamp = ts
		entry.TimestampParsed = true
	} else {
		entry.Record.Timestamp = now.UTC().Truncate(time.Second)
	}

	shape, usage := matchShape(&raw)
	if shape == ShapeNone {
		return entry, SkipNoUsage
	}
	if usage.IsZero() {
		return entry, SkipZeroUsage
	}

	entry.Shape = shape
	entry.Record.Usage = usage
	entry.Record.Model = extractModel(&raw)
	entry.Record.SessionID = raw.SessionID
	if entry.Record.SessionID == "" {
		entry.Record.SessionID = raw.SessionIDAlt
	}
	entry.RequestID = raw.RequestID
	if entry.RequestID == "" {
		entry.RequestID = raw.RequestIDAlt
	}
	if raw.Message != nil {
		entry.MessageID = raw.Message.ID
	}

	return entry, NotSkipped
}

// FindUsageFiles finds all JSONL files below root. A missing root or an
// unreadable subdirectory is not an error; it just contributes no files.
func FindUsageFiles(root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && filepath.Ext(path) == ".jsonl" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// ParseFile parses a single JSONL file. Malformed lines are counted and
// skipped; entries are returned in line order.
func ParseFile(path string, now time.Time) (FileResult, error) {
	result := FileResult{
		Path:    path,
		Skipped: make(map[SkipReason]int),
	}

	file, err := os.Open(path)
	if err != nil {
		return result, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)

	// Increase buffer size for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		result.Lines++

		entry, reason := ExtractLine(scanner.Bytes(), now)
		if entry.TimestampParsed {
			if result.Earliest.IsZero() || entry.Record.Timestamp.Before(result.Earliest) {
				result.Earliest = entry.Record.Timestamp
			}
		}
		if reason != NotSkipped {
			result.Skipped[reason]++
			continue
		}

		entry.Line = result.Lines
		result.Entries = append(result.Entries, entry)
	}

	return result, scanner.Err()
}

// OrderFiles sorts parse results by each file's earliest timestamp. Files
// with no parseable timestamp go last; ties fall back to the path.
func OrderFiles(results []FileResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		switch {
		case a.Earliest.IsZero() && b.Earliest.IsZero():
			return a.Path < b.Path
		case a.Earliest.IsZero():
			return false
		case b.Earliest.IsZero():
			return true
		case !a.Earliest.Equal(b.Earliest):
			return a.Earliest.Before(b.Earliest)
		default:
			return a.Path < b.Path
		}
	})
}
