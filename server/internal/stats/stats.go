// Package stats turns stored usage records into the time-bucketed,
// cost-annotated statistics served by the dashboard API.
package stats

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/zhaobenny/ccpulse/internal/model"
	"github.com/zhaobenny/ccpulse/server/internal/database"
)

// MaxBuckets bounds the series length of a single query
const MaxBuckets = 10000

// Window bounds accepted by Buckets and Compute, unix seconds. The upper
// bound is 9999-12-31T23:59:59Z.
const (
	MinTimestamp int64 = 0
	MaxTimestamp int64 = 253402300799
)

// Auto asks Compute to pick the bucket width from the window span
const Auto = "auto"

const (
	minute = int64(60)
	hour   = 60 * minute
	day    = 24 * hour
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidWindow   = errors.New("from must not be after to")
	ErrWindowRange     = fmt.Errorf("from and to must be between %d and %d", MinTimestamp, MaxTimestamp)
	ErrTooManyBuckets  = fmt.Errorf("window produces more than %d buckets", MaxBuckets)
)

// widths maps each accepted interval label to its width in seconds
var widths = map[string]int64{
	"1m":  minute,
	"5m":  5 * minute,
	"15m": 15 * minute,
	"30m": 30 * minute,
	"1h":  hour,
	"2h":  2 * hour,
	"4h":  4 * hour,
	"6h":  6 * hour,
	"12h": 12 * hour,
	"1d":  day,
}

// ParseInterval returns the width for an interval label. An empty label or
// "auto" returns 0 with auto set.
func ParseInterval(s string) (width int64, auto bool, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == Auto {
		return 0, true, nil
	}
	w, ok := widths[s]
	if !ok {
		return 0, false, fmt.Errorf("%w %q", ErrInvalidInterval, s)
	}
	return w, false, nil
}

// Label returns the interval label for a width, or "<n>s" for widths
// outside the ladder
func Label(width int64) string {
	for label, w := range widths {
		if w == width {
			return label
		}
	}
	return fmt.Sprintf("%ds", width)
}

// AutoWidth picks a width that keeps the series at a few dozen points
func AutoWidth(from, to int64) int64 {
	span := to - from
	switch {
	case span <= day:
		return hour
	case span <= 3*day:
		return 2 * hour
	case span <= 7*day:
		return 6 * hour
	case span <= 14*day:
		return 12 * hour
	default:
		return day
	}
}

// Align floors ts to a multiple of width
func Align(ts, width int64) int64 {
	r := ts % width
	if r < 0 {
		r += width
	}
	return ts - r
}

// Buckets enumerates the aligned bucket starts covering [from, to]
func Buckets(from, to, width int64) ([]int64, error) {
	if width <= 0 {
		return nil, ErrInvalidInterval
	}
	if from < MinTimestamp || to > MaxTimestamp {
		return nil, ErrWindowRange
	}
	if from > to {
		return nil, ErrInvalidWindow
	}
	start, end := Align(from, width), Align(to, width)
	n := end/width - start/width + 1
	if n > MaxBuckets {
		return nil, ErrTooManyBuckets
	}

	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)*width
	}
	return out, nil
}

// Coster prices a single record
type Coster interface {
	Cost(usage model.TokenUsage, modelName string) float64
}

// Query selects the window, width and devices of a statistics request
type Query struct {
	From     int64
	To       int64
	Interval string
	// Devices restricts every figure except deviceStats; empty means all
	Devices []string
	// KnownDevices are offered in availableDevices alongside the devices
	// seen in the window
	KnownDevices []string
}

// Stats is a sum of token fields, record count and cost
type Stats struct {
	InputTokens       int64   `json:"inputTokens"`
	OutputTokens      int64   `json:"outputTokens"`
	TotalTokens       int64   `json:"totalTokens"`
	CacheCreateTokens int64   `json:"cacheCreateTokens"`
	CacheReadTokens   int64   `json:"cacheReadTokens"`
	Records           int     `json:"records"`
	Cost              float64 `json:"cost"`
}

func (s *Stats) add(r *database.UsageRecord, cost float64) {
	s.InputTokens += r.InputTokens
	s.OutputTokens += r.OutputTokens
	s.TotalTokens += r.InputTokens + r.OutputTokens
	s.CacheCreateTokens += r.CacheCreateTokens
	s.CacheReadTokens += r.CacheReadTokens
	s.Records++
	s.Cost += cost
}

type DeviceStats struct {
	Device string `json:"device"`
	Stats
}

type ModelStats struct {
	Model string `json:"model"`
	Stats
}

// TrendPoint is one bucket of a series; Timestamp is the bucket start
type TrendPoint struct {
	Timestamp int64 `json:"timestamp"`
	Stats
}

type ModelTrend struct {
	Model string       `json:"model"`
	Data  []TrendPoint `json:"data"`
}

// Result is the body of the statistics endpoint
type Result struct {
	TotalStats       Stats         `json:"totalStats"`
	DeviceStats      []DeviceStats `json:"deviceStats"`
	AvailableDevices []string      `json:"availableDevices"`
	TrendData        []TrendPoint  `json:"trendData"`
	ModelTrendData   []ModelTrend  `json:"modelTrendData"`
	ModelStats       []ModelStats  `json:"modelStats"`
	Granularity      string        `json:"granularity"`
	Interval         string        `json:"interval"`
	BucketSeconds    int64         `json:"bucketSeconds"`
	From             int64         `json:"from"`
	To               int64         `json:"to"`
}

// excludedModel reports whether a model is left out of per-model breakdowns
func excludedModel(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || strings.EqualFold(name, model.UnknownModel)
}

// Compute aggregates records into q's window. Records outside [From, To]
// are ignored.
func Compute(records []database.UsageRecord, q Query, coster Coster) (*Result, error) {
	width, auto, err := ParseInterval(q.Interval)
	if err != nil {
		return nil, err
	}
	if q.From < MinTimestamp || q.To > MaxTimestamp {
		return nil, ErrWindowRange
	}
	if auto {
		width = AutoWidth(q.From, q.To)
	}
	buckets, err := Buckets(q.From, q.To, width)
	if err != nil {
		return nil, err
	}

	interval := strings.TrimSpace(q.Interval)
	if interval == "" {
		interval = Auto
	}
	res := &Result{
		Granularity:   Label(width),
		Interval:      interval,
		BucketSeconds: width,
		From:          q.From,
		To:            q.To,
	}

	inWindow := lo.Filter(records, func(r database.UsageRecord, _ int) bool {
		return r.Timestamp >= q.From && r.Timestamp <= q.To
	})

	// device totals ignore the selector
	byDevice := make(map[string]*Stats)
	costs := make([]float64, len(inWindow))
	for i := range inWindow {
		r := &inWindow[i]
		costs[i] = coster.Cost(model.TokenUsage{
			InputTokens:              r.InputTokens,
			OutputTokens:             r.OutputTokens,
			CacheCreationInputTokens: r.CacheCreateTokens,
			CacheReadInputTokens:     r.CacheReadTokens,
		}, r.Model)

		s, ok := byDevice[r.DeviceName]
		if !ok {
			s = &Stats{}
			byDevice[r.DeviceName] = s
		}
		s.add(r, costs[i])
	}

	res.AvailableDevices = lo.Uniq(append(lo.Keys(byDevice), q.KnownDevices...))
	sort.Strings(res.AvailableDevices)

	res.DeviceStats = make([]DeviceStats, 0, len(byDevice))
	for name, s := range byDevice {
		res.DeviceStats = append(res.DeviceStats, DeviceStats{Device: name, Stats: *s})
	}
	sort.Slice(res.DeviceStats, func(i, j int) bool {
		return res.DeviceStats[i].Device < res.DeviceStats[j].Device
	})

	trend := make(map[int64]*Stats, len(buckets))
	modelTrend := make(map[string]map[int64]*Stats)
	byModel := make(map[string]*Stats)
	for i := range inWindow {
		r := &inWindow[i]
		if len(q.Devices) > 0 && !lo.Contains(q.Devices, r.DeviceName) {
			continue
		}
		bucket := Align(r.Timestamp, width)

		res.TotalStats.add(r, costs[i])
		bucketStats(trend, bucket).add(r, costs[i])

		if excludedModel(r.Model) {
			continue
		}
		series, ok := modelTrend[r.Model]
		if !ok {
			series = make(map[int64]*Stats)
			modelTrend[r.Model] = series
			byModel[r.Model] = &Stats{}
		}
		bucketStats(series, bucket).add(r, costs[i])
		byModel[r.Model].add(r, costs[i])
	}

	res.TrendData = fill(trend, buckets)

	models := lo.Keys(modelTrend)
	sort.Strings(models)
	res.ModelTrendData = make([]ModelTrend, 0, len(models))
	for _, m := range models {
		res.ModelTrendData = append(res.ModelTrendData, ModelTrend{Model: m, Data: fill(modelTrend[m], buckets)})
	}

	res.ModelStats = make([]ModelStats, 0, len(byModel))
	for m, s := range byModel {
		res.ModelStats = append(res.ModelStats, ModelStats{Model: m, Stats: *s})
	}
	sort.Slice(res.ModelStats, func(i, j int) bool {
		a, b := res.ModelStats[i], res.ModelStats[j]
		if a.Cost != b.Cost {
			return a.Cost > b.Cost
		}
		return a.Model < b.Model
	})

	return res, nil
}

func bucketStats(m map[int64]*Stats, bucket int64) *Stats {
	s, ok := m[bucket]
	if !ok {
		s = &Stats{}
		m[bucket] = s
	}
	return s
}

// fill emits one point per bucket, zero-valued where nothing was recorded
func fill(m map[int64]*Stats, buckets []int64) []TrendPoint {
	out := make([]TrendPoint, len(buckets))
	for i, b := range buckets {
		out[i].Timestamp = b
		if s, ok := m[b]; ok {
			out[i].Stats = *s
		}
	}
	return out
}
