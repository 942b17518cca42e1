package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zhaobenny/ccpulse/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LiteLLMPricingURL is the default remote pricing table
const LiteLLMPricingURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

const (
	defaultTTL = 24 * time.Hour

	// retryDelay keeps a failing pricing host from being hit on every request
	retryDelay = 5 * time.Minute

	// defaultMaxWait bounds how long a lookup waits on an expired table
	defaultMaxWait = 250 * time.Millisecond

	// fetchTimeout bounds a refresh that outlives the lookup that started it
	fetchTimeout = 30 * time.Second
)

// Source says which tier resolved a model's price
type Source int

const (
	SourceRemote Source = iota
	SourceEmbedded
	SourceFamily
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourceRemote:
		return "remote"
	case SourceEmbedded:
		return "embedded"
	case SourceFamily:
		return "family"
	default:
		return "default"
	}
}

// liteLLMModel represents the pricing structure from LiteLLM
type liteLLMModel struct {
	InputCostPerToken      *float64 `json:"input_cost_per_token"`
	OutputCostPerToken     *float64 `json:"output_cost_per_token"`
	CacheCreationCost      *float64 `json:"cache_creation_input_token_cost"`
	CacheReadCost          *float64 `json:"cache_read_input_token_cost"`
	InputAbove200k         *float64 `json:"input_cost_per_token_above_200k_tokens"`
	OutputAbove200k        *float64 `json:"output_cost_per_token_above_200k_tokens"`
	CacheCreationAbove200k *float64 `json:"cache_creation_input_token_cost_above_200k_tokens"`
	CacheReadAbove200k     *float64 `json:"cache_read_input_token_cost_above_200k_tokens"`
	LiteLLMProvider        string   `json:"litellm_provider"`
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func (m liteLLMModel) toPricing() model.ModelPricing {
	p := model.ModelPricing{
		InputCostPerToken:              deref(m.InputCostPerToken),
		OutputCostPerToken:             deref(m.OutputCostPerToken),
		CacheCreationCostPerToken:      deref(m.CacheCreationCost),
		CacheReadCostPerToken:          deref(m.CacheReadCost),
		InputCostPerTokenAbove:         deref(m.InputAbove200k),
		OutputCostPerTokenAbove:        deref(m.OutputAbove200k),
		CacheCreationCostPerTokenAbove: deref(m.CacheCreationAbove200k),
		CacheReadCostPerTokenAbove:     deref(m.CacheReadAbove200k),
	}
	if m.InputAbove200k != nil || m.OutputAbove200k != nil ||
		m.CacheCreationAbove200k != nil || m.CacheReadAbove200k != nil {
		p.TierThreshold = tierThreshold
	}
	return p
}

// DecodeTable parses a LiteLLM pricing document, keeping Anthropic entries.
// Entries that fail to decode are skipped rather than failing the table.
func DecodeTable(r io.Reader) (map[string]model.ModelPricing, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode pricing table: %w", err)
	}

	table := make(map[string]model.ModelPricing)
	for name, data := range raw {
		var m liteLLMModel
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		// Only include Anthropic provider models
		if m.LiteLLMProvider != "anthropic" || m.InputCostPerToken == nil {
			continue
		}
		table[name] = m.toPricing()
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("pricing table has no anthropic models")
	}
	return table, nil
}

// Options configures a Resolver
type Options struct {
	URL string // empty disables the remote tier
	TTL time.Duration
	// MaxWait is how long a lookup waits for an expired table to refresh
	// before it falls back to the stale or embedded table
	MaxWait    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	Now        func() time.Time
}

// Resolver resolves per-token prices from the remote table (cached), the
// embedded snapshot, family heuristics and finally a default.
type Resolver struct {
	url     string
	ttl     time.Duration
	maxWait time.Duration
	client  *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	table       map[string]model.ModelPricing
	fetchedAt   time.Time
	lastAttempt time.Time

	group singleflight.Group
}

// NewResolver creates a resolver. Nothing is fetched until first use.
func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		url:     opts.URL,
		ttl:     opts.TTL,
		maxWait: opts.MaxWait,
		client:  opts.HTTPClient,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if r.ttl <= 0 {
		r.ttl = defaultTTL
	}
	if r.maxWait <= 0 {
		r.maxWait = defaultMaxWait
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Refresh fetches the remote table and replaces the cache on success. On
// failure the previous table, if any, stays in place. Concurrent callers
// share one fetch. When ctx ends first Refresh returns ctx.Err() and the
// fetch carries on in the background.
func (r *Resolver) Refresh(ctx context.Context) error {
	if r.url == "" {
		return nil
	}
	ch := r.group.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		return nil, r.fetch(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resolver) fetch(ctx context.Context) error {
	r.mu.Lock()
	r.lastAttempt = r.now()
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch pricing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch pricing: status %d", resp.StatusCode)
	}

	table, err := DecodeTable(resp.Body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.table = table
	r.fetchedAt = r.now()
	r.mu.Unlock()

	r.logger.Info("pricing table refreshed", zap.Int("models", len(table)))
	return nil
}

// current returns the table backing the first tier, refreshing it when the
// cache window has passed
func (r *Resolver) current(ctx context.Context) (map[string]model.ModelPricing, Source) {
	if r.url == "" {
		return embeddedTable(), SourceEmbedded
	}

	r.mu.RLock()
	table, fetchedAt, lastAttempt := r.table, r.fetchedAt, r.lastAttempt
	r.mu.RUnlock()

	now := r.now()
	fresh := table != nil && now.Sub(fetchedAt) < r.ttl
	if !fresh && now.Sub(lastAttempt) >= retryDelay {
		waitCtx, cancel := context.WithTimeout(ctx, r.maxWait)
		err := r.Refresh(waitCtx)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			r.logger.Info("pricing refresh still running, using fallback", zap.Bool("stale_cache", table != nil))
		case err != nil:
			r.logger.Warn("pricing refresh failed, using fallback", zap.Error(err), zap.Bool("stale_cache", table != nil))
		}
		r.mu.RLock()
		table = r.table
		r.mu.RUnlock()
	}

	if table != nil {
		return table, SourceRemote
	}
	return embeddedTable(), SourceEmbedded
}

// Snapshot pins the current table for a batch of lookups, such as one
// statistics request. A Snapshot is not safe for concurrent use.
func (r *Resolver) Snapshot(ctx context.Context) *Snapshot {
	table, source := r.current(ctx)
	return &Snapshot{
		table:  table,
		source: source,
		logger: r.logger,
		memo:   make(map[string]resolved),
	}
}

// Lookup resolves a single model against the current table
func (r *Resolver) Lookup(ctx context.Context, modelName string) (model.ModelPricing, Source) {
	return r.Snapshot(ctx).Lookup(modelName)
}

type resolved struct {
	pricing model.ModelPricing
	source  Source
}

// Snapshot is a fixed view of the pricing tiers with memoized lookups
type Snapshot struct {
	table  map[string]model.ModelPricing
	source Source
	logger *zap.Logger
	memo   map[string]resolved
}

// NewSnapshot builds a snapshot over an explicit table, mainly for tests
// and offline tools. A nil table skips the first tier.
func NewSnapshot(table map[string]model.ModelPricing, source Source) *Snapshot {
	return &Snapshot{table: table, source: source, logger: zap.NewNop(), memo: make(map[string]resolved)}
}

// Offline returns a snapshot over the embedded table
func Offline() *Snapshot {
	return NewSnapshot(embeddedTable(), SourceEmbedded)
}

// Lookup returns pricing for a model, trying the table, then the family
// heuristics, then the default
func (s *Snapshot) Lookup(modelName string) (model.ModelPricing, Source) {
	if r, ok := s.memo[modelName]; ok {
		return r.pricing, r.source
	}

	var res resolved
	if p, ok := matchTable(s.table, modelName); ok {
		res = resolved{p, s.source}
	} else if p, ok := matchFamily(modelName); ok {
		res = resolved{p, SourceFamily}
	} else {
		s.logger.Debug("unknown model, using default pricing", zap.String("model", modelName))
		res = resolved{defaultPricing, SourceDefault}
	}

	s.memo[modelName] = res
	return res.pricing, res.source
}

// Cost prices one record's usage
func (s *Snapshot) Cost(usage model.TokenUsage, modelName string) float64 {
	p, _ := s.Lookup(modelName)
	return CalculateCost(usage, p)
}

// matchTable tries an exact match, then a normalized match, then prefix
// matches in either direction
func matchTable(table map[string]model.ModelPricing, modelName string) (model.ModelPricing, bool) {
	if len(table) == 0 || modelName == "" {
		return model.ModelPricing{}, false
	}
	if p, ok := table[modelName]; ok {
		return p, true
	}

	normalized := normalizeModelName(modelName)
	keys := make([]string, 0, len(table))
	for name := range table {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	for _, name := range keys {
		if normalizeModelName(name) == normalized {
			return table[name], true
		}
	}

	// Longest table key that prefixes the model (dated model, undated key)
	best := ""
	for _, name := range keys {
		n := normalizeModelName(name)
		if strings.HasPrefix(normalized, n) && len(n) > len(normalizeModelName(best)) {
			best = name
		}
	}
	if best != "" {
		return table[best], true
	}

	// Shortest table key that is the model plus a date suffix (undated
	// model, dated key)
	for _, name := range keys {
		n := normalizeModelName(name)
		suffix, ok := strings.CutPrefix(n, normalized)
		if ok && dateSuffix.MatchString(suffix) && (best == "" || len(n) < len(normalizeModelName(best))) {
			best = name
		}
	}
	if best != "" {
		return table[best], true
	}
	return model.ModelPricing{}, false
}

var dateSuffix = regexp.MustCompile(`^@?\d{8}$`)

func matchFamily(modelName string) (model.ModelPricing, bool) {
	lower := strings.ToLower(modelName)
	for _, rule := range familyRules {
		if strings.Contains(lower, rule.substr) {
			return rule.pricing, true
		}
	}
	return model.ModelPricing{}, false
}

// normalizeModelName normalizes model names for matching
func normalizeModelName(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimPrefix(name, "anthropic/")
	name = strings.TrimPrefix(name, "anthropic.")
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, "_", "")
	name = strings.ReplaceAll(name, ".", "")
	return name
}

// tiered prices tokens at base up to threshold and at above beyond it.
// Without a threshold or an above rate every token is billed at base.
func tiered(tokens int64, base, above float64, threshold int64) decimal.Decimal {
	if tokens <= 0 || base == 0 && above == 0 {
		return decimal.Zero
	}
	if threshold <= 0 || above == 0 || tokens <= threshold {
		return decimal.NewFromInt(tokens).Mul(decimal.NewFromFloat(base))
	}
	below := decimal.NewFromInt(threshold).Mul(decimal.NewFromFloat(base))
	over := decimal.NewFromInt(tokens - threshold).Mul(decimal.NewFromFloat(above))
	return below.Add(over)
}

// CalculateCost calculates the cost of one record. The tier threshold is
// applied to this record's counts alone, never to an aggregate.
func CalculateCost(usage model.TokenUsage, p model.ModelPricing) float64 {
	cost := tiered(usage.InputTokens, p.InputCostPerToken, p.InputCostPerTokenAbove, p.TierThreshold)
	cost = cost.Add(tiered(usage.OutputTokens, p.OutputCostPerToken, p.OutputCostPerTokenAbove, p.TierThreshold))
	cost = cost.Add(tiered(usage.CacheCreationInputTokens, p.CacheCreationCostPerToken, p.CacheCreationCostPerTokenAbove, p.TierThreshold))
	cost = cost.Add(tiered(usage.CacheReadInputTokens, p.CacheReadCostPerToken, p.CacheReadCostPerTokenAbove, p.TierThreshold))
	return cost.InexactFloat64()
}
