// Package ingest validates reported usage records and stores the ones the
// server has not seen before.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/zhaobenny/ccpulse/internal/model"
	"github.com/zhaobenny/ccpulse/server/internal/database"
)

// MaxBatch is the largest number of records accepted in one request
const MaxBatch = 5000

// Reason explains why a record was not accepted for storage
type Reason int

const (
	Accepted Reason = iota
	ReasonMalformed
	ReasonMissingTimestamp
	ReasonZeroUsage
	ReasonStoreError
)

func (r Reason) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case ReasonMalformed:
		return "malformed"
	case ReasonMissingTimestamp:
		return "missing_timestamp"
	case ReasonZeroUsage:
		return "zero_usage"
	case ReasonStoreError:
		return "store_error"
	default:
		return "unknown"
	}
}

// Result holds the per-request counts returned to the collector
type Result struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Invalid  int `json:"invalid"`
}

// Normalize coerces one raw record into storable form for device. Token
// fields that are missing or unparseable become 0 and negatives are
// clamped; a blank model becomes "unknown".
func Normalize(device string, raw json.RawMessage) (database.UsageRecord, Reason) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return database.UsageRecord{}, ReasonMalformed
	}

	ts, ok := timestamp(fields["timestamp"])
	if !ok {
		return database.UsageRecord{}, ReasonMissingTimestamp
	}

	rec := database.UsageRecord{
		DeviceName:        device,
		Timestamp:         ts,
		SessionID:         strings.TrimSpace(cast.ToString(fields["session_id"])),
		Model:             strings.TrimSpace(cast.ToString(fields["model"])),
		InputTokens:       tokens(fields["input_tokens"]),
		OutputTokens:      tokens(fields["output_tokens"]),
		CacheCreateTokens: tokens(first(fields, "cache_create_tokens", "cache_creation_input_tokens")),
		CacheReadTokens:   tokens(first(fields, "cache_read_tokens", "cache_read_input_tokens")),
	}
	if rec.Model == "" {
		rec.Model = model.UnknownModel
	}
	if rec.InputTokens == 0 && rec.OutputTokens == 0 {
		return database.UsageRecord{}, ReasonZeroUsage
	}
	rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	return rec, Accepted
}

func first(fields map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// scalar returns the text of a JSON number or string. Other kinds, booleans
// included, are not numeric.
func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case json.Number:
		return x.String(), true
	case string:
		return strings.TrimSpace(x), true
	default:
		return "", false
	}
}

// tokens coerces a JSON value to a non-negative count, truncating fractions
func tokens(v any) int64 {
	s, ok := scalar(v)
	if !ok {
		return 0
	}

	n, err := cast.ToInt64E(s)
	if err != nil {
		f, ferr := cast.ToFloat64E(s)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		n = int64(f)
	}
	return max(n, 0)
}

// timestamp accepts unix seconds (milliseconds above 1e12), a numeric
// string or an RFC 3339 string. Non-positive values are rejected.
func timestamp(v any) (int64, bool) {
	s, ok := scalar(v)
	if !ok || s == "" {
		return 0, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		ts := t.Unix()
		return ts, ts > 0
	}

	f, err := cast.ToFloat64E(s)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > 1e12 {
		f /= 1000
	}
	ts := int64(f)
	return ts, ts > 0
}

// Service stores reported batches
type Service struct {
	db     *database.DB
	logger *zap.Logger
}

// NewService creates an ingestion service
func NewService(db *database.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, logger: logger}
}

// Ingest stores a batch for device in a single transaction. Each record is
// handled independently: invalid records and per-record store errors are
// counted, never fatal. Only a failure to begin or commit the transaction
// is returned as an error.
func (s *Service) Ingest(ctx context.Context, device string, raws []json.RawMessage) (Result, error) {
	var res Result

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return res, fmt.Errorf("begin ingest transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	invalid := make(map[Reason]int)
	for i, raw := range raws {
		switch reason, dup := s.ingestOne(ctx, tx, device, i, raw); {
		case reason != Accepted:
			res.Invalid++
			invalid[reason]++
		case dup:
			res.Skipped++
		default:
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit ingest transaction: %w", err)
	}

	fields := []zap.Field{
		zap.String("device", device),
		zap.Int("records", len(raws)),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
		zap.Int("invalid", res.Invalid),
	}
	for reason, n := range invalid {
		fields = append(fields, zap.Int("invalid_"+reason.String(), n))
	}
	s.logger.Info("usage batch ingested", fields...)
	return res, nil
}

// ingestOne handles one record. A panic is contained to this record.
func (s *Service) ingestOne(ctx context.Context, tx *database.Tx, device string, index int, raw json.RawMessage) (reason Reason, duplicate bool) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic while ingesting record",
				zap.String("device", device),
				zap.Int("index", index),
				zap.Any("panic", p))
			reason, duplicate = ReasonStoreError, false
		}
	}()

	rec, reason := Normalize(device, raw)
	if reason != Accepted {
		s.logger.Debug("rejected record", zap.String("device", device), zap.Int("index", index), zap.Stringer("reason", reason))
		return reason, false
	}

	exists, err := tx.ExistsUsageRecord(ctx, &rec)
	if err != nil {
		s.logger.Warn("existence check failed", zap.String("device", device), zap.Int("index", index), zap.Error(err))
		return ReasonStoreError, false
	}
	if exists {
		return Accepted, true
	}

	if err := tx.InsertUsageRecord(ctx, &rec); err != nil {
		s.logger.Warn("insert failed", zap.String("device", device), zap.Int("index", index), zap.Error(err))
		return ReasonStoreError, false
	}
	return Accepted, false
}
