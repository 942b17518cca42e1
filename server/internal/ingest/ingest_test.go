package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhaobenny/ccpulse/server/internal/database"
)

func newTestService(t *testing.T) (*Service, *database.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewService(db, zaptest.NewLogger(t)), db
}

func raws(t *testing.T, docs ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		out[i] = json.RawMessage(d)
	}
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason Reason
		want   database.UsageRecord
	}{
		{
			name:   "complete record",
			raw:    `{"timestamp":1704067200,"session_id":"s1","model":"claude-sonnet-4-5","input_tokens":100,"output_tokens":50,"total_tokens":999,"cache_create_tokens":10,"cache_read_tokens":20}`,
			reason: Accepted,
			want: database.UsageRecord{
				DeviceName: "laptop", Timestamp: 1704067200, SessionID: "s1", Model: "claude-sonnet-4-5",
				InputTokens: 100, OutputTokens: 50, TotalTokens: 150, CacheCreateTokens: 10, CacheReadTokens: 20,
			},
		},
		{
			name:   "string and fractional tokens",
			raw:    `{"timestamp":"1704067200","model":"m","input_tokens":"100","output_tokens":12.7,"cache_read_input_tokens":"5"}`,
			reason: Accepted,
			want: database.UsageRecord{
				DeviceName: "laptop", Timestamp: 1704067200, Model: "m",
				InputTokens: 100, OutputTokens: 12, TotalTokens: 112, CacheReadTokens: 5,
			},
		},
		{
			name:   "negative and garbage tokens clamp to zero",
			raw:    `{"timestamp":1704067200,"model":"m","input_tokens":-5,"output_tokens":7,"cache_create_tokens":"lots"}`,
			reason: Accepted,
			want: database.UsageRecord{
				DeviceName: "laptop", Timestamp: 1704067200, Model: "m",
				OutputTokens: 7, TotalTokens: 7,
			},
		},
		{
			name:   "blank model becomes unknown",
			raw:    `{"timestamp":1704067200,"model":"  ","input_tokens":1}`,
			reason: Accepted,
			want: database.UsageRecord{
				DeviceName: "laptop", Timestamp: 1704067200, Model: "unknown",
				InputTokens: 1, TotalTokens: 1,
			},
		},
		{
			name:   "rfc3339 timestamp",
			raw:    `{"timestamp":"2024-01-01T00:00:00Z","model":null,"input_tokens":1}`,
			reason: Accepted,
			want: database.UsageRecord{
				DeviceName: "laptop", Timestamp: 1704067200, Model: "unknown",
				InputTokens: 1, TotalTokens: 1,
			},
		},
		{
			name:   "millisecond timestamp",
			raw:    `{"timestamp":1704067200123,"model":"m","input_tokens":1}`,
			reason: Accepted,
			want: database.UsageRecord{
				DeviceName: "laptop", Timestamp: 1704067200, Model: "m",
				InputTokens: 1, TotalTokens: 1,
			},
		},
		{
			name:   "boolean cache tokens count as zero",
			raw:    `{"timestamp":1704067200,"model":"m","input_tokens":3,"cache_read_tokens":true,"cache_create_tokens":false}`,
			reason: Accepted,
			want: database.UsageRecord{
				DeviceName: "laptop", Timestamp: 1704067200, Model: "m",
				InputTokens: 3, TotalTokens: 3,
			},
		},
		{name: "missing timestamp", raw: `{"model":"m","input_tokens":1}`, reason: ReasonMissingTimestamp},
		{name: "zero timestamp", raw: `{"timestamp":0,"input_tokens":1}`, reason: ReasonMissingTimestamp},
		{name: "unparseable timestamp", raw: `{"timestamp":"yesterday","input_tokens":1}`, reason: ReasonMissingTimestamp},
		{name: "boolean timestamp", raw: `{"timestamp":true,"input_tokens":1}`, reason: ReasonMissingTimestamp},
		{name: "object timestamp", raw: `{"timestamp":{"s":1704067200},"input_tokens":1}`, reason: ReasonMissingTimestamp},
		{name: "boolean tokens", raw: `{"timestamp":1704067200,"input_tokens":true,"output_tokens":[5]}`, reason: ReasonZeroUsage},
		{name: "zero usage", raw: `{"timestamp":1704067200,"cache_read_tokens":100}`, reason: ReasonZeroUsage},
		{name: "not an object", raw: `"oops"`, reason: ReasonMalformed},
		{name: "null", raw: `null`, reason: ReasonMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Normalize("laptop", json.RawMessage(tt.raw))
			assert.Equal(t, tt.reason, reason)
			if tt.reason == Accepted {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestIngestCountsInvalidRecords(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	docs := make([]string, 10)
	for i := range docs {
		docs[i] = fmt.Sprintf(`{"timestamp":%d,"model":"claude-sonnet-4-5","input_tokens":%d,"output_tokens":10}`, 1704067200+i, 100+i)
	}
	docs[4] = `{"model":"claude-sonnet-4-5","input_tokens":100,"output_tokens":10}`

	res, err := svc.Ingest(ctx, "laptop", raws(t, docs...))
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 9, Skipped: 0, Invalid: 1}, res)

	n, err := db.CountUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
}

func TestIngestReplayIsSkipped(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	batch := raws(t,
		`{"timestamp":1704067200,"session_id":"a","model":"m","input_tokens":100,"output_tokens":10}`,
		`{"timestamp":1704067260,"session_id":"a","model":"m","input_tokens":200,"output_tokens":20}`,
		`{"timestamp":1704067320,"model":"m","input_tokens":300,"output_tokens":30}`,
	)

	first, err := svc.Ingest(ctx, "laptop", batch)
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 3}, first)

	replay, err := svc.Ingest(ctx, "laptop", batch)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 3}, replay)

	// identical usage from a different device is a different event
	other, err := svc.Ingest(ctx, "desktop", batch[:1])
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 1}, other)

	n, err := db.CountUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestIngestDuplicateWithinBatch(t *testing.T) {
	svc, _ := newTestService(t)

	rec := `{"timestamp":1704067200,"model":"m","input_tokens":100,"output_tokens":10}`
	res, err := svc.Ingest(context.Background(), "laptop", raws(t, rec, rec))
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 1, Skipped: 1}, res)
}

func TestIngestCanceledContext(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Ingest(ctx, "laptop", raws(t, `{"timestamp":1,"input_tokens":1}`))
	assert.Error(t, err)
}
