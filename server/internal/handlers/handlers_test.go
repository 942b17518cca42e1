package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhaobenny/ccpulse/internal/pricing"
	"github.com/zhaobenny/ccpulse/server/internal/auth"
	"github.com/zhaobenny/ccpulse/server/internal/database"
	"github.com/zhaobenny/ccpulse/server/internal/stats"
)

var fixedNow = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	db  *database.DB
	key string
}

func newTestServer(t *testing.T, passwordHash string) *testServer {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	require.NoError(t, db.CreateDevice(context.Background(),
		&database.Device{ID: "dev-1", Name: "laptop", CreatedAt: fixedNow}, auth.HashAPIKey(key)))

	opts := Options{
		DB:           db,
		Pricing:      pricing.NewResolver(pricing.Options{}),
		PasswordHash: passwordHash,
		Logger:       zaptest.NewLogger(t),
		Now:          func() time.Time { return fixedNow },
	}
	if passwordHash != "" {
		opts.SessionMgr = scs.New()
	}

	srv := httptest.NewServer(New(opts).Routes(nil, nil))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, db: db, key: key}
}

func (s *testServer) report(t *testing.T, key string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/usage/report", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func recordsBody(n int, mutate func(i int, rec map[string]any)) string {
	recs := make([]map[string]any, n)
	for i := range recs {
		recs[i] = map[string]any{
			"timestamp":           fixedNow.Add(-time.Duration(i+1) * time.Hour).Unix(),
			"session_id":          "s1",
			"model":               "claude-sonnet-4-5",
			"input_tokens":        1000 + i,
			"output_tokens":       100,
			"total_tokens":        1100 + i,
			"cache_create_tokens": 0,
			"cache_read_tokens":   0,
		}
		if mutate != nil {
			mutate(i, recs[i])
		}
	}
	data, _ := json.Marshal(map[string]any{"records": recs})
	return string(data)
}

func TestReportRequiresAPIKey(t *testing.T) {
	s := newTestServer(t, "")

	resp, body := s.report(t, "", recordsBody(1, nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = s.report(t, "ccp_wrong", recordsBody(1, nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	n, err := s.db.CountUsage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReportMalformedBatch(t *testing.T) {
	s := newTestServer(t, "")

	body := recordsBody(10, func(i int, rec map[string]any) {
		if i == 4 {
			delete(rec, "timestamp")
		}
	})
	resp, out := s.report(t, s.key, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"success": true, "inserted": 9.0, "skipped": 0.0, "invalid": 1.0}, out)

	// replay is absorbed by the server-side existence check
	resp, out = s.report(t, s.key, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.0, out["inserted"])
	assert.Equal(t, 9.0, out["skipped"])

	n, err := s.db.CountUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	devices, err := s.db.ListDevices(context.Background())
	require.NoError(t, err)
	require.NotNil(t, devices[0].LastSeenAt)
	assert.True(t, fixedNow.Equal(*devices[0].LastSeenAt))
}

func TestReportRejectsBadBodies(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"not json", `{"records":`, http.StatusBadRequest},
		{"records not an array", `{"records":{"a":1}}`, http.StatusBadRequest},
		{"missing records", `{}`, http.StatusBadRequest},
		{"empty records", `{"records":[]}`, http.StatusBadRequest},
		{"too many records", recordsBody(5001, nil), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := s.report(t, s.key, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func (s *testServer) stats(t *testing.T, client *http.Client, query string) (*http.Response, *stats.Result) {
	t.Helper()
	if client == nil {
		client = s.Client()
	}
	resp, err := client.Get(s.URL + "/api/usage/stats" + query)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	var res stats.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp, &res
}

func TestStatsDefaults(t *testing.T) {
	s := newTestServer(t, "")
	resp, _ := s.report(t, s.key, recordsBody(3, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, res := s.stats(t, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, fixedNow.Unix(), res.To)
	assert.Equal(t, fixedNow.Add(-DefaultWindow).Unix(), res.From)
	assert.Equal(t, "auto", res.Interval)
	assert.Equal(t, "6h", res.Granularity)
	assert.Len(t, res.TrendData, 29)
	assert.Equal(t, 3, res.TotalStats.Records)
	assert.Equal(t, []string{"laptop"}, res.AvailableDevices)
	require.Len(t, res.ModelStats, 1)
	assert.Greater(t, res.ModelStats[0].Cost, 0.0)
}

func TestStatsDefaultWindowStartsAtEpoch(t *testing.T) {
	s := newTestServer(t, "")
	resp, res := s.stats(t, nil, "?to=3600")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, res.From)
	assert.Equal(t, int64(3600), res.To)
}

func TestStatsDeviceFilter(t *testing.T) {
	s := newTestServer(t, "")
	resp, _ := s.report(t, s.key, recordsBody(2, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	q := fmt.Sprintf("?from=%d&to=%d&interval=1h&devices=%s", fixedNow.Add(-24*time.Hour).Unix(), fixedNow.Unix(), "desktop,%20")
	resp, res := s.stats(t, nil, q)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Zero(t, res.TotalStats.Records)
	require.Len(t, res.DeviceStats, 1)
	assert.Equal(t, 2, res.DeviceStats[0].Records)
	assert.Len(t, res.TrendData, 25)
}

func TestStatsRejectsBadQueries(t *testing.T) {
	s := newTestServer(t, "")

	for _, q := range []string{
		"?from=200&to=100",
		"?from=abc",
		"?to=later",
		"?interval=3h",
		"?from=0&to=100000000&interval=1m",
		"?from=-9000000000000000000&to=9000000000000000000",
		"?to=9223372036854775807",
		"?from=-1&to=100",
		"?from=0&to=253402300800",
	} {
		resp, _ := s.stats(t, nil, q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")
	resp, err := s.Client().Get(s.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestLoginGatesStats(t *testing.T) {
	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	s := newTestServer(t, hash)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar, Transport: s.Client().Transport}

	resp, _ := s.stats(t, client, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	login := func(password string) int {
		body, _ := json.Marshal(LoginRequest{Password: password})
		resp, err := client.Post(s.URL+"/api/login", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusUnauthorized, login("wrong"))
	assert.Equal(t, http.StatusOK, login("correct horse"))

	resp, _ = s.stats(t, client, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Post(s.URL+"/api/logout", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.stats(t, client, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// reporting never needs a session
	resp, _ = s.report(t, s.key, recordsBody(1, nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginDisabled(t *testing.T) {
	s := newTestServer(t, "")
	resp, err := s.Client().Post(s.URL+"/api/login", "application/json", strings.NewReader(`{"password":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSeenDebouncer(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	d := NewSeenDebouncer(s.db, time.Hour, zaptest.NewLogger(t))

	first := fixedNow.Add(time.Minute)
	second := fixedNow.Add(2 * time.Minute)
	d.Schedule("dev-1", first)
	d.Schedule("dev-1", second)

	devices, err := s.db.ListDevices(ctx)
	require.NoError(t, err)
	assert.Nil(t, devices[0].LastSeenAt, "nothing written before the delay")

	d.FlushAll(ctx)
	devices, err = s.db.ListDevices(ctx)
	require.NoError(t, err)
	require.NotNil(t, devices[0].LastSeenAt)
	assert.True(t, second.Equal(*devices[0].LastSeenAt))

	// the timers left behind find nothing pending
	d.flush("dev-1", 2)
}

func TestSeenDebouncerTimer(t *testing.T) {
	s := newTestServer(t, "")
	d := NewSeenDebouncer(s.db, 10*time.Millisecond, nil)
	d.Schedule("dev-1", fixedNow)

	assert.Eventually(t, func() bool {
		devices, err := s.db.ListDevices(context.Background())
		return err == nil && devices[0].LastSeenAt != nil
	}, time.Second, 10*time.Millisecond)
}
