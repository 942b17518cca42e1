package sync

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhaobenny/ccpulse/internal/model"
)

const (
	reportPath = "/api/usage/report"
	healthPath = "/api/health"

	// maxErrorBody bounds how much of a failed response is kept for the error
	maxErrorBody = 512
)

// ClientOptions configures a Client
type ClientOptions struct {
	Server     string
	APIKey     string
	Insecure   bool // skip TLS verification for self-signed servers
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the ingestion server
type Client struct {
	server     string
	apiKey     string
	httpClient *http.Client
}

// ReportRecord is a usage record in the report wire format
type ReportRecord struct {
	Timestamp                int64   `json:"timestamp"`
	SessionID                *string `json:"session_id"`
	Model                    *string `json:"model"`
	InputTokens              int64   `json:"input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	TotalTokens              int64   `json:"total_tokens"`
	CacheCreationInputTokens int64   `json:"cache_create_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_tokens"`
}

// ReportRequest represents the report API request body
type ReportRequest struct {
	Records []ReportRecord `json:"records"`
}

// ReportResponse represents the report API response
type ReportResponse struct {
	Success  bool   `json:"success"`
	Inserted int    `json:"inserted"`
	Skipped  int    `json:"skipped"`
	Invalid  int    `json:"invalid"`
	Error    string `json:"error,omitempty"`
}

// StatusError is returned when the server answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a new report client
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed servers
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	return &Client{
		server:     strings.TrimRight(opts.Server, "/"),
		apiKey:     opts.APIKey,
		httpClient: httpClient,
	}
}

// ToReportRecord converts a usage record to its wire form
func ToReportRecord(r model.UsageRecord) ReportRecord {
	rec := ReportRecord{
		Timestamp:                r.Timestamp.Unix(),
		InputTokens:              r.Usage.InputTokens,
		OutputTokens:             r.Usage.OutputTokens,
		TotalTokens:              r.Usage.Total(),
		CacheCreationInputTokens: r.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     r.Usage.CacheReadInputTokens,
	}
	if r.SessionID != "" {
		rec.SessionID = &r.SessionID
	}
	if r.Model != "" {
		rec.Model = &r.Model
	}
	return rec
}

// Report sends one batch of records to the server
func (c *Client) Report(ctx context.Context, records []model.UsageRecord) (*ReportResponse, error) {
	body := ReportRequest{Records: make([]ReportRecord, len(records))}
	for i, r := range records {
		body.Records[i] = ToReportRecord(r)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+reportPath, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("report batch: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out ReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode report response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("server rejected batch: %s", out.Error)
	}
	return &out, nil
}

// Ping checks that the server is reachable
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+healthPath, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: msg}
}
