// Package apify drives Google Maps review scraping runs on the Apify platform
// through its REST API.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

const (
	// DefaultBaseURL is the public Apify API root.
	DefaultBaseURL = "https://api.apify.com/v2"
	// DefaultActorID is the Google Maps reviews actor.
	DefaultActorID = "Xb8osYTtOjlsgI6k9"

	pageSize = 1000

	// DefaultMaxWait bounds how long SubmitJob waits for a terminal status.
	DefaultMaxWait = 15 * time.Minute
)

// Run statuses reported by the platform.
const (
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
	statusAborted   = "ABORTED"
	statusTimedOut  = "TIMED-OUT"
)

// Config holds the credential and endpoint settings.
type Config struct {
	Token        string
	BaseURL      string
	ActorID      string
	PollInterval time.Duration
	Timeout      time.Duration
	// MaxWait caps the whole start-and-poll cycle of SubmitJob.
	MaxWait time.Duration
}

// Client implements scrape.JobRunner.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ scrape.JobRunner = (*Client)(nil)

type runEnvelope struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"data"`
}

// New constructs a Client, filling in defaults for empty settings.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ActorID == "" {
		cfg.ActorID = DefaultActorID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{cfg: cfg, client: client, logger: logger}
}

// HasCredential reports whether an API token is configured.
func (c *Client) HasCredential() bool {
	return c.cfg.Token != ""
}

// SubmitJob starts an actor run and blocks until it reaches a terminal status
// or MaxWait elapses.
func (c *Client) SubmitJob(ctx context.Context, cfg scrape.JobConfig) (scrape.JobHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
	defer cancel()

	body, err := json.Marshal(cfg)
	if err != nil {
		return scrape.JobHandle{}, fmt.Errorf("encode run input: %w", err)
	}
	var run runEnvelope
	endpoint := fmt.Sprintf("%s/acts/%s/runs", c.cfg.BaseURL, url.PathEscape(c.cfg.ActorID))
	if err := c.call(ctx, http.MethodPost, endpoint, body, &run); err != nil {
		return scrape.JobHandle{}, fmt.Errorf("start actor run: %w", err)
	}
	c.logger.Info("actor run started",
		zap.String("run_id", run.Data.ID),
		zap.Strings("place_ids", cfg.PlaceIDs),
	)

	for !terminal(run.Data.Status) {
		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return scrape.JobHandle{}, fmt.Errorf("wait for actor run: %w", ctx.Err())
		case <-timer.C:
		}
		runID := run.Data.ID
		if err := c.call(ctx, http.MethodGet, c.cfg.BaseURL+"/actor-runs/"+url.PathEscape(runID), nil, &run); err != nil {
			return scrape.JobHandle{}, fmt.Errorf("poll actor run: %w", err)
		}
		if run.Data.ID == "" {
			run.Data.ID = runID
		}
	}

	handle := scrape.JobHandle{
		RunID:     run.Data.ID,
		DatasetID: run.Data.DefaultDatasetID,
		Status:    run.Data.Status,
	}
	if run.Data.Status != statusSucceeded {
		return handle, fmt.Errorf("actor run %s finished with status %s", handle.RunID, handle.Status)
	}
	return handle, nil
}

// FetchResults pages through the run's default dataset.
func (c *Client) FetchResults(ctx context.Context, handle scrape.JobHandle) ([]scrape.RawRecord, error) {
	if handle.DatasetID == "" {
		return nil, fmt.Errorf("run %s has no dataset", handle.RunID)
	}
	var out []scrape.RawRecord
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("format", "json")
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(pageSize))
		endpoint := fmt.Sprintf("%s/datasets/%s/items?%s", c.cfg.BaseURL, url.PathEscape(handle.DatasetID), q.Encode())

		var page []scrape.RawRecord
		if err := c.call(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, fmt.Errorf("fetch dataset items: %w", err)
		}
		out = append(out, page...)
		if len(page) < pageSize {
			break
		}
	}
	c.logger.Info("dataset fetched", zap.String("dataset_id", handle.DatasetID), zap.Int("items", len(out)))
	return out, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d, body: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func terminal(status string) bool {
	switch status {
	case statusSucceeded, statusFailed, statusAborted, statusTimedOut:
		return true
	default:
		return false
	}
}
