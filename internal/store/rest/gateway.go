// Package rest implements the persistence gateway against a PostgREST
// (Supabase) endpoint.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	reviewRPC        = "rpc/process_google_review"
	reviewsTable     = "reviews"
	metadataTable    = "scraping_metadata"
	businessesTable  = "businesses"
	maxResponseBytes = 500
)

// Config holds the endpoint and credential for the store.
type Config struct {
	URL     string
	Key     string
	Timeout time.Duration
}

// Gateway issues create/read/update-by-filter calls against the store.
type Gateway struct {
	baseURL string
	key     string
	client  *http.Client
	logger  *zap.Logger
}

var _ scrape.Gateway = (*Gateway)(nil)

// New constructs a Gateway. A nil client gets one bounded by cfg.Timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Gateway{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		key:     cfg.Key,
		client:  client,
		logger:  logger,
	}
}

// Configured reports whether both endpoint and credential are present.
func (g *Gateway) Configured() bool {
	return g.baseURL != "" && g.key != ""
}

// InsertReview runs the review ingestion RPC and returns the stored review id
// if the response exposes one.
func (g *Gateway) InsertReview(ctx context.Context, review scrape.Review) (string, error) {
	body, err := g.do(ctx, "insert review", http.MethodPost, reviewRPC, "", map[string]any{"review_data": review})
	if err != nil {
		return "", err
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", scrape.StoreError{
			Op:   "insert review",
			Err:  fmt.Errorf("invalid JSON response: %w", err),
			Body: truncate(body),
		}
	}
	return extractID(decoded), nil
}

// ReviewExists reports whether a review row with the id is visible.
func (g *Gateway) ReviewExists(ctx context.Context, id string) (bool, error) {
	body, err := g.do(ctx, "check review", http.MethodGet, reviewsTable, idFilter(id), nil)
	if err != nil {
		return false, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return false, scrape.StoreError{Op: "check review", Err: fmt.Errorf("decode rows: %w", err)}
	}
	return len(rows) > 0, nil
}

// PatchReview updates the review row matching id.
func (g *Gateway) PatchReview(ctx context.Context, id string, fields map[string]any) error {
	_, err := g.do(ctx, "patch review", http.MethodPatch, reviewsTable, idFilter(id), fields)
	return err
}

// UpsertMetadata patches the attempt row and inserts it when no row matched.
func (g *Gateway) UpsertMetadata(ctx context.Context, attemptID string, fields map[string]any) error {
	body, err := g.do(ctx, "update metadata", http.MethodPatch, metadataTable, idFilter(attemptID), fields)
	if err != nil {
		return err
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err == nil && len(rows) > 0 {
		return nil
	}

	row := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		row[k] = v
	}
	row["id"] = attemptID
	_, err = g.do(ctx, "insert metadata", http.MethodPost, metadataTable, "", row)
	return err
}

// CreateBusiness appends a business row.
func (g *Gateway) CreateBusiness(ctx context.Context, fields map[string]any) error {
	_, err := g.do(ctx, "create business", http.MethodPost, businessesTable, "", fields)
	return err
}

// GetMetadata returns every metadata row whose id matches attemptID.
func (g *Gateway) GetMetadata(ctx context.Context, attemptID string) ([]map[string]any, error) {
	body, err := g.do(ctx, "get metadata", http.MethodGet, metadataTable, idFilter(attemptID), nil)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, scrape.StoreError{Op: "get metadata", Err: fmt.Errorf("decode rows: %w", err), Body: truncate(body)}
	}
	return rows, nil
}

func (g *Gateway) do(ctx context.Context, op, method, resource, query string, payload any) ([]byte, error) {
	if !g.Configured() {
		return nil, scrape.ConfigurationError{Msg: "store URL or key not configured"}
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, scrape.StoreError{Op: op, Err: fmt.Errorf("encode payload: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	target := g.baseURL + "/rest/v1/" + resource
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, scrape.StoreError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("apikey", g.key)
	req.Header.Set("Authorization", "Bearer "+g.key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, scrape.StoreError{Op: op, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, scrape.StoreError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, scrape.StoreError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
			Body:       string(body),
		}
	}
	g.logger.Debug("store call", zap.String("op", op), zap.Int("status", resp.StatusCode))
	return body, nil
}

func idFilter(id string) string {
	return "id=" + url.QueryEscape("eq."+id)
}

// extractID reads "id" from either a single row or the first row of a list.
func extractID(decoded any) string {
	switch v := decoded.(type) {
	case []any:
		if len(v) == 0 {
			return ""
		}
		return extractID(v[0])
	case map[string]any:
		switch id := v["id"].(type) {
		case string:
			return id
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		}
	}
	return ""
}

func truncate(body []byte) string {
	if len(body) > maxResponseBytes {
		return string(body[:maxResponseBytes])
	}
	return string(body)
}
