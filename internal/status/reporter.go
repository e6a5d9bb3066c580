// Package status serves read-only lookups of scraping attempt metadata for
// polling clients.
package status

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

// Reporter reads attempt metadata through the persistence gateway.
type Reporter struct {
	store  scrape.Gateway
	logger *zap.Logger
}

// New constructs a Reporter.
func New(store scrape.Gateway, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{store: store, logger: logger.Named("status")}
}

// Get returns the attempt's metadata row verbatim. It returns
// scrape.ErrNotFound when no row matches and scrape.UpstreamError when the
// lookup itself fails.
func (r *Reporter) Get(ctx context.Context, attemptID string) (map[string]any, error) {
	if attemptID == "" {
		return nil, scrape.ValidationError{Msg: "scraping attempt id is required"}
	}
	if !r.store.Configured() {
		return nil, scrape.ConfigurationError{Msg: "store URL or key not configured"}
	}
	rows, err := r.store.GetMetadata(ctx, attemptID)
	if err != nil {
		var cfgErr scrape.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		r.logger.Warn("status lookup failed", zap.String("attempt_id", attemptID), zap.Error(err))
		return nil, scrape.UpstreamError{Err: err}
	}
	if len(rows) == 0 {
		return nil, scrape.ErrNotFound
	}
	return rows[0], nil
}
