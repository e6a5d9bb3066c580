// Package postgres implements the persistence gateway directly against the
// Postgres database that backs the REST endpoint.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

const insertReviewSQL = `SELECT to_jsonb(r) FROM process_google_review($1::jsonb) AS r`

// DefaultTimeout bounds each gateway call when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// Config controls the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
	Timeout  time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Gateway persists reviews, businesses and metadata with plain SQL.
type Gateway struct {
	pool    pool
	sb      sq.StatementBuilderType
	timeout time.Duration
	logger  *zap.Logger
}

var _ scrape.Gateway = (*Gateway)(nil)

// New connects a pgx pool and returns a Gateway over it.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	g := NewWithPool(p, logger)
	if cfg.Timeout > 0 {
		g.timeout = cfg.Timeout
	}
	return g, nil
}

// NewWithPool constructs a Gateway from an existing pool (primarily for testing).
func NewWithPool(p pool, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		pool:    p,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		timeout: DefaultTimeout,
		logger:  logger,
	}
}

// bound caps a single gateway call at the configured timeout.
func (g *Gateway) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// Close releases the pool.
func (g *Gateway) Close() {
	if g == nil || g.pool == nil {
		return
	}
	g.pool.Close()
}

// Configured reports whether a pool is attached.
func (g *Gateway) Configured() bool {
	return g != nil && g.pool != nil
}

// InsertReview calls the ingestion function and returns the resulting row id.
func (g *Gateway) InsertReview(ctx context.Context, review scrape.Review) (string, error) {
	if !g.Configured() {
		return "", notConfigured()
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	data, err := json.Marshal(review)
	if err != nil {
		return "", scrape.StoreError{Op: "insert review", Err: fmt.Errorf("encode review: %w", err)}
	}
	var row []byte
	if err := g.pool.QueryRow(ctx, insertReviewSQL, string(data)).Scan(&row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", storeError("insert review", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(row, &decoded); err != nil {
		return "", nil
	}
	switch id := decoded["id"].(type) {
	case string:
		return id, nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	}
	return "", nil
}

// ReviewExists reports whether a review row exists.
func (g *Gateway) ReviewExists(ctx context.Context, id string) (bool, error) {
	if !g.Configured() {
		return false, notConfigured()
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	query, args, err := g.sb.Select("1").From("reviews").Where(sq.Eq{"id": id}).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("build review lookup: %w", err)
	}
	var one int
	if err := g.pool.QueryRow(ctx, query, args...).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, storeError("check review", err)
	}
	return true, nil
}

// PatchReview updates the review row with the given fields.
func (g *Gateway) PatchReview(ctx context.Context, id string, fields map[string]any) error {
	if !g.Configured() {
		return notConfigured()
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	query, args, err := g.sb.Update("reviews").SetMap(fields).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build review patch: %w", err)
	}
	if _, err := g.pool.Exec(ctx, query, args...); err != nil {
		return storeError("patch review", err)
	}
	return nil
}

// UpsertMetadata updates the attempt row, inserting it when absent.
func (g *Gateway) UpsertMetadata(ctx context.Context, attemptID string, fields map[string]any) error {
	if !g.Configured() {
		return notConfigured()
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	query, args, err := g.sb.Update("scraping_metadata").SetMap(fields).Where(sq.Eq{"id": attemptID}).ToSql()
	if err != nil {
		return fmt.Errorf("build metadata update: %w", err)
	}
	tag, err := g.pool.Exec(ctx, query, args...)
	if err != nil {
		return storeError("update metadata", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	row := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		row[k] = v
	}
	row["id"] = attemptID
	query, args, err = g.sb.Insert("scraping_metadata").SetMap(row).ToSql()
	if err != nil {
		return fmt.Errorf("build metadata insert: %w", err)
	}
	if _, err := g.pool.Exec(ctx, query, args...); err != nil {
		return storeError("insert metadata", err)
	}
	return nil
}

// CreateBusiness inserts a business row.
func (g *Gateway) CreateBusiness(ctx context.Context, fields map[string]any) error {
	if !g.Configured() {
		return notConfigured()
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	query, args, err := g.sb.Insert("businesses").SetMap(fields).ToSql()
	if err != nil {
		return fmt.Errorf("build business insert: %w", err)
	}
	if _, err := g.pool.Exec(ctx, query, args...); err != nil {
		return storeError("create business", err)
	}
	return nil
}

// GetMetadata returns the metadata rows for attemptID as JSON objects.
func (g *Gateway) GetMetadata(ctx context.Context, attemptID string) ([]map[string]any, error) {
	if !g.Configured() {
		return nil, notConfigured()
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	query, args, err := g.sb.Select("to_jsonb(m)").From("scraping_metadata m").Where(sq.Eq{"m.id": attemptID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build metadata lookup: %w", err)
	}
	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("get metadata", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, storeError("get metadata", err)
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, storeError("get metadata", fmt.Errorf("decode row: %w", err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("get metadata", err)
	}
	return out, nil
}

func notConfigured() error {
	return scrape.ConfigurationError{Msg: "store database not configured"}
}

func storeError(op string, err error) error {
	se := scrape.StoreError{Op: op, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		se.Body = pgErr.Detail
	}
	return se
}
