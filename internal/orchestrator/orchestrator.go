// Package orchestrator owns the scraping attempt lifecycle: it validates
// input, chooses inline or deferred execution, drives the job runner, feeds
// every raw record through the normalizer and the persistence gateway, and
// writes the terminal attempt status.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/clock/system"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/normalize"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

// DefaultMaxReviews applies when a request omits maxReviews.
const DefaultMaxReviews = 5

const credentialMissing = "credential not configured"

// engineErrorOutcome labels job-engine error tags other than no_reviews, so
// the item metric keeps a fixed label set.
const engineErrorOutcome = "engine_error"

// Options wires the orchestrator's collaborators.
type Options struct {
	Runner    scrape.JobRunner
	Store     scrape.Gateway
	Deferred  scrape.DeferredExecutor
	Archive   scrape.Archive
	Publisher scrape.Publisher
	IDs       scrape.IDGenerator
	Clock     scrape.Clock
	Logger    *zap.Logger

	DefaultMaxReviews int
	ArchivePrefix     string
}

// Orchestrator runs scraping attempts.
type Orchestrator struct {
	runner     scrape.JobRunner
	store      scrape.Gateway
	deferred   scrape.DeferredExecutor
	archive    scrape.Archive
	publisher  scrape.Publisher
	ids        scrape.IDGenerator
	clock      scrape.Clock
	logger     *zap.Logger
	maxReviews int
	prefix     string
	classify   func(scrape.RawRecord) normalize.Item

	inflight sync.WaitGroup
}

var _ scrape.Abandoner = (*Orchestrator)(nil)

// SubmitRequest is the validated shape of an inbound scrape request.
type SubmitRequest struct {
	PlaceIDs         []string
	MaxReviews       int
	ReviewsStartDate string
	AttemptID        string
	UserProfileID    string
	Defer            bool
}

// SubmitResponse reports either an accepted hand-off or a finished run.
type SubmitResponse struct {
	AttemptID string
	Accepted  bool
	Result    *scrape.Result
}

// New validates options and constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Runner == nil {
		return nil, errors.New("orchestrator: job runner is required")
	}
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store gateway is required")
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultMaxReviews <= 0 {
		opts.DefaultMaxReviews = DefaultMaxReviews
	}
	if opts.ArchivePrefix == "" {
		opts.ArchivePrefix = "raw"
	}
	return &Orchestrator{
		runner:     opts.Runner,
		store:      opts.Store,
		deferred:   opts.Deferred,
		archive:    opts.Archive,
		publisher:  opts.Publisher,
		ids:        opts.IDs,
		clock:      opts.Clock,
		logger:     opts.Logger.Named("orchestrator"),
		maxReviews: opts.DefaultMaxReviews,
		prefix:     strings.Trim(opts.ArchivePrefix, "/"),
		classify:   normalize.Classify,
	}, nil
}

// Submit validates the request and either hands it off for deferred
// execution or runs it inline. A failed or refused hand-off falls back to the
// inline path.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if len(req.PlaceIDs) == 0 {
		return SubmitResponse{}, scrape.ValidationError{Msg: "Place IDs are required"}
	}
	if strings.TrimSpace(req.UserProfileID) == "" {
		return SubmitResponse{}, scrape.ValidationError{Msg: "user_profile_id is required"}
	}
	if !o.store.Configured() {
		return SubmitResponse{}, scrape.ConfigurationError{Msg: "store URL or key not configured"}
	}

	maxReviews := req.MaxReviews
	if maxReviews <= 0 {
		maxReviews = o.maxReviews
	}
	attemptID := req.AttemptID
	if attemptID == "" {
		id, err := o.ids.NewID()
		if err != nil {
			return SubmitResponse{}, fmt.Errorf("generate attempt id: %w", err)
		}
		attemptID = id
	}

	job := scrape.HandOff{
		AttemptID:        attemptID,
		PlaceIDs:         req.PlaceIDs,
		MaxReviews:       maxReviews,
		ReviewsStartDate: strings.TrimSpace(req.ReviewsStartDate),
		BusinessPlaceID:  req.PlaceIDs[0],
		UserProfileID:    req.UserProfileID,
	}
	logger := o.logger.With(zap.String("attempt_id", attemptID))

	o.bestEffort(logger, "mark attempt in progress", func() error {
		return o.store.UpsertMetadata(ctx, attemptID, map[string]any{
			scrape.FieldStatus:          string(scrape.StatusInProgress),
			scrape.FieldBusinessPlaceID: job.BusinessPlaceID,
		})
	})

	if req.Defer {
		if o.schedule(ctx, logger, job) {
			return SubmitResponse{AttemptID: attemptID, Accepted: true}, nil
		}
	}

	result, err := o.Run(ctx, job)
	return SubmitResponse{AttemptID: attemptID, Result: result}, err
}

func (o *Orchestrator) schedule(ctx context.Context, logger *zap.Logger, job scrape.HandOff) bool {
	if o.deferred == nil {
		logger.Warn("deferred execution unavailable, running inline")
		metrics.ObserveHandoff("fallback")
		return false
	}
	ok, err := o.deferred.TrySchedule(ctx, job)
	if err != nil || !ok {
		logger.Warn("deferred hand-off failed, running inline", zap.Bool("scheduled", ok), zap.Error(err))
		metrics.ObserveHandoff("fallback")
		return false
	}
	logger.Info("attempt handed off")
	metrics.ObserveHandoff("scheduled")
	return true
}

// Run executes one attempt to completion. Per-record failures are absorbed
// into the result; job-level failures are persisted as a failed status and
// returned as errors.
func (o *Orchestrator) Run(ctx context.Context, job scrape.HandOff) (result *scrape.Result, err error) {
	o.inflight.Add(1)
	defer o.inflight.Done()

	start := o.clock.Now()
	logger := o.logger.With(zap.String("attempt_id", job.AttemptID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("run aborted", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			o.markFailed(ctx, logger, job.AttemptID, fmt.Sprintf("%T: %v", r, r))
			metrics.ObserveAttempt(string(scrape.StatusFailed), o.clock.Now().Sub(start))
			result, err = nil, scrape.ErrInternal
		}
	}()

	if !o.runner.HasCredential() {
		logger.Error("job runner credential missing")
		o.markFailed(ctx, logger, job.AttemptID, credentialMissing)
		metrics.ObserveAttempt(string(scrape.StatusFailed), o.clock.Now().Sub(start))
		return nil, scrape.ConfigurationError{Msg: credentialMissing}
	}
	if !o.store.Configured() {
		logger.Error("store not configured")
		return nil, scrape.ConfigurationError{Msg: "store URL or key not configured"}
	}

	handle, err := o.runner.SubmitJob(ctx, jobConfig(job))
	if err != nil {
		return nil, o.failJob(ctx, logger, job.AttemptID, "submit job", err, start)
	}
	items, err := o.runner.FetchResults(ctx, handle)
	if err != nil {
		return nil, o.failJob(ctx, logger, job.AttemptID, "fetch results", err, start)
	}
	logger.Info("job results retrieved", zap.String("run_id", handle.RunID), zap.Int("items", len(items)))
	o.archiveRaw(ctx, logger, job.AttemptID, handle, items)

	result = &scrape.Result{
		TotalItems: len(items),
		Errors:     []scrape.ProcessedError{},
		AttemptID:  job.AttemptID,
	}
	businessPlaceID := job.BusinessPlaceID
	summary := make([]string, 0, scrape.MaxErrorSummary)

	for _, item := range items {
		if businessPlaceID == "" {
			if placeID := normalize.OptString(item, "placeId"); placeID != nil && *placeID != "" {
				businessPlaceID = *placeID
			}
		}
		perr := o.processItem(ctx, logger, job.AttemptID, item, result)
		if perr == nil {
			result.SuccessfulInserts++
			metrics.ObserveItem("inserted")
			continue
		}
		result.Errors = append(result.Errors, *perr)
		if len(summary) < scrape.MaxErrorSummary {
			summary = append(summary, perr.Description)
		}
		metrics.ObserveItem(itemOutcome(perr.Type))
	}

	status := scrape.FinalStatus(result.SuccessfulInserts, len(result.Errors))
	o.bestEffort(logger, "write final status", func() error {
		return o.store.UpsertMetadata(ctx, job.AttemptID, map[string]any{
			scrape.FieldBusinessPlaceID: nullable(businessPlaceID),
			scrape.FieldStatus:          string(status),
			scrape.FieldTotalScraped:    result.SuccessfulInserts,
			scrape.FieldErrorMessage:    joinSummary(summary),
		})
	})
	o.bestEffort(logger, "create business", func() error {
		return o.store.CreateBusiness(ctx, businessPayload(businessPlaceID, job.UserProfileID))
	})
	o.publishCompletion(ctx, logger, result, status)

	logger.Info("attempt finished",
		zap.String("status", string(status)),
		zap.Int("total_items", result.TotalItems),
		zap.Int("successful_inserts", result.SuccessfulInserts),
		zap.Int("errors", len(result.Errors)),
	)
	metrics.ObserveAttempt(string(status), o.clock.Now().Sub(start))
	return result, nil
}

// processItem returns nil when the record was persisted as a review.
func (o *Orchestrator) processItem(
	ctx context.Context,
	logger *zap.Logger,
	attemptID string,
	item scrape.RawRecord,
	result *scrape.Result,
) (perr *scrape.ProcessedError) {
	defer func() {
		if r := recover(); r != nil {
			ipe := scrape.ItemProcessingError{Kind: fmt.Sprintf("%T", r), Msg: panicMessage(r), Trace: string(debug.Stack())}
			logger.Error("item processing failed", zap.Error(ipe))
			perr = &scrape.ProcessedError{
				Type:        scrape.ErrorKindProcessing,
				Description: ipe.Error(),
				ReviewID:    normalize.OptString(item, "reviewId"),
			}
		}
	}()

	switch it := o.classify(item).(type) {
	case normalize.ErrorItem:
		pe := &scrape.ProcessedError{Type: it.Tag, Description: it.Description, PlaceID: it.PlaceID}
		if it.NoReviews() {
			pe.BusinessInfo = normalize.BusinessSnapshot(it.Record)
			result.BusinessInfo = normalize.BusinessInfo(it.Record)
		}
		return pe
	case normalize.SuccessItem:
		reviewID, err := o.store.InsertReview(ctx, normalize.Clean(it.Record))
		if err != nil {
			logger.Warn("review insert failed", zap.Error(err))
			return &scrape.ProcessedError{
				Type:        scrape.ErrorKindDatabase,
				Description: "Database error: " + err.Error(),
				ReviewID:    normalize.OptString(item, "reviewId"),
			}
		}
		if reviewID != "" {
			o.annotateReview(ctx, logger, reviewID, attemptID)
		}
		return nil
	default:
		logger.Error("unrecognized record variant", zap.String("variant", fmt.Sprintf("%T", it)))
		return &scrape.ProcessedError{
			Type:        scrape.ErrorKindProcessing,
			Description: fmt.Sprintf("Processing error: unrecognized record variant %T", it),
			ReviewID:    normalize.OptString(item, "reviewId"),
		}
	}
}

func itemOutcome(tag string) string {
	switch tag {
	case scrape.ErrorKindNoReviews, scrape.ErrorKindDatabase, scrape.ErrorKindProcessing:
		return tag
	default:
		return engineErrorOutcome
	}
}

// Abandon records a failed status for a hand-off that was accepted but will
// never run.
func (o *Orchestrator) Abandon(ctx context.Context, job scrape.HandOff, reason string) {
	logger := o.logger.With(zap.String("attempt_id", job.AttemptID))
	logger.Warn("abandoning deferred attempt", zap.String("reason", reason))
	o.markFailed(ctx, logger, job.AttemptID, reason)
	metrics.ObserveHandoff("abandoned")
	metrics.ObserveAttempt(string(scrape.StatusFailed), 0)
}

// Wait blocks until every run in flight has returned or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs in flight: %w", ctx.Err())
	}
}

// annotateReview links a stored review to the attempt. Losing the link is
// acceptable; it never affects the run outcome.
func (o *Orchestrator) annotateReview(ctx context.Context, logger *zap.Logger, reviewID, attemptID string) {
	o.bestEffort(logger.With(zap.String("review_id", reviewID)), "annotate review", func() error {
		exists, err := o.store.ReviewExists(ctx, reviewID)
		if err != nil {
			return err
		}
		if !exists {
			logger.Debug("skipping annotation, review not found", zap.String("review_id", reviewID))
			return nil
		}
		return o.store.PatchReview(ctx, reviewID, map[string]any{"scraping_attempt": attemptID})
	})
}

func (o *Orchestrator) failJob(ctx context.Context, logger *zap.Logger, attemptID, stage string, cause error, start time.Time) error {
	jobErr := scrape.UpstreamJobError{Stage: stage, Err: cause}
	logger.Error("job runner failed", zap.String("stage", stage), zap.Error(cause))
	o.markFailed(ctx, logger, attemptID, jobErr.Error())
	metrics.ObserveAttempt(string(scrape.StatusFailed), o.clock.Now().Sub(start))
	return jobErr
}

// markFailed persists a failed status when the store is reachable. It never
// panics.
func (o *Orchestrator) markFailed(ctx context.Context, logger *zap.Logger, attemptID, message string) {
	o.bestEffort(logger, "mark attempt failed", func() error {
		if !o.store.Configured() {
			logger.Warn("store not configured, cannot record failure")
			return nil
		}
		return o.store.UpsertMetadata(ctx, attemptID, map[string]any{
			scrape.FieldStatus:       string(scrape.StatusFailed),
			scrape.FieldErrorMessage: message,
		})
	})
}

func (o *Orchestrator) archiveRaw(ctx context.Context, logger *zap.Logger, attemptID string, handle scrape.JobHandle, items []scrape.RawRecord) {
	if o.archive == nil {
		return
	}
	o.bestEffort(logger, "archive raw dataset", func() error {
		data, err := json.Marshal(items)
		if err != nil {
			return fmt.Errorf("encode dataset: %w", err)
		}
		path := fmt.Sprintf("%s/%s/%s.json", o.prefix, attemptID, handle.RunID)
		uri, err := o.archive.PutObject(ctx, path, "application/json", data)
		if err != nil {
			return err
		}
		logger.Info("raw dataset archived", zap.String("uri", uri))
		return nil
	})
}

func (o *Orchestrator) publishCompletion(ctx context.Context, logger *zap.Logger, result *scrape.Result, status scrape.Status) {
	if o.publisher == nil {
		return
	}
	o.bestEffort(logger, "publish completion", func() error {
		_, err := o.publisher.Publish(ctx, CompletionEvent{
			AttemptID:         result.AttemptID,
			Status:            string(status),
			TotalItems:        result.TotalItems,
			SuccessfulInserts: result.SuccessfulInserts,
			ErrorCount:        len(result.Errors),
			FinishedAt:        o.clock.Now(),
		})
		return err
	})
}

// bestEffort runs fn, logging any error or panic instead of propagating it.
func (o *Orchestrator) bestEffort(logger *zap.Logger, op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("best-effort operation panicked", zap.String("op", op), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		logger.Warn("best-effort operation failed", zap.String("op", op), zap.Error(err))
	}
}

// CompletionEvent is published when an attempt reaches a terminal status.
type CompletionEvent struct {
	AttemptID         string    `json:"scrapingAttemptId"`
	Status            string    `json:"status"`
	TotalItems        int       `json:"totalItems"`
	SuccessfulInserts int       `json:"successfulInserts"`
	ErrorCount        int       `json:"errorCount"`
	FinishedAt        time.Time `json:"finishedAt"`
}

func jobConfig(job scrape.HandOff) scrape.JobConfig {
	return scrape.JobConfig{
		PlaceIDs:         job.PlaceIDs,
		MaxReviews:       job.MaxReviews,
		ReviewsSort:      "newest",
		Language:         "en",
		ReviewsOrigin:    "all",
		PersonalData:     true,
		ReviewsStartDate: strings.TrimSpace(job.ReviewsStartDate),
	}
}

func businessPayload(placeID, userProfileID string) map[string]any {
	payload := map[string]any{"place_id": nullable(placeID)}
	if userProfileID == "" {
		return payload
	}
	if n, err := strconv.Atoi(userProfileID); err == nil {
		payload["user_profile"] = n
	} else {
		payload["user_profile"] = userProfileID
	}
	return payload
}

func joinSummary(summary []string) any {
	if len(summary) == 0 {
		return nil
	}
	return strings.Join(summary, "; ")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(r)
}
