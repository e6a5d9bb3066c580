package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, runner *fakeRunner, store *fakeStore, mutate ...func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Runner: runner,
		Store:  store,
		IDs:    fakeIDs{id: "generated-id"},
		Clock:  fakeClock{now: fixedNow},
	}
	for _, m := range mutate {
		m(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func readyRunner(items ...scrape.RawRecord) *fakeRunner {
	return &fakeRunner{
		credential: true,
		handle:     scrape.JobHandle{RunID: "run-1", DatasetID: "ds-1", Status: "SUCCEEDED"},
		items:      items,
	}
}

func review(id string) scrape.RawRecord {
	return scrape.RawRecord{"reviewId": id, "placeId": "P1", "text": "review " + id, "stars": float64(5)}
}

func TestSubmitMixedBatchCompletesWithErrors(t *testing.T) {
	t.Parallel()

	runner := readyRunner(
		review("r1"),
		scrape.RawRecord{
			"error":        "no_reviews",
			"placeId":      "P1",
			"title":        "Corner Cafe",
			"address":      "1 Main St",
			"totalScore":   4.2,
			"reviewsCount": float64(0),
			"categories":   []any{"Cafe", "Bakery"},
		},
	)
	store := newFakeStore()
	o := newTestOrchestrator(t, runner, store)

	resp, err := o.Submit(context.Background(), SubmitRequest{
		PlaceIDs:      []string{"P1"},
		MaxReviews:    2,
		UserProfileID: "7",
	})
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.Equal(t, "generated-id", resp.AttemptID)

	res := resp.Result
	require.NotNil(t, res)
	require.Equal(t, 2, res.TotalItems)
	require.Equal(t, 1, res.SuccessfulInserts)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "no_reviews", res.Errors[0].Type)
	require.Equal(t, "Corner Cafe", res.Errors[0].BusinessInfo["title"])
	require.NotNil(t, res.BusinessInfo)
	require.Equal(t, "Corner Cafe", *res.BusinessInfo.Title)
	require.Equal(t, "Cafe,Bakery", res.BusinessInfo.Categories)

	final := store.lastMetadata()
	require.Equal(t, "generated-id", final.id)
	require.Equal(t, string(scrape.StatusCompletedWithErrors), final.fields[scrape.FieldStatus])
	require.Equal(t, 1, final.fields[scrape.FieldTotalScraped])
	require.Equal(t, "P1", final.fields[scrape.FieldBusinessPlaceID])
	require.Equal(t, "no_reviews", final.fields[scrape.FieldErrorMessage])

	require.Equal(t, []map[string]any{{"place_id": "P1", "user_profile": 7}}, store.businesses)

	require.Len(t, runner.submitted, 1)
	cfg := runner.submitted[0]
	require.Equal(t, 2, cfg.MaxReviews)
	require.Equal(t, "newest", cfg.ReviewsSort)
	require.Equal(t, "en", cfg.Language)
	require.Equal(t, "all", cfg.ReviewsOrigin)
	require.True(t, cfg.PersonalData)
	require.Empty(t, cfg.ReviewsStartDate)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		req  SubmitRequest
		msg  string
	}{
		{"missing place ids", SubmitRequest{UserProfileID: "7"}, "Place IDs are required"},
		{"empty place ids", SubmitRequest{PlaceIDs: []string{}, UserProfileID: "7"}, "Place IDs are required"},
		{"missing user profile", SubmitRequest{PlaceIDs: []string{"P1"}}, "user_profile_id is required"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runner := readyRunner(review("r1"))
			store := newFakeStore()
			o := newTestOrchestrator(t, runner, store)

			_, err := o.Submit(context.Background(), tc.req)
			var vErr scrape.ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Equal(t, tc.msg, vErr.Msg)
			require.Zero(t, store.callCount())
			require.Zero(t, runner.submitCount())
		})
	}
}

func TestSubmitRequiresStoreConfiguration(t *testing.T) {
	t.Parallel()

	runner := readyRunner(review("r1"))
	store := newFakeStore()
	store.configured = false
	o := newTestOrchestrator(t, runner, store)

	_, err := o.Submit(context.Background(), SubmitRequest{PlaceIDs: []string{"P1"}, UserProfileID: "7"})
	var cfgErr scrape.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Zero(t, store.callCount())
	require.Zero(t, runner.submitCount())
}

func TestSubmitAppliesDefaults(t *testing.T) {
	t.Parallel()

	runner := readyRunner()
	store := newFakeStore()
	o := newTestOrchestrator(t, runner, store)

	resp, err := o.Submit(context.Background(), SubmitRequest{
		PlaceIDs:         []string{"P1", "P2"},
		UserProfileID:    "7",
		AttemptID:        "caller-id",
		ReviewsStartDate: "2024-01-01",
	})
	require.NoError(t, err)
	require.Equal(t, "caller-id", resp.AttemptID)
	require.Equal(t, DefaultMaxReviews, runner.submitted[0].MaxReviews)
	require.Equal(t, "2024-01-01", runner.submitted[0].ReviewsStartDate)
	require.Equal(t, []string{"P1", "P2"}, runner.submitted[0].PlaceIDs)

	require.Equal(t, string(scrape.StatusInProgress), store.metadata[0].fields[scrape.FieldStatus])
	require.Equal(t, string(scrape.StatusCompleted), store.lastMetadata().fields[scrape.FieldStatus])
	require.Nil(t, store.lastMetadata().fields[scrape.FieldErrorMessage])
}

func TestSubmitDeferred(t *testing.T) {
	t.Parallel()

	t.Run("scheduled", func(t *testing.T) {
		t.Parallel()
		runner := readyRunner(review("r1"))
		deferred := &fakeDeferred{ok: true}
		o := newTestOrchestrator(t, runner, newFakeStore(), func(opts *Options) { opts.Deferred = deferred })

		resp, err := o.Submit(context.Background(), SubmitRequest{PlaceIDs: []string{"P1"}, UserProfileID: "7", Defer: true})
		require.NoError(t, err)
		require.True(t, resp.Accepted)
		require.Nil(t, resp.Result)
		require.Zero(t, runner.submitCount())
		require.Len(t, deferred.jobs, 1)
		require.Equal(t, scrape.HandOff{
			AttemptID:       "generated-id",
			PlaceIDs:        []string{"P1"},
			MaxReviews:      DefaultMaxReviews,
			BusinessPlaceID: "P1",
			UserProfileID:   "7",
		}, deferred.jobs[0])
	})

	fallbacks := map[string]*fakeDeferred{
		"refused":     {ok: false},
		"errored":     {err: errors.New("queue full")},
		"unavailable": nil,
	}
	for name, deferred := range fallbacks {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			runner := readyRunner(review("r1"))
			o := newTestOrchestrator(t, runner, newFakeStore(), func(opts *Options) {
				if deferred != nil {
					opts.Deferred = deferred
				}
			})

			resp, err := o.Submit(context.Background(), SubmitRequest{PlaceIDs: []string{"P1"}, UserProfileID: "7", Defer: true})
			require.NoError(t, err)
			require.False(t, resp.Accepted)
			require.NotNil(t, resp.Result)
			require.Equal(t, 1, resp.Result.SuccessfulInserts)
			require.Equal(t, 1, runner.submitCount())
		})
	}
}

func TestRunWithoutCredentialRecordsFailure(t *testing.T) {
	t.Parallel()

	runner := readyRunner(review("r1"))
	runner.credential = false
	store := newFakeStore()
	o := newTestOrchestrator(t, runner, store)

	res, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}, MaxReviews: 5})
	require.Nil(t, res)
	var cfgErr scrape.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Zero(t, runner.submitCount())

	final := store.lastMetadata()
	require.Equal(t, "a1", final.id)
	require.Equal(t, string(scrape.StatusFailed), final.fields[scrape.FieldStatus])
	require.Equal(t, "credential not configured", final.fields[scrape.FieldErrorMessage])
}

func TestRunJobFailuresRecordFailedStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		setup func(*fakeRunner)
		stage string
	}{
		{"submit", func(r *fakeRunner) { r.submitErr = errors.New("actor rejected input") }, "submit job"},
		{"fetch", func(r *fakeRunner) { r.fetchErr = errors.New("dataset gone") }, "fetch results"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runner := readyRunner(review("r1"))
			tc.setup(runner)
			store := newFakeStore()
			o := newTestOrchestrator(t, runner, store)

			res, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}})
			require.Nil(t, res)
			var jobErr scrape.UpstreamJobError
			require.ErrorAs(t, err, &jobErr)
			require.Equal(t, tc.stage, jobErr.Stage)

			final := store.lastMetadata()
			require.Equal(t, string(scrape.StatusFailed), final.fields[scrape.FieldStatus])
			require.Contains(t, final.fields[scrape.FieldErrorMessage], tc.stage)
			require.Empty(t, store.inserted)
		})
	}
}

func TestRunContinuesAfterPersistenceFailure(t *testing.T) {
	t.Parallel()

	runner := readyRunner(review("r1"), review("r2"), review("r3"))
	store := newFakeStore()
	store.insertErr["r2"] = scrape.StoreError{Op: "insert review", StatusCode: 409, Body: "duplicate"}
	o := newTestOrchestrator(t, runner, store)

	res, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}, BusinessPlaceID: "P1"})
	require.NoError(t, err)
	require.Equal(t, 2, res.SuccessfulInserts)
	require.Len(t, res.Errors, 1)
	require.Equal(t, scrape.ErrorKindDatabase, res.Errors[0].Type)
	require.Equal(t, "r2", *res.Errors[0].ReviewID)
	require.True(t, strings.HasPrefix(res.Errors[0].Description, "Database error: "))
	require.Contains(t, res.Errors[0].Description, "Response: duplicate")
	require.Len(t, store.inserted, 2)
	require.Equal(t, "r3", store.inserted[1]["reviewId"])
	require.Equal(t, string(scrape.StatusCompletedWithErrors), store.lastMetadata().fields[scrape.FieldStatus])
}

func TestRunConvertsPanicsToProcessingErrors(t *testing.T) {
	t.Parallel()

	runner := readyRunner(review("r1"), review("r2"), review("r3"))
	store := newFakeStore()
	store.insertPanic["r1"] = "index out of range"
	store.insertPanic["r2"] = "0"
	o := newTestOrchestrator(t, runner, store)

	res, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}})
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalItems)
	require.Equal(t, 1, res.SuccessfulInserts)
	require.Len(t, res.Errors, 2)

	require.Equal(t, scrape.ErrorKindProcessing, res.Errors[0].Type)
	require.Equal(t, "string: index out of range", res.Errors[0].Description)
	require.Equal(t, "r1", *res.Errors[0].ReviewID)

	require.Equal(t, scrape.ErrorKindProcessing, res.Errors[1].Type)
	require.True(t, strings.HasPrefix(res.Errors[1].Description, "Exception in item processing: "))
}

func TestRunAllErrorsIsFailed(t *testing.T) {
	t.Parallel()

	runner := readyRunner(
		scrape.RawRecord{"error": "blocked", "errorDescription": "captcha wall", "placeId": "P1"},
		scrape.RawRecord{"error": "not_found"},
	)
	store := newFakeStore()
	o := newTestOrchestrator(t, runner, store)

	res, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}})
	require.NoError(t, err)
	require.Zero(t, res.SuccessfulInserts)
	require.Nil(t, res.BusinessInfo)
	require.Nil(t, res.Errors[0].BusinessInfo)
	require.Equal(t, "captcha wall", res.Errors[0].Description)

	final := store.lastMetadata()
	require.Equal(t, string(scrape.StatusFailed), final.fields[scrape.FieldStatus])
	require.Equal(t, "captcha wall; not_found", final.fields[scrape.FieldErrorMessage])
	require.Equal(t, "P1", final.fields[scrape.FieldBusinessPlaceID])
}

func TestRunCountsAndStatusInvariant(t *testing.T) {
	t.Parallel()

	for n := 0; n <= 6; n++ {
		for failEvery := 1; failEvery <= 3; failEvery++ {
			t.Run(fmt.Sprintf("n=%d/every=%d", n, failEvery), func(t *testing.T) {
				t.Parallel()
				items := make([]scrape.RawRecord, 0, n)
				store := newFakeStore()
				for i := 0; i < n; i++ {
					id := fmt.Sprintf("r%d", i)
					switch {
					case i%failEvery == 0 && i%2 == 0:
						items = append(items, scrape.RawRecord{"error": "no_reviews", "placeId": "P1"})
					case i%failEvery == 0:
						store.insertErr[id] = errors.New("boom")
						items = append(items, review(id))
					default:
						items = append(items, review(id))
					}
				}
				o := newTestOrchestrator(t, readyRunner(items...), store)

				res, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}})
				require.NoError(t, err)
				require.Equal(t, n, res.TotalItems)
				require.Equal(t, n, res.SuccessfulInserts+len(res.Errors))

				status := store.lastMetadata().fields[scrape.FieldStatus]
				switch {
				case len(res.Errors) == 0:
					require.Equal(t, string(scrape.StatusCompleted), status)
				case res.SuccessfulInserts == 0:
					require.Equal(t, string(scrape.StatusFailed), status)
				default:
					require.Equal(t, string(scrape.StatusCompletedWithErrors), status)
				}
			})
		}
	}
}

func TestRunTruncatesErrorSummary(t *testing.T) {
	t.Parallel()

	items := make([]scrape.RawRecord, 0, 7)
	for i := 0; i < 7; i++ {
		items = append(items, scrape.RawRecord{"error": fmt.Sprintf("e%d", i)})
	}
	store := newFakeStore()
	o := newTestOrchestrator(t, readyRunner(items...), store)

	res, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}})
	require.NoError(t, err)
	require.Len(t, res.Errors, 7)
	require.Equal(t, "e0; e1; e2; e3; e4", store.lastMetadata().fields[scrape.FieldErrorMessage])
}

func TestRunAnnotatesStoredReviews(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.insertIDs["r1"] = "42"
	store.exists = true
	o := newTestOrchestrator(t, readyRunner(review("r1")), store)

	_, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"scraping_attempt": "a1"}, store.patched["42"])
}

func TestRunBestEffortFailuresDoNotChangeResult(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.insertIDs["r1"] = "42"
	store.exists = true
	store.patchErr = errors.New("patch refused")
	store.metadataErr = errors.New("metadata down")
	store.businessErr = errors.New("duplicate business")
	publisher := &fakePublisher{err: errors.New("topic missing")}
	o := newTestOrchestrator(t, readyRunner(review("r1"), review("r2")), store, func(opts *Options) {
		opts.Publisher = publisher
	})

	res, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}, UserProfileID: "abc"})
	require.NoError(t, err)
	require.Equal(t, 2, res.SuccessfulInserts)
	require.Empty(t, res.Errors)
	require.Len(t, publisher.events, 1)
}

func TestRunRecoversFromUnexpectedPanic(t *testing.T) {
	t.Parallel()

	runner := readyRunner(review("r1"))
	runner.panicMsg = "nil map write"
	store := newFakeStore()
	o := newTestOrchestrator(t, runner, store)

	res, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}})
	require.Nil(t, res)
	require.ErrorIs(t, err, scrape.ErrInternal)
	final := store.lastMetadata()
	require.Equal(t, string(scrape.StatusFailed), final.fields[scrape.FieldStatus])
	require.Equal(t, "string: nil map write", final.fields[scrape.FieldErrorMessage])
}

func TestRunArchivesAndPublishes(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{}
	publisher := &fakePublisher{}
	o := newTestOrchestrator(t, readyRunner(review("r1")), newFakeStore(), func(opts *Options) {
		opts.Archive = archive
		opts.Publisher = publisher
		opts.ArchivePrefix = "/raw/"
	})

	_, err := o.Run(context.Background(), scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"P1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"raw/a1/run-1.json"}, archive.paths)
	require.Contains(t, string(archive.data[0]), `"reviewId":"r1"`)

	require.Len(t, publisher.events, 1)
	event, ok := publisher.events[0].(CompletionEvent)
	require.True(t, ok)
	require.Equal(t, CompletionEvent{
		AttemptID:         "a1",
		Status:            string(scrape.StatusCompleted),
		TotalItems:        1,
		SuccessfulInserts: 1,
		FinishedAt:        fixedNow,
	}, event)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Store: newFakeStore()})
	require.Error(t, err)
	_, err = New(Options{Runner: readyRunner()})
	require.Error(t, err)
}

func TestBusinessPayload(t *testing.T) {
	t.Parallel()

	require.Equal(t, map[string]any{"place_id": "P1", "user_profile": 7}, businessPayload("P1", "7"))
	require.Equal(t, map[string]any{"place_id": "P1", "user_profile": "abc"}, businessPayload("P1", "abc"))
	require.Equal(t, map[string]any{"place_id": nil}, businessPayload("", ""))
}
