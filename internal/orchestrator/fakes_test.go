package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

type fakeRunner struct {
	credential bool
	handle     scrape.JobHandle
	items      []scrape.RawRecord
	submitErr  error
	fetchErr   error
	panicMsg   string
	// started and gate, when set, let a test hold SubmitJob mid-run.
	started chan struct{}
	gate    chan struct{}

	mu        sync.Mutex
	submitted []scrape.JobConfig
}

func (f *fakeRunner) HasCredential() bool { return f.credential }

func (f *fakeRunner) SubmitJob(_ context.Context, cfg scrape.JobConfig) (scrape.JobHandle, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, cfg)
	f.mu.Unlock()
	if f.submitErr != nil {
		return scrape.JobHandle{}, f.submitErr
	}
	return f.handle, nil
}

func (f *fakeRunner) FetchResults(context.Context, scrape.JobHandle) ([]scrape.RawRecord, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.items, nil
}

func (f *fakeRunner) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type metadataWrite struct {
	id     string
	fields map[string]any
}

type fakeStore struct {
	configured bool
	// insert behavior keyed by reviewId
	insertErr   map[string]error
	insertPanic map[string]any
	insertIDs   map[string]string
	exists      bool
	patchErr    error
	metadataErr error
	businessErr error

	mu         sync.Mutex
	inserted   []scrape.Review
	patched    map[string]map[string]any
	metadata   []metadataWrite
	businesses []map[string]any
	calls      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configured:  true,
		insertErr:   map[string]error{},
		insertPanic: map[string]any{},
		insertIDs:   map[string]string{},
		patched:     map[string]map[string]any{},
	}
}

func (f *fakeStore) Configured() bool { return f.configured }

func (f *fakeStore) InsertReview(_ context.Context, review scrape.Review) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key, _ := review["reviewId"].(string)
	if p, ok := f.insertPanic[key]; ok {
		panic(p)
	}
	if err := f.insertErr[key]; err != nil {
		return "", err
	}
	f.inserted = append(f.inserted, review)
	return f.insertIDs[key], nil
}

func (f *fakeStore) ReviewExists(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.exists, nil
}

func (f *fakeStore) PatchReview(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patched[id] = fields
	return nil
}

func (f *fakeStore) UpsertMetadata(_ context.Context, attemptID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.metadataErr != nil {
		return f.metadataErr
	}
	f.metadata = append(f.metadata, metadataWrite{id: attemptID, fields: fields})
	return nil
}

func (f *fakeStore) CreateBusiness(_ context.Context, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.businessErr != nil {
		return f.businessErr
	}
	f.businesses = append(f.businesses, fields)
	return nil
}

func (f *fakeStore) GetMetadata(context.Context, string) ([]map[string]any, error) {
	return nil, errors.New("not used")
}

func (f *fakeStore) lastMetadata() metadataWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.metadata) == 0 {
		return metadataWrite{}
	}
	return f.metadata[len(f.metadata)-1]
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDeferred struct {
	ok   bool
	err  error
	jobs []scrape.HandOff
}

func (f *fakeDeferred) TrySchedule(_ context.Context, job scrape.HandOff) (bool, error) {
	f.jobs = append(f.jobs, job)
	return f.ok, f.err
}

type fakeIDs struct {
	id string
}

func (f fakeIDs) NewID() (string, error) { return f.id, nil }

type fakeClock struct {
	now time.Time
}

func (f fakeClock) Now() time.Time { return f.now }

type fakeArchive struct {
	paths []string
	data  [][]byte
}

func (f *fakeArchive) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	f.paths = append(f.paths, path)
	f.data = append(f.data, data)
	return "memory://" + path, nil
}

type fakePublisher struct {
	events []any
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, payload any) (string, error) {
	f.events = append(f.events, payload)
	return "msg-1", f.err
}
