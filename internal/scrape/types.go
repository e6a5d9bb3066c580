// Package scrape defines the core types shared across the review scraping
// subsystems: attempts, raw and normalized records, and the collaborator
// interfaces the orchestrator drives.
package scrape

// Status represents the lifecycle state of a scraping attempt.
type Status string

// Status values persisted in scraping_metadata.scraping_status.
const (
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// Error kinds recorded on ProcessedError.Type by the orchestrator itself.
// Tags reported by the job engine (e.g. "no_reviews") pass through verbatim.
const (
	ErrorKindNoReviews  = "no_reviews"
	ErrorKindDatabase   = "database_error"
	ErrorKindProcessing = "processing_error"
)

// Metadata field names on the scraping_metadata resource.
const (
	FieldStatus          = "scraping_status"
	FieldErrorMessage    = "error_message"
	FieldBusinessPlaceID = "business_place_id"
	FieldTotalScraped    = "total_reviews_scraped"
)

// MaxErrorSummary bounds how many error descriptions are joined into the
// attempt's error_message.
const MaxErrorSummary = 5

// RawRecord is one untyped item produced by the job engine.
type RawRecord map[string]any

// Review is a cleaned review payload that is always JSON-serializable.
type Review map[string]any

// JobConfig is the input submitted to the job engine.
type JobConfig struct {
	PlaceIDs         []string `json:"placeIds"`
	MaxReviews       int      `json:"maxReviews"`
	ReviewsSort      string   `json:"reviewsSort"`
	Language         string   `json:"language"`
	ReviewsOrigin    string   `json:"reviewsOrigin"`
	PersonalData     bool     `json:"personalData"`
	ReviewsStartDate string   `json:"reviewsStartDate,omitempty"`
}

// JobHandle identifies a finished job-engine run and its result set.
type JobHandle struct {
	RunID     string `json:"run_id"`
	DatasetID string `json:"dataset_id"`
	Status    string `json:"status"`
}

// HandOff is the one-shot payload carried from the dispatch trigger into a
// run, whether inline or deferred.
type HandOff struct {
	AttemptID        string   `json:"scrapingAttemptId"`
	PlaceIDs         []string `json:"placeIds"`
	MaxReviews       int      `json:"maxReviews"`
	ReviewsStartDate string   `json:"reviewsStartDate,omitempty"`
	BusinessPlaceID  string   `json:"businessPlaceId"`
	UserProfileID    string   `json:"userProfileId,omitempty"`
}

// BusinessInfo holds the business attributes captured from a no_reviews item.
type BusinessInfo struct {
	PlaceID           *string  `json:"place_id"`
	Title             *string  `json:"title"`
	CategoryName      *string  `json:"category_name"`
	Categories        string   `json:"categories"`
	Address           *string  `json:"address"`
	Neighborhood      *string  `json:"neighborhood"`
	Street            *string  `json:"street"`
	City              *string  `json:"city"`
	PostalCode        *string  `json:"postal_code"`
	State             *string  `json:"state"`
	CountryCode       *string  `json:"country_code"`
	Location          any      `json:"location"`
	TotalScore        *float64 `json:"total_score"`
	ReviewsCount      *int     `json:"reviews_count"`
	Price             any      `json:"price"`
	PermanentlyClosed *bool    `json:"permanently_closed"`
	TemporarilyClosed *bool    `json:"temporarily_closed"`
	ImageURL          *string  `json:"image_url"`
	URL               *string  `json:"url"`
	CID               *string  `json:"cid"`
	FID               *string  `json:"fid"`
}

// ProcessedError records one failed item. Instances are kept in input order
// and never deduplicated.
type ProcessedError struct {
	Type         string         `json:"type"`
	Description  string         `json:"description"`
	PlaceID      *string        `json:"place_id"`
	ReviewID     *string        `json:"review_id"`
	BusinessInfo map[string]any `json:"business_info"`
}

// Result is returned by a completed run.
type Result struct {
	TotalItems        int              `json:"totalItems"`
	SuccessfulInserts int              `json:"successfulInserts"`
	Errors            []ProcessedError `json:"errors"`
	BusinessInfo      *BusinessInfo    `json:"businessInfo"`
	AttemptID         string           `json:"scrapingAttemptId"`
}

// FinalStatus derives the terminal attempt status from the run counters.
func FinalStatus(successes, failures int) Status {
	switch {
	case failures == 0:
		return StatusCompleted
	case successes == 0:
		return StatusFailed
	default:
		return StatusCompletedWithErrors
	}
}
