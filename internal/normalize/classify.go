package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

// Item is a raw record resolved into one of its closed set of variants.
type Item interface {
	isItem()
}

// SuccessItem carries a record with no error tag.
type SuccessItem struct {
	Record scrape.RawRecord
}

// ErrorItem carries a record the job engine tagged as failed.
type ErrorItem struct {
	Tag         string
	Description string
	PlaceID     *string
	Record      scrape.RawRecord
}

func (SuccessItem) isItem() {}
func (ErrorItem) isItem()   {}

// NoReviews reports whether the engine found the place but no reviews.
func (e ErrorItem) NoReviews() bool {
	return e.Tag == scrape.ErrorKindNoReviews
}

// Classify resolves a raw record by the presence of a truthy "error" field.
func Classify(record scrape.RawRecord) Item {
	raw, ok := record["error"]
	if !ok || !truthy(raw) {
		return SuccessItem{Record: record}
	}
	tag := text(raw)
	desc := tag
	if d, ok := record["errorDescription"]; ok && truthy(d) {
		desc = text(d)
	}
	return ErrorItem{
		Tag:         tag,
		Description: desc,
		PlaceID:     OptString(record, "placeId"),
		Record:      record,
	}
}

// BusinessInfo extracts the fixed business attributes from a record.
func BusinessInfo(record scrape.RawRecord) *scrape.BusinessInfo {
	return &scrape.BusinessInfo{
		PlaceID:           OptString(record, "placeId"),
		Title:             OptString(record, "title"),
		CategoryName:      OptString(record, "categoryName"),
		Categories:        joinCategories(record["categories"]),
		Address:           OptString(record, "address"),
		Neighborhood:      OptString(record, "neighborhood"),
		Street:            OptString(record, "street"),
		City:              OptString(record, "city"),
		PostalCode:        OptString(record, "postalCode"),
		State:             OptString(record, "state"),
		CountryCode:       OptString(record, "countryCode"),
		Location:          cleanValue(record["location"]),
		TotalScore:        optFloat(record, "totalScore"),
		ReviewsCount:      optInt(record, "reviewsCount"),
		Price:             cleanValue(record["price"]),
		PermanentlyClosed: optBool(record, "permanentlyClosed"),
		TemporarilyClosed: optBool(record, "temporarilyClosed"),
		ImageURL:          OptString(record, "imageUrl"),
		URL:               OptString(record, "url"),
		CID:               OptString(record, "cid"),
		FID:               OptString(record, "fid"),
	}
}

// BusinessSnapshot is the short business summary embedded in a no_reviews error.
func BusinessSnapshot(record scrape.RawRecord) map[string]any {
	return map[string]any{
		"title":        cleanValue(record["title"]),
		"address":      cleanValue(record["address"]),
		"totalScore":   cleanValue(record["totalScore"]),
		"reviewsCount": cleanValue(record["reviewsCount"]),
	}
}

// OptString returns the field rendered as a string, or nil when absent or null.
func OptString(record scrape.RawRecord, key string) *string {
	v, ok := record[key]
	if !ok || v == nil {
		return nil
	}
	s := text(v)
	return &s
}

func optFloat(record scrape.RawRecord, key string) *float64 {
	var f float64
	switch v := record[key].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

func optInt(record scrape.RawRecord, key string) *int {
	f := optFloat(record, key)
	if f == nil {
		return nil
	}
	n := int(*f)
	return &n
}

func optBool(record scrape.RawRecord, key string) *bool {
	b, ok := record[key].(bool)
	if !ok {
		return nil
	}
	return &b
}

func joinCategories(v any) string {
	switch list := v.(type) {
	case []string:
		return strings.Join(list, ",")
	case []any:
		parts := make([]string, 0, len(list))
		for _, c := range list {
			parts = append(parts, text(c))
		}
		return strings.Join(parts, ",")
	case string:
		return list
	default:
		return ""
	}
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case fmt.Stringer, error:
		return render(t)
	default:
		if s, ok := cleanValue(v).(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case json.Number:
		return t.String() != "0"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
