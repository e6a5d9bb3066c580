// Package system provides the wall clock used to time scraping attempts.
package system

import "time"

// Clock implements scrape.Clock. Times are UTC so durations and archive
// paths do not depend on the host time zone.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
