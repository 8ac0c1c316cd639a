// Package location decides, by plain text matching, whether a booking
// request lies in a driver's declared operating area. There is no
// geocoding and no distance computation.
package location

import (
	"strings"

	"github.com/example/hire-requests/internal/models"
)

// RequestLocation is the subset of a request the matcher reads.
type RequestLocation struct {
	Location string
	State    string
	City     string
}

// FromRequest extracts the location fields of r.
func FromRequest(r *models.BookingRequest) RequestLocation {
	loc := RequestLocation{Location: r.Location}
	if r.State != nil {
		loc.State = *r.State
	}
	if r.City != nil {
		loc.City = *r.City
	}
	return loc
}

// Matches tries, in order, first hit wins:
//  1. driver state within the request state
//  2. driver city within the request city
//  3. driver state within the free-text location
//  4. driver city within the free-text location
//  5. any gazetteer city of the driver's state within the location or city
//
// All comparisons are case-insensitive substring checks.
func Matches(req RequestLocation, driverState, driverCity string) bool {
	state := normalize(driverState)
	city := normalize(driverCity)
	if state == "" && city == "" {
		return false
	}
	reqState := normalize(req.State)
	reqCity := normalize(req.City)
	reqLoc := normalize(req.Location)

	switch {
	case contains(reqState, state):
		return true
	case contains(reqCity, city):
		return true
	case contains(reqLoc, state):
		return true
	case contains(reqLoc, city):
		return true
	}
	if state == "" {
		return false
	}
	for _, c := range CitiesOf(state) {
		c = normalize(c)
		if contains(reqLoc, c) || contains(reqCity, c) {
			return true
		}
	}
	return false
}

// FilterNearby keeps the requests that match the driver's area, in order.
// An empty result is returned as is; falling back to the unfiltered list
// is the caller's decision.
func FilterNearby(reqs []models.BookingRequest, area models.DriverLocation) []models.BookingRequest {
	out := make([]models.BookingRequest, 0, len(reqs))
	for i := range reqs {
		if Matches(FromRequest(&reqs[i]), area.State, area.City) {
			out = append(out, reqs[i])
		}
	}
	return out
}

// contains treats an empty needle or haystack as no match.
func contains(haystack, needle string) bool {
	return needle != "" && haystack != "" && strings.Contains(haystack, needle)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
