// Package week handles ISO-8601 week identifiers ("2025-W30"): parsing,
// validation, calendar arithmetic and ordering. The ledger chain is keyed
// by these ids, so the predecessor of a week is always computed by
// calendar subtraction, never by walking stored documents.
package week

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// idRegex matches {YYYY}-W{WW}, e.g. 2025-W30.
var idRegex = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)

var ErrInvalidID = errors.New("week: invalid week id")

// ID is a parsed ISO week identifier.
type ID struct {
	Year int
	Week int
}

// Parse parses and validates a week id string.
func Parse(id string) (ID, error) {
	matches := idRegex.FindStringSubmatch(id)
	if matches == nil {
		return ID{}, fmt.Errorf("%w: %s (expected YYYY-Www)", ErrInvalidID, id)
	}

	var year, wk int
	fmt.Sscanf(matches[1], "%d", &year)
	fmt.Sscanf(matches[2], "%d", &wk)

	if wk < 1 || wk > 53 {
		return ID{}, fmt.Errorf("%w: week number %d out of range", ErrInvalidID, wk)
	}
	// Years with 53 ISO weeks are the exception; validate by round-trip.
	if wk == 53 {
		if y, w := mondayOf(year, 53).ISOWeek(); y != year || w != 53 {
			return ID{}, fmt.Errorf("%w: %d has no week 53", ErrInvalidID, year)
		}
	}
	return ID{Year: year, Week: wk}, nil
}

// String formats the id back to its canonical "YYYY-Www" form.
func (id ID) String() string {
	return fmt.Sprintf("%04d-W%02d", id.Year, id.Week)
}

// SortKey returns a numeric ordering key: later weeks compare greater.
func (id ID) SortKey() int {
	return id.Year*100 + id.Week
}

// Monday returns the Monday (00:00 UTC) that starts the week.
func (id ID) Monday() time.Time {
	return mondayOf(id.Year, id.Week)
}

// Sunday returns the Sunday (23:59:59 UTC) that ends the week.
func (id ID) Sunday() time.Time {
	return id.Monday().AddDate(0, 0, 6).Add(24*time.Hour - time.Second)
}

// Prev returns the id of the immediately preceding ISO week.
func (id ID) Prev() ID {
	return FromTime(id.Monday().AddDate(0, 0, -7))
}

// Next returns the id of the immediately following ISO week.
func (id ID) Next() ID {
	return FromTime(id.Monday().AddDate(0, 0, 7))
}

// FromTime returns the ISO week containing t.
func FromTime(t time.Time) ID {
	y, w := t.UTC().ISOWeek()
	return ID{Year: y, Week: w}
}

// PrevID is a string-to-string convenience for the common ledger lookup.
func PrevID(id string) (string, error) {
	parsed, err := Parse(id)
	if err != nil {
		return "", err
	}
	return parsed.Prev().String(), nil
}

// SortKeyOf returns the ordering key for a raw id string, or 0 when the
// id does not parse. Callers ordering weeks fall back to this when a
// stored week lacks a start date.
func SortKeyOf(id string) int {
	parsed, err := Parse(id)
	if err != nil {
		return 0
	}
	return parsed.SortKey()
}

// mondayOf returns the Monday starting ISO week (year, week).
// January 4th is always inside ISO week 1 of its year.
func mondayOf(year, wk int) time.Time {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	wd := int(jan4.Weekday())
	if wd == 0 {
		wd = 7 // Sunday
	}
	week1Monday := jan4.AddDate(0, 0, 1-wd)
	return week1Monday.AddDate(0, 0, (wk-1)*7)
}
