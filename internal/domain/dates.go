package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// ErrUnparseableDate is returned when a ticket or reading date matches none
// of the accepted layouts.
var ErrUnparseableDate = errors.New("unparseable date")

// isoLayouts are year-first layouts accepted by both conventions.
var isoLayouts = []string{
	time.RFC3339,
	"2006-1-2T15:04:05",
	"2006-1-2 15:04:05",
	"2006-1-2 15:04",
	"2006-1-2",
	"2006/1/2 15:04:05",
	"2006/1/2",
}

// monthFirstLayouts follow the default convention for slashed dates.
var monthFirstLayouts = append(append([]string{}, isoLayouts...),
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
)

// dayFirstLayouts read slashed, dashed, and dotted dates as day/month/year.
var dayFirstLayouts = append(append([]string{}, isoLayouts...),
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2/1/2006",
	"2-1-2006 15:04:05",
	"2-1-2006",
	"2.1.2006",
)

// ParseSaleDate parses a ticket fecha_venta with the default convention
// (ISO first, then month-first) and truncates it to a calendar date.
func ParseSaleDate(s string) (civil.Date, error) {
	return parseDate(s, monthFirstLayouts)
}

// ParseReadingDate parses a sensor event fecha day-first and truncates it to
// a calendar date. "01/03/2023" is 1 March 2023.
func ParseReadingDate(s string) (civil.Date, error) {
	return parseDate(s, dayFirstLayouts)
}

// parseDate keeps the calendar date as written, including for inputs that
// carry a UTC offset.
func parseDate(s string, layouts []string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return civil.Date{}, fmt.Errorf("%w: empty value", ErrUnparseableDate)
	}
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, fmt.Errorf("%w: %q", ErrUnparseableDate, s)
}
