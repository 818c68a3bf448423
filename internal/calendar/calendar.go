// Package calendar parses the civil dates, quote sessions and history
// periods that cross the API, and computes reference-day windows for the
// daily P&L views.
package calendar

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/weightstock/ledger/internal/model"
)

// DateLayout is the wire format of civil dates.
const DateLayout = "2006-01-02"

var dateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

var (
	ErrInvalidDate    = errors.New("calendar: invalid date, use YYYY-MM-DD")
	ErrInvalidSession = errors.New("calendar: session must be AM or PM")
	ErrInvalidPeriod  = errors.New("calendar: unsupported period")
)

// ParseDate validates a YYYY-MM-DD string and returns it in canonical form.
func ParseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !dateRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %w: %q", model.ErrValidation, ErrInvalidDate, s)
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("%w: %w: %q", model.ErrValidation, ErrInvalidDate, s)
	}
	return t.Format(DateLayout), nil
}

// ParseSession accepts "AM" or "PM", case-insensitively.
func ParseSession(s string) (model.Session, error) {
	session := model.Session(strings.ToUpper(strings.TrimSpace(s)))
	if !session.Valid() {
		return "", fmt.Errorf("%w: %w: %q", model.ErrValidation, ErrInvalidSession, s)
	}
	return session, nil
}

// Period is a trailing history window.
type Period string

const (
	Period1W  Period = "1W"
	Period2W  Period = "2W"
	Period1M  Period = "1M"
	Period3M  Period = "3M"
	Period6M  Period = "6M"
	Period1Y  Period = "1Y"
	PeriodAll Period = "ALL"

	DefaultPeriod = Period1M
)

var periodSpans = map[Period]time.Duration{
	Period1W: 7 * 24 * time.Hour,
	Period2W: 14 * 24 * time.Hour,
	Period1M: 30 * 24 * time.Hour,
	Period3M: 90 * 24 * time.Hour,
	Period6M: 180 * 24 * time.Hour,
	Period1Y: 365 * 24 * time.Hour,
}

// ParsePeriod maps a period code to a Period. An empty string selects
// DefaultPeriod.
func ParsePeriod(s string) (Period, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return DefaultPeriod, nil
	}
	p := Period(s)
	if p == PeriodAll {
		return p, nil
	}
	if _, ok := periodSpans[p]; !ok {
		return "", fmt.Errorf("%w: %w: %q", model.ErrValidation, ErrInvalidPeriod, s)
	}
	return p, nil
}

// Since returns the inclusive lower bound of the window ending at now.
// The zero time means unbounded.
func (p Period) Since(now time.Time) time.Time {
	span, ok := periodSpans[p]
	if !ok {
		return time.Time{}
	}
	return now.Add(-span)
}

// Day is an inclusive [Start, End] window covering one calendar day.
type Day struct {
	Start time.Time
	End   time.Time
}

// DayOf returns the calendar day containing now in loc.
func DayOf(now time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return Day{Start: start, End: end}
}

// Contains reports whether t falls within the day.
func (d Day) Contains(t time.Time) bool {
	return !t.Before(d.Start) && !t.After(d.End)
}
