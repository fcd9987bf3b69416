package statusengine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"agentbill_go/models"
)

var validate = validator.New()

// agencyClockInput mirrors the agency fields the engine depends on, so that
// malformed tenant configuration is rejected up front as a permanent error.
type agencyClockInput struct {
	Timezone          string `validate:"required,timezone"`
	OverdueCutoffTime string `validate:"required"`
}

// Clock evaluates "is it past the agency's local cutoff" questions for one
// agency. Built once per agency per batch pass.
type Clock struct {
	Location     *time.Location
	CutoffHour   int
	CutoffMinute int
}

// NewClock validates the agency's timezone and cutoff configuration and
// resolves the IANA location. Offsets are taken as currently in force; no
// historical DST correction is attempted.
func NewClock(agency models.Agency) (Clock, error) {
	in := agencyClockInput{Timezone: agency.Timezone, OverdueCutoffTime: agency.OverdueCutoffTime}
	if err := validate.Struct(in); err != nil {
		return Clock{}, fmt.Errorf("agency %d configuration: %w", agency.ID, err)
	}

	loc, err := time.LoadLocation(agency.Timezone)
	if err != nil {
		return Clock{}, fmt.Errorf("agency %d timezone %q: %w", agency.ID, agency.Timezone, err)
	}

	h, m, err := parseHourMinute(agency.OverdueCutoffTime)
	if err != nil {
		return Clock{}, fmt.Errorf("agency %d cutoff %q: %w", agency.ID, agency.OverdueCutoffTime, err)
	}

	return Clock{Location: loc, CutoffHour: h, CutoffMinute: m}, nil
}

// LocalDate returns the agency-local calendar date for the given instant.
func (c Clock) LocalDate(now time.Time) (year int, month time.Month, day int) {
	return now.In(c.Location).Date()
}

// PastCutoff reports whether the agency-local time of day is strictly after
// the overdue cutoff. The comparison is minute granular to match the HH:MM
// cutoff setting; seconds are deliberately ignored, so 17:00:59 is still not
// past a 17:00 cutoff.
func (c Clock) PastCutoff(now time.Time) bool {
	local := now.In(c.Location)
	minutes := local.Hour()*60 + local.Minute()
	return minutes > c.CutoffHour*60+c.CutoffMinute
}

// ShouldMarkOverdue applies the transition rule for a single installment:
//
//	pending AND (due before today, or due today and past the cutoff)
//
// Due dates are calendar dates; only their Y/M/D is compared against the
// agency-local date. Every other status is left untouched, which is what
// makes repeated runs within one local day produce no further transitions.
func (c Clock) ShouldMarkOverdue(inst models.Installment, now time.Time) bool {
	if inst.Status != models.InstallmentStatusPending {
		return false
	}

	ny, nm, nd := c.LocalDate(now)
	dy, dm, dd := inst.StudentDueDate.Date()

	switch {
	case dy != ny:
		return dy < ny
	case dm != nm:
		return dm < nm
	case dd != nd:
		return dd < nd
	default:
		// Due today: overdue only once the local cutoff has passed.
		return c.PastCutoff(now)
	}
}

// DueWithin reports whether a pending installment falls due inside the next
// `days` agency-local days (today included). Used for due-soon notices.
func (c Clock) DueWithin(inst models.Installment, now time.Time, days int) bool {
	if inst.Status != models.InstallmentStatusPending || days <= 0 {
		return false
	}
	local := now.In(c.Location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	dy, dm, dd := inst.StudentDueDate.Date()
	due := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	diff := int(due.Sub(today).Hours() / 24)
	return diff >= 0 && diff <= days
}

// Evaluate runs one pass over an agency's installments and returns the subset
// to transition to overdue, plus the pending ones inside the due-soon window.
// Callers must pre-filter to installments of active plans; the engine itself
// only re-checks the pending precondition.
func Evaluate(clock Clock, installments []models.Installment, now time.Time, dueSoonDays int) (overdue, dueSoon []models.Installment) {
	for _, inst := range installments {
		if clock.ShouldMarkOverdue(inst, now) {
			overdue = append(overdue, inst)
			continue
		}
		if clock.DueWithin(inst, now, dueSoonDays) {
			dueSoon = append(dueSoon, inst)
		}
	}
	return overdue, dueSoon
}

// parseHourMinute parses cutoff values like "17:00". Seconds are tolerated
// and ignored.
func parseHourMinute(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
