// Package availability computes bookable intervals for a professional by
// merging the recurring working-hours rule with explicit blocks, internal
// and mirrored from the external calendar. Blocks always win over working
// hours. All times are local wall-clock values; working hours are defined
// in the professional's local time, so comparisons never go through UTC.
package availability

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"vitalsync/internal/models"
)

// Store is the storage surface the resolver reads.
type Store interface {
	GetWorkingHours(ctx context.Context, professionalID int64) (*models.WorkingHoursRule, error)
	GetBlocksOverlapping(ctx context.Context, professionalID int64, startDate, endDate string) ([]models.AvailabilityBlock, error)
}

// Resolver produces bookable slots for date ranges.
type Resolver struct {
	store            Store
	defaultTolerance int
}

// NewResolver creates a resolver. defaultTolerance applies when a rule has
// no tolerance configured.
func NewResolver(store Store, defaultTolerance int) *Resolver {
	return &Resolver{store: store, defaultTolerance: defaultTolerance}
}

// Interval is a half-open [Start, End) range in minutes from midnight.
type Interval struct {
	Start int
	End   int
}

// Resolve returns the discrete bookable slots for every date in
// [startDate, endDate], inclusive. Dates are "2006-01-02" strings.
func (r *Resolver) Resolve(ctx context.Context, professionalID int64, startDate, endDate string) ([]models.BookableInterval, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad start date %q", models.ErrInvalidInput, startDate)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad end date %q", models.ErrInvalidInput, endDate)
	}
	if start.After(end) {
		return nil, fmt.Errorf("%w: start date after end date", models.ErrInvalidInput)
	}

	rule, err := r.store.GetWorkingHours(ctx, professionalID)
	if err != nil {
		return nil, fmt.Errorf("load working hours: %w", err)
	}
	if rule == nil {
		return nil, nil
	}

	blocks, err := r.store.GetBlocksOverlapping(ctx, professionalID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}

	// nil means unset; an explicit 0 is a valid zero-grace setting.
	tolerance := r.defaultTolerance
	if rule.ToleranceMinutes != nil {
		tolerance = *rule.ToleranceMinutes
	}

	var slots []models.BookableInterval
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		open := openIntervalsForDay(rule, blocks, d)
		for _, seg := range open {
			for _, slot := range splitIntoSlots(seg, rule.SessionDurationMinutes, rule.BreakMinutes) {
				slots = append(slots, models.BookableInterval{
					Date:             d.Format("2006-01-02"),
					Start:            FormatClock(slot.Start),
					End:              FormatClock(slot.End),
					ToleranceMinutes: tolerance,
				})
			}
		}
	}
	return slots, nil
}

// OpenIntervals returns the free (unsubtracted into slots) intervals for a
// single date, used by the booking guard to validate arbitrary durations.
func (r *Resolver) OpenIntervals(ctx context.Context, professionalID int64, date string) ([]Interval, error) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date %q", models.ErrInvalidInput, date)
	}

	rule, err := r.store.GetWorkingHours(ctx, professionalID)
	if err != nil {
		return nil, fmt.Errorf("load working hours: %w", err)
	}
	if rule == nil {
		return nil, nil
	}

	blocks, err := r.store.GetBlocksOverlapping(ctx, professionalID, date, date)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	return openIntervalsForDay(rule, blocks, d), nil
}

// openIntervalsForDay expands the rule into the day's open interval and
// subtracts the union of all covering blocks.
func openIntervalsForDay(rule *models.WorkingHoursRule, blocks []models.AvailabilityBlock, day time.Time) []Interval {
	if !ruleCoversWeekday(rule, day) {
		return nil
	}

	dayStart, err1 := ParseClock(rule.StartTime)
	dayEnd, err2 := ParseClock(rule.EndTime)
	if err1 != nil || err2 != nil || dayEnd <= dayStart {
		return nil
	}

	var covered []Interval
	for i := range blocks {
		b := &blocks[i]
		if !blockCoversDate(b, day) {
			continue
		}
		switch b.BlockType {
		case models.BlockTypeFullDay:
			return nil
		case models.BlockTypeTimeRange:
			if b.IsZeroLength() {
				continue
			}
			s, err1 := ParseClock(b.StartTime)
			e, err2 := ParseClock(b.EndTime)
			if err1 != nil || err2 != nil || e <= s {
				continue
			}
			covered = append(covered, Interval{Start: s, End: e})
		}
	}

	// Union before subtraction so overlapping blocks neither
	// double-subtract nor leave phantom slivers.
	return subtract(Interval{Start: dayStart, End: dayEnd}, union(covered))
}

func ruleCoversWeekday(rule *models.WorkingHoursRule, day time.Time) bool {
	iso := int(day.Weekday())
	if iso == 0 {
		iso = 7 // Sunday
	}
	for _, d := range rule.DaysOfWeek {
		if d == iso {
			return true
		}
	}
	return false
}

// blockCoversDate reports whether the block applies to the given date.
// Recurring blocks repeat weekly on the weekday of their start date, from
// that date onward.
func blockCoversDate(b *models.AvailabilityBlock, day time.Time) bool {
	date := day.Format("2006-01-02")
	if b.IsRecurring {
		start, err := time.Parse("2006-01-02", b.StartDate)
		if err != nil {
			return false
		}
		return date >= b.StartDate && start.Weekday() == day.Weekday()
	}
	return date >= b.StartDate && date <= b.EndDate
}

// union merges overlapping and adjacent intervals.
func union(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })

	merged := []Interval{ivs[0]}
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// subtract removes the (already unioned) covered intervals from open.
func subtract(open Interval, covered []Interval) []Interval {
	var result []Interval
	cursor := open.Start
	for _, c := range covered {
		if c.End <= cursor || c.Start >= open.End {
			continue
		}
		if c.Start > cursor {
			result = append(result, Interval{Start: cursor, End: min(c.Start, open.End)})
		}
		if c.End > cursor {
			cursor = c.End
		}
	}
	if cursor < open.End {
		result = append(result, Interval{Start: cursor, End: open.End})
	}
	return result
}

// splitIntoSlots cuts a free segment into session-sized slots separated by
// the break. A slot must fit fully inside the segment.
func splitIntoSlots(seg Interval, sessionMinutes, breakMinutes int) []Interval {
	if sessionMinutes <= 0 {
		return nil
	}
	step := sessionMinutes + breakMinutes
	var slots []Interval
	for cursor := seg.Start; cursor+sessionMinutes <= seg.End; cursor += step {
		slots = append(slots, Interval{Start: cursor, End: cursor + sessionMinutes})
	}
	return slots
}

func ParseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("%w: bad time format %q", models.ErrInvalidInput, s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("%w: bad hour in %q", models.ErrInvalidInput, s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: bad minute in %q", models.ErrInvalidInput, s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: time %q out of range", models.ErrInvalidInput, s)
	}
	return hour*60 + minute, nil
}

func FormatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
