package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sunmeter/internal/domain"
	"sunmeter/internal/repo"
)

// DoorOpenings analyzes door-sensor activity for a device on a calendar
// day. The sensor value rides in the third field of the record's extras CSV
// payload ("k:v" pairs); malformed entries are skipped.
func (e Engine) DoorOpenings(ctx context.Context, serial, date string) (domain.DoorOpeningStats, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return domain.DoorOpeningStats{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date)
	}
	extras, err := e.Repo.QueryDayExtras(ctx, serial, day.Year(), int(day.Month()), day.Day())
	if err != nil {
		return domain.DoorOpeningStats{}, err
	}
	if len(extras) == 0 {
		return domain.DoorOpeningStats{}, fmt.Errorf("no records for device %s on %s: %w", serial, date, repo.ErrNotFound)
	}
	values := make([]float64, 0, len(extras))
	for _, raw := range extras {
		if v, ok := doorValue(raw); ok {
			values = append(values, v)
		}
	}
	openings := SegmentOpenings(values)
	var total float64
	for _, op := range openings {
		total += op.DurationSeconds
	}
	avg := 0.0
	if len(openings) > 0 {
		avg = total / float64(len(openings))
	}
	return domain.DoorOpeningStats{
		SerialNumber:    serial,
		Date:            date,
		TotalOpenings:   len(openings),
		AverageDuration: avg,
		Openings:        openings,
	}, nil
}

// doorValue extracts the door reading from an extras payload like
// "batt:12.1,temp:4.2,door:1.5,...".
func doorValue(extras string) (float64, bool) {
	fields := strings.Split(extras, ",")
	if len(fields) < 3 {
		return 0, false
	}
	parts := strings.SplitN(fields[2], ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SegmentOpenings folds a day of door-sensor values into discrete openings:
// each maximal run of positive values is one opening whose duration is the
// sum of the run.
func SegmentOpenings(values []float64) []domain.DoorOpening {
	var openings []domain.DoorOpening
	var current float64
	for _, v := range values {
		if v > 0 {
			current += v
			continue
		}
		if current > 0 {
			openings = append(openings, domain.DoorOpening{ID: len(openings) + 1, DurationSeconds: current})
		}
		current = 0
	}
	if current > 0 {
		openings = append(openings, domain.DoorOpening{ID: len(openings) + 1, DurationSeconds: current})
	}
	return openings
}
