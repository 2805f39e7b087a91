// Package planner computes the deterministic send instants for a batch. It is
// a pure function of (count, start, spacing, hourly cap): no clock, no I/O.
package planner

import "time"

// hourBucket identifies a calendar hour in the planner's location.
type hourBucket struct {
	year  int
	month time.Month
	day   int
	hour  int
}

func bucketOf(t time.Time, loc *time.Location) hourBucket {
	t = t.In(loc)
	return hourBucket{t.Year(), t.Month(), t.Day(), t.Hour()}
}

// nextHourStart returns the first instant of the hour after t in loc
// (minutes, seconds and sub-seconds zeroed).
func nextHourStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Hour)
}

// Plan lays out count send instants starting at start, spaced by spacing,
// with at most hourlyCap instants inside any calendar hour of loc. Instants
// are non-decreasing; when a slot would overflow the cap the cursor jumps to
// the start of the next hour. spacing of zero still respects the cap: the
// whole first hour's quota shares the start instant, then the cursor jumps.
//
// hourlyCap must be >= 1; the HTTP validator rejects zero before this runs.
func Plan(count int, start time.Time, spacing time.Duration, hourlyCap int, loc *time.Location) []time.Time {
	if count <= 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}

	instants := make([]time.Time, 0, count)
	cursor := start
	bucket := bucketOf(cursor, loc)
	placed := 0

	for i := 0; i < count; i++ {
		if placed >= hourlyCap {
			cursor = nextHourStart(cursor, loc)
			bucket = bucketOf(cursor, loc)
			placed = 0
		}

		instants = append(instants, cursor)
		placed++

		next := cursor.Add(spacing)
		if bucketOf(next, loc) != bucket {
			bucket = bucketOf(next, loc)
			placed = 0
		}
		cursor = next
	}

	return instants
}
