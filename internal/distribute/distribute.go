// Package distribute splits step batches that cross local midnight into
// per-day records. Counts are conserved exactly: the final day segment
// receives whatever remainder rounding left over.
package distribute

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"stepd/internal/store"
)

// Appender persists step records. Satisfied by *store.Store.
type Appender interface {
	Append(*store.StepRecord) error
}

// Distributor writes step batches as one or more day-bounded records.
type Distributor struct {
	appender Appender
	loc      *time.Location
	log      *slog.Logger
}

// New creates a distributor that partitions days in the given location.
// A nil location means the process-local timezone.
func New(appender Appender, loc *time.Location, log *slog.Logger) *Distributor {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = slog.Default()
	}
	return &Distributor{appender: appender, loc: loc, log: log}
}

// Distribute persists stepCount over [fromTime, toTime], splitting at local
// midnight so no record crosses a day boundary. It returns the records
// written; their step counts always sum to stepCount.
func (d *Distributor) Distribute(stepCount uint32, fromTime, toTime time.Time, source store.Source, confidence *float64) ([]store.StepRecord, error) {
	segments := Split(stepCount, fromTime, toTime, d.loc)

	records := make([]store.StepRecord, 0, len(segments))
	for _, seg := range segments {
		rec := store.StepRecord{
			StepCount:  seg.Steps,
			FromTime:   seg.From,
			ToTime:     seg.To,
			Source:     source,
			Confidence: confidence,
		}
		if err := d.appender.Append(&rec); err != nil {
			return records, fmt.Errorf("append day segment: %w", err)
		}
		records = append(records, rec)
	}

	if len(records) > 1 {
		d.log.Debug("batch distributed across days", "segments", len(records), "steps", stepCount)
	}

	return records, nil
}

// Segment is one day-bounded slice of a step batch.
type Segment struct {
	Steps uint32
	From  time.Time
	To    time.Time
}

// Split partitions stepCount over [fromTime, toTime] at local-midnight
// boundaries in loc. All segments except the last are rounded
// proportionally; the last takes the exact remainder. A range within a
// single day, or a zero-duration range, yields one segment.
func Split(stepCount uint32, fromTime, toTime time.Time, loc *time.Location) []Segment {
	total := toTime.Sub(fromTime)
	if total <= 0 || sameDay(fromTime, toTime, loc) {
		return []Segment{{Steps: stepCount, From: fromTime, To: toTime}}
	}

	var segments []Segment
	var assigned uint32

	cur := fromTime
	for !sameDay(cur, toTime, loc) {
		boundary := nextMidnight(cur, loc)
		proportion := float64(boundary.Sub(cur)) / float64(total)
		steps := uint32(math.Round(float64(stepCount) * proportion))
		if remaining := stepCount - assigned; steps > remaining {
			steps = remaining
		}
		segments = append(segments, Segment{Steps: steps, From: cur, To: boundary})
		assigned += steps
		cur = boundary
	}

	// Final segment gets the exact remainder.
	segments = append(segments, Segment{Steps: stepCount - assigned, From: cur, To: toTime})

	return segments
}

// sameDay reports whether a and b fall on the same calendar day in loc.
func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// nextMidnight returns the first instant of the day after t in loc.
func nextMidnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
