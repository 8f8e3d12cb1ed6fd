// Package store provides SQLite-based step record storage for stepd.
package store

import "time"

// Source identifies where a step record originated.
type Source string

const (
	// SourceForeground indicates steps logged while the app was foregrounded.
	SourceForeground Source = "foreground"
	// SourceBackground indicates steps logged while the app was backgrounded.
	SourceBackground Source = "background"
	// SourceTerminated indicates steps reconstructed from an OS counter
	// delta covering a gap the app was not running.
	SourceTerminated Source = "terminated"
	// SourceExternal indicates steps imported from an external platform.
	SourceExternal Source = "external"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceForeground, SourceBackground, SourceTerminated, SourceExternal:
		return true
	}
	return false
}

// StepRecord is the persisted unit of validated step activity. Records are
// immutable once written; they are superseded by new records, never mutated.
type StepRecord struct {
	ID         string
	StepCount  uint32
	FromTime   time.Time
	ToTime     time.Time
	Source     Source
	Confidence *float64
}

// PendingWrite is a validated increment queued for persistence. Each entry
// becomes exactly one StepRecord, or is distributed into N day-bounded
// records whose counts sum to StepCount.
type PendingWrite struct {
	StepCount  uint32
	FromTime   time.Time
	ToTime     time.Time
	Source     Source
	Confidence *float64
}

// Filter narrows queries and sums. Zero times mean unbounded; an empty
// source matches any source.
type Filter struct {
	From   time.Time
	To     time.Time
	Source Source
}
