// Package reconcile converts OS-reported step deltas from gaps the app was
// not running into validated records. Deltas face the same thresholds as a
// live warmup; implausible ones are dropped silently, because a rejected
// delta is a noise filter doing its job, not a fault.
package reconcile

import (
	"fmt"
	"log/slog"
	"time"

	"stepd/internal/distribute"
	"stepd/internal/store"
)

// SyncCallback is notified when a terminated-gap delta is accepted, before
// it is distributed.
type SyncCallback func(missedSteps uint32, startTime, endTime time.Time)

// Accepted describes a reconciled gap that passed validation.
type Accepted struct {
	MissedSteps uint32
	StartTime   time.Time
	EndTime     time.Time
	Records     []store.StepRecord
}

// Reconciler validates and persists terminated-state step deltas.
type Reconciler struct {
	dist     *distribute.Distributor
	minSteps uint32
	maxRate  float64
	onSync   SyncCallback
	log      *slog.Logger
}

// New creates a reconciler sharing the warmup validation thresholds.
func New(dist *distribute.Distributor, minSteps uint32, maxRate float64, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{dist: dist, minSteps: minSteps, maxRate: maxRate, log: log}
}

// OnSync registers a callback fired for each accepted delta.
func (r *Reconciler) OnSync(fn SyncCallback) {
	r.onSync = fn
}

// Reconcile applies warmup-equivalent validation to the delta over
// [startTime, endTime]. A rejected delta returns (nil, nil): no record,
// no error. Accepted deltas are distributed tagged Terminated.
func (r *Reconciler) Reconcile(missedSteps uint32, startTime, endTime time.Time) (*Accepted, error) {
	if endTime.Before(startTime) {
		return nil, fmt.Errorf("reconcile: end time before start time")
	}

	elapsed := endTime.Sub(startTime).Seconds()

	if missedSteps < r.minSteps {
		r.log.Debug("terminated sync dropped: too few steps", "steps", missedSteps, "min", r.minSteps)
		return nil, nil
	}
	if elapsed > 0 {
		if rate := float64(missedSteps) / elapsed; rate > r.maxRate {
			r.log.Debug("terminated sync dropped: rate too high", "rate", rate)
			return nil, nil
		}
	} else if missedSteps > 0 {
		// A positive delta over a zero-length gap is always implausible.
		r.log.Debug("terminated sync dropped: zero-length gap")
		return nil, nil
	}

	if r.onSync != nil {
		r.onSync(missedSteps, startTime, endTime)
	}

	records, err := r.dist.Distribute(missedSteps, startTime, endTime, store.SourceTerminated, nil)
	if err != nil {
		return nil, fmt.Errorf("distribute terminated sync: %w", err)
	}

	r.log.Info("terminated gap reconciled", "steps", missedSteps, "records", len(records))

	return &Accepted{
		MissedSteps: missedSteps,
		StartTime:   startTime,
		EndTime:     endTime,
		Records:     records,
	}, nil
}
