// Package guard serializes externally-sourced step writes and rejects
// duplicates.
//
// External imports (health-platform sync, manual corrections) can be
// retried or duplicated by callers. The guard absorbs them two ways: a
// fast in-memory check against the last external write, and a fuzzy store
// lookup with a tolerance window wide enough for clock skew but too narrow
// to merge distinct real sessions.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stepd/internal/distribute"
	"stepd/internal/store"
)

// Tolerance windows for duplicate detection.
const (
	// FuzzyTolerance bounds how far a stored record's range may drift from
	// the requested range and still count as the same write.
	FuzzyTolerance = 60 * time.Second

	// recentCallWindow is how recently the previous external write must
	// have happened for the fast in-memory check to apply.
	recentCallWindow = 30 * time.Second
)

// ErrInvalidWrite is returned for non-positive step counts or inverted
// time ranges. Caller's fault, never retried.
var ErrInvalidWrite = errors.New("invalid write")

// Result reports what a guarded write did.
type Result int

const (
	// Written means the steps were persisted.
	Written Result = iota
	// Skipped means the write was recognized as a duplicate.
	Skipped
)

func (r Result) String() string {
	switch r {
	case Written:
		return "written"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// DuplicateChecker finds stored records fuzzily matching a time range.
// Satisfied by *store.Store.
type DuplicateChecker interface {
	FindFuzzyDuplicate(fromTime, toTime time.Time, tolerance time.Duration, stepCount uint32, source store.Source) (*store.StepRecord, error)
}

// lastWrite remembers the most recent external write for the fast path.
type lastWrite struct {
	stepCount uint32
	fromTime  time.Time
	calledAt  time.Time
}

// Guard owns the single-holder write lock for externally-triggered writes.
type Guard struct {
	lock    chan struct{}
	checker DuplicateChecker
	dist    *distribute.Distributor
	log     *slog.Logger

	// onWritten runs after a successful write, while the lock is still
	// held, so the aggregate refresh is ordered with the write.
	onWritten func()

	mu   sync.Mutex
	last *lastWrite
}

// New creates a guard over the given duplicate checker and distributor.
func New(checker DuplicateChecker, dist *distribute.Distributor, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		lock:    make(chan struct{}, 1),
		checker: checker,
		dist:    dist,
		log:     log,
	}
}

// OnWritten registers a callback invoked after every successful write,
// before the lock is released.
func (g *Guard) OnWritten(fn func()) {
	g.onWritten = fn
}

// Write persists an externally-sourced step batch. Concurrent callers are
// serialized; duplicates return Skipped without writing.
func (g *Guard) Write(ctx context.Context, stepCount uint32, fromTime, toTime time.Time, source store.Source, confidence *float64, skipIfDuplicate bool) (Result, error) {
	if stepCount == 0 {
		return Skipped, fmt.Errorf("%w: step count must be positive", ErrInvalidWrite)
	}
	if toTime.Before(fromTime) {
		return Skipped, fmt.Errorf("%w: end time before start time", ErrInvalidWrite)
	}

	// Single global write lock. Waiters honor context cancellation.
	select {
	case g.lock <- struct{}{}:
	case <-ctx.Done():
		return Skipped, ctx.Err()
	}
	defer func() { <-g.lock }()

	now := time.Now()

	if skipIfDuplicate && source == store.SourceExternal && g.isRecentRepeat(stepCount, fromTime, now) {
		g.log.Debug("external write skipped: repeat of last write", "steps", stepCount)
		return Skipped, nil
	}

	dup, err := g.checker.FindFuzzyDuplicate(fromTime, toTime, FuzzyTolerance, stepCount, source)
	if err != nil {
		return Skipped, fmt.Errorf("duplicate lookup: %w", err)
	}
	if dup != nil {
		g.log.Debug("write skipped: fuzzy duplicate in store", "record", dup.ID)
		return Skipped, nil
	}

	if _, err := g.dist.Distribute(stepCount, fromTime, toTime, source, confidence); err != nil {
		return Skipped, fmt.Errorf("distribute write: %w", err)
	}

	if source == store.SourceExternal {
		g.mu.Lock()
		g.last = &lastWrite{stepCount: stepCount, fromTime: fromTime, calledAt: now}
		g.mu.Unlock()
	}

	if g.onWritten != nil {
		g.onWritten()
	}

	return Written, nil
}

// isRecentRepeat is the fast in-memory duplicate check: same step count,
// start time within the fuzzy tolerance, and the previous call within the
// recent-call window.
func (g *Guard) isRecentRepeat(stepCount uint32, fromTime, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.last == nil {
		return false
	}
	if g.last.stepCount != stepCount {
		return false
	}
	if d := fromTime.Sub(g.last.fromTime); d < -FuzzyTolerance || d > FuzzyTolerance {
		return false
	}
	return now.Sub(g.last.calledAt) <= recentCallWindow
}
