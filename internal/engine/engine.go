// Package engine wires validation, buffering, persistence, and aggregate
// publication into the step tracking core.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stepd/internal/aggregate"
	"stepd/internal/buffer"
	"stepd/internal/config"
	"stepd/internal/distribute"
	"stepd/internal/guard"
	"stepd/internal/metrics"
	"stepd/internal/reconcile"
	"stepd/internal/session"
	"stepd/internal/store"
)

// Engine coordinates the step tracking pipeline from raw detector events
// to persisted records and the published aggregate.
type Engine struct {
	mu sync.Mutex

	cfg   *config.Config
	st    *store.Store
	dist  *distribute.Distributor
	val   *session.Validator
	buf   *buffer.Buffer
	grd   *guard.Guard
	rec   *reconcile.Reconciler
	pub   *aggregate.Publisher
	stats *metrics.StepdMetrics
	log   *slog.Logger

	lifecycle     store.Source
	inactivity    *time.Timer
	sessionActive bool

	// aggMu guards the stored-day and queued step totals that feed the
	// publisher's stored portion. Separate from mu so buffer flushes never
	// contend with the event path.
	aggMu     sync.Mutex
	storedDay uint32
	queued    uint32
}

// New creates an engine over an open store. stats may be nil.
func New(cfg *config.Config, st *store.Store, stats *metrics.StepdMetrics, log *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if st == nil {
		return nil, fmt.Errorf("engine store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if stats == nil {
		stats = metrics.NewStepdMetrics(metrics.NewRegistry("stepd"))
	}

	appender := &retryAppender{st: st, log: log}
	dist := distribute.New(appender, time.Local, log)

	mode := session.ModeInterval
	if cfg.Engine.AggregatedMode {
		mode = session.ModeContinuous
	}
	val := session.New(session.Config{
		WarmupDuration:     cfg.Engine.WarmupDuration(),
		RecordInterval:     cfg.Engine.RecordInterval(),
		MinStepsToValidate: cfg.Engine.MinStepsToValidate,
		MaxStepsPerSecond:  cfg.Engine.MaxStepsPerSecond,
		Mode:               mode,
	}, log)

	e := &Engine{
		cfg:       cfg,
		st:        st,
		dist:      dist,
		val:       val,
		pub:       aggregate.New(aggregate.DefaultThrottle, log),
		stats:     stats,
		log:       log,
		lifecycle: store.SourceBackground,
	}

	e.buf = buffer.New(cfg.Engine.FlushInterval(), e.flushWrite, log)
	e.buf.OnFlush(e.afterFlush)

	e.grd = guard.New(st, dist, log)
	e.grd.OnWritten(e.afterGuardedWrite)

	e.rec = reconcile.New(dist, cfg.Engine.MinStepsToValidate, cfg.Engine.MaxStepsPerSecond, log)

	return e, nil
}

// StartSession prepares a new tracking session: retention cleanup, buffer
// start, and aggregate seeding from today's stored total.
func (e *Engine) StartSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessionActive {
		return nil
	}

	if days := e.cfg.Engine.RetentionDays; days > 0 {
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		if n, err := e.st.DeleteBefore(cutoff); err != nil {
			e.log.Warn("retention cleanup failed", "error", err)
		} else if n > 0 {
			e.log.Info("retention cleanup", "deleted", n)
		}
	}

	e.val.Reset()
	e.pub.ResetSession()
	e.aggMu.Lock()
	e.queued = 0
	e.aggMu.Unlock()
	if err := e.refreshStored(); err != nil {
		return fmt.Errorf("seed aggregate: %w", err)
	}

	e.buf.Start()
	e.sessionActive = true
	e.stats.SessionActive.Set(1)
	e.pub.PublishNow()
	e.log.Info("session started", "stored", e.pub.Current())
	return nil
}

// StopSession flushes pending writes and ends the session.
func (e *Engine) StopSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sessionActive {
		return nil
	}
	e.sessionActive = false
	e.stats.SessionActive.Set(0)

	if e.inactivity != nil {
		e.inactivity.Stop()
		e.inactivity = nil
	}

	err := e.buf.Stop()
	e.val.Reset()
	e.pub.ResetSession()
	if refreshErr := e.refreshStored(); refreshErr != nil && err == nil {
		err = refreshErr
	}
	e.pub.PublishNow()
	e.log.Info("session stopped")
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

// ProcessEvent feeds one detector increment through validation. Validated
// steps are queued for persistence and the aggregate is republished.
func (e *Engine) ProcessEvent(ev session.StepIncrementEvent) error {
	e.mu.Lock()
	if !e.sessionActive {
		e.mu.Unlock()
		return fmt.Errorf("no active session")
	}
	source := e.lifecycle
	e.resetInactivityLocked()
	e.mu.Unlock()

	phaseBefore := e.val.Phase()
	before := e.val.Watermark()
	emit := e.val.Process(ev)

	if emit != nil {
		e.stats.StepsValidated.Add(uint64(emit.Steps))
		if e.cfg.Engine.AggregatedMode {
			e.buf.Enqueue(store.PendingWrite{
				StepCount:  emit.Steps,
				FromTime:   emit.From,
				ToTime:     emit.To,
				Source:     source,
				Confidence: emit.Confidence,
			})
			e.aggMu.Lock()
			e.queued += emit.Steps
			e.applyStoredLocked()
			e.aggMu.Unlock()
			e.stats.BufferDepth.Set(int64(e.buf.Len()))
		} else {
			// Interval mode writes straight through, no buffering.
			records, err := e.dist.Distribute(emit.Steps, emit.From, emit.To, source, emit.Confidence)
			if err != nil {
				e.log.Warn("interval write failed", "error", err)
			} else {
				e.stats.RecordsWritten.Add(uint64(len(records)))
			}
			if err := e.refreshStored(); err != nil {
				e.log.Warn("aggregate refresh after interval write failed", "error", err)
			}
		}
	} else if phaseBefore != session.PhaseIdle && e.val.Watermark() > before {
		// The watermark advanced without an emission: the span was
		// discarded as noise.
		e.stats.NoiseRejections.Inc()
	}

	// Steps above the watermark ride in the session portion until they are
	// validated or discarded, so the live total reacts to every increment.
	e.pub.UpdateCumulative(ev.CumulativeCount)
	e.pub.SetBaseline(e.val.Watermark())
	e.pub.Publish()
	e.stats.CurrentAggregate.Set(int64(e.pub.Current()))
	return nil
}

// Write persists a step range through the duplicate guard.
func (e *Engine) Write(ctx context.Context, stepCount uint32, fromTime, toTime time.Time, source store.Source, confidence *float64, skipIfDuplicate bool) (guard.Result, error) {
	res, err := e.grd.Write(ctx, stepCount, fromTime, toTime, source, confidence, skipIfDuplicate)
	if err != nil {
		return res, err
	}
	if res == guard.Skipped {
		e.stats.DuplicatesSkipped.Inc()
	}
	return res, nil
}

// WriteExternal persists an imported step range, skipping fuzzy duplicates.
func (e *Engine) WriteExternal(ctx context.Context, stepCount uint32, fromTime, toTime time.Time) error {
	_, err := e.Write(ctx, stepCount, fromTime, toTime, store.SourceExternal, nil, true)
	return err
}

// Reconcile recovers steps counted while the tracker was not running.
func (e *Engine) Reconcile(missedSteps uint32, startTime, endTime time.Time) (*reconcile.Accepted, error) {
	acc, err := e.rec.Reconcile(missedSteps, startTime, endTime)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		e.stats.SyncsDropped.Inc()
		return nil, nil
	}
	e.stats.SyncsAccepted.Inc()
	if refreshErr := e.refreshStored(); refreshErr != nil {
		e.log.Warn("aggregate refresh after reconcile failed", "error", refreshErr)
	}
	e.pub.PublishNow()
	return acc, nil
}

// OnTerminatedSync registers a callback fired when a reconcile is accepted.
func (e *Engine) OnTerminatedSync(fn reconcile.SyncCallback) {
	e.rec.OnSync(fn)
}

// SetLifecycleState tags subsequent records with the given source. Leaving
// the foreground forces a synchronous flush so no validated steps are lost.
func (e *Engine) SetLifecycleState(source store.Source) error {
	if source != store.SourceForeground && source != store.SourceBackground {
		return fmt.Errorf("lifecycle source must be foreground or background, got %q", source)
	}

	e.mu.Lock()
	prev := e.lifecycle
	e.lifecycle = source
	active := e.sessionActive
	e.mu.Unlock()

	if active && prev == store.SourceForeground && source != store.SourceForeground {
		if err := e.buf.Flush(); err != nil {
			e.log.Warn("lifecycle flush failed", "error", err)
		}
	}
	return nil
}

// LifecycleState returns the current record source tag.
func (e *Engine) LifecycleState() store.Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle
}

// SubscribeAggregate returns a channel of published aggregate totals and a
// cancel function.
func (e *Engine) SubscribeAggregate() (<-chan uint32, func()) {
	return e.pub.Subscribe()
}

// CurrentAggregate returns stored plus in-session steps for today.
func (e *Engine) CurrentAggregate() uint32 {
	return e.pub.Current()
}

// Phase returns the validator phase, for status reporting.
func (e *Engine) Phase() session.Phase {
	return e.val.Phase()
}

// Close stops the session and shuts down publication.
func (e *Engine) Close() error {
	err := e.StopSession()
	e.pub.Close()
	return err
}

// flushWrite persists one buffered entry, splitting across midnight when
// the range spans days.
func (e *Engine) flushWrite(w store.PendingWrite) error {
	records, err := e.dist.Distribute(w.StepCount, w.FromTime, w.ToTime, w.Source, w.Confidence)

	// The entry leaves the queue either way: on failure the buffer drops it.
	e.aggMu.Lock()
	if e.queued >= w.StepCount {
		e.queued -= w.StepCount
	} else {
		e.queued = 0
	}
	e.aggMu.Unlock()

	if err != nil {
		e.stats.FlushErrors.Inc()
		return err
	}
	e.stats.RecordsWritten.Add(uint64(len(records)))
	return nil
}

// afterFlush refreshes the stored total once buffered steps are durable,
// so they move from the queued portion to the stored portion.
func (e *Engine) afterFlush(flushed int) {
	e.stats.FlushesTotal.Inc()
	e.stats.BufferDepth.Set(int64(e.buf.Len()))
	if err := e.refreshStored(); err != nil {
		e.log.Warn("aggregate refresh after flush failed", "error", err)
		return
	}
	e.pub.Publish()
	e.stats.CurrentAggregate.Set(int64(e.pub.Current()))
}

// afterGuardedWrite refreshes the stored total after a guarded write lands.
func (e *Engine) afterGuardedWrite() {
	if err := e.refreshStored(); err != nil {
		e.log.Warn("aggregate refresh after write failed", "error", err)
		return
	}
	e.pub.PublishNow()
	e.stats.CurrentAggregate.Set(int64(e.pub.Current()))
}

// refreshStored reloads today's persisted total into the publisher. The
// publisher's stored portion also carries validated steps still waiting in
// the flush queue, so the live total never dips during a flush.
func (e *Engine) refreshStored() error {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.Local)
	sum, err := e.st.SumSteps(store.Filter{From: midnight, To: nextMidnight})
	if err != nil {
		return fmt.Errorf("sum stored steps: %w", err)
	}

	e.aggMu.Lock()
	e.storedDay = uint32(sum)
	e.applyStoredLocked()
	e.aggMu.Unlock()
	return nil
}

// applyStoredLocked pushes stored-day plus queued steps to the publisher.
// Caller holds aggMu.
func (e *Engine) applyStoredLocked() {
	e.pub.SetStored(e.storedDay + e.queued)
}

// resetInactivityLocked restarts the quiet-period timer. When it fires the
// session is re-baselined so stale warmup state never leaks into a new
// bout of walking.
func (e *Engine) resetInactivityLocked() {
	timeout := e.cfg.Engine.InactivityTimeout()
	if timeout <= 0 {
		return
	}
	if e.inactivity != nil {
		e.inactivity.Stop()
	}
	e.inactivity = time.AfterFunc(timeout, e.inactivityExpired)
}

// inactivityExpired flushes and resets validation after a quiet period.
func (e *Engine) inactivityExpired() {
	e.mu.Lock()
	if !e.sessionActive {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.buf.Flush(); err != nil {
		e.log.Warn("inactivity flush failed", "error", err)
	}
	e.val.Reset()
	e.pub.ResetSession()
	if err := e.refreshStored(); err != nil {
		e.log.Warn("aggregate refresh after inactivity failed", "error", err)
	}
	e.pub.Publish()
	e.log.Debug("session re-baselined after inactivity")
}
