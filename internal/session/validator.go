// Package session implements the step validation state machine.
//
// A session moves through three phases:
//   - Idle: no events seen since start or the last reset
//   - Warming: motion is tracked but not persisted until it proves out
//   - Continuous: validated walking, increments are logged as they arrive
//
// Warmup rejects short bursts (shakes, pocket noise) before confirming real
// walking. Rate validation runs in every phase: increments faster than a
// plausible walking cadence are treated as noise, not steps.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// StepIncrementEvent is one observation from the external detector. The
// cumulative count is monotonic within a detector session and resets to
// zero when the detector restarts.
type StepIncrementEvent struct {
	CumulativeCount uint64
	Timestamp       time.Time
	Confidence      float64
}

// Phase is the validator's position in the session state machine.
type Phase int

const (
	// PhaseIdle means no event has been processed since start or reset.
	PhaseIdle Phase = iota
	// PhaseWarming means motion is being tracked but not yet validated.
	PhaseWarming
	// PhaseContinuous means walking has been validated.
	PhaseContinuous
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWarming:
		return "warming"
	case PhaseContinuous:
		return "continuous"
	default:
		return "unknown"
	}
}

// Mode selects the continuous-phase logging policy.
type Mode int

const (
	// ModeContinuous logs every qualifying increment.
	ModeContinuous Mode = iota
	// ModeInterval logs at most once per record interval.
	ModeInterval
)

// noiseWindow is how often the warmup sliding window is checkpointed.
const noiseWindow = 2 * time.Second

// Config holds validation thresholds and timing.
type Config struct {
	// WarmupDuration is the grace period before steps are trusted.
	// Zero skips warmup entirely.
	WarmupDuration time.Duration

	// RecordInterval is the minimum spacing between records in ModeInterval.
	RecordInterval time.Duration

	// MinStepsToValidate is the minimum step count a warmup period must
	// accumulate to be accepted.
	MinStepsToValidate uint32

	// MaxStepsPerSecond is the fastest plausible walking cadence. Windows
	// exceeding it are discarded as noise.
	MaxStepsPerSecond float64

	// Mode selects continuous or interval logging.
	Mode Mode
}

// DefaultConfig returns thresholds tuned for human walking.
func DefaultConfig() Config {
	return Config{
		WarmupDuration:     10 * time.Second,
		RecordInterval:     10 * time.Second,
		MinStepsToValidate: 8,
		MaxStepsPerSecond:  4.5,
		Mode:               ModeContinuous,
	}
}

// Emit is a validated increment ready for persistence.
type Emit struct {
	Steps      uint32
	From       time.Time
	To         time.Time
	Confidence *float64

	// Warmup marks the single batched emit produced when warmup validates.
	Warmup bool
}

// Validator consumes detector events in arrival order and decides which
// increments represent real walking.
type Validator struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	phase Phase

	// Warmup state
	startTime      time.Time
	startBaseline  uint64
	windowStart    time.Time
	windowBaseline uint64

	// Continuous state
	lastLoggedCount uint64
	lastLoggedTime  time.Time
}

// New creates a validator in the Idle phase.
func New(cfg Config, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{cfg: cfg, log: log}
}

// Phase returns the current phase.
func (v *Validator) Phase() Phase {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.phase
}

// LastLoggedCount returns the cumulative count as of the last logged
// increment. Only meaningful in the Continuous phase.
func (v *Validator) LastLoggedCount() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastLoggedCount
}

// Watermark returns the cumulative count below which every step has been
// accounted for: emitted, discarded as noise, or rebaselined away. Steps
// above the watermark are still in flight.
func (v *Validator) Watermark() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.phase == PhaseWarming {
		return v.startBaseline
	}
	return v.lastLoggedCount
}

// Reset returns the validator to Idle, as if a brand-new session started.
// Fired by the inactivity timer and by explicit stop.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.phase = PhaseIdle
	v.startTime = time.Time{}
	v.startBaseline = 0
	v.windowStart = time.Time{}
	v.windowBaseline = 0
	v.lastLoggedCount = 0
	v.lastLoggedTime = time.Time{}
}

// Process consumes one detector event. It returns a non-nil Emit when the
// event produced a validated increment, and nil when the event was absorbed
// (still warming, noise, or nothing new).
func (v *Validator) Process(ev StepIncrementEvent) *Emit {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := ev.Timestamp

	switch v.phase {
	case PhaseIdle:
		v.begin(ev, now)
		return nil
	case PhaseWarming:
		return v.processWarming(ev, now)
	case PhaseContinuous:
		return v.processContinuous(ev, now)
	}
	return nil
}

// begin handles the first event of a session.
func (v *Validator) begin(ev StepIncrementEvent, now time.Time) {
	if v.cfg.WarmupDuration > 0 {
		v.phase = PhaseWarming
		v.startTime = now
		v.startBaseline = ev.CumulativeCount
		v.windowStart = now
		v.windowBaseline = ev.CumulativeCount
		v.log.Debug("warmup started", "baseline", ev.CumulativeCount)
		return
	}

	v.phase = PhaseContinuous
	v.lastLoggedCount = ev.CumulativeCount
	v.lastLoggedTime = now
}

// rebaseline discards all warmup progress and restarts it at the event.
func (v *Validator) rebaseline(ev StepIncrementEvent, now time.Time) {
	v.startTime = now
	v.startBaseline = ev.CumulativeCount
	v.windowStart = now
	v.windowBaseline = ev.CumulativeCount
}

func (v *Validator) processWarming(ev StepIncrementEvent, now time.Time) *Emit {
	// Detector restarted: the counter went backwards. Treat the current
	// count as a new baseline, never as negative steps.
	if ev.CumulativeCount < v.windowBaseline || ev.CumulativeCount < v.startBaseline {
		v.log.Debug("detector counter reset during warmup", "count", ev.CumulativeCount)
		v.rebaseline(ev, now)
		return nil
	}

	// Sliding-window noise check.
	if elapsed := now.Sub(v.windowStart); elapsed >= noiseWindow {
		windowSteps := ev.CumulativeCount - v.windowBaseline
		rate := float64(windowSteps) / elapsed.Seconds()
		if rate > v.cfg.MaxStepsPerSecond {
			v.log.Debug("warmup noise window rejected", "rate", rate, "steps", windowSteps)
			v.rebaseline(ev, now)
			return nil
		}
		// Advance the checkpoint.
		v.windowStart = now
		v.windowBaseline = ev.CumulativeCount
	}

	if now.Sub(v.startTime) < v.cfg.WarmupDuration {
		return nil
	}

	warmupSteps := ev.CumulativeCount - v.startBaseline
	elapsed := now.Sub(v.startTime).Seconds()

	if warmupSteps < uint64(v.cfg.MinStepsToValidate) {
		v.log.Debug("warmup rejected: too few steps", "steps", warmupSteps, "min", v.cfg.MinStepsToValidate)
		v.rebaseline(ev, now)
		return nil
	}

	rate := float64(warmupSteps) / elapsed
	if rate > v.cfg.MaxStepsPerSecond {
		v.log.Debug("warmup rejected: rate too high", "rate", rate)
		v.rebaseline(ev, now)
		return nil
	}

	emit := &Emit{
		Steps:      uint32(warmupSteps),
		From:       v.startTime,
		To:         now,
		Confidence: confidenceOf(ev),
		Warmup:     true,
	}

	v.phase = PhaseContinuous
	v.lastLoggedCount = ev.CumulativeCount
	v.lastLoggedTime = now
	v.log.Debug("warmup validated", "steps", warmupSteps, "rate", rate)

	return emit
}

func (v *Validator) processContinuous(ev StepIncrementEvent, now time.Time) *Emit {
	// Detector restart: re-baseline.
	if ev.CumulativeCount < v.lastLoggedCount {
		v.log.Debug("detector counter reset", "count", ev.CumulativeCount)
		v.lastLoggedCount = ev.CumulativeCount
		v.lastLoggedTime = now
		return nil
	}

	if v.cfg.Mode == ModeInterval && now.Sub(v.lastLoggedTime) < v.cfg.RecordInterval {
		return nil
	}

	newSteps := ev.CumulativeCount - v.lastLoggedCount
	from := v.lastLoggedTime

	// Markers always advance once an increment is evaluated.
	v.lastLoggedCount = ev.CumulativeCount
	v.lastLoggedTime = now

	if newSteps == 0 {
		return nil
	}

	if dt := now.Sub(from).Seconds(); dt > 0 {
		if rate := float64(newSteps) / dt; rate > v.cfg.MaxStepsPerSecond {
			v.log.Debug("increment rejected as noise", "steps", newSteps, "rate", rate)
			return nil
		}
	}

	return &Emit{
		Steps:      uint32(newSteps),
		From:       from,
		To:         now,
		Confidence: confidenceOf(ev),
	}
}

func confidenceOf(ev StepIncrementEvent) *float64 {
	if ev.Confidence <= 0 {
		return nil
	}
	c := ev.Confidence
	return &c
}
