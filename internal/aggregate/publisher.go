// Package aggregate maintains the live step total and publishes it to
// subscribers.
//
// The total is stored + session: stored steps come from the record store
// for the current calendar day, session steps are derived from the
// detector's cumulative count against a session baseline. Publication is
// coalesced to at most one emission per throttle interval; the most recent
// value is always the one eventually delivered. New subscribers immediately
// receive the current value.
package aggregate

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultThrottle is the minimum spacing between throttled emissions.
const DefaultThrottle = 100 * time.Millisecond

// Publisher owns the aggregate state and its subscriber fan-out.
type Publisher struct {
	mu sync.Mutex

	stored          uint32
	sessionBaseline uint64
	lastCumulative  uint64

	throttle time.Duration
	lastEmit time.Time
	timer    *time.Timer

	subs   map[int]chan uint32
	nextID int
	closed bool

	log *slog.Logger
}

// New creates a publisher. A zero throttle uses DefaultThrottle.
func New(throttle time.Duration, log *slog.Logger) *Publisher {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		throttle: throttle,
		subs:     make(map[int]chan uint32),
		log:      log,
	}
}

// Current returns the live total: stored + session.
func (p *Publisher) Current() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalLocked()
}

func (p *Publisher) totalLocked() uint32 {
	return p.stored + p.sessionLocked()
}

func (p *Publisher) sessionLocked() uint32 {
	if p.lastCumulative < p.sessionBaseline {
		return 0
	}
	return uint32(p.lastCumulative - p.sessionBaseline)
}

// SessionSteps returns the unpersisted session portion of the total.
func (p *Publisher) SessionSteps() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionLocked()
}

// SetStored replaces the stored portion, typically after a store refresh.
func (p *Publisher) SetStored(n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored = n
}

// SetBaseline moves the session baseline to the given cumulative count.
// Called at session start and after each flush so persisted steps stop
// counting as session steps.
func (p *Publisher) SetBaseline(cumulative uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionBaseline = cumulative
	if p.lastCumulative < cumulative {
		p.lastCumulative = cumulative
	}
}

// ResetSession zeroes the session portion, leaving only the stored total.
// Called when a session ends and its steps have been persisted.
func (p *Publisher) ResetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionBaseline = 0
	p.lastCumulative = 0
}

// UpdateCumulative records the detector's latest cumulative count.
func (p *Publisher) UpdateCumulative(cumulative uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCumulative = cumulative
}

// Subscribe returns a channel that immediately yields the current total
// and then future updates, plus a cancel function. Slow subscribers only
// ever miss intermediate values, never the latest.
func (p *Publisher) Subscribe() (<-chan uint32, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan uint32, 1)
	ch <- p.totalLocked()

	if p.closed {
		close(ch)
		return ch, func() {}
	}

	id := p.nextID
	p.nextID++
	p.subs[id] = ch

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish emits the current total, coalesced to the throttle interval.
// A suppressed update is delivered when the interval elapses.
func (p *Publisher) Publish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	now := time.Now()
	if since := now.Sub(p.lastEmit); since >= p.throttle {
		p.emitLocked(now)
		return
	}

	if p.timer == nil {
		remaining := p.throttle - now.Sub(p.lastEmit)
		p.timer = time.AfterFunc(remaining, p.deferredEmit)
	}
}

// PublishNow emits immediately, bypassing the throttle. Used for external
// writes, which must be visibly instantaneous.
func (p *Publisher) PublishNow() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.emitLocked(time.Now())
}

// deferredEmit fires when a throttled update comes due.
func (p *Publisher) deferredEmit() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.emitLocked(time.Now())
}

// emitLocked pushes the latest total to every subscriber, replacing any
// undelivered previous value.
func (p *Publisher) emitLocked(now time.Time) {
	p.lastEmit = now
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	total := p.totalLocked()
	for _, ch := range p.subs {
		select {
		case ch <- total:
		default:
			// Replace the stale undelivered value with the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- total:
			default:
			}
		}
	}
}

// Close stops the throttle timer and closes all subscriber channels.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
