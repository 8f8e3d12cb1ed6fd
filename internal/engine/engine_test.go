package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepd/internal/config"
	"stepd/internal/guard"
	"stepd/internal/metrics"
	"stepd/internal/session"
	"stepd/internal/store"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *store.Store, *metrics.StepdMetrics) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Engine.WarmupDurationMs = 0
	cfg.Engine.InactivityTimeoutMs = 0
	cfg.Engine.FlushIntervalMs = 3600000
	cfg.Storage.Path = filepath.Join(t.TempDir(), "steps.db")
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	stats := metrics.NewStepdMetrics(metrics.NewRegistry("stepd"))
	eng, err := New(cfg, st, stats, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	return eng, st, stats
}

// noon returns a fixed time today so day-window sums are stable.
func noon() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, time.Local)
}

func totalStored(t *testing.T, st *store.Store) uint64 {
	t.Helper()
	sum, err := st.SumSteps(store.Filter{})
	require.NoError(t, err)
	return sum
}

func TestSessionPipelinePersistsValidatedSteps(t *testing.T) {
	eng, st, stats := newTestEngine(t, nil)
	require.NoError(t, eng.StartSession())
	require.NoError(t, eng.SetLifecycleState(store.SourceForeground))

	t0 := noon()
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 100, Timestamp: t0}))
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 110, Timestamp: t0.Add(10 * time.Second)}))

	require.NoError(t, eng.StopSession())

	assert.Equal(t, uint64(10), totalStored(t, st))
	assert.Equal(t, uint64(10), stats.StepsValidated.Value())

	records, err := st.QueryRecords(store.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.SourceForeground, records[0].Source)
}

func TestProcessEventRequiresSession(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	err := eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 1, Timestamp: noon()})
	assert.Error(t, err)
}

func TestImplausibleBurstRejected(t *testing.T) {
	eng, st, stats := newTestEngine(t, nil)
	require.NoError(t, eng.StartSession())

	t0 := noon()
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 0, Timestamp: t0}))
	// 40 steps in one second is far past any walking cadence.
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 40, Timestamp: t0.Add(time.Second)}))

	require.NoError(t, eng.StopSession())

	assert.Equal(t, uint64(0), totalStored(t, st))
	assert.Equal(t, uint64(1), stats.NoiseRejections.Value())
}

func TestExternalWriteSkipsDuplicate(t *testing.T) {
	eng, st, stats := newTestEngine(t, nil)
	ctx := context.Background()

	from := noon().Add(-time.Hour)
	to := noon()
	require.NoError(t, eng.WriteExternal(ctx, 800, from, to))
	require.NoError(t, eng.WriteExternal(ctx, 800, from, to))

	assert.Equal(t, uint64(800), totalStored(t, st))
	assert.Equal(t, uint64(1), stats.DuplicatesSkipped.Value())
	assert.Equal(t, uint32(800), eng.CurrentAggregate())
}

func TestExternalWriteSpanningMidnightConserved(t *testing.T) {
	eng, st, _ := newTestEngine(t, nil)

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	from := midnight.Add(-time.Hour)
	to := midnight.Add(time.Hour)

	res, err := eng.Write(context.Background(), 999, from, to, store.SourceExternal, nil, true)
	require.NoError(t, err)
	assert.Equal(t, guard.Written, res)

	records, err := st.QueryRecords(store.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	var sum uint32
	for _, r := range records {
		sum += r.StepCount
	}
	assert.Equal(t, uint32(999), sum)
}

func TestReconcile(t *testing.T) {
	eng, st, stats := newTestEngine(t, nil)

	var cbSteps uint32
	eng.OnTerminatedSync(func(missed uint32, _, _ time.Time) { cbSteps = missed })

	end := noon()
	start := end.Add(-time.Hour)

	// Too few steps over a long gap is treated as drift, not data.
	acc, err := eng.Reconcile(2, start, end)
	require.NoError(t, err)
	assert.Nil(t, acc)
	assert.Equal(t, uint64(1), stats.SyncsDropped.Value())

	acc, err = eng.Reconcile(500, start, end)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, uint32(500), cbSteps)
	assert.Equal(t, uint64(1), stats.SyncsAccepted.Value())

	records, err := st.QueryRecords(store.Filter{Source: store.SourceTerminated})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, uint64(500), totalStored(t, st))
}

func TestLifecycleTransitionFlushes(t *testing.T) {
	eng, st, _ := newTestEngine(t, nil)
	require.NoError(t, eng.StartSession())
	require.NoError(t, eng.SetLifecycleState(store.SourceForeground))

	t0 := noon()
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 0, Timestamp: t0}))
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 20, Timestamp: t0.Add(20 * time.Second)}))

	// Leaving the foreground must persist what was validated so far.
	require.NoError(t, eng.SetLifecycleState(store.SourceBackground))
	assert.Equal(t, uint64(20), totalStored(t, st))

	assert.Error(t, eng.SetLifecycleState(store.SourceTerminated))
	assert.Equal(t, store.SourceBackground, eng.LifecycleState())
}

func TestAggregateSubscription(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)

	ch, cancel := eng.SubscribeAggregate()
	defer cancel()

	require.NoError(t, eng.StartSession())
	require.NoError(t, eng.WriteExternal(context.Background(), 150, noon().Add(-30*time.Minute), noon()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if v == 150 {
				return
			}
		case <-deadline:
			t.Fatalf("never observed aggregate 150, current %d", eng.CurrentAggregate())
		}
	}
}

func TestAggregateCombinesStoredAndSession(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)

	// Steps persisted earlier today seed the stored portion at start.
	require.NoError(t, eng.WriteExternal(context.Background(), 300, noon().Add(-2*time.Hour), noon().Add(-time.Hour)))
	require.NoError(t, eng.StartSession())
	assert.Equal(t, uint32(300), eng.CurrentAggregate())

	t0 := noon()
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 1000, Timestamp: t0}))
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 1025, Timestamp: t0.Add(25 * time.Second)}))

	// Validated but unflushed steps count toward the live aggregate.
	assert.Equal(t, uint32(325), eng.CurrentAggregate())

	require.NoError(t, eng.StopSession())
	assert.Equal(t, uint32(325), eng.CurrentAggregate())
}

func TestRetentionCleanupAtStart(t *testing.T) {
	eng, st, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Engine.RetentionDays = 7
	})

	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, eng.WriteExternal(context.Background(), 50, old, old.Add(time.Hour)))
	require.NoError(t, eng.WriteExternal(context.Background(), 70, noon().Add(-time.Hour), noon()))

	require.NoError(t, eng.StartSession())

	assert.Equal(t, uint64(70), totalStored(t, st))
}

func TestIntervalModeWritesImmediately(t *testing.T) {
	eng, st, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Engine.AggregatedMode = false
		cfg.Engine.RecordIntervalMs = 5000
	})
	require.NoError(t, eng.StartSession())

	t0 := noon()
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 0, Timestamp: t0}))
	// Inside the record interval: absorbed, nothing persisted.
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 3, Timestamp: t0.Add(3 * time.Second)}))
	assert.Equal(t, uint64(0), totalStored(t, st))

	// Past the interval: the batch lands without waiting for a flush.
	require.NoError(t, eng.ProcessEvent(session.StepIncrementEvent{CumulativeCount: 10, Timestamp: t0.Add(10 * time.Second)}))
	assert.Equal(t, uint64(10), totalStored(t, st))
	assert.Equal(t, uint32(10), eng.CurrentAggregate())
}

func TestStartSessionIdempotent(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	require.NoError(t, eng.StartSession())
	require.NoError(t, eng.StartSession())
	require.NoError(t, eng.StopSession())
	require.NoError(t, eng.StopSession())
}
