package distribute

import (
	"errors"
	"testing"
	"time"

	"stepd/internal/store"
)

type memAppender struct {
	records []store.StepRecord
	failAt  int // fail the Nth append (1-based), 0 = never
}

func (m *memAppender) Append(r *store.StepRecord) error {
	if m.failAt > 0 && len(m.records)+1 == m.failAt {
		return errors.New("append failed")
	}
	m.records = append(m.records, *r)
	return nil
}

func sumSegments(segs []Segment) uint32 {
	var total uint32
	for _, s := range segs {
		total += s.Steps
	}
	return total
}

func TestSplitSingleDay(t *testing.T) {
	from := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	segs := Split(500, from, to, time.UTC)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Steps != 500 {
		t.Errorf("expected 500 steps, got %d", segs[0].Steps)
	}
}

func TestSplitAcrossMidnight(t *testing.T) {
	// 22:00 to 02:00: two hours either side of midnight.
	from := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)

	segs := Split(1000, from, to, time.UTC)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Steps != 500 || segs[1].Steps != 500 {
		t.Errorf("expected 500/500, got %d/%d", segs[0].Steps, segs[1].Steps)
	}

	midnight := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !segs[0].To.Equal(midnight) || !segs[1].From.Equal(midnight) {
		t.Errorf("segments do not meet at midnight: %v / %v", segs[0].To, segs[1].From)
	}
}

func TestSplitConservation(t *testing.T) {
	cases := []struct {
		name  string
		steps uint32
		from  time.Time
		to    time.Time
	}{
		{
			name:  "odd count uneven split",
			steps: 1001,
			from:  time.Date(2026, 3, 10, 23, 45, 0, 0, time.UTC),
			to:    time.Date(2026, 3, 11, 0, 30, 0, 0, time.UTC),
		},
		{
			name:  "three day span",
			steps: 12345,
			from:  time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC),
			to:    time.Date(2026, 3, 12, 6, 0, 0, 0, time.UTC),
		},
		{
			name:  "week long span",
			steps: 70001,
			from:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			to:    time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "tiny count many days",
			steps: 3,
			from:  time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC),
			to:    time.Date(2026, 3, 6, 23, 30, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			segs := Split(tc.steps, tc.from, tc.to, time.UTC)
			if got := sumSegments(segs); got != tc.steps {
				t.Errorf("conservation violated: expected %d, got %d over %d segments", tc.steps, got, len(segs))
			}
			for i, s := range segs {
				if s.To.Before(s.From) {
					t.Errorf("segment %d inverted: %v > %v", i, s.From, s.To)
				}
			}
			// Segments must chain without gaps.
			for i := 1; i < len(segs); i++ {
				if !segs[i].From.Equal(segs[i-1].To) {
					t.Errorf("gap between segment %d and %d", i-1, i)
				}
			}
		})
	}
}

func TestSplitZeroDuration(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	segs := Split(42, at, at, time.UTC)
	if len(segs) != 1 {
		t.Fatalf("expected degenerate single segment, got %d", len(segs))
	}
	if segs[0].Steps != 42 {
		t.Errorf("expected 42 steps, got %d", segs[0].Steps)
	}
}

func TestDistributeWritesRecords(t *testing.T) {
	m := &memAppender{}
	d := New(m, time.UTC, nil)

	from := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)

	records, err := d.Distribute(800, from, to, store.SourceExternal, nil)
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	var total uint32
	for _, r := range m.records {
		total += r.StepCount
		if r.Source != store.SourceExternal {
			t.Errorf("expected external source, got %s", r.Source)
		}
	}
	if total != 800 {
		t.Errorf("expected 800 steps persisted, got %d", total)
	}
}

func TestDistributeAppendError(t *testing.T) {
	m := &memAppender{failAt: 2}
	d := New(m, time.UTC, nil)

	from := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)

	_, err := d.Distribute(800, from, to, store.SourceExternal, nil)
	if err == nil {
		t.Fatal("expected error from failing appender")
	}
}
