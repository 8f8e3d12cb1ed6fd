package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestAppendAssignsID(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	rec := &StepRecord{
		StepCount: 12,
		FromTime:  now.Add(-time.Minute),
		ToTime:    now,
		Source:    SourceForeground,
	}
	if err := s.Append(rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if rec.ID == "" {
		t.Error("Append did not assign an ID")
	}
}

func TestSumStepsWithFilter(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	records := []StepRecord{
		{StepCount: 10, FromTime: base, ToTime: base.Add(time.Minute), Source: SourceForeground},
		{StepCount: 20, FromTime: base.Add(time.Hour), ToTime: base.Add(time.Hour + time.Minute), Source: SourceBackground},
		{StepCount: 30, FromTime: base.Add(26 * time.Hour), ToTime: base.Add(26*time.Hour + time.Minute), Source: SourceForeground},
	}
	for i := range records {
		if err := s.Append(&records[i]); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	total, err := s.SumSteps(Filter{})
	if err != nil {
		t.Fatalf("SumSteps failed: %v", err)
	}
	if total != 60 {
		t.Errorf("unfiltered sum: expected 60, got %d", total)
	}

	total, err = s.SumSteps(Filter{From: base, To: base.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("SumSteps failed: %v", err)
	}
	if total != 30 {
		t.Errorf("range sum: expected 30, got %d", total)
	}

	total, err = s.SumSteps(Filter{Source: SourceForeground})
	if err != nil {
		t.Fatalf("SumSteps failed: %v", err)
	}
	if total != 40 {
		t.Errorf("source sum: expected 40, got %d", total)
	}
}

func TestSumStepsEmpty(t *testing.T) {
	s := openTestStore(t)

	total, err := s.SumSteps(Filter{})
	if err != nil {
		t.Fatalf("SumSteps failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0 for empty store, got %d", total)
	}
}

func TestQueryRecordsOrdered(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	conf := 0.9
	later := &StepRecord{StepCount: 5, FromTime: base.Add(time.Hour), ToTime: base.Add(time.Hour + time.Minute), Source: SourceExternal}
	earlier := &StepRecord{StepCount: 7, FromTime: base, ToTime: base.Add(time.Minute), Source: SourceForeground, Confidence: &conf}

	if err := s.Append(later); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append(earlier); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	records, err := s.QueryRecords(Filter{})
	if err != nil {
		t.Fatalf("QueryRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].StepCount != 7 {
		t.Errorf("expected earlier record first, got step count %d", records[0].StepCount)
	}
	if records[0].Confidence == nil || *records[0].Confidence != 0.9 {
		t.Error("confidence not round-tripped")
	}
	if records[1].Confidence != nil {
		t.Error("expected nil confidence on second record")
	}
	if !records[0].FromTime.Equal(base) {
		t.Errorf("FromTime mismatch: expected %v, got %v", base, records[0].FromTime)
	}
}

func TestFindFuzzyDuplicate(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	rec := &StepRecord{StepCount: 100, FromTime: base, ToTime: base.Add(10 * time.Minute), Source: SourceExternal}
	if err := s.Append(rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Shifted by 30s, inside the 60s tolerance.
	dup, err := s.FindFuzzyDuplicate(base.Add(30*time.Second), base.Add(10*time.Minute+30*time.Second), time.Minute, 100, SourceExternal)
	if err != nil {
		t.Fatalf("FindFuzzyDuplicate failed: %v", err)
	}
	if dup == nil {
		t.Fatal("expected duplicate inside tolerance window")
	}
	if dup.ID != rec.ID {
		t.Errorf("duplicate ID mismatch: expected %s, got %s", rec.ID, dup.ID)
	}

	// Shifted by 2m, outside tolerance.
	dup, err = s.FindFuzzyDuplicate(base.Add(2*time.Minute), base.Add(12*time.Minute), time.Minute, 100, SourceExternal)
	if err != nil {
		t.Fatalf("FindFuzzyDuplicate failed: %v", err)
	}
	if dup != nil {
		t.Error("expected no duplicate outside tolerance window")
	}

	// Different step count.
	dup, err = s.FindFuzzyDuplicate(base, base.Add(10*time.Minute), time.Minute, 99, SourceExternal)
	if err != nil {
		t.Fatalf("FindFuzzyDuplicate failed: %v", err)
	}
	if dup != nil {
		t.Error("expected no duplicate with mismatched step count")
	}

	// Any step count, any source.
	dup, err = s.FindFuzzyDuplicate(base, base.Add(10*time.Minute), time.Minute, 0, "")
	if err != nil {
		t.Fatalf("FindFuzzyDuplicate failed: %v", err)
	}
	if dup == nil {
		t.Error("expected duplicate with wildcard count and source")
	}
}

func TestDeleteBefore(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	old := &StepRecord{StepCount: 5, FromTime: base.Add(-48 * time.Hour), ToTime: base.Add(-47 * time.Hour), Source: SourceForeground}
	recent := &StepRecord{StepCount: 9, FromTime: base, ToTime: base.Add(time.Minute), Source: SourceForeground}
	for _, r := range []*StepRecord{old, recent} {
		if err := s.Append(r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	n, err := s.DeleteBefore(base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}

	records, err := s.QueryRecords(Filter{})
	if err != nil {
		t.Fatalf("QueryRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].StepCount != 9 {
		t.Errorf("unexpected surviving records: %+v", records)
	}
}

func TestDeleteAll(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	if err := s.Append(&StepRecord{StepCount: 3, FromTime: now, ToTime: now, Source: SourceExternal}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := s.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}

	total, err := s.SumSteps(Filter{})
	if err != nil {
		t.Fatalf("SumSteps failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected empty store after DeleteAll, got sum %d", total)
	}
}

func TestReopenKeepsData(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	if err := s.Append(&StepRecord{StepCount: 4, FromTime: now, ToTime: now, Source: SourceForeground}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := s.Reopen(); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}

	total, err := s.SumSteps(Filter{})
	if err != nil {
		t.Fatalf("SumSteps after Reopen failed: %v", err)
	}
	if total != 4 {
		t.Errorf("expected 4 after Reopen, got %d", total)
	}
}

func TestNotInitialized(t *testing.T) {
	var s *Store
	if err := s.Append(&StepRecord{}); err != ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := s.SumSteps(Filter{}); err != ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}
