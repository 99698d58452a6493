package store

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tunerbridge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeriesAggregatesMaintainedByTriggers(t *testing.T) {
	s := openTest(t)

	devRowID, err := s.Devices.Upsert(&Device{DeviceID: "DEV1", BaseURL: "http://10.0.0.2"})
	if err != nil {
		t.Fatalf("Upsert device: %v", err)
	}
	seriesRowID, err := s.Series.Upsert(&Series{DeviceRowID: devRowID, SeriesID: "S1", Title: "Show"})
	if err != nil {
		t.Fatalf("Upsert series: %v", err)
	}

	for i, start := range []int64{1000, 2000, 3000} {
		_, err := s.Episodes.Upsert(&Episode{
			SeriesRowID: seriesRowID,
			ProgramID:   "P" + string(rune('0'+i)),
			StartTime:   start,
			EndTime:     start + 600,
			RecordStart: start,
		})
		if err != nil {
			t.Fatalf("Upsert episode %d: %v", i, err)
		}
	}

	rows, err := s.Series.ByTitleSorted(devRowID)
	if err != nil {
		t.Fatalf("ByTitleSorted: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 series, got %d", len(rows))
	}
	got := rows[0]
	if got.EpisodeCount != 3 {
		t.Errorf("episode_count = %d, want 3", got.EpisodeCount)
	}
	if got.TotalDuration != 1800 {
		t.Errorf("total_duration = %d, want 1800", got.TotalDuration)
	}
	if got.FirstRecorded != 1000 || got.LastRecorded != 3000 {
		t.Errorf("first/last recorded = %d/%d, want 1000/3000", got.FirstRecorded, got.LastRecorded)
	}

	episodes, err := s.Episodes.BySeriesSortedByStart(seriesRowID)
	if err != nil {
		t.Fatalf("BySeriesSortedByStart: %v", err)
	}
	if err := s.Episodes.Delete(episodes[0].RowID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rows, _ = s.Series.ByTitleSorted(devRowID)
	if rows[0].EpisodeCount != 2 {
		t.Errorf("after delete, episode_count = %d, want 2", rows[0].EpisodeCount)
	}
	if rows[0].FirstRecorded != 2000 {
		t.Errorf("after delete, first_recorded = %d, want 2000", rows[0].FirstRecorded)
	}
}

func TestCanonicalizeResumeSentinel(t *testing.T) {
	pos, watched := CanonicalizeResume(ResumeSentinel, 1800)
	if pos != 1800 || !watched {
		t.Fatalf("sentinel resume = (%d, %v), want (1800, true)", pos, watched)
	}
	pos, watched = CanonicalizeResume(900, 1800)
	if pos != 900 || watched {
		t.Fatalf("non-sentinel resume = (%d, %v), want (900, false)", pos, watched)
	}
}

func TestGuideProgramUniqueNaturalKey(t *testing.T) {
	s := openTest(t)
	chRowID, err := s.Guide.UpsertChannel(&Channel{GuideNumber: "2.1", GuideName: "Test"})
	if err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	p := &Program{ChannelRow: chRowID, SeriesID: "SER1", Title: "Episode A", StartTime: 1000, EndTime: 2000}
	if err := s.Guide.InsertProgram(p); err != nil {
		t.Fatalf("InsertProgram: %v", err)
	}
	p.Title = "Episode A (updated)"
	if err := s.Guide.InsertProgram(p); err != nil {
		t.Fatalf("InsertProgram (re-insert same key): %v", err)
	}

	progs, err := s.Guide.WindowByChannel(0, 5000)
	if err != nil {
		t.Fatalf("WindowByChannel: %v", err)
	}
	if len(progs) != 1 {
		t.Fatalf("expected natural key to dedupe to 1 row, got %d", len(progs))
	}
	if progs[0].Title != "Episode A (updated)" {
		t.Errorf("expected upsert-on-conflict to update title, got %q", progs[0].Title)
	}
}

func TestTunerResetAfterRestart(t *testing.T) {
	s := openTest(t)
	if err := s.Tuners.Upsert(&TunerRow{ID: "D1-tuner-0", DeviceID: "D1", State: "active", ViewerCount: 2}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Tuners.ResetAfterRestart(); err != nil {
		t.Fatalf("ResetAfterRestart: %v", err)
	}
	all, err := s.Tuners.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 || all[0].State != "idle" || all[0].ViewerCount != 0 {
		t.Fatalf("expected reset to idle/0 viewers, got %+v", all)
	}
}
