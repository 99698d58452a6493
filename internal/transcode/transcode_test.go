package transcode

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		CacheDir:            dir,
		SegmentDuration:     4 * time.Second,
		MaxConcurrent:       2,
		PlaylistWaitTimeout: 200 * time.Millisecond,
		SegmentWaitTimeout:  200 * time.Millisecond,
		MaxCacheAge:         30 * 24 * time.Hour,
		CleanupInterval:     time.Hour,
	}
}

func TestRecoverDeletesAbandonedTranscodingDirs(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.CacheDir, "ep1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := writeSidecar(dir, sidecar{State: StateTranscoding, StartTime: time.Now(), SourceURL: "http://x"}); err != nil {
		t.Fatal(err)
	}

	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, ok := e.jobs["ep1"]; ok {
		t.Error("abandoned Transcoding job should not repopulate jobs table")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("abandoned Transcoding dir should be deleted")
	}
}

func TestRecoverRepopulatesCompleteDirs(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.CacheDir, "ep2")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, playlistName), []byte("#EXTM3U\n#EXT-X-ENDLIST\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeSidecar(dir, sidecar{State: StateComplete, StartTime: time.Now(), SourceURL: "http://x"}); err != nil {
		t.Fatal(err)
	}

	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	job, ok := e.jobs["ep2"]
	if !ok {
		t.Fatal("Complete job with playlist present should repopulate jobs table")
	}
	if job.State != StateComplete {
		t.Errorf("state = %s, want %s", job.State, StateComplete)
	}
}

func TestStartTranscodeReturnsExistingCompleteDirWithoutRespawning(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	dir := filepath.Join(cfg.CacheDir, "ep3")
	e.jobs["ep3"] = &Job{EpisodeID: "ep3", State: StateComplete, OutputDir: dir}

	out, err := e.StartTranscode(t.Context(), "ep3", "http://upstream", ModeInteractive, Metadata{})
	if err != nil {
		t.Fatalf("StartTranscode: %v", err)
	}
	if out != dir {
		t.Errorf("output dir = %q, want %q", out, dir)
	}
}

func TestSegmentRejectsPathTraversal(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.jobs["ep4"] = &Job{EpisodeID: "ep4", State: StateComplete, OutputDir: filepath.Join(cfg.CacheDir, "ep4")}

	for _, name := range []string{"../secret", "a/b.ts", "..", ""} {
		if _, _, err := e.Segment(t.Context(), "ep4", name); err == nil {
			t.Errorf("Segment(%q) should reject path traversal", name)
		}
	}
}

func TestSegmentUnknownEpisodeNotFound(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, _, err := e.Segment(t.Context(), "missing", "segment0000.ts"); err == nil {
		t.Error("Segment for unknown episode should fail")
	}
}

func TestRecordedArgsMatchesSpecVector(t *testing.T) {
	args := recordedArgs("http://upstream/ep", 4*time.Second, "/cache/ep1")
	want := []string{"-c:v", "h264", "-preset", "veryfast", "-crf", "23", "-f", "hls", "-hls_time", "4"}
	for i := 0; i < len(want); i += 2 {
		if !containsPair(args, want[i], want[i+1]) {
			t.Errorf("recordedArgs missing flag pair %s %s", want[i], want[i+1])
		}
	}
}

func TestLiveArgsIncludesCorruptToleranceFlags(t *testing.T) {
	args := liveArgs("http://tuner/live", 2*time.Second, "/cache/tuner1")
	if !containsPair(args, "-fflags", "discardcorrupt+genpts") {
		t.Error("liveArgs should set discardcorrupt+genpts")
	}
	if !contains(args, "append_list+omit_endlist+independent_segments") {
		t.Error("liveArgs should set the live hls_flags combination")
	}
}

func containsPair(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func contains(args []string, value string) bool {
	for _, a := range args {
		if a == value {
			return true
		}
	}
	return false
}
