// Package transcode implements the Transcode Cache Engine: it materializes
// a recorded episode into an HLS directory by invoking an external
// transcoder at most once per episode, and serves the resulting playlist
// and segments.
package transcode

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tunerbridge/tunerbridge/internal/safeurl"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

// State is a transcode job's lifecycle state.
type State string

const (
	StatePending     State = "pending"
	StateTranscoding State = "transcoding"
	StateComplete    State = "complete"
	StateError       State = "error"
)

// Mode distinguishes an interactive (client-waiting) start from a bulk
// backfill start; it governs the overflow policy in StartTranscode.
type Mode int

const (
	ModeInteractive Mode = iota
	ModeBulk
)

const (
	playlistName  = "stream.m3u8"
	sidecarName   = "transcode.json"
	segmentFormat = "segment%04d.ts"
)

// Metadata carries the episode attributes persisted in the sidecar but
// not otherwise needed by the engine itself.
type Metadata struct {
	ShowName    string `json:"show_name,omitempty"`
	EpisodeName string `json:"episode_name,omitempty"`
	AirDate     string `json:"air_date,omitempty"`
}

// sidecar is the durable transcode.json contract (spec §4.1).
type sidecar struct {
	State       State     `json:"state"`
	StartTime   time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	SourceURL   string    `json:"source_url"`
	ShowName    string    `json:"show_name,omitempty"`
	EpisodeName string    `json:"episode_name,omitempty"`
	AirDate     string    `json:"air_date,omitempty"`
	Error       string    `json:"error,omitempty"`
	StderrTail  string    `json:"stderr_tail,omitempty"`
}

// Job is the in-memory jobs-table entry for one episode.
type Job struct {
	EpisodeID   string
	State       State
	StartTime   time.Time
	EndTime     time.Time
	Progress    float64
	OutputDir   string
	UpstreamURL string
	Metadata    Metadata
	Err         error

	cancel context.CancelFunc
	done   chan struct{}
	corrID string
}

// Status is the read-only snapshot returned to API callers (spec §6
// "GET /stream/{episode_id}/status").
type Status struct {
	State     State     `json:"state"`
	Progress  float64   `json:"progress"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Config is the subset of internal/config.Config the engine needs.
type Config struct {
	CacheDir            string
	SegmentDuration      time.Duration
	MaxConcurrent        int
	PlaylistWaitTimeout  time.Duration
	SegmentWaitTimeout   time.Duration
	MaxCacheAge          time.Duration
	CleanupInterval      time.Duration
}

// Engine owns the jobs table and the eviction-ordered active list.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	jobs   map[string]*Job
	active []string // episode ids in Transcoding state, oldest first
}

// NewEngine constructs an Engine and runs startup recovery (spec §4.1
// "Startup recovery") against cfg.CacheDir.
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg, jobs: make(map[string]*Job)}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("transcode: cache root: %w", err)
	}
	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) episodeDir(episodeID string) string {
	return filepath.Join(e.cfg.CacheDir, episodeID)
}

// recover implements startup recovery: abandoned Transcoding dirs are
// deleted, and Complete dirs with a playlist present repopulate the
// jobs table.
func (e *Engine) recover() error {
	entries, err := os.ReadDir(e.cfg.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		episodeID := ent.Name()
		dir := e.episodeDir(episodeID)
		sc, err := readSidecar(dir)
		if err != nil {
			continue // unreadable sidecar: ignore, will be rebuilt on request
		}
		switch sc.State {
		case StateTranscoding:
			log.Printf("[transcode] recover: abandoned job %s, removing %s", episodeID, dir)
			os.RemoveAll(dir)
		case StateComplete:
			if _, err := os.Stat(filepath.Join(dir, playlistName)); err == nil {
				e.jobs[episodeID] = &Job{
					EpisodeID:   episodeID,
					State:       StateComplete,
					StartTime:   sc.StartTime,
					OutputDir:   dir,
					UpstreamURL: sc.SourceURL,
					Metadata:    Metadata{ShowName: sc.ShowName, EpisodeName: sc.EpisodeName, AirDate: sc.AirDate},
				}
				if sc.EndTime != nil {
					e.jobs[episodeID].EndTime = *sc.EndTime
				}
			}
		}
	}
	return nil
}

// StartTranscode implements spec §4.1's idempotent contract.
func (e *Engine) StartTranscode(ctx context.Context, episodeID, upstreamURL string, mode Mode, meta Metadata) (string, error) {
	e.mu.Lock()
	if job, ok := e.jobs[episodeID]; ok {
		switch job.State {
		case StateComplete, StateTranscoding:
			dir := job.OutputDir
			e.mu.Unlock()
			return dir, nil
		}
	}

	outputDir := e.episodeDir(episodeID)

	if len(e.active) >= e.cfg.MaxConcurrent {
		if mode == ModeBulk {
			e.mu.Unlock()
			return outputDir, nil // bulk driver retries later
		}
		oldest := e.active[0]
		e.mu.Unlock()
		e.evict(oldest)
		e.mu.Lock()
	}

	job := &Job{
		EpisodeID:   episodeID,
		State:       StateTranscoding,
		StartTime:   time.Now(),
		OutputDir:   outputDir,
		UpstreamURL: upstreamURL,
		Metadata:    meta,
		done:        make(chan struct{}),
		corrID:      uuid.New().String(),
	}
	e.jobs[episodeID] = job
	e.active = append(e.active, episodeID)
	e.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		e.failJob(job, err)
		return "", tunererr.New(tunererr.Internal, "StartTranscode", err)
	}
	if err := writeSidecar(outputDir, job.toSidecar()); err != nil {
		e.failJob(job, err)
		return "", tunererr.New(tunererr.Internal, "StartTranscode", err)
	}

	childCtx, cancel := context.WithCancel(context.Background())
	job.cancel = cancel

	args := recordedArgs(upstreamURL, e.cfg.SegmentDuration, outputDir)
	log.Printf("[transcode] %s: spawning recorded transcode job=%s", job.corrID, episodeID)
	proc, waitErr := spawn(childCtx, args)
	if waitErr != nil {
		e.failJob(job, waitErr)
		return "", tunererr.New(tunererr.TranscoderFailed, "StartTranscode", waitErr)
	}
	go e.reapChild(job, proc)

	if err := waitForFile(ctx, filepath.Join(outputDir, playlistName), e.cfg.PlaylistWaitTimeout); err != nil {
		return outputDir, tunererr.New(tunererr.TranscodeStartupTimeout, "StartTranscode",
			fmt.Errorf("playlist not produced within %s", e.cfg.PlaylistWaitTimeout))
	}
	return outputDir, nil
}

// reapChild waits for the child process to exit and updates job state
// and sidecar accordingly (spec §4.1 "On child exit").
func (e *Engine) reapChild(job *Job, proc *process) {
	err := proc.wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	job.EndTime = time.Now()
	e.removeActive(job.EpisodeID)
	if err != nil {
		job.State = StateError
		job.Err = err
		log.Printf("[transcode] %s: job %s failed: %v", job.corrID, job.EpisodeID, err)
	} else {
		job.State = StateComplete
		log.Printf("[transcode] %s: job %s complete", job.corrID, job.EpisodeID)
	}
	writeSidecar(job.OutputDir, job.toSidecar())
	close(job.done)
}

func (e *Engine) failJob(job *Job, err error) {
	e.mu.Lock()
	job.State = StateError
	job.Err = err
	e.removeActive(job.EpisodeID)
	e.mu.Unlock()
	writeSidecar(job.OutputDir, job.toSidecar())
}

func (e *Engine) removeActive(episodeID string) {
	for i, id := range e.active {
		if id == episodeID {
			e.active = append(e.active[:i], e.active[i+1:]...)
			return
		}
	}
}

// evict terminates and removes the oldest active job (spec §4.1
// "In interactive mode, evict the oldest entry").
func (e *Engine) evict(episodeID string) {
	e.mu.Lock()
	job, ok := e.jobs[episodeID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if job.cancel != nil {
		job.cancel()
	}
	if job.done != nil {
		<-job.done
	}
	e.mu.Lock()
	delete(e.jobs, episodeID)
	e.removeActive(episodeID)
	e.mu.Unlock()
	os.RemoveAll(job.OutputDir)
}

// DeleteTranscode terminates a running job (if any) and removes its
// directory; used by the cleanup sweep and by internal/sync's episode
// delete path (eviction tears its job down in evict).
func (e *Engine) DeleteTranscode(episodeID string) error {
	e.mu.Lock()
	job, ok := e.jobs[episodeID]
	e.mu.Unlock()
	if !ok {
		dir := e.episodeDir(episodeID)
		return os.RemoveAll(dir)
	}
	if job.cancel != nil {
		job.cancel()
	}
	if job.done != nil {
		<-job.done
	}
	e.mu.Lock()
	delete(e.jobs, episodeID)
	e.removeActive(episodeID)
	e.mu.Unlock()
	return os.RemoveAll(job.OutputDir)
}

// Status returns the current status of an episode's job.
func (e *Engine) Status(episodeID string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[episodeID]
	if !ok {
		return Status{}, tunererr.New(tunererr.NotFound, "Status", fmt.Errorf("no job for episode %s", episodeID))
	}
	s := Status{State: job.State, Progress: job.Progress, StartTime: job.StartTime}
	if !job.EndTime.IsZero() {
		s.EndTime = job.EndTime
	}
	if job.Err != nil {
		s.Error = job.Err.Error()
	}
	return s, nil
}

// Segment implements the segment-serving contract (spec §4.1).
func (e *Engine) Segment(ctx context.Context, episodeID, filename string) ([]byte, string, error) {
	if !safeurl.ValidSegmentName(filename) {
		return nil, "", tunererr.New(tunererr.InvalidArgument, "Segment", fmt.Errorf("invalid filename %q", filename))
	}
	e.mu.Lock()
	job, ok := e.jobs[episodeID]
	e.mu.Unlock()
	if !ok {
		return nil, "", tunererr.New(tunererr.NotFound, "Segment", fmt.Errorf("unknown episode %s", episodeID))
	}
	path := filepath.Join(job.OutputDir, filename)

	if job.State == StateTranscoding {
		if err := waitForFile(ctx, path, e.cfg.SegmentWaitTimeout); err != nil {
			return nil, "", tunererr.New(tunererr.NotFound, "Segment", fmt.Errorf("segment %s not ready (state=%s)", filename, job.State))
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", tunererr.New(tunererr.NotFound, "Segment", err)
	}
	return data, contentType(filename), nil
}

func contentType(filename string) string {
	if filepath.Ext(filename) == ".m3u8" {
		return "application/vnd.apple.mpegurl"
	}
	return "video/mp2t"
}

func (j *Job) toSidecar() sidecar {
	sc := sidecar{
		State:       j.State,
		StartTime:   j.StartTime,
		SourceURL:   j.UpstreamURL,
		ShowName:    j.Metadata.ShowName,
		EpisodeName: j.Metadata.EpisodeName,
		AirDate:     j.Metadata.AirDate,
	}
	if !j.EndTime.IsZero() {
		sc.EndTime = &j.EndTime
	}
	if j.Err != nil {
		sc.Error = j.Err.Error()
	}
	return sc
}
