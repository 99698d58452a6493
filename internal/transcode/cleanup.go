package transcode

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// RunCleanupSweep starts the periodic retention sweep described in spec
// §4.1 ("Cleanup"): any cache directory whose modification time exceeds
// max_cache_age is deleted through DeleteTranscode, terminating a
// running process if present. It blocks until ctx is cancelled.
func (e *Engine) RunCleanupSweep(ctx context.Context) {
	interval := e.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

func (e *Engine) sweepOnce() {
	maxAge := e.cfg.MaxCacheAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	entries, err := os.ReadDir(e.cfg.CacheDir)
	if err != nil {
		log.Printf("[transcode] cleanup: read cache root: %v", err)
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		episodeID := ent.Name()
		log.Printf("[transcode] cleanup: evicting stale episode %s (age > %s)", episodeID, maxAge)
		if err := e.DeleteTranscode(episodeID); err != nil {
			log.Printf("[transcode] cleanup: delete %s: %v", episodeID, err)
		}
	}
}

// Shutdown terminates all active child processes and leaves sidecars
// intact (spec §4.1 "Shutdown").
func (e *Engine) Shutdown() {
	e.mu.Lock()
	active := append([]string(nil), e.active...)
	e.mu.Unlock()
	for _, episodeID := range active {
		e.mu.Lock()
		job, ok := e.jobs[episodeID]
		e.mu.Unlock()
		if !ok || job.cancel == nil {
			continue
		}
		job.cancel()
		if job.done != nil {
			<-job.done
		}
	}
}

// BackfillItem is one unit of work submitted to RunBackfill.
type BackfillItem struct {
	EpisodeID   string
	UpstreamURL string
	Metadata    Metadata
}

// BackfillCounters tracks the bulk driver's progress (spec §4.1 "Bulk
// backfill driver"). All fields must be read through Snapshot while the
// driver is running.
type BackfillCounters struct {
	mu        sync.Mutex
	Total     int
	Completed int
	Failed    int
	Skipped   int
}

// Snapshot returns a copy safe to read concurrently with the driver.
func (c *BackfillCounters) Snapshot() BackfillCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BackfillCounters{Total: c.Total, Completed: c.Completed, Failed: c.Failed, Skipped: c.Skipped}
}

// RunBackfill drives a FIFO queue of episodes through StartTranscode in
// bulk mode, never evicting, waiting for concurrency slots to free up.
// If an on-demand start evicts one of the bulk driver's own jobs, policy
// (a) applies (see DESIGN.md): it is counted as failed and not retried
// within this run.
func (e *Engine) RunBackfill(ctx context.Context, items []BackfillItem) *BackfillCounters {
	counters := &BackfillCounters{}
	queue := make([]BackfillItem, 0, len(items))
	for _, it := range items {
		e.mu.Lock()
		job, ok := e.jobs[it.EpisodeID]
		e.mu.Unlock()
		if ok && job.State == StateComplete {
			counters.Skipped++
			continue
		}
		queue = append(queue, it)
	}
	counters.Total = len(queue)

	var pendingMu sync.Mutex
	pending := len(queue)

	for len(queue) > 0 || func() bool { pendingMu.Lock(); defer pendingMu.Unlock(); return pending > 0 }() {
		select {
		case <-ctx.Done():
			return counters
		default:
		}

		e.mu.Lock()
		slotsFree := len(e.active) < e.cfg.MaxConcurrent
		e.mu.Unlock()

		if len(queue) > 0 && slotsFree {
			item := queue[0]
			queue = queue[1:]
			_, err := e.StartTranscode(ctx, item.EpisodeID, item.UpstreamURL, ModeBulk, item.Metadata)
			if err != nil {
				counters.mu.Lock()
				counters.Failed++
				counters.mu.Unlock()
				pendingMu.Lock()
				pending--
				pendingMu.Unlock()
				continue
			}
			go e.awaitBackfillJob(item.EpisodeID, counters, &pendingMu, &pending)
			continue
		}
		time.Sleep(200 * time.Millisecond)
	}
	return counters
}

func (e *Engine) awaitBackfillJob(episodeID string, counters *BackfillCounters, pendingMu *sync.Mutex, pending *int) {
	defer func() {
		pendingMu.Lock()
		*pending--
		pendingMu.Unlock()
	}()

	e.mu.Lock()
	job, ok := e.jobs[episodeID]
	e.mu.Unlock()
	if !ok {
		counters.mu.Lock()
		counters.Failed++
		counters.mu.Unlock()
		return
	}
	if job.done != nil {
		<-job.done
	}
	e.mu.Lock()
	finalState := job.State
	e.mu.Unlock()

	counters.mu.Lock()
	defer counters.mu.Unlock()
	if finalState == StateComplete {
		counters.Completed++
	} else {
		counters.Failed++
	}
}
