package live

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tunerbridge/tunerbridge/internal/safeurl"
	"github.com/tunerbridge/tunerbridge/internal/store"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

// ApplianceClient is the subset of appliance HTTP operations the
// allocator needs (spec §6 "appliance tuner status", live stream URLs).
// Declared here, implemented against internal/discovery's Appliance
// records by the caller wiring the allocator together, to avoid an
// import cycle between live and discovery.
type ApplianceClient interface {
	// TunerAvailable asks the appliance whether it currently has a free
	// tuner (spec §4.2 step 2/3: GET /status.json, a tuner counts busy
	// when InUse==1 or VctNumber is set).
	TunerAvailable(ctx context.Context, deviceID string) (bool, error)
	// StreamURL builds the appliance's live MPEG-TS URL for a channel.
	StreamURL(deviceID, channel string) (string, error)
}

// Config holds the allocator's tunable thresholds (spec §6).
type Config struct {
	MaxViewersPerTuner  int
	TunerCooldown       time.Duration
	ClientHeartbeat     time.Duration
	MissedHeartbeats    int
	IdleTunerSweep      time.Duration
	LiveSegmentDuration time.Duration
	PlaylistWaitTimeout time.Duration
	LiveCacheDir        string // {live_cache_dir}/{tuner_id}/… per spec §6 persisted state layout
}

type viewerRecord struct {
	clientID      string
	tunerKey      Key
	channel       string
	lastHeartbeat time.Time
}

// Allocator is the Live Tuner Allocator (spec §4.2).
type Allocator struct {
	cfg      Config
	client   ApplianceClient
	tunerDB  *store.TunerRepo
	viewerDB *store.ViewerRepo

	mu      sync.Mutex
	tuners  map[Key]*Tuner
	viewers map[string]*viewerRecord
}

// NewAllocator constructs an Allocator, restoring persisted tuner rows
// and resetting any that were Active across the restart boundary (spec
// §4.2 "Durable mirror").
func NewAllocator(cfg Config, client ApplianceClient, tunerDB *store.TunerRepo, viewerDB *store.ViewerRepo) (*Allocator, error) {
	a := &Allocator{
		cfg:      cfg,
		client:   client,
		tunerDB:  tunerDB,
		viewerDB: viewerDB,
		tuners:   make(map[Key]*Tuner),
		viewers:  make(map[string]*viewerRecord),
	}
	if err := tunerDB.ResetAfterRestart(); err != nil {
		return nil, fmt.Errorf("live: reset tuners after restart: %w", err)
	}
	rows, err := tunerDB.All()
	if err != nil {
		return nil, fmt.Errorf("live: load tuners: %w", err)
	}
	for _, row := range rows {
		key := Key{DeviceID: row.DeviceID, TunerIndex: row.TunerIndex}
		a.tuners[key] = &Tuner{
			Key:          key,
			State:        State(row.State),
			Channel:      row.Channel,
			ViewerCount:  row.ViewerCount,
			LastAccessed: time.Unix(row.LastAccessed, 0),
		}
	}
	return a, nil
}

// RegisterTuner adds or updates a tuner the allocator may allocate from
// (called by the discovery loop as appliances are (re)discovered).
func (a *Allocator) RegisterTuner(deviceID string, tunerIndex int, baseURL string, reachable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := Key{DeviceID: deviceID, TunerIndex: tunerIndex}
	t, ok := a.tuners[key]
	if !ok {
		t = &Tuner{Key: key, State: StateIdle}
		a.tuners[key] = t
	}
	t.DeviceBaseURL = baseURL
	if !reachable {
		t.State = StateOffline
	} else if t.State == StateOffline {
		t.State = StateIdle
	}
}

func (a *Allocator) orderedKeys() []Key {
	keys := make([]Key, 0, len(a.tuners))
	for k := range a.tuners {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DeviceID != keys[j].DeviceID {
			return keys[i].DeviceID < keys[j].DeviceID
		}
		return keys[i].TunerIndex < keys[j].TunerIndex
	})
	return keys
}

// Watch implements the allocation algorithm of spec §4.2.
func (a *Allocator) Watch(ctx context.Context, channel, clientID string) (Key, error) {
	a.mu.Lock()
	if existing, ok := a.viewers[clientID]; ok {
		if existing.channel == channel {
			existing.lastHeartbeat = time.Now()
			key := existing.tunerKey
			a.mu.Unlock()
			return key, nil
		}
		a.mu.Unlock()
		a.Release(clientID) // switching channels: release old binding first
		a.mu.Lock()
	}
	// Step 1: reuse an Active tuner already on this channel with room.
	for _, key := range a.orderedKeys() {
		t := a.tuners[key]
		if t.State == StateActive && t.Channel == channel && t.ViewerCount < a.cfg.MaxViewersPerTuner {
			a.registerViewerLocked(t, channel, clientID)
			a.mu.Unlock()
			return key, nil
		}
	}

	// Step 2: start a new worker on an Idle tuner. The tuner is claimed
	// under the lock before it's released for the (slow, network-bound)
	// start attempt, so a second concurrent Watch skips it in the
	// interim instead of racing to spawn its own worker on the same key.
	for _, key := range a.orderedKeys() {
		t := a.tuners[key]
		if t.State != StateIdle {
			continue
		}
		t.State = StateClaiming
		a.mu.Unlock()
		started, err := a.tryStart(ctx, t, channel)
		if err != nil {
			a.mu.Lock()
			t.State = StateIdle
			a.mu.Unlock()
			return Key{}, err
		}
		if started {
			a.mu.Lock()
			a.registerViewerLocked(t, channel, clientID)
			a.mu.Unlock()
			return key, nil
		}
		a.mu.Lock()
		t.State = StateIdle
	}

	// Step 3: reuse a Cooldown tuner by restarting its worker. Same
	// claim-before-unlock treatment as step 2.
	for _, key := range a.orderedKeys() {
		t := a.tuners[key]
		if t.State != StateCooldown || t.ViewerCount != 0 {
			continue
		}
		t.State = StateClaiming
		a.mu.Unlock()
		if err := a.stopWorker(t); err != nil {
			log.Printf("[live] stop worker for %s during reallocation: %v", key, err)
		}
		started, err := a.tryStart(ctx, t, channel)
		if err != nil {
			a.mu.Lock()
			t.State = StateIdle
			a.mu.Unlock()
			return Key{}, err
		}
		if started {
			a.mu.Lock()
			a.registerViewerLocked(t, channel, clientID)
			a.mu.Unlock()
			return key, nil
		}
		a.mu.Lock()
		t.State = StateIdle
	}
	a.mu.Unlock()

	return Key{}, tunererr.New(tunererr.NoTunersAvailable, "Watch", fmt.Errorf("no tuner available for channel %s", channel))
}

// tryStart re-checks appliance availability and, if free, starts a
// worker on t for channel. Returns (false, nil) if the appliance
// reports no free tuner so the caller moves to the next candidate.
func (a *Allocator) tryStart(ctx context.Context, t *Tuner, channel string) (bool, error) {
	available, err := a.client.TunerAvailable(ctx, t.Key.DeviceID)
	if err != nil || !available {
		return false, nil
	}
	streamURL, err := a.client.StreamURL(t.Key.DeviceID, channel)
	if err != nil {
		return false, tunererr.New(tunererr.Internal, "Watch", err)
	}
	if err := PrecheckLiveURL(ctx, streamURL); err != nil {
		return false, err
	}
	worker, err := Start(ctx, t.Key.String(), streamURL, channel, a.liveOutputDir(t.Key.String()), a.cfg.LiveSegmentDuration, a.cfg.PlaylistWaitTimeout)
	if err != nil {
		return false, tunererr.New(tunererr.TranscodeStartupTimeout, "Watch", err)
	}

	a.mu.Lock()
	t.worker = worker
	t.Channel = channel
	t.State = StateActive
	t.LastAccessed = time.Now()
	a.mu.Unlock()
	a.persistTuner(t)
	return true, nil
}

func (a *Allocator) stopWorker(t *Tuner) error {
	a.mu.Lock()
	w := t.worker
	t.worker = nil
	a.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	return nil
}

func (a *Allocator) liveOutputDir(tunerKey string) string {
	root := a.cfg.LiveCacheDir
	if root == "" {
		root = "."
	}
	return filepath.Join(root, tunerKey)
}

// ServeSegment reads one file (playlist or segment) out of a tuner's
// live output directory, validating the filename the same way the
// transcode engine does (spec §4.7 "reject .. and path separators").
func (a *Allocator) ServeSegment(tunerKey Key, filename string) ([]byte, string, error) {
	if !safeurl.ValidSegmentName(filename) {
		return nil, "", tunererr.New(tunererr.InvalidArgument, "ServeSegment", fmt.Errorf("unsafe segment name %q", filename))
	}
	a.mu.Lock()
	t, ok := a.tuners[tunerKey]
	a.mu.Unlock()
	if !ok || t.State != StateActive {
		return nil, "", tunererr.New(tunererr.NotFound, "ServeSegment", fmt.Errorf("tuner %s not active", tunerKey))
	}
	path := filepath.Join(a.liveOutputDir(tunerKey.String()), filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", tunererr.New(tunererr.NotFound, "ServeSegment", err)
	}
	contentType := "video/mp2t"
	if filepath.Ext(filename) == ".m3u8" {
		contentType = "application/vnd.apple.mpegurl"
	}
	return data, contentType, nil
}

// Tuners returns a snapshot of every known tuner for the /live/tuners
// read endpoint.
func (a *Allocator) Tuners() []Tuner {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Tuner, 0, len(a.tuners))
	for _, key := range a.orderedKeys() {
		out = append(out, *a.tuners[key])
	}
	return out
}

// registerViewerLocked upserts the viewer and increments the tuner's
// count. Caller must hold a.mu.
func (a *Allocator) registerViewerLocked(t *Tuner, channel, clientID string) {
	now := time.Now()
	a.viewers[clientID] = &viewerRecord{clientID: clientID, tunerKey: t.Key, channel: channel, lastHeartbeat: now}
	t.ViewerCount++
	t.LastAccessed = now
	a.viewerDB.Upsert(&store.ViewerRow{ClientID: clientID, TunerID: t.Key.String(), Channel: channel, LastHeartbeat: now.Unix()})
	a.persistTunerLocked(t)
}

// Heartbeat updates last_heartbeat for clientID; returns whether it was known.
func (a *Allocator) Heartbeat(clientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.viewers[clientID]
	if !ok {
		return false
	}
	v.lastHeartbeat = time.Now()
	a.viewerDB.Touch(clientID, v.lastHeartbeat.Unix())
	return true
}

// Release removes clientID's viewer row and, if the owning tuner's
// viewer count reaches zero, transitions it to Cooldown.
func (a *Allocator) Release(clientID string) {
	a.mu.Lock()
	v, ok := a.viewers[clientID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.viewers, clientID)
	t := a.tuners[v.tunerKey]
	a.mu.Unlock()

	a.viewerDB.Delete(clientID)
	if t != nil {
		a.decrementViewer(t)
	}
}

func (a *Allocator) decrementViewer(t *Tuner) {
	a.mu.Lock()
	if t.ViewerCount > 0 {
		t.ViewerCount--
	}
	if t.ViewerCount == 0 && t.State == StateActive {
		t.State = StateCooldown
		t.LastAccessed = time.Now()
	}
	a.mu.Unlock()
	a.persistTuner(t)
}

func (a *Allocator) persistTuner(t *Tuner) {
	a.mu.Lock()
	row := a.tunerRowLocked(t)
	a.mu.Unlock()
	if err := a.tunerDB.Upsert(row); err != nil {
		log.Printf("[live] persist tuner %s: %v", t.Key, err)
	}
}

func (a *Allocator) persistTunerLocked(t *Tuner) {
	row := a.tunerRowLocked(t)
	if err := a.tunerDB.Upsert(row); err != nil {
		log.Printf("[live] persist tuner %s: %v", t.Key, err)
	}
}

func (a *Allocator) tunerRowLocked(t *Tuner) *store.TunerRow {
	return &store.TunerRow{
		ID:           t.Key.String(),
		DeviceID:     t.Key.DeviceID,
		TunerIndex:   t.Key.TunerIndex,
		State:        string(t.State),
		Channel:      t.Channel,
		ViewerCount:  t.ViewerCount,
		LastAccessed: t.LastAccessed.Unix(),
	}
}

// RunDeadViewerSweep releases viewers whose heartbeat is overdue (spec
// §4.2 "Dead-viewer sweep").
func (a *Allocator) RunDeadViewerSweep(ctx context.Context) {
	interval := 30 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	threshold := a.cfg.ClientHeartbeat * time.Duration(a.cfg.MissedHeartbeats)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepDeadViewers(threshold)
		}
	}
}

func (a *Allocator) sweepDeadViewers(threshold time.Duration) {
	cutoff := time.Now().Add(-threshold)
	a.mu.Lock()
	var stale []string
	for id, v := range a.viewers {
		if v.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	for _, id := range stale {
		log.Printf("[live] releasing stale viewer %s (missed heartbeats)", id)
		a.Release(id)
	}
}

// RunIdleTunerSweep stops Cooldown tuners past their cooldown window
// (spec §4.2 "Idle-tuner sweep").
func (a *Allocator) RunIdleTunerSweep(ctx context.Context) {
	interval := a.cfg.IdleTunerSweep
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepIdleTuners()
		}
	}
}

func (a *Allocator) sweepIdleTuners() {
	now := time.Now()
	a.mu.Lock()
	var toStop []*Tuner
	for _, t := range a.tuners {
		if t.State == StateCooldown && t.ViewerCount == 0 && t.LastAccessed.Add(a.cfg.TunerCooldown).Before(now) {
			toStop = append(toStop, t)
		}
	}
	a.mu.Unlock()
	for _, t := range toStop {
		a.stopWorker(t)
		a.mu.Lock()
		t.State = StateIdle
		t.Channel = ""
		a.mu.Unlock()
		a.persistTuner(t)
	}
}

// Shutdown stops every active/cooldown worker without mutating tuner
// state in the store (a future restart already resets Active to Idle).
func (a *Allocator) Shutdown() {
	a.mu.Lock()
	workers := make([]*Worker, 0)
	for _, t := range a.tuners {
		if t.worker != nil {
			workers = append(workers, t.worker)
		}
	}
	a.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}
