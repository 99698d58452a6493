package live

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tunerbridge/tunerbridge/internal/store"
)

type stubClient struct {
	available bool
}

func (s *stubClient) TunerAvailable(ctx context.Context, deviceID string) (bool, error) {
	return s.available, nil
}

func (s *stubClient) StreamURL(deviceID, channel string) (string, error) {
	return "http://" + deviceID + "/auto/v" + channel, nil
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "tunerbridge.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := Config{
		MaxViewersPerTuner:  2,
		TunerCooldown:       5 * time.Second,
		ClientHeartbeat:     10 * time.Second,
		MissedHeartbeats:    2,
		IdleTunerSweep:      60 * time.Second,
		LiveSegmentDuration: 2 * time.Second,
		PlaylistWaitTimeout: 200 * time.Millisecond,
	}
	a, err := NewAllocator(cfg, &stubClient{}, s.Tuners, s.Viewers)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a
}

func TestWatchFailsWithNoTunersAvailable(t *testing.T) {
	a := newTestAllocator(t)
	if _, err := a.Watch(t.Context(), "2.1", "client1"); err == nil {
		t.Fatal("expected NoTunersAvailable error with no registered tuners")
	}
}

func TestWatchReusesActiveTunerOnSameChannel(t *testing.T) {
	a := newTestAllocator(t)
	key := Key{DeviceID: "DEV1", TunerIndex: 0}
	a.tuners[key] = &Tuner{Key: key, State: StateActive, Channel: "2.1", ViewerCount: 1}

	got, err := a.Watch(t.Context(), "2.1", "client1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got != key {
		t.Errorf("Watch returned %v, want %v", got, key)
	}
	if a.tuners[key].ViewerCount != 2 {
		t.Errorf("ViewerCount = %d, want 2", a.tuners[key].ViewerCount)
	}
}

func TestWatchRefusesBeyondMaxViewersPerTuner(t *testing.T) {
	a := newTestAllocator(t)
	key := Key{DeviceID: "DEV1", TunerIndex: 0}
	a.tuners[key] = &Tuner{Key: key, State: StateActive, Channel: "2.1", ViewerCount: 2} // already at cfg.MaxViewersPerTuner

	if _, err := a.Watch(t.Context(), "2.1", "clientX"); err == nil {
		t.Fatal("expected NoTunersAvailable when the only matching tuner is full and no idle tuner exists")
	}
}

func TestHeartbeatUnknownClientReturnsFalse(t *testing.T) {
	a := newTestAllocator(t)
	if a.Heartbeat("ghost") {
		t.Error("Heartbeat for unknown client should return false")
	}
}

func TestReleaseTransitionsActiveTunerToCooldown(t *testing.T) {
	a := newTestAllocator(t)
	key := Key{DeviceID: "DEV1", TunerIndex: 0}
	a.tuners[key] = &Tuner{Key: key, State: StateActive, Channel: "2.1", ViewerCount: 1}
	a.viewers["client1"] = &viewerRecord{clientID: "client1", tunerKey: key, channel: "2.1", lastHeartbeat: time.Now()}

	a.Release("client1")

	tuner := a.tuners[key]
	if tuner.ViewerCount != 0 {
		t.Errorf("ViewerCount after release = %d, want 0", tuner.ViewerCount)
	}
	if tuner.State != StateCooldown {
		t.Errorf("state after last viewer release = %s, want %s", tuner.State, StateCooldown)
	}
}

func TestIdleTunerSweepStopsExpiredCooldown(t *testing.T) {
	a := newTestAllocator(t)
	key := Key{DeviceID: "DEV1", TunerIndex: 0}
	a.tuners[key] = &Tuner{
		Key: key, State: StateCooldown, Channel: "2.1",
		ViewerCount: 0, LastAccessed: time.Now().Add(-10 * time.Second),
	}
	a.sweepIdleTuners()
	if a.tuners[key].State != StateIdle {
		t.Errorf("state after sweep = %s, want %s", a.tuners[key].State, StateIdle)
	}
}
