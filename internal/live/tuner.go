// Package live implements the Live Tuner Allocator and Live Stream
// Worker (spec §4.2/§4.3): a pool of appliance tuners exposed as a
// single Watch/Heartbeat/Release surface, each bound tuner backed by an
// ffmpeg child maintaining a sliding HLS window.
package live

import (
	"strconv"
	"time"
)

// State is a tuner's allocator-visible lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateCooldown State = "cooldown"
	StateOffline  State = "offline"
	// StateClaiming is a transitional state held while Watch checks
	// appliance availability and spawns a worker, so a second concurrent
	// Watch can't also pick the same tuner out from under it (spec §5
	// "tuner state transitions are linearized by the allocator holding
	// an exclusive lock on the tuner record during transitions").
	StateClaiming State = "claiming"
)

// Key identifies a tuner by its owning appliance and tuner index (spec
// §3 "Tuner" keyed by (device_id, tuner_index)).
type Key struct {
	DeviceID   string
	TunerIndex int
}

func (k Key) String() string {
	return k.DeviceID + "-" + strconv.Itoa(k.TunerIndex)
}

// Tuner is the allocator's in-memory record for one appliance tuner.
type Tuner struct {
	Key          Key
	DeviceBaseURL string
	State        State
	Channel      string
	ViewerCount  int
	LastAccessed time.Time
	worker       *Worker
}
