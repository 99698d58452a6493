package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the mediator's runtime settings (spec §6 "Configuration").
// Load from environment. Call LoadEnvFile(".env") before Load() to pull
// values from a .env file first.
type Config struct {
	// HTTP surface
	ListenAddr string // e.g. :8480

	// Cache / transcode (spec §4.1)
	CacheDir                string
	SegmentDuration         time.Duration
	CleanupInterval         time.Duration
	MaxCacheAge             time.Duration
	MaxConcurrentTranscodes int
	PlaylistWaitTimeout     time.Duration
	SegmentWaitTimeout      time.Duration

	// Live tuner allocator (spec §4.2/§4.3)
	LiveSegmentDuration time.Duration
	LiveBufferMinutes   int
	ClientHeartbeat     time.Duration
	MissedHeartbeats    int
	TunerCooldown       time.Duration
	MaxViewersPerTuner  int
	IdleTunerSweep      time.Duration

	// Discovery (spec §4.4)
	DiscoverBroadcastPort int
	SubnetScanEnabled     bool
	SubnetScanConcurrency int
	DiscoveryInterval     time.Duration

	// Guide & recording-rule plane (spec §4.6)
	CloudBaseURL        string
	GuideFreshness      time.Duration
	GuideHarvestRate    float64 // requests/sec ceiling for the harvest loop
	GuideHarvestPeriod  time.Duration

	// Persistence (spec §4.5)
	DBPath string
}

// Load reads Config from the environment. Unset values fall back to the
// defaults spec §6 documents for each option.
func Load() *Config {
	c := &Config{
		ListenAddr: getEnv("TUNERBRIDGE_LISTEN_ADDR", ":8480"),

		CacheDir:                getEnv("TUNERBRIDGE_CACHE_DIR", "/var/cache/tunerbridge"),
		SegmentDuration:         getEnvDuration("TUNERBRIDGE_SEGMENT_DURATION", 4*time.Second),
		CleanupInterval:         getEnvDuration("TUNERBRIDGE_CLEANUP_INTERVAL", time.Hour),
		MaxCacheAge:             getEnvDuration("TUNERBRIDGE_MAX_CACHE_AGE", 30*24*time.Hour),
		MaxConcurrentTranscodes: getEnvInt("TUNERBRIDGE_MAX_CONCURRENT_TRANSCODES", 2),
		PlaylistWaitTimeout:     getEnvDuration("TUNERBRIDGE_PLAYLIST_WAIT_TIMEOUT", 15*time.Second),
		SegmentWaitTimeout:      getEnvDuration("TUNERBRIDGE_SEGMENT_WAIT_TIMEOUT", 5*time.Second),

		LiveSegmentDuration: getEnvDuration("TUNERBRIDGE_LIVE_SEGMENT_DURATION", 6*time.Second),
		LiveBufferMinutes:   getEnvInt("TUNERBRIDGE_LIVE_BUFFER_MINUTES", 60),
		ClientHeartbeat:     getEnvDuration("TUNERBRIDGE_CLIENT_HEARTBEAT", 30*time.Second),
		MissedHeartbeats:    getEnvInt("TUNERBRIDGE_MISSED_HEARTBEATS", 2),
		TunerCooldown:       getEnvDuration("TUNERBRIDGE_TUNER_COOLDOWN", 300*time.Second),
		MaxViewersPerTuner:  getEnvInt("TUNERBRIDGE_MAX_VIEWERS_PER_TUNER", 10),
		IdleTunerSweep:      getEnvDuration("TUNERBRIDGE_IDLE_TUNER_SWEEP", 60*time.Second),

		DiscoverBroadcastPort: getEnvInt("TUNERBRIDGE_DISCOVER_PORT", 65001),
		SubnetScanEnabled:     getEnvBool("TUNERBRIDGE_SUBNET_SCAN", false),
		SubnetScanConcurrency: getEnvInt("TUNERBRIDGE_SUBNET_SCAN_CONCURRENCY", 32),
		DiscoveryInterval:     getEnvDuration("TUNERBRIDGE_DISCOVERY_INTERVAL", 5*time.Minute),

		CloudBaseURL:       os.Getenv("TUNERBRIDGE_CLOUD_BASE_URL"),
		GuideFreshness:     getEnvDuration("TUNERBRIDGE_GUIDE_FRESHNESS", 15*time.Minute),
		GuideHarvestRate:   getEnvFloat("TUNERBRIDGE_GUIDE_HARVEST_RATE", 2.0),
		GuideHarvestPeriod: getEnvDuration("TUNERBRIDGE_GUIDE_HARVEST_PERIOD", 12*time.Hour),

		DBPath: getEnv("TUNERBRIDGE_DB_PATH", "/var/lib/tunerbridge/tunerbridge.db"),
	}
	if c.MaxConcurrentTranscodes <= 0 {
		c.MaxConcurrentTranscodes = 2
	}
	if c.MaxViewersPerTuner <= 0 {
		c.MaxViewersPerTuner = 10
	}
	if c.SubnetScanConcurrency <= 0 {
		c.SubnetScanConcurrency = 32
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
