package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.ListenAddr != ":8480" {
		t.Errorf("ListenAddr default: got %q", c.ListenAddr)
	}
	if c.CacheDir != "/var/cache/tunerbridge" {
		t.Errorf("CacheDir default: got %q", c.CacheDir)
	}
	if c.SegmentDuration != 4*time.Second {
		t.Errorf("SegmentDuration default: got %v", c.SegmentDuration)
	}
	if c.MaxCacheAge != 30*24*time.Hour {
		t.Errorf("MaxCacheAge default: got %v", c.MaxCacheAge)
	}
	if c.MaxConcurrentTranscodes != 2 {
		t.Errorf("MaxConcurrentTranscodes default: got %d", c.MaxConcurrentTranscodes)
	}
	if c.PlaylistWaitTimeout != 15*time.Second {
		t.Errorf("PlaylistWaitTimeout default: got %v", c.PlaylistWaitTimeout)
	}
	if c.MaxViewersPerTuner != 10 {
		t.Errorf("MaxViewersPerTuner default: got %d", c.MaxViewersPerTuner)
	}
	if c.TunerCooldown != 300*time.Second {
		t.Errorf("TunerCooldown default: got %v", c.TunerCooldown)
	}
	if c.DiscoverBroadcastPort != 65001 {
		t.Errorf("DiscoverBroadcastPort default: got %d", c.DiscoverBroadcastPort)
	}
	if c.SubnetScanEnabled {
		t.Error("SubnetScanEnabled should default false")
	}
	if c.GuideFreshness != 15*time.Minute {
		t.Errorf("GuideFreshness default: got %v", c.GuideFreshness)
	}
	if c.GuideHarvestRate != 2.0 {
		t.Errorf("GuideHarvestRate default: got %v", c.GuideHarvestRate)
	}
	if c.DBPath != "/var/lib/tunerbridge/tunerbridge.db" {
		t.Errorf("DBPath default: got %q", c.DBPath)
	}
}

func TestLoadOverrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("TUNERBRIDGE_LISTEN_ADDR", ":9090")
	os.Setenv("TUNERBRIDGE_CACHE_DIR", "/tmp/cache")
	os.Setenv("TUNERBRIDGE_SEGMENT_DURATION", "4s")
	os.Setenv("TUNERBRIDGE_MAX_CONCURRENT_TRANSCODES", "5")
	os.Setenv("TUNERBRIDGE_SUBNET_SCAN", "true")
	os.Setenv("TUNERBRIDGE_SUBNET_SCAN_CONCURRENCY", "8")
	os.Setenv("TUNERBRIDGE_CLOUD_BASE_URL", "https://cloud.example/api")
	os.Setenv("TUNERBRIDGE_GUIDE_HARVEST_RATE", "0.5")
	c := Load()
	if c.ListenAddr != ":9090" {
		t.Errorf("ListenAddr: got %q", c.ListenAddr)
	}
	if c.CacheDir != "/tmp/cache" {
		t.Errorf("CacheDir: got %q", c.CacheDir)
	}
	if c.SegmentDuration != 4*time.Second {
		t.Errorf("SegmentDuration: got %v", c.SegmentDuration)
	}
	if c.MaxConcurrentTranscodes != 5 {
		t.Errorf("MaxConcurrentTranscodes: got %d", c.MaxConcurrentTranscodes)
	}
	if !c.SubnetScanEnabled {
		t.Error("SubnetScanEnabled should be true")
	}
	if c.SubnetScanConcurrency != 8 {
		t.Errorf("SubnetScanConcurrency: got %d", c.SubnetScanConcurrency)
	}
	if c.CloudBaseURL != "https://cloud.example/api" {
		t.Errorf("CloudBaseURL: got %q", c.CloudBaseURL)
	}
	if c.GuideHarvestRate != 0.5 {
		t.Errorf("GuideHarvestRate: got %v", c.GuideHarvestRate)
	}
}

func TestLoadClampsNonPositiveOverrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("TUNERBRIDGE_MAX_CONCURRENT_TRANSCODES", "0")
	os.Setenv("TUNERBRIDGE_MAX_VIEWERS_PER_TUNER", "-1")
	os.Setenv("TUNERBRIDGE_SUBNET_SCAN_CONCURRENCY", "0")
	c := Load()
	if c.MaxConcurrentTranscodes != 2 {
		t.Errorf("MaxConcurrentTranscodes should clamp to default 2, got %d", c.MaxConcurrentTranscodes)
	}
	if c.MaxViewersPerTuner != 10 {
		t.Errorf("MaxViewersPerTuner should clamp to default 10, got %d", c.MaxViewersPerTuner)
	}
	if c.SubnetScanConcurrency != 32 {
		t.Errorf("SubnetScanConcurrency should clamp to default 32, got %d", c.SubnetScanConcurrency)
	}
}
