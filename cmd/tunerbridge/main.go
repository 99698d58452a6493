// Command tunerbridge mediates between HDHomeRun-style DVR appliances
// and client players: it caches transcoded recordings, arbitrates live
// tuners, discovers appliances on the network, and syncs guide data and
// recording rules with the vendor cloud.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tunerbridge/tunerbridge/internal/api"
	"github.com/tunerbridge/tunerbridge/internal/config"
	"github.com/tunerbridge/tunerbridge/internal/discovery"
	"github.com/tunerbridge/tunerbridge/internal/guide"
	"github.com/tunerbridge/tunerbridge/internal/live"
	appsync "github.com/tunerbridge/tunerbridge/internal/sync"
	"github.com/tunerbridge/tunerbridge/internal/store"
	"github.com/tunerbridge/tunerbridge/internal/transcode"
)

func main() {
	cfg := config.Load()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer db.Close()

	engine, err := transcode.NewEngine(transcode.Config{
		CacheDir:            cfg.CacheDir,
		SegmentDuration:     cfg.SegmentDuration,
		MaxConcurrent:       cfg.MaxConcurrentTranscodes,
		PlaylistWaitTimeout: cfg.PlaylistWaitTimeout,
		SegmentWaitTimeout:  cfg.SegmentWaitTimeout,
		MaxCacheAge:         cfg.MaxCacheAge,
		CleanupInterval:     cfg.CleanupInterval,
	})
	if err != nil {
		log.Fatalf("transcode: %v", err)
	}

	registry := discovery.NewRegistry()
	applianceClient := discovery.NewApplianceAdapter(registry)

	liveAllocator, err := live.NewAllocator(live.Config{
		MaxViewersPerTuner:  cfg.MaxViewersPerTuner,
		TunerCooldown:       cfg.TunerCooldown,
		ClientHeartbeat:     cfg.ClientHeartbeat,
		MissedHeartbeats:    cfg.MissedHeartbeats,
		IdleTunerSweep:      cfg.IdleTunerSweep,
		LiveSegmentDuration: cfg.LiveSegmentDuration,
		PlaylistWaitTimeout: cfg.PlaylistWaitTimeout,
		LiveCacheDir:        cfg.CacheDir + "/live",
	}, applianceClient, db.Tuners, db.Viewers)
	if err != nil {
		log.Fatalf("live: %v", err)
	}

	guidePlane := guide.NewPlane(guide.Config{
		CloudBaseURL:   cfg.CloudBaseURL,
		DeviceAuth:     "", // empty at start; replaced from a discovered appliance after the cloud's first 403
		Freshness:      cfg.GuideFreshness,
		HarvestRate:    cfg.GuideHarvestRate,
		HarvestPeriod:  cfg.GuideHarvestPeriod,
	}, db.Guide, db.Rules, &guide.DiscoveryAuthSource{Registry: registry}, &guide.DiscoveryNotifier{Registry: registry})

	syncAdapter := appsync.NewAdapter(db.Devices, db.Series, db.Episodes, engine)

	channels := func() []guide.ChannelSpec {
		var out []guide.ChannelSpec
		for _, a := range registry.Snapshot() {
			if a.LineupURL == "" {
				continue
			}
			entries, err := discovery.FetchLineup(context.Background(), a.BaseURL)
			if err != nil {
				log.Printf("[main] lineup fetch %s: %v", a.DeviceID, err)
				continue
			}
			for _, e := range entries {
				out = append(out, guide.ChannelSpec{GuideNumber: e.GuideNumber, GuideName: e.GuideName})
			}
		}
		return out
	}

	server := &api.Server{
		Addr:      cfg.ListenAddr,
		Transcode: engine,
		Live:      liveAllocator,
		Guide:     guidePlane,
		Sync:      syncAdapter,
		Episodes:  db.Episodes,
		Discovery: registry,
		Cloud:     guidePlane,
		Channels:  channels,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runDiscoveryLoop(ctx, registry, guidePlane, liveAllocator, cfg.DiscoveryInterval, cfg.SubnetScanEnabled, cfg.SubnetScanConcurrency)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		guidePlane.RunHarvestLoop(ctx, channels)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		syncAdapter.RunSyncLoop(ctx, time.Hour, dvrApplianceSource{registry})
	}()

	log.Print("[main] tunerbridge starting")
	if err := server.Run(ctx); err != nil {
		log.Fatalf("api: %v", err)
	}
	wg.Wait()
	log.Print("[main] tunerbridge stopped")
}

// runDiscoveryLoop re-runs a discovery pass on DiscoveryInterval, using
// the guide plane as the cloud device lister, and after each pass
// registers every tuner of each known appliance with the live allocator.
// It does not set the guide plane's DeviceAuth; the plane takes a token
// from the registry when the cloud answers 403 (spec §7 "DeviceAuth is
// sourced from an appliance's discover.json, never obtained independently").
func runDiscoveryLoop(ctx context.Context, registry *discovery.Registry, plane *guide.Plane, alloc *live.Allocator, interval time.Duration, subnetScan bool, subnetConcurrency int) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	run := func() {
		if err := registry.Run(ctx, discovery.Config{
			CloudLister:       plane,
			SubnetScan:        subnetScan,
			SubnetConcurrency: subnetConcurrency,
		}); err != nil {
			log.Printf("[main] discovery pass: %v", err)
		}
		for _, a := range registry.Snapshot() {
			for i := 0; i < a.TunerCount; i++ {
				alloc.RegisterTuner(a.DeviceID, i, a.BaseURL, a.Online)
			}
		}
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// dvrApplianceSource adapts discovery.Registry to internal/sync's
// ApplianceSource, converting between the two packages' identical but
// separately declared ApplianceRef types to avoid an import cycle.
type dvrApplianceSource struct {
	registry *discovery.Registry
}

func (d dvrApplianceSource) DVRCapableAppliances() []appsync.ApplianceRef {
	refs := d.registry.DVRCapableAppliances()
	out := make([]appsync.ApplianceRef, 0, len(refs))
	for _, r := range refs {
		out = append(out, appsync.ApplianceRef{DeviceID: r.DeviceID, BaseURL: r.BaseURL, StorageURL: r.StorageURL})
	}
	return out
}
