// Package guide implements the Guide & Recording-Rule Plane (spec
// §4.6): a cached view of the vendor cloud's programme guide and
// recording rules, refreshed on a freshness window, with rule mutations
// fanned out to known appliances.
package guide

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tunerbridge/tunerbridge/internal/store"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

// DeviceAuthSource supplies a fallback DeviceAuth token from any
// currently-known appliance, used when the cloud reports the cached
// token expired (spec §7 "AuthExpired ... refresh DeviceAuth from any
// local appliance, retry once").
type DeviceAuthSource interface {
	AnyDeviceAuth() (string, bool)
}

// ApplianceNotifier fans out a rule-change notification to every known
// appliance (spec §6 "POST /recording_events.post?sync").
type ApplianceNotifier interface {
	NotifyRecordingEventsChanged(ctx context.Context)
}

// Config holds the guide plane's tunables (spec §6).
type Config struct {
	CloudBaseURL   string
	DeviceAuth     string
	Freshness      time.Duration
	HarvestRate    float64 // requests/sec ceiling
	HarvestPeriod  time.Duration
}

// Plane is the Guide & Recording-Rule Plane.
type Plane struct {
	cfg      Config
	cloud    *CloudClient
	store    *store.GuideRepo
	rules    *store.RuleRepo
	authSrc  DeviceAuthSource
	notifier ApplianceNotifier
}

// NewPlane constructs a Plane. authSrc and notifier may be nil in tests
// that don't exercise the AuthExpired-refresh or fan-out paths.
func NewPlane(cfg Config, guideRepo *store.GuideRepo, ruleRepo *store.RuleRepo, authSrc DeviceAuthSource, notifier ApplianceNotifier) *Plane {
	return &Plane{
		cfg:      cfg,
		cloud:    NewCloudClient(cfg.CloudBaseURL, cfg.DeviceAuth, cfg.HarvestRate),
		store:    guideRepo,
		rules:    ruleRepo,
		authSrc:  authSrc,
		notifier: notifier,
	}
}

// ensureFresh triggers a harvest when no channel is stored yet or when
// the least recently updated channel's last_updated is older than
// cfg.Freshness; one stale channel is enough to trigger it.
func (p *Plane) ensureFresh(ctx context.Context, channels []ChannelSpec) error {
	oldest, err := p.store.OldestChannelUpdate()
	if err != nil {
		return fmt.Errorf("guide: freshness check: %w", err)
	}
	if oldest != 0 && time.Since(time.Unix(oldest, 0)) < p.cfg.Freshness {
		return nil
	}
	return p.Harvest(ctx, channels)
}

// ChannelSpec is one lineup entry the harvest loop pulls guide data for.
type ChannelSpec struct {
	GuideNumber string
	GuideName   string
}

// Harvest fetches guide data for each channel and stores it, refreshing
// DeviceAuth once on a 403 (spec §7 AuthExpired).
func (p *Plane) Harvest(ctx context.Context, channels []ChannelSpec) error {
	start := time.Now()
	windowStart := start.Unix()
	windowEnd := start.Add(14 * 24 * time.Hour).Unix()

	for _, ch := range channels {
		channelRow, err := p.store.UpsertChannel(&store.Channel{GuideNumber: ch.GuideNumber, GuideName: ch.GuideName, LastUpdated: start.Unix()})
		if err != nil {
			log.Printf("[guide] upsert channel %s: %v", ch.GuideNumber, err)
			continue
		}
		progs, err := p.fetchGuideWithRetry(ctx, ch.GuideNumber, windowStart, windowEnd)
		if err != nil {
			log.Printf("[guide] harvest %s: %v", ch.GuideNumber, err)
			continue
		}
		for _, prog := range progs {
			prog.ChannelRow = channelRow
			if err := p.store.InsertProgram(prog); err != nil {
				log.Printf("[guide] insert program %s/%d: %v", ch.GuideNumber, prog.StartTime, err)
			}
		}
	}
	log.Printf("[guide] harvest complete: %d channels in %s", len(channels), time.Since(start))
	return nil
}

func (p *Plane) fetchGuideWithRetry(ctx context.Context, channel string, start, end int64) ([]*store.Program, error) {
	progs, err := p.cloud.FetchGuide(ctx, channel, start, end)
	if err == nil {
		return progs, nil
	}
	if tunererr.Is(err, tunererr.AuthExpired) {
		if refreshed, ok := p.refreshAuth(); ok {
			p.cloud.SetDeviceAuth(refreshed)
			return p.cloud.FetchGuide(ctx, channel, start, end)
		}
	}
	return nil, err
}

func (p *Plane) refreshAuth() (string, bool) {
	if p.authSrc == nil {
		return "", false
	}
	return p.authSrc.AnyDeviceAuth()
}

// RunHarvestLoop periodically re-harvests the given channels every
// cfg.HarvestPeriod until ctx is cancelled (spec §4.6 "periodic 12-hour
// background refresh").
func (p *Plane) RunHarvestLoop(ctx context.Context, channels func() []ChannelSpec) {
	period := p.cfg.HarvestPeriod
	if period <= 0 {
		period = 12 * time.Hour
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Harvest(ctx, channels()); err != nil {
				log.Printf("[guide] periodic harvest: %v", err)
			}
		}
	}
}

// Window returns programs overlapping [start, end), refreshing first if
// stale.
func (p *Plane) Window(ctx context.Context, channels []ChannelSpec, start, end int64) ([]*store.Program, error) {
	if err := p.ensureFresh(ctx, channels); err != nil {
		log.Printf("[guide] freshness refresh failed, serving cached data: %v", err)
	}
	return p.store.WindowByChannel(start, end)
}

// Now returns programs airing at the current instant.
func (p *Plane) Now(ctx context.Context, channels []ChannelSpec) ([]*store.Program, error) {
	now := time.Now().Unix()
	return p.Window(ctx, channels, now, now+1)
}

// Search substring-matches across a forward 7-day window (spec §4.6).
func (p *Plane) Search(ctx context.Context, q string, channelRow int64, limit int) ([]*store.Program, error) {
	now := time.Now().Unix()
	return p.store.Search(q, channelRow, now, now+7*24*3600, limit)
}

// ListDevices delegates to the cloud client, letting a Plane stand in
// directly for discovery.CloudDeviceLister.
func (p *Plane) ListDevices(ctx context.Context) ([]string, error) {
	return p.cloud.ListDevices(ctx)
}

// Ping delegates to the cloud client, letting a Plane stand in directly
// for api.CloudPinger.
func (p *Plane) Ping(ctx context.Context) error {
	return p.cloud.Ping(ctx)
}
