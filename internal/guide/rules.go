package guide

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/tunerbridge/tunerbridge/internal/discovery"
	"github.com/tunerbridge/tunerbridge/internal/httpclient"
	"github.com/tunerbridge/tunerbridge/internal/store"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

// Rules lists the cached rule set (spec §4.6's read side of the plane).
func (p *Plane) Rules(ctx context.Context) ([]*store.Rule, error) {
	return p.rules.All()
}

// MutateRule writes a rule command through to the cloud, reconciles the
// local cache against the cloud's full list, then fans the resync signal
// out to every known appliance (spec §4.6 steps 1-2, §8 scenario 6).
func (p *Plane) MutateRule(ctx context.Context, cmd RuleCommand) (*store.Rule, error) {
	result, err := p.postRuleWithRetry(ctx, cmd)
	if err != nil {
		return nil, err
	}

	current, err := p.cloud.FetchRecordingRules(ctx)
	if err != nil {
		log.Printf("[guide] post-mutation rule list refresh failed: %v", err)
	} else if err := p.rules.ReplaceAll(current); err != nil {
		log.Printf("[guide] rule cache reconcile failed: %v", err)
	}

	if p.notifier != nil {
		p.notifier.NotifyRecordingEventsChanged(ctx)
	}
	return result, nil
}

func (p *Plane) postRuleWithRetry(ctx context.Context, cmd RuleCommand) (*store.Rule, error) {
	result, err := p.cloud.PostRecordingRule(ctx, cmd)
	if err == nil {
		return result, nil
	}
	if tunererr.Is(err, tunererr.AuthExpired) {
		if refreshed, ok := p.refreshAuth(); ok {
			p.cloud.SetDeviceAuth(refreshed)
			return p.cloud.PostRecordingRule(ctx, cmd)
		}
	}
	return nil, err
}

// DiscoveryAuthSource adapts a discovery.Registry into a
// guide.DeviceAuthSource: the refreshed DeviceAuth is the first non-empty
// token found in the registry snapshot, whose order is not defined (spec §7
// "refresh DeviceAuth from any local appliance").
type DiscoveryAuthSource struct {
	Registry *discovery.Registry
}

func (d *DiscoveryAuthSource) AnyDeviceAuth() (string, bool) {
	for _, a := range d.Registry.Snapshot() {
		if a.DeviceAuth != "" {
			return a.DeviceAuth, true
		}
	}
	return "", false
}

// DiscoveryNotifier fans `POST /recording_events.post?sync` out to every
// known appliance in parallel, best-effort (spec §4.6 step 2).
type DiscoveryNotifier struct {
	Registry *discovery.Registry
}

func (d *DiscoveryNotifier) NotifyRecordingEventsChanged(ctx context.Context) {
	appliances := d.Registry.Snapshot()
	var wg sync.WaitGroup
	client := httpclient.ForAppliance()
	for _, a := range appliances {
		wg.Add(1)
		go func(baseURL string) {
			defer wg.Done()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/recording_events.post?sync", nil)
			if err != nil {
				log.Printf("[guide] build resync request for %s: %v", baseURL, err)
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				log.Printf("[guide] resync notify %s: %v", baseURL, err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= 400 {
				log.Printf("[guide] resync notify %s: %s", baseURL, resp.Status)
			}
		}(a.BaseURL)
	}
	wg.Wait()
}
