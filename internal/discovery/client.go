package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tunerbridge/tunerbridge/internal/httpclient"
	"github.com/tunerbridge/tunerbridge/internal/safeurl"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

// ApplianceAdapter implements live.ApplianceClient against the
// appliances held in a Registry, so the live allocator never talks to
// discovery internals directly.
type ApplianceAdapter struct {
	registry *Registry
}

func NewApplianceAdapter(registry *Registry) *ApplianceAdapter {
	return &ApplianceAdapter{registry: registry}
}

type tunerStatus struct {
	Resource  string `json:"Resource"`
	VctNumber string `json:"VctNumber"`
	InUse     int    `json:"InUse"`
}

// TunerAvailable GETs {baseURL}/status.json and reports whether any
// tuner on the device is free (spec §4.2 step 2/3: a tuner counts busy
// when InUse==1 or VctNumber is set).
func (a *ApplianceAdapter) TunerAvailable(ctx context.Context, deviceID string) (bool, error) {
	appliance, ok := a.registry.Get(deviceID)
	if !ok {
		return false, tunererr.New(tunererr.NotFound, "ApplianceAdapter.TunerAvailable", fmt.Errorf("unknown device %s", deviceID))
	}
	if !safeurl.IsHTTPOrHTTPS(appliance.BaseURL) {
		return false, tunererr.New(tunererr.InvalidArgument, "ApplianceAdapter.TunerAvailable", fmt.Errorf("unsafe scheme: %s", appliance.BaseURL))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, appliance.BaseURL+"/status.json", nil)
	if err != nil {
		return false, err
	}
	client := httpclient.ForAppliance()
	release := httpclient.GlobalHostSem.Acquire(appliance.BaseURL)
	defer release()
	resp, err := client.Do(req)
	if err != nil {
		return false, tunererr.New(tunererr.UpstreamUnreachable, "ApplianceAdapter.TunerAvailable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, tunererr.New(tunererr.UpstreamUnavailable, "ApplianceAdapter.TunerAvailable", fmt.Errorf("status %d", resp.StatusCode))
	}
	var tuners []tunerStatus
	if err := json.NewDecoder(resp.Body).Decode(&tuners); err != nil {
		return false, tunererr.New(tunererr.InvalidArgument, "ApplianceAdapter.TunerAvailable", err)
	}
	for _, t := range tuners {
		if t.InUse == 0 && t.VctNumber == "" {
			return true, nil
		}
	}
	return false, nil
}

// StreamURL builds the appliance's live MPEG-TS URL for a channel
// (spec §6 "GET /auto/v{channel} -> live MPEG-TS").
func (a *ApplianceAdapter) StreamURL(deviceID, channel string) (string, error) {
	appliance, ok := a.registry.Get(deviceID)
	if !ok {
		return "", tunererr.New(tunererr.NotFound, "ApplianceAdapter.StreamURL", fmt.Errorf("unknown device %s", deviceID))
	}
	return appliance.BaseURL + "/auto/v" + channel, nil
}

// DVRCapableAppliances lists every known appliance that exposes a
// recording catalog (spec §4.5: StorageURL presence marks DVR
// capability).
func (r *Registry) DVRCapableAppliances() []ApplianceRef {
	snapshot := r.Snapshot()
	out := make([]ApplianceRef, 0, len(snapshot))
	for _, a := range snapshot {
		if a.StorageURL == "" {
			continue
		}
		out = append(out, ApplianceRef{DeviceID: a.DeviceID, BaseURL: a.BaseURL, StorageURL: a.StorageURL})
	}
	return out
}

// ApplianceRef is the minimal appliance identity internal/sync needs,
// mirrored here to satisfy its ApplianceSource interface without an
// import cycle.
type ApplianceRef struct {
	DeviceID   string
	BaseURL    string
	StorageURL string
}
