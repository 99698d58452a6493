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

// LineupEntry is one channel from an appliance's lineup.json (spec §6
// "GET /lineup.json -> channel lineup").
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// FetchLineup GETs {baseURL}/lineup.json, the source of the channel set
// the guide plane harvests programme data for.
func FetchLineup(ctx context.Context, baseURL string) ([]LineupEntry, error) {
	if !safeurl.IsHTTPOrHTTPS(baseURL) {
		return nil, tunererr.New(tunererr.InvalidArgument, "discovery.FetchLineup", fmt.Errorf("unsafe scheme: %s", baseURL))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/lineup.json", nil)
	if err != nil {
		return nil, err
	}
	client := httpclient.ForAppliance()
	release := httpclient.GlobalHostSem.Acquire(baseURL)
	defer release()
	resp, err := client.Do(req)
	if err != nil {
		return nil, tunererr.New(tunererr.UpstreamUnreachable, "discovery.FetchLineup", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, tunererr.New(tunererr.UpstreamUnavailable, "discovery.FetchLineup", fmt.Errorf("status %d", resp.StatusCode))
	}
	var entries []LineupEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, tunererr.New(tunererr.InvalidArgument, "discovery.FetchLineup", err)
	}
	return entries, nil
}
