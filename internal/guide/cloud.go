package guide

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"github.com/tunerbridge/tunerbridge/internal/httpclient"
	"github.com/tunerbridge/tunerbridge/internal/store"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

// CloudClient talks to the vendor cloud guide/rule API (spec §6):
//
//	GET  https://{cloud}/api/recording_rules?DeviceAuth=…
//	POST https://{cloud}/api/recording_rules
//	GET  https://{cloud}/api/guide?DeviceAuth=…&Start=…&Duration=…&Channel=…
type CloudClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter

	mu         sync.RWMutex
	deviceAuth string
}

// NewCloudClient builds a client rate-limited to reqsPerSec (spec §4.6's
// harvest loop must not outrun the cloud's own limits).
func NewCloudClient(baseURL, deviceAuth string, reqsPerSec float64) *CloudClient {
	if reqsPerSec <= 0 {
		reqsPerSec = 2.0
	}
	return &CloudClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     httpclient.ForCloud(),
		limiter:    rate.NewLimiter(rate.Limit(reqsPerSec), 1),
		deviceAuth: deviceAuth,
	}
}

// SetDeviceAuth replaces the cached token after an AuthExpired refresh.
func (c *CloudClient) SetDeviceAuth(token string) {
	c.mu.Lock()
	c.deviceAuth = token
	c.mu.Unlock()
}

func (c *CloudClient) deviceAuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceAuth
}

// cloudProgram is the wire shape of one guide entry returned by the cloud.
type cloudProgram struct {
	SeriesID     string `json:"SeriesID"`
	Title        string `json:"Title"`
	EpisodeTitle string `json:"EpisodeTitle"`
	Synopsis     string `json:"Synopsis"`
	StartTime    int64  `json:"StartTime"`
	EndTime      int64  `json:"EndTime"`
}

// FetchGuide fetches the guide window for one channel (spec §6's
// `GET /api/guide?DeviceAuth=…&Start=…&Duration=…&Channel=…`).
func (c *CloudClient) FetchGuide(ctx context.Context, channel string, start, end int64) ([]*store.Program, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, tunererr.New(tunererr.Internal, "FetchGuide", err)
	}

	q := url.Values{}
	q.Set("DeviceAuth", c.deviceAuthToken())
	q.Set("Start", strconv.FormatInt(start, 10))
	q.Set("Duration", strconv.FormatInt(end-start, 10))
	q.Set("Channel", channel)

	var out []cloudProgram
	if err := c.getJSON(ctx, "/api/guide?"+q.Encode(), &out); err != nil {
		return nil, err
	}

	progs := make([]*store.Program, 0, len(out))
	for _, p := range out {
		progs = append(progs, &store.Program{
			SeriesID:     p.SeriesID,
			Title:        p.Title,
			EpisodeTitle: p.EpisodeTitle,
			Synopsis:     p.Synopsis,
			StartTime:    p.StartTime,
			EndTime:      p.EndTime,
		})
	}
	return progs, nil
}

// cloudRule is the wire shape of one recording rule (spec §3/§6).
type cloudRule struct {
	RecordingRuleID          string `json:"RecordingRuleID"`
	SeriesID                 string `json:"SeriesID"`
	Title                    string `json:"Title"`
	Synopsis                 string `json:"Synopsis"`
	ArtworkURL               string `json:"ArtworkURL"`
	ChannelOnly              string `json:"ChannelOnly"`
	TeamOnly                 string `json:"TeamOnly"`
	RecentOnly               bool   `json:"RecentOnly"`
	AfterOriginalAirdateOnly int64  `json:"AfterOriginalAirdateOnly"`
	DateTimeOnly             int64  `json:"DateTimeOnly"`
	Priority                 int    `json:"Priority"`
	StartPadding             int    `json:"StartPadding"`
	EndPadding               int    `json:"EndPadding"`
}

// FetchRecordingRules lists every rule currently owned by the cloud
// (spec §6 `GET /api/recording_rules?DeviceAuth=…`).
func (c *CloudClient) FetchRecordingRules(ctx context.Context) ([]*store.Rule, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, tunererr.New(tunererr.Internal, "FetchRecordingRules", err)
	}

	q := url.Values{}
	q.Set("DeviceAuth", c.deviceAuthToken())

	var out []cloudRule
	if err := c.getJSON(ctx, "/api/recording_rules?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	rules := make([]*store.Rule, 0, len(out))
	for _, r := range out {
		rules = append(rules, toStoreRule(r))
	}
	return rules, nil
}

func toStoreRule(r cloudRule) *store.Rule {
	return &store.Rule{
		RecordingRuleID:      r.RecordingRuleID,
		SeriesID:             r.SeriesID,
		Title:                r.Title,
		Synopsis:             r.Synopsis,
		ArtworkURL:           r.ArtworkURL,
		ChannelOnly:          r.ChannelOnly,
		TeamOnly:             r.TeamOnly,
		RecentOnly:           r.RecentOnly,
		AfterOriginalAirdate: r.AfterOriginalAirdateOnly,
		DateTimeOnly:         r.DateTimeOnly,
		Priority:             r.Priority,
		StartPadding:         r.StartPadding,
		EndPadding:           r.EndPadding,
	}
}

// RuleCommand mutates a recording rule (spec §6's Cmd=add|delete|change).
type RuleCommand struct {
	Cmd   string // "add", "delete", "change"
	Rule  *store.Rule
}

// PostRecordingRule submits a rule mutation to the cloud (spec §4.6 step 1).
func (c *CloudClient) PostRecordingRule(ctx context.Context, cmd RuleCommand) (*store.Rule, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, tunererr.New(tunererr.Internal, "PostRecordingRule", err)
	}

	form := url.Values{}
	form.Set("DeviceAuth", c.deviceAuthToken())
	form.Set("Cmd", cmd.Cmd)
	form.Set("SeriesID", cmd.Rule.SeriesID)
	form.Set("ChannelOnly", cmd.Rule.ChannelOnly)
	form.Set("TeamOnly", cmd.Rule.TeamOnly)
	form.Set("RecentOnly", strconv.FormatBool(cmd.Rule.RecentOnly))
	form.Set("AfterOriginalAirdateOnly", strconv.FormatInt(cmd.Rule.AfterOriginalAirdate, 10))
	form.Set("DateTimeOnly", strconv.FormatInt(cmd.Rule.DateTimeOnly, 10))
	form.Set("Priority", strconv.Itoa(cmd.Rule.Priority))
	form.Set("StartPadding", strconv.Itoa(cmd.Rule.StartPadding))
	form.Set("EndPadding", strconv.Itoa(cmd.Rule.EndPadding))
	if cmd.Rule.RecordingRuleID != "" {
		form.Set("RecordingRuleID", cmd.Rule.RecordingRuleID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/recording_rules", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, tunererr.New(tunererr.Internal, "PostRecordingRule", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept-Encoding", "br, gzip")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, tunererr.New(tunererr.UpstreamUnreachable, "PostRecordingRule", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, tunererr.New(tunererr.AuthExpired, "PostRecordingRule", fmt.Errorf("cloud returned 403"))
	}
	if resp.StatusCode >= 500 {
		return nil, tunererr.New(tunererr.UpstreamUnavailable, "PostRecordingRule", fmt.Errorf("cloud status %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, tunererr.New(tunererr.Internal, "PostRecordingRule", fmt.Errorf("cloud status %s", resp.Status))
	}

	var out cloudRule
	if err := json.NewDecoder(decodeBody(resp)).Decode(&out); err != nil {
		return nil, tunererr.New(tunererr.Internal, "PostRecordingRule", err)
	}
	return toStoreRule(out), nil
}

func (c *CloudClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return tunererr.New(tunererr.Internal, "getJSON", err)
	}
	req.Header.Set("Accept-Encoding", "br, gzip")
	resp, err := httpclient.DoWithRetry(ctx, c.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return tunererr.New(tunererr.UpstreamUnreachable, "getJSON", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return tunererr.New(tunererr.AuthExpired, "getJSON", fmt.Errorf("cloud returned 403 for %s", path))
	case resp.StatusCode >= 500:
		return tunererr.New(tunererr.UpstreamUnavailable, "getJSON", fmt.Errorf("cloud status %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tunererr.New(tunererr.Internal, "getJSON", fmt.Errorf("cloud status %s: %s", resp.Status, body))
	}

	body := decodeBody(resp)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return tunererr.New(tunererr.Internal, "getJSON", err)
	}
	return nil
}

// decodeBody unwraps br/gzip response bodies. net/http only decodes
// gzip transparently when the request leaves Accept-Encoding unset;
// advertising brotli support here means this client owns decoding both
// encodings itself.
func decodeBody(resp *http.Response) io.Reader {
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		return brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body
		}
		return gz
	default:
		return resp.Body
	}
}

// cloudDeviceListResponse is the vendor "find my devices" response used as
// a UDP-discovery fallback (spec §6.1 "query a vendor cloud endpoint for a
// device list").
type cloudDeviceListResponse []struct {
	LocalIP string `json:"LocalIP"`
}

// ListDevices implements discovery.CloudDeviceLister.
func (c *CloudClient) ListDevices(ctx context.Context) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, tunererr.New(tunererr.Internal, "ListDevices", err)
	}
	q := url.Values{}
	q.Set("DeviceAuth", c.deviceAuthToken())

	var out cloudDeviceListResponse
	if err := c.getJSON(ctx, "/api/discover?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(out))
	for _, d := range out {
		if d.LocalIP != "" {
			addrs = append(addrs, d.LocalIP)
		}
	}
	return addrs, nil
}

// Ping checks vendor cloud reachability for the /healthz endpoint, one
// lightweight GET against the same rules endpoint the recording-rule
// plane already uses.
func (c *CloudClient) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return tunererr.New(tunererr.InvalidArgument, "Ping", fmt.Errorf("no cloud base URL configured"))
	}
	var out []cloudRule
	return c.getJSON(ctx, "/api/recording_rules?"+url.Values{"DeviceAuth": {c.deviceAuthToken()}}.Encode(), &out)
}
