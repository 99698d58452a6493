package guide

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tunerbridge/tunerbridge/internal/store"
)

func newTestPlane(t *testing.T, baseURL string) (*Plane, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "tunerbridge.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := Config{
		CloudBaseURL: baseURL,
		DeviceAuth:   "stale-token",
		Freshness:    15 * time.Minute,
		HarvestRate:  100,
	}
	p := NewPlane(cfg, db.Guide, db.Rules, nil, nil)
	return p, db
}

func TestHarvestStoresChannelAndPrograms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]cloudProgram{
			{SeriesID: "SH123", Title: "Example Show", EpisodeTitle: "Pilot", StartTime: 1000, EndTime: 2000},
		})
	}))
	defer srv.Close()

	p, _ := newTestPlane(t, srv.URL)
	err := p.Harvest(t.Context(), []ChannelSpec{{GuideNumber: "2.1", GuideName: "Example"}})
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}

	progs, err := p.store.WindowByChannel(0, 3000)
	if err != nil {
		t.Fatalf("WindowByChannel: %v", err)
	}
	if len(progs) != 1 || progs[0].Title != "Example Show" {
		t.Fatalf("unexpected programs: %+v", progs)
	}
}

type fixedAuthSource struct{ token string }

func (f fixedAuthSource) AnyDeviceAuth() (string, bool) { return f.token, true }

func TestHarvestRetriesOnceAfterAuthExpired(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("DeviceAuth") == "stale-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode([]cloudProgram{{SeriesID: "S1", Title: "Refreshed", StartTime: 100, EndTime: 200}})
	}))
	defer srv.Close()

	p, _ := newTestPlane(t, srv.URL)
	p.authSrc = fixedAuthSource{token: "fresh-token"}

	if err := p.Harvest(t.Context(), []ChannelSpec{{GuideNumber: "2.1"}}); err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", calls)
	}
	progs, _ := p.store.WindowByChannel(0, 300)
	if len(progs) != 1 || progs[0].Title != "Refreshed" {
		t.Fatalf("expected refreshed program to be stored, got %+v", progs)
	}
}

func TestMutateRuleFansOutToAppliances(t *testing.T) {
	ruleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(cloudRule{RecordingRuleID: "R1", SeriesID: "S1", ChannelOnly: "2.1"})
		default:
			json.NewEncoder(w).Encode([]cloudRule{{RecordingRuleID: "R1", SeriesID: "S1", ChannelOnly: "2.1"}})
		}
	}))
	defer ruleSrv.Close()

	var notified int32
	applianceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notified++
		w.WriteHeader(http.StatusOK)
	}))
	defer applianceSrv.Close()

	p, _ := newTestPlane(t, ruleSrv.URL)
	notifier := &stubNotifier{}
	p.notifier = notifier

	_, err := p.MutateRule(t.Context(), RuleCommand{Cmd: "add", Rule: &store.Rule{SeriesID: "S1", ChannelOnly: "2.1"}})
	if err != nil {
		t.Fatalf("MutateRule: %v", err)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected one appliance fan-out notification, got %d", notifier.calls)
	}

	rules, err := p.Rules(context.Background())
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(rules) != 1 || rules[0].RecordingRuleID != "R1" {
		t.Fatalf("expected reconciled rule cache, got %+v", rules)
	}
}

type stubNotifier struct{ calls int }

func (s *stubNotifier) NotifyRecordingEventsChanged(ctx context.Context) { s.calls++ }
