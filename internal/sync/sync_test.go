package sync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tunerbridge/tunerbridge/internal/store"
)

func newTestAdapter(t *testing.T) (*Adapter, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "tunerbridge.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAdapter(db.Devices, db.Series, db.Episodes, nil), db
}

func TestSyncDeviceUpsertsSeriesAndEpisodes(t *testing.T) {
	var episodesURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/recorded_files.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]recordedSeries{
			{SeriesID: "S1", Title: "Example Show", EpisodesURL: episodesURL},
		})
	})
	mux.HandleFunc("/episodes.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]recordedEpisode{
			{ProgramID: "P1", Title: "Example Show", EpisodeTitle: "Pilot", StartTime: 1000, EndTime: 2000, Resume: 0xFFFFFFFF},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	episodesURL = srv.URL + "/episodes.json"

	a, db := newTestAdapter(t)
	dev := store.Device{DeviceID: "DEV1", BaseURL: srv.URL, StorageURL: srv.URL + "/recorded_files.json"}

	if err := a.SyncDevice(t.Context(), dev); err != nil {
		t.Fatalf("SyncDevice: %v", err)
	}

	deviceRow, err := db.Devices.ByDeviceID("DEV1")
	if err != nil {
		t.Fatalf("ByDeviceID: %v", err)
	}
	seriesList, err := db.Series.ByTitleSorted(deviceRow.RowID)
	if err != nil || len(seriesList) != 1 {
		t.Fatalf("ByTitleSorted: %v, %+v", err, seriesList)
	}
	episodes, err := db.Episodes.BySeriesSortedByStart(seriesList[0].RowID)
	if err != nil || len(episodes) != 1 {
		t.Fatalf("BySeriesSortedByStart: %v, %+v", err, episodes)
	}
	ep := episodes[0]
	if ep.ResumePosition != ep.Duration || !ep.Watched {
		t.Fatalf("sentinel resume not canonicalized: resume=%d duration=%d watched=%v", ep.ResumePosition, ep.Duration, ep.Watched)
	}
}

func TestUpdateProgressWritesLocalRowBeforeAppliance(t *testing.T) {
	var cmdHit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmdHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, db := newTestAdapter(t)
	deviceRow, _ := db.Devices.Upsert(&store.Device{DeviceID: "DEV1"})
	seriesRow, _ := db.Series.Upsert(&store.Series{DeviceRowID: deviceRow, SeriesID: "S1", Title: "Example"})
	epRow, _ := db.Episodes.Upsert(&store.Episode{SeriesRowID: seriesRow, ProgramID: "P1", StartTime: 0, EndTime: 1800, CmdURL: srv.URL})
	ep, _ := db.Episodes.ByID(epRow)

	if err := a.UpdateProgress(t.Context(), *ep, 900, false); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, err := db.Episodes.ByID(epRow)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if got.ResumePosition != 900 || got.Watched {
		t.Fatalf("local row not updated: %+v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !cmdHit && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !cmdHit {
		t.Fatal("expected fire-and-observe POST to reach appliance")
	}
}

func TestDeleteEpisodeFailsFastOnApplianceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, db := newTestAdapter(t)
	deviceRow, _ := db.Devices.Upsert(&store.Device{DeviceID: "DEV1"})
	seriesRow, _ := db.Series.Upsert(&store.Series{DeviceRowID: deviceRow, SeriesID: "S1", Title: "Example"})
	epRow, _ := db.Episodes.Upsert(&store.Episode{SeriesRowID: seriesRow, ProgramID: "P1", CmdURL: srv.URL})
	ep, _ := db.Episodes.ByID(epRow)

	if err := a.DeleteEpisode(t.Context(), *ep, false); err == nil {
		t.Fatal("expected DeleteEpisode to fail fast on appliance error")
	}

	if _, err := db.Episodes.ByID(epRow); err != nil {
		t.Fatalf("local row should survive a failed appliance delete: %v", err)
	}
}
