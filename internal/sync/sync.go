// Package sync is the Metadata Sync & Persistence Adapter (spec §4.5):
// it pulls each DVR-capable appliance's series/episode catalog into the
// relational store and brokers progress/delete writes back to the
// appliance that owns the recording.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tunerbridge/tunerbridge/internal/httpclient"
	"github.com/tunerbridge/tunerbridge/internal/store"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

// TranscodeDeleter removes the HLS cache directory for an episode
// (spec §4.5 delete path step 2). Declared locally to avoid an import
// cycle with internal/transcode.
type TranscodeDeleter interface {
	DeleteTranscode(episodeID string) error
}

// ApplianceSource lists the appliances currently known to be
// DVR-capable, i.e. expose a recording catalog.
type ApplianceSource interface {
	DVRCapableAppliances() []ApplianceRef
}

// ApplianceRef is the minimal appliance identity the sync adapter needs.
type ApplianceRef struct {
	DeviceID   string
	BaseURL    string
	StorageURL string // presence already established by the caller
}

// Adapter drives catalog sync and progress/delete fan-out.
type Adapter struct {
	client     *http.Client
	devices    *store.DeviceRepo
	series     *store.SeriesRepo
	episodes   *store.EpisodeRepo
	transcoder TranscodeDeleter
}

func NewAdapter(devices *store.DeviceRepo, series *store.SeriesRepo, episodes *store.EpisodeRepo, transcoder TranscodeDeleter) *Adapter {
	return &Adapter{
		client:     httpclient.ForAppliance(),
		devices:    devices,
		series:     series,
		episodes:   episodes,
		transcoder: transcoder,
	}
}

// wire shapes of the appliance's recorded_files.json and EpisodesURL responses.
type recordedSeries struct {
	SeriesID    string `json:"SeriesID"`
	Title       string `json:"Title"`
	Category    string `json:"Category"`
	ImageURL    string `json:"ImageURL"`
	EpisodesURL string `json:"EpisodesURL"`
}

type recordedEpisode struct {
	ProgramID       string `json:"ProgramID"`
	Title           string `json:"Title"`
	EpisodeTitle    string `json:"EpisodeTitle"`
	SeasonEpisode   string `json:"SeasonEpisode"`
	Synopsis        string `json:"Synopsis"`
	ChannelName     string `json:"ChannelName"`
	ChannelNumber   string `json:"ChannelNumber"`
	StartTime       int64  `json:"StartTime"`
	EndTime         int64  `json:"EndTime"`
	OriginalAirdate int64  `json:"OriginalAirdate"`
	RecordStartTime int64  `json:"RecordStartTime"`
	RecordEndTime   int64  `json:"RecordEndTime"`
	Filename        string `json:"Filename"`
	PlayURL         string `json:"PlayURL"`
	CmdURL          string `json:"CmdURL"`
	Resume          uint32 `json:"Resume"`
	RecordSuccess   bool   `json:"RecordSuccess"`
	ImageURL        string `json:"ImageURL"`
}

// RunSyncLoop periodically syncs every currently DVR-capable appliance
// until ctx is cancelled.
func (a *Adapter) RunSyncLoop(ctx context.Context, interval time.Duration, source ApplianceSource) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ref := range source.DVRCapableAppliances() {
				if err := a.SyncDevice(ctx, store.Device{
					DeviceID:   ref.DeviceID,
					BaseURL:    ref.BaseURL,
					StorageURL: ref.StorageURL,
					Online:     true,
				}); err != nil {
					log.Printf("[sync] device %s: %v", ref.DeviceID, err)
				}
			}
		}
	}
}

// SyncDevice pulls one appliance's full catalog (spec §4.5 "fetch
// pattern"): series list, then each series' episode list, upserting
// Device/Series/Episode rows. A per-sync correlation id ties the log
// lines for one pass together.
func (a *Adapter) SyncDevice(ctx context.Context, dev store.Device) error {
	corrID := uuid.NewString()
	log.Printf("[sync %s] device %s: fetching recorded_files.json", corrID, dev.DeviceID)

	deviceRowID, err := a.devices.Upsert(&dev)
	if err != nil {
		return fmt.Errorf("sync: upsert device %s: %w", dev.DeviceID, err)
	}

	seriesList, err := a.fetchRecordedFiles(ctx, dev.StorageURL)
	if err != nil {
		return fmt.Errorf("sync: fetch recorded_files.json from %s: %w", dev.DeviceID, err)
	}

	for _, rs := range seriesList {
		seriesRowID, err := a.series.Upsert(&store.Series{
			DeviceRowID: deviceRowID,
			SeriesID:    rs.SeriesID,
			Title:       rs.Title,
			Category:    rs.Category,
			ArtworkURL:  rs.ImageURL,
			EpisodesURL: rs.EpisodesURL,
		})
		if err != nil {
			log.Printf("[sync %s] upsert series %s: %v", corrID, rs.SeriesID, err)
			continue
		}

		episodes, err := a.fetchEpisodes(ctx, rs.EpisodesURL)
		if err != nil {
			log.Printf("[sync %s] fetch episodes for series %s: %v", corrID, rs.SeriesID, err)
			continue
		}
		for _, re := range episodes {
			position, watched := store.CanonicalizeResume(re.Resume, re.EndTime-re.StartTime)
			_, err := a.episodes.Upsert(&store.Episode{
				SeriesRowID:     seriesRowID,
				ProgramID:       re.ProgramID,
				Title:           re.Title,
				EpisodeTitle:    re.EpisodeTitle,
				SeasonEpisode:   re.SeasonEpisode,
				Synopsis:        re.Synopsis,
				ChannelName:     re.ChannelName,
				ChannelNumber:   re.ChannelNumber,
				StartTime:       re.StartTime,
				EndTime:         re.EndTime,
				OriginalAirdate: re.OriginalAirdate,
				RecordStart:     re.RecordStartTime,
				RecordEnd:       re.RecordEndTime,
				Filename:        re.Filename,
				PlayURL:         re.PlayURL,
				CmdURL:          re.CmdURL,
				ResumePosition:  position,
				Watched:         watched,
				RecordSuccess:   re.RecordSuccess,
				ArtworkURL:      re.ImageURL,
				UpdatedAt:       time.Now().Unix(),
			})
			if err != nil {
				log.Printf("[sync %s] upsert episode %s: %v", corrID, re.ProgramID, err)
			}
		}
	}
	log.Printf("[sync %s] device %s: %d series synced", corrID, dev.DeviceID, len(seriesList))
	return nil
}

func (a *Adapter) fetchRecordedFiles(ctx context.Context, storageURL string) ([]recordedSeries, error) {
	var out []recordedSeries
	if err := a.getJSON(ctx, storageURL, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) fetchEpisodes(ctx context.Context, episodesURL string) ([]recordedEpisode, error) {
	var out []recordedEpisode
	if err := a.getJSON(ctx, episodesURL, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return tunererr.New(tunererr.InvalidArgument, "sync.getJSON", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return tunererr.New(tunererr.UpstreamUnreachable, "sync.getJSON", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return tunererr.New(tunererr.UpstreamUnavailable, "sync.getJSON", fmt.Errorf("status %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return tunererr.New(tunererr.Internal, "sync.getJSON", fmt.Errorf("status %s", resp.Status))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// UpdateProgress implements spec §4.5's progress write-through: the
// local row is authoritative and is written first; the appliance POST
// is fire-and-observe and never fails the caller (spec §7 policy).
func (a *Adapter) UpdateProgress(ctx context.Context, ep store.Episode, positionSeconds int64, watched bool) error {
	if err := a.episodes.UpdateProgress(ep.RowID, positionSeconds, watched, time.Now().Unix()); err != nil {
		return fmt.Errorf("sync: write local progress: %w", err)
	}

	value := positionSeconds
	if watched {
		value = int64(store.ResumeSentinel)
	}
	go a.postCmd(ep.CmdURL, url.Values{"cmd": {"set"}, "Resume": {strconv.FormatInt(value, 10)}})
	return nil
}

// DeleteEpisode implements spec §4.5's delete path: the appliance
// delete must succeed before any local mutation happens (spec §7 "fail
// fast before mutating local state" — the one exception to the
// best-effort-mirror policy).
func (a *Adapter) DeleteEpisode(ctx context.Context, ep store.Episode, allowRerecord bool) error {
	rerecord := "0"
	if allowRerecord {
		rerecord = "1"
	}
	if err := a.postCmdSync(ctx, ep.CmdURL, url.Values{"cmd": {"delete"}, "rerecord": {rerecord}}); err != nil {
		return tunererr.New(tunererr.UpstreamUnavailable, "DeleteEpisode", err)
	}

	if a.transcoder != nil {
		episodeID := strconv.FormatInt(ep.RowID, 10)
		if err := a.transcoder.DeleteTranscode(episodeID); err != nil {
			log.Printf("[sync] delete cache dir for %s: %v", episodeID, err)
		}
	}
	if err := a.episodes.Delete(ep.RowID); err != nil {
		return fmt.Errorf("sync: delete local episode row: %w", err)
	}
	return nil
}

// postCmd is the fire-and-observe path used by UpdateProgress: 5s
// timeout, failure logged but never surfaced.
func (a *Adapter) postCmd(cmdURL string, form url.Values) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.postCmdSync(ctx, cmdURL, form); err != nil {
		log.Printf("[sync] progress write-through to %s failed: %v", cmdURL, err)
	}
}

func (a *Adapter) postCmdSync(ctx context.Context, cmdURL string, form url.Values) error {
	u := cmdURL
	if q := form.Encode(); q != "" {
		sep := "?"
		if httpHasQuery(u) {
			sep = "&"
		}
		u += sep + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("appliance returned %s", resp.Status)
	}
	return nil
}

func httpHasQuery(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.RawQuery != ""
}
