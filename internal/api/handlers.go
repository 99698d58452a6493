package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tunerbridge/tunerbridge/internal/guide"
	"github.com/tunerbridge/tunerbridge/internal/live"
	"github.com/tunerbridge/tunerbridge/internal/store"
	"github.com/tunerbridge/tunerbridge/internal/transcode"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

func writeError(w http.ResponseWriter, err error) {
	kind := tunererr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(tunererr.HTTPStatus(kind))
	json.NewEncoder(w).Encode(map[string]string{"error": string(kind), "detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleStream serves /stream/{episode_id}/playlist.m3u8,
// /stream/{episode_id}/{filename}, and /stream/{episode_id}/status
// (spec §4.7, §6), starting an interactive transcode job on first
// request for a given episode (spec §8 scenario 1 "cold recorded
// playback").
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/stream/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	episodeID, rest := parts[0], parts[1]

	if rest == "status" {
		status, err := s.Transcode.Status(episodeID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, status)
		return
	}

	if err := s.ensureTranscodeStarted(r.Context(), episodeID); err != nil {
		writeError(w, err)
		return
	}

	filename := rest
	if filename == "playlist.m3u8" {
		filename = "stream.m3u8"
	}
	data, contentType, err := s.Transcode.Segment(r.Context(), episodeID, filename)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// ensureTranscodeStarted looks up the episode and spawns its transcode
// job if one hasn't already been started; StartTranscode itself is the
// idempotent no-op when a job is already complete or in progress.
func (s *Server) ensureTranscodeStarted(ctx context.Context, episodeID string) error {
	if _, err := s.Transcode.Status(episodeID); err == nil {
		return nil
	}
	rowID, err := strconv.ParseInt(episodeID, 10, 64)
	if err != nil {
		return tunererr.New(tunererr.InvalidArgument, "ensureTranscodeStarted", fmt.Errorf("malformed episode id %q", episodeID))
	}
	ep, err := s.episodeByRowID(rowID)
	if err != nil {
		return err
	}
	meta := transcode.Metadata{
		ShowName:    ep.Title,
		EpisodeName: ep.EpisodeTitle,
		AirDate:     time.Unix(ep.OriginalAirdate, 0).UTC().Format(time.RFC3339),
	}
	_, err = s.Transcode.StartTranscode(ctx, episodeID, ep.PlayURL, transcode.ModeInteractive, meta)
	return err
}

type watchRequest struct {
	Channel  string `json:"channel"`
	ClientID string `json:"clientId"`
}

func (s *Server) handleLiveWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tunererr.New(tunererr.InvalidArgument, "handleLiveWatch", err))
		return
	}
	key, err := s.Live.Watch(r.Context(), req.Channel, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"tuner_id": key.String()})
}

func (s *Server) handleLiveHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tunererr.New(tunererr.InvalidArgument, "handleLiveHeartbeat", err))
		return
	}
	if !s.Live.Heartbeat(req.ClientID) {
		writeError(w, tunererr.New(tunererr.NotFound, "handleLiveHeartbeat", fmt.Errorf("unknown client %q", req.ClientID)))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tunererr.New(tunererr.InvalidArgument, "handleLiveStop", err))
		return
	}
	s.Live.Release(req.ClientID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLiveTuners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Live.Tuners())
}

// handleLiveSegment serves /live/{tuner_id}/playlist.m3u8 and
// /live/{tuner_id}/{segment}.
func (s *Server) handleLiveSegment(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/live/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	key, err := parseTunerKey(parts[0])
	if err != nil {
		writeError(w, tunererr.New(tunererr.InvalidArgument, "handleLiveSegment", err))
		return
	}
	filename := parts[1]
	if filename == "playlist.m3u8" {
		filename = "stream.m3u8"
	}
	data, contentType, err := s.Live.ServeSegment(key, filename)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// parseTunerKey parses the "{device_id}-{tuner_index}" form produced by
// Key.String(), keyed on the last hyphen so device ids containing
// hyphens still parse correctly.
func parseTunerKey(s string) (live.Key, error) {
	idx := strings.LastIndex(s, "-")
	if idx < 0 {
		return live.Key{}, fmt.Errorf("malformed tuner id %q", s)
	}
	n, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return live.Key{}, fmt.Errorf("malformed tuner id %q", s)
	}
	return live.Key{DeviceID: s[:idx], TunerIndex: n}, nil
}

func (s *Server) handleGuideWindow(w http.ResponseWriter, r *http.Request) {
	start, end := parseWindow(r)
	progs, err := s.Guide.Window(r.Context(), s.Channels(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, progs)
}

func (s *Server) handleGuideNow(w http.ResponseWriter, r *http.Request) {
	progs, err := s.Guide.Now(r.Context(), s.Channels())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, progs)
}

func (s *Server) handleGuideSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	progs, err := s.Guide.Search(r.Context(), q, 0, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, progs)
}

func (s *Server) handleRecordingRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := s.Guide.Rules(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rules)
	case http.MethodPost:
		var rule store.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeError(w, tunererr.New(tunererr.InvalidArgument, "handleRecordingRules", err))
			return
		}
		cmd := guide.RuleCommand{Cmd: "add", Rule: &rule}
		if rule.RecordingRuleID != "" {
			cmd.Cmd = "change"
		}
		result, err := s.Guide.MutateRule(r.Context(), cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, result)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// episodeResponse rewrites play_url to the local HLS proxy per spec
// §4.7, retaining the appliance URL as source_url.
type episodeResponse struct {
	RowID          int64  `json:"id"`
	Title          string `json:"title"`
	EpisodeTitle   string `json:"episode_title"`
	ResumePosition int64  `json:"resume_position"`
	ResumeMinutes  int64  `json:"resume_minutes"`
	Watched        bool   `json:"watched"`
	PlayURL        string `json:"play_url"`
	SourceURL      string `json:"source_url"`
}

func toEpisodeResponse(e *store.Episode) episodeResponse {
	return episodeResponse{
		RowID:          e.RowID,
		Title:          e.Title,
		EpisodeTitle:   e.EpisodeTitle,
		ResumePosition: e.ResumePosition,
		ResumeMinutes:  e.ResumePosition / 60,
		Watched:        e.Watched,
		PlayURL:        "/stream/" + strconv.FormatInt(e.RowID, 10) + "/playlist.m3u8",
		SourceURL:      e.PlayURL,
	}
}

// handleEpisodes serves GET /episodes/{id}, PUT /episodes/{id}/progress,
// and DELETE /episodes/{id} (spec §8 scenario 2, §4.5).
func (s *Server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/episodes/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	rowID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, tunererr.New(tunererr.InvalidArgument, "handleEpisodes", err))
		return
	}

	if len(parts) == 2 && parts[1] == "progress" && r.Method == http.MethodPut {
		var body struct {
			Position int64 `json:"position"`
			Watched  bool  `json:"watched"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, tunererr.New(tunererr.InvalidArgument, "handleEpisodes", err))
			return
		}
		ep, err := s.episodeByRowID(rowID)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.Sync.UpdateProgress(r.Context(), *ep, body.Position, body.Watched); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if len(parts) == 1 && r.Method == http.MethodDelete {
		ep, err := s.episodeByRowID(rowID)
		if err != nil {
			writeError(w, err)
			return
		}
		allowRerecord := r.URL.Query().Get("rerecord") == "1"
		if err := s.Sync.DeleteEpisode(r.Context(), *ep, allowRerecord); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		ep, err := s.episodeByRowID(rowID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, toEpisodeResponse(ep))
		return
	}

	http.NotFound(w, r)
}

func (s *Server) episodeByRowID(rowID int64) (*store.Episode, error) {
	ep, err := s.Episodes.ByID(rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tunererr.New(tunererr.NotFound, "episodeByRowID", err)
	}
	return ep, err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if s.Discovery != nil {
		appliances := s.Discovery.Snapshot()
		online := 0
		for _, a := range appliances {
			if a.Online {
				online++
			}
		}
		health["appliances_known"] = len(appliances)
		health["appliances_online"] = online
	}
	if s.Cloud != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.Cloud.Ping(ctx); err != nil {
			health["cloud_reachable"] = false
			health["cloud_error"] = err.Error()
		} else {
			health["cloud_reachable"] = true
		}
	}
	writeJSON(w, health)
}

func parseWindow(r *http.Request) (start, end int64) {
	now := time.Now().Unix()
	start, end = now, now+24*3600
	if v := r.URL.Query().Get("start"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			start = n
		}
	}
	if v := r.URL.Query().Get("duration"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			end = start + n
		}
	}
	return start, end
}
