package store

import "database/sql"

// ResumeSentinel is the appliance's "fully watched" marker for the
// resume-position field (spec §3, §7, §9: "treat resume_position as an
// unsigned 32-bit domain").
const ResumeSentinel = 0xFFFFFFFF

// EpisodeRepo persists Episode records (spec §3 "Episode").
type EpisodeRepo struct{ db *sql.DB }

type Episode struct {
	RowID           int64
	SeriesRowID     int64
	ProgramID       string
	Title           string
	EpisodeTitle    string
	SeasonEpisode   string
	Season          int
	EpisodeNum      int
	Synopsis        string
	ChannelName     string
	ChannelNumber   string
	StartTime       int64
	EndTime         int64
	Duration        int64
	OriginalAirdate int64
	RecordStart     int64
	RecordEnd       int64
	Filename        string
	PlayURL         string
	CmdURL          string
	ResumePosition  int64
	Watched         bool
	RecordSuccess   bool
	ArtworkURL      string
	UpdatedAt       int64
}

// CanonicalizeResume implements spec §3/§9's sentinel rule: the
// appliance-reported sentinel 0xFFFFFFFF is canonicalized to the
// episode's own duration with watched=true; any other value passes
// through unchanged.
func CanonicalizeResume(rawResume uint32, duration int64) (position int64, watched bool) {
	if rawResume == ResumeSentinel {
		return duration, true
	}
	return int64(rawResume), false
}

func (r *EpisodeRepo) Upsert(e *Episode) (int64, error) {
	e.Duration = e.EndTime - e.StartTime
	res, err := r.db.Exec(`
		INSERT INTO episodes (series_row_id, program_id, title, episode_title, season_episode, season, episode,
			synopsis, channel_name, channel_number, start_time, end_time, duration, original_airdate,
			record_start, record_end, filename, play_url, cmd_url, resume_position, watched, record_success, artwork_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (series_row_id, program_id) DO UPDATE SET
			title = excluded.title, episode_title = excluded.episode_title, season_episode = excluded.season_episode,
			season = excluded.season, episode = excluded.episode, synopsis = excluded.synopsis,
			channel_name = excluded.channel_name, channel_number = excluded.channel_number,
			start_time = excluded.start_time, end_time = excluded.end_time, duration = excluded.duration,
			original_airdate = excluded.original_airdate, record_start = excluded.record_start, record_end = excluded.record_end,
			filename = excluded.filename, play_url = excluded.play_url, cmd_url = excluded.cmd_url,
			resume_position = excluded.resume_position, watched = excluded.watched,
			record_success = excluded.record_success, artwork_url = excluded.artwork_url, updated_at = excluded.updated_at
	`, e.SeriesRowID, e.ProgramID, e.Title, e.EpisodeTitle, e.SeasonEpisode, e.Season, e.EpisodeNum,
		e.Synopsis, e.ChannelName, e.ChannelNumber, e.StartTime, e.EndTime, e.Duration, e.OriginalAirdate,
		e.RecordStart, e.RecordEnd, e.Filename, e.PlayURL, e.CmdURL, e.ResumePosition, boolToInt(e.Watched), boolToInt(e.RecordSuccess), e.ArtworkURL, e.UpdatedAt)
	if err != nil {
		return 0, err
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}
	var id int64
	err = r.db.QueryRow(`SELECT id FROM episodes WHERE series_row_id = ? AND program_id = ?`, e.SeriesRowID, e.ProgramID).Scan(&id)
	return id, err
}

// UpdateProgress implements spec §4.5/§8: writes the local row first
// (source of truth); the appliance write-through is the caller's
// responsibility (internal/sync), not this repo's.
func (r *EpisodeRepo) UpdateProgress(rowID int64, position int64, watched bool, updatedAt int64) error {
	_, err := r.db.Exec(`UPDATE episodes SET resume_position = ?, watched = ?, updated_at = ? WHERE id = ?`,
		position, boolToInt(watched), updatedAt, rowID)
	return err
}

func (r *EpisodeRepo) ByID(rowID int64) (*Episode, error) {
	row := r.db.QueryRow(episodeSelect+` WHERE id = ?`, rowID)
	return scanEpisode(row)
}

// BySeriesSortedByStart returns episodes sorted by start time ascending,
// per spec §4.5 "sort episodes by start time ascending when presenting".
func (r *EpisodeRepo) BySeriesSortedByStart(seriesRowID int64) ([]*Episode, error) {
	rows, err := r.db.Query(episodeSelect+` WHERE series_row_id = ? ORDER BY start_time ASC`, seriesRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *EpisodeRepo) Delete(rowID int64) error {
	res, err := r.db.Exec(`DELETE FROM episodes WHERE id = ?`, rowID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const episodeSelect = `SELECT id, series_row_id, program_id, title, episode_title, season_episode, season, episode,
	synopsis, channel_name, channel_number, start_time, end_time, duration, original_airdate,
	record_start, record_end, filename, play_url, cmd_url, resume_position, watched, record_success, artwork_url, updated_at
	FROM episodes`

func scanEpisode(s scanner) (*Episode, error) {
	var e Episode
	var watched, recordSuccess int
	if err := s.Scan(&e.RowID, &e.SeriesRowID, &e.ProgramID, &e.Title, &e.EpisodeTitle, &e.SeasonEpisode, &e.Season, &e.EpisodeNum,
		&e.Synopsis, &e.ChannelName, &e.ChannelNumber, &e.StartTime, &e.EndTime, &e.Duration, &e.OriginalAirdate,
		&e.RecordStart, &e.RecordEnd, &e.Filename, &e.PlayURL, &e.CmdURL, &e.ResumePosition, &watched, &recordSuccess, &e.ArtworkURL, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Watched = watched != 0
	e.RecordSuccess = recordSuccess != 0
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
